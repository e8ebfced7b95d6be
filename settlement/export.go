package settlement

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"chainpay/storage"
)

// reportRow is the flattened settled-payment record written to report files.
type reportRow struct {
	TransactionID    string `parquet:"name=transaction_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MerchantID       string `parquet:"name=merchant_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash           string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettlementTxHash string `parquet:"name=settlement_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount           string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency         string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt        int64  `parquet:"name=settled_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// Exporter writes settled-payment reports for reconciliation tooling.
type Exporter struct {
	store *storage.Store
	dir   string
}

// NewExporter writes reports under dir, creating it if needed.
func NewExporter(store *storage.Store, dir string) *Exporter {
	return &Exporter{store: store, dir: dir}
}

// Export writes the settled payments inside [from, to) as both a parquet file
// and a CSV sidecar, returning the parquet path.
func (x *Exporter) Export(ctx context.Context, from, to time.Time) (string, error) {
	rows, err := x.store.SettledRange(ctx, from, to)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return "", fmt.Errorf("settlement: export dir: %w", err)
	}
	stem := fmt.Sprintf("settlements-%s", from.UTC().Format("20060102"))

	records := make([]reportRow, 0, len(rows))
	for _, row := range rows {
		hash := ""
		if row.TxHash != nil {
			hash = *row.TxHash
		}
		records = append(records, reportRow{
			TransactionID:    row.ID.String(),
			MerchantID:       row.MerchantID.String(),
			TxHash:           hash,
			SettlementTxHash: row.SettlementTxHash,
			Amount:           row.Amount.String(),
			Currency:         row.Currency,
			Status:           string(row.Status),
			SettledAt:        row.UpdatedAt.UTC().UnixMilli(),
		})
	}

	parquetPath := filepath.Join(x.dir, stem+".parquet")
	if err := writeParquet(parquetPath, records); err != nil {
		return "", err
	}
	if err := writeCSV(filepath.Join(x.dir, stem+".csv"), records); err != nil {
		return "", err
	}
	return parquetPath, nil
}

func writeParquet(path string, records []reportRow) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("settlement: parquet open: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(reportRow), 2)
	if err != nil {
		fw.Close()
		return fmt.Errorf("settlement: parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("settlement: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("settlement: parquet finalize: %w", err)
	}
	return fw.Close()
}

func writeCSV(path string, records []reportRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: csv open: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"transaction_id", "merchant_id", "tx_hash", "settlement_tx_hash", "amount", "currency", "status", "settled_at"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		settledAt := time.UnixMilli(rec.SettledAt).UTC().Format(time.RFC3339)
		row := []string{rec.TransactionID, rec.MerchantID, rec.TxHash, rec.SettlementTxHash, rec.Amount, rec.Currency, rec.Status, settledAt}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
