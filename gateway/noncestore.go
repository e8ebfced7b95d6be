package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	noncePrefix    = "n:"
	observedPrefix = "t:"
)

// NonceStore provides durable replay protection for API-key requests.
type NonceStore interface {
	// Seen records the nonce and reports whether it was already present.
	Seen(ctx context.Context, apiKey, timestamp, nonce string, observed time.Time) (bool, error)
	// Prune drops nonces observed before cutoff.
	Prune(ctx context.Context, cutoff time.Time) error
	Close() error
}

// LevelDBNonceStore persists nonce usage in LevelDB. A secondary
// time-ordered index keeps pruning a bounded range scan.
type LevelDBNonceStore struct {
	db *leveldb.DB
}

// OpenNonceStore opens or creates the nonce database at path.
func OpenNonceStore(path string) (*LevelDBNonceStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("gateway: nonce store path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: open nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBNonceStore) Seen(_ context.Context, apiKey, timestamp, nonce string, observed time.Time) (bool, error) {
	composite := apiKey + "|" + timestamp + "|" + nonce
	key := []byte(noncePrefix + composite)
	_, err := s.db.Get(key, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return false, fmt.Errorf("gateway: read nonce: %w", err)
	}

	nanos := observed.UTC().UnixNano()
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(nanos))
	batch := new(leveldb.Batch)
	batch.Put(key, value)
	batch.Put([]byte(observedKey(nanos, composite)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("gateway: record nonce: %w", err)
	}
	return false, nil
}

func (s *LevelDBNonceStore) Prune(ctx context.Context, cutoff time.Time) error {
	limit := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if string(iter.Key()) >= string(limit) {
			break
		}
		raw := string(iter.Key())
		// t:<nanos>:<composite>
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) == 3 {
			batch.Delete([]byte(noncePrefix + parts[2]))
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("gateway: iterate nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("gateway: prune nonces: %w", err)
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedPrefix, nanos, composite)
}

// memoryNonceStore backs tests and deployments without a data directory.
type memoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryNonceStore returns a process-local NonceStore.
func NewMemoryNonceStore() NonceStore {
	return &memoryNonceStore{seen: make(map[string]time.Time)}
}

func (m *memoryNonceStore) Seen(_ context.Context, apiKey, timestamp, nonce string, observed time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := apiKey + "|" + timestamp + "|" + nonce
	if _, ok := m.seen[key]; ok {
		return true, nil
	}
	m.seen[key] = observed
	return false, nil
}

func (m *memoryNonceStore) Prune(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, observed := range m.seen {
		if observed.Before(cutoff) {
			delete(m.seen, key)
		}
	}
	return nil
}

func (m *memoryNonceStore) Close() error { return nil }
