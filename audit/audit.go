package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"chainpay/models"
)

// Sink persists audit rows. Satisfied by *storage.Store.
type Sink interface {
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
}

// Recorder captures prior/new state snapshots for every state-changing
// action. Failures are logged, never propagated: audit must not block the
// action it describes.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record writes one append-only audit row. prior and next are marshalled to
// JSON snapshots; nil snapshots are stored empty.
func (r *Recorder) Record(ctx context.Context, action, entityType, entityID string, merchantID *uuid.UUID, actorID string, prior, next interface{}, description string) {
	if r == nil || r.sink == nil {
		return
	}
	entry := &models.AuditLog{
		MerchantID:  merchantID,
		ActorID:     actorID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		PriorState:  marshalSnapshot(prior),
		NewState:    marshalSnapshot(next),
		Description: description,
	}
	if err := r.sink.AppendAudit(ctx, entry); err != nil {
		r.logger.Error("audit append failed", "action", action, "entity", entityType, "err", err)
	}
}

func marshalSnapshot(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
