package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"chainpay/models"
	"chainpay/storage"
)

const (
	// Header carries the client-chosen request key.
	Header = "Idempotency-Key"
	// ReplayHeader marks responses served from the stored copy.
	ReplayHeader = "Idempotent-Replay"

	// DefaultTTL bounds how long completed keys are replayable.
	DefaultTTL = 24 * time.Hour

	maxBodyBytes  = 1 << 20
	sweepInterval = time.Hour
)

// MerchantFunc extracts the authenticated merchant from the request. Keys are
// scoped per merchant so two tenants can reuse the same key value.
type MerchantFunc func(r *http.Request) (uuid.UUID, bool)

// ErrorFunc writes an error response in the API's envelope format.
type ErrorFunc func(w http.ResponseWriter, status int, code, message string)

// Guard deduplicates mutating requests keyed on the Idempotency-Key header.
// The first request runs and its response is stored; replays within the TTL
// receive the stored response byte for byte.
type Guard struct {
	store      *storage.Store
	ttl        time.Duration
	merchantFn MerchantFunc
	errorFn    ErrorFunc
	logger     *slog.Logger
	nowFn      func() time.Time
}

// Option customizes a guard.
type Option func(*Guard)

// WithTTL overrides the key retention window.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

// WithClock overrides the guard clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.nowFn = now }
}

// WithErrorWriter overrides how guard-level errors are rendered.
func WithErrorWriter(fn ErrorFunc) Option {
	return func(g *Guard) { g.errorFn = fn }
}

// NewGuard wires the idempotency layer.
func NewGuard(store *storage.Store, merchantFn MerchantFunc, logger *slog.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		store:      store,
		ttl:        DefaultTTL,
		merchantFn: merchantFn,
		errorFn:    defaultErrorWriter,
		logger:     logger,
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func defaultErrorWriter(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"error":{"code":"` + code + `","message":"` + message + `"}}`))
}

// responseRecorder captures the handler's response so it can be stored.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware applies the guard to mutating requests carrying the key header.
// Requests without the header pass through untouched.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(Header)
		if key == "" || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		merchantID, ok := g.merchantFn(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			g.errorFn(w, http.StatusBadRequest, "INVALID_REQUEST", "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		now := g.nowFn().UTC()
		rec := &models.IdempotencyKey{
			Key:         merchantID.String() + ":" + key,
			MerchantID:  merchantID,
			Method:      r.Method,
			Path:        r.URL.Path,
			RequestHash: fingerprint(r.Method, r.URL.Path, body),
			ExpiresAt:   now.Add(g.ttl),
		}
		stored, created, err := g.store.BeginIdempotent(r.Context(), rec)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				g.errorFn(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT",
					"idempotency key reused with a different request")
				return
			}
			g.logger.Error("idempotency begin failed", "err", err)
			g.errorFn(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		if !created {
			g.replay(w, stored)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if err := g.store.CompleteIdempotent(r.Context(), rec.Key, status, recorder.body.Bytes(), g.nowFn().UTC()); err != nil {
			g.logger.Error("idempotency complete failed", "key", rec.Key, "err", err)
		}
	})
}

func (g *Guard) replay(w http.ResponseWriter, stored *models.IdempotencyKey) {
	if stored.CompletedAt == nil {
		g.errorFn(w, http.StatusConflict, "REQUEST_IN_PROGRESS",
			"original request is still being processed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Response)
}

func fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// RunSweeper garbage-collects expired keys until ctx is done.
func (g *Guard) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := g.store.SweepIdempotency(ctx, g.nowFn().UTC())
			if err != nil {
				g.logger.Error("idempotency sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				g.logger.Debug("idempotency keys swept", "removed", removed)
			}
		}
	}
}
