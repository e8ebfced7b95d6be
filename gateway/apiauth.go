package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainpay/models"
	"chainpay/storage"
)

const (
	// HeaderAPIKey identifies the credential (the pk_ public id).
	HeaderAPIKey = "X-API-Key"
	// HeaderTimestamp is the unix-seconds timestamp covered by the signature.
	HeaderTimestamp = "X-Timestamp"
	// HeaderSignature carries the hex HMAC-SHA256 over timestamp + rawBody.
	HeaderSignature = "X-Signature"
	// HeaderNonce optionally strengthens replay protection; without it only
	// timestamp monotonicity applies.
	HeaderNonce = "X-Nonce"

	allowedSkew    = 2 * time.Minute
	noncePruneEach = time.Minute
)

var (
	errMissingCredential = errors.New("gateway: missing credential")
	errBadCredential     = errors.New("gateway: invalid credential")
	errReplay            = errors.New("gateway: request replayed")
)

// APIAuthenticator verifies the API-key triplet against stored credentials.
type APIAuthenticator struct {
	store  *storage.Store
	nonces NonceStore
	nowFn  func() time.Time

	mu         sync.Mutex
	lastSeen   map[string]int64
	lastPruned time.Time
}

// NewAPIAuthenticator wires the triplet verifier. nonces may be nil, in which
// case only the timestamp-monotonicity check guards replays.
func NewAPIAuthenticator(store *storage.Store, nonces NonceStore) *APIAuthenticator {
	return &APIAuthenticator{
		store:    store,
		nonces:   nonces,
		nowFn:    time.Now,
		lastSeen: make(map[string]int64),
	}
}

// Authenticate validates headers and signature against the stored key and
// returns the owning credential row.
func (a *APIAuthenticator) Authenticate(ctx context.Context, r *http.Request, body []byte) (*models.APIKey, error) {
	publicID := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if publicID == "" {
		return nil, errMissingCredential
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if timestamp == "" || signature == "" {
		return nil, errMissingCredential
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, errBadCredential
	}
	now := a.nowFn().UTC()
	skew := now.Sub(time.Unix(secs, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > allowedSkew {
		return nil, errBadCredential
	}

	key, err := a.store.APIKeyByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errBadCredential
		}
		return nil, err
	}
	if key.Status != models.APIKeyActive {
		return nil, errBadCredential
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return nil, errBadCredential
	}
	if !signatureEqual(signature, SignRequest(key.SecretHash, timestamp, body)) {
		return nil, errBadCredential
	}

	if nonce := strings.TrimSpace(r.Header.Get(HeaderNonce)); nonce != "" && a.nonces != nil {
		a.prune(ctx, now)
		seen, err := a.nonces.Seen(ctx, publicID, timestamp, nonce, now)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, errReplay
		}
	} else if a.timestampReplayed(publicID, secs, now) {
		return nil, errReplay
	}

	if err := a.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		return nil, err
	}
	return key, nil
}

// timestampReplayed requires strictly increasing timestamps per key within
// the skew window when no nonce is supplied.
func (a *APIAuthenticator) timestampReplayed(publicID string, ts int64, now time.Time) bool {
	cutoff := now.Add(-allowedSkew).Unix()
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSeen[publicID]
	if ok && last >= cutoff && ts <= last {
		return true
	}
	a.lastSeen[publicID] = ts
	return false
}

func (a *APIAuthenticator) prune(ctx context.Context, now time.Time) {
	a.mu.Lock()
	due := a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= noncePruneEach
	if due {
		a.lastPruned = now
	}
	a.mu.Unlock()
	if due {
		_ = a.nonces.Prune(ctx, now.Add(-allowedSkew))
	}
}

// principal is the authenticated caller attached to the request context.
type principal struct {
	MerchantID uuid.UUID
	Role       string
	Credential string
}
