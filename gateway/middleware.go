package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const principalKey contextKey = "chainpay.principal"

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey).(principal)
	return p, ok
}

// MerchantFrom exposes the authenticated merchant for cross-cutting layers
// such as the idempotency guard.
func MerchantFrom(r *http.Request) (uuid.UUID, bool) {
	p, ok := principalFrom(r.Context())
	if !ok {
		return uuid.Nil, false
	}
	return p.MerchantID, true
}

// requireAuth accepts either a JWT bearer token or the API-key triplet. The
// body is buffered so the signature can cover it and the handler can still
// read it.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearer := bearerToken(r); bearer != "" {
			merchantID, role, err := ParseToken(s.jwtSecret, bearer, s.nowFn())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
				return
			}
			p := principal{MerchantID: merchantID, Role: role, Credential: "jwt:" + merchantID.String()}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
			return
		}

		if r.Header.Get(HeaderAPIKey) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "credentials required")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		key, err := s.apiAuth.Authenticate(r.Context(), r, body)
		if err != nil {
			switch {
			case err == errReplay:
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "request replayed")
			case err == errMissingCredential, err == errBadCredential:
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
			default:
				writeDomainError(w, s.logger, err)
			}
			return
		}
		p := principal{MerchantID: key.MerchantID, Role: RoleMerchant, Credential: key.PublicID}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// requireAdmin gates a route on the admin role; it must run after requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok || p.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
