package tenancy

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"
)

type ctxKey int

const (
	customerIDKey ctxKey = iota
	contextHashKey
)

// AuditRecorder is the slice of the audit log the middleware needs. Failures
// to record are logged and swallowed, never surfaced to the request.
type AuditRecorder interface {
	Record(ctx context.Context, eventType, agentType, customerID string, success bool, details map[string]any)
}

// Enforce returns a middleware for routes mounted under
// /agents/{customer_id}/... . It rejects requests whose customer_id path
// segment is missing or not a UUID v4 with 403, and otherwise attaches the
// tenant id and a context hash to the request context.
func Enforce(audit AuditRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			customerID := chi.URLParam(r, "customer_id")
			if !IsUUIDv4(customerID) {
				log.Info(r.Context(), log.KV{K: "msg", V: "rejected agent request"},
					log.KV{K: "path", V: r.URL.Path}, log.KV{K: "customer_id", V: customerID})
				if audit != nil {
					audit.Record(r.Context(), "context_enforcement_rejected", "", customerID, false,
						map[string]any{"path": r.URL.Path})
				}
				http.Error(w, "invalid or missing customer id", http.StatusForbidden)
				return
			}
			hash := ContextHash(customerID, r.URL.Path, time.Now())
			if audit != nil {
				audit.Record(r.Context(), "context_enforced", "", customerID, true,
					map[string]any{"path": r.URL.Path, "context_hash": hash})
			}
			ctx := context.WithValue(r.Context(), customerIDKey, customerID)
			ctx = context.WithValue(ctx, contextHashKey, hash)
			ctx = log.With(ctx, log.KV{K: "customer_id", V: customerID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CustomerIDFromContext returns the tenant id attached by Enforce, if any.
func CustomerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(customerIDKey).(string)
	return id, ok
}

// HashFromContext returns the context hash attached by Enforce, if any.
func HashFromContext(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(contextHashKey).(string)
	return h, ok
}
