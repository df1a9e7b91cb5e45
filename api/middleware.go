package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

// UserHeader carries the authenticated caller, set by the gateway.
const UserHeader = "X-User-ID"

type userKey struct{}

// RequireUser rejects requests without X-User-ID and stores the id in the
// request context. Handlers read it with UserID and pass it on explicitly.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+UserHeader+" header", nil)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, generic.UserID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the caller set by RequireUser, or "".
func UserID(ctx context.Context) generic.UserID {
	id, _ := ctx.Value(userKey{}).(generic.UserID)
	return id
}

// AccessLog writes one entry per request.
func AccessLog(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
			if id := r.Header.Get(UserHeader); id != "" {
				entry = entry.WithField("user_id", id)
			}
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				entry.Error("request failed")
			case ww.Status() >= http.StatusBadRequest:
				entry.Warn("request rejected")
			default:
				entry.Info("request handled")
			}
		})
	}
}
