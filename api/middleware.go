package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"compensa/auth"
)

type contextKey string

const (
	ctxOperatorID contextKey = "operator_id"
	ctxRole       contextKey = "role"
)

func operatorID(ctx context.Context) string {
	id, _ := ctx.Value(ctxOperatorID).(string)
	return id
}

func roleFrom(ctx context.Context) auth.Role {
	r, _ := ctx.Value(ctxRole).(auth.Role)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// requireAuth validates the bearer token and stores the operator identity in
// the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("missing bearer token"))
			return
		}
		id, role, err := s.auth.VerifyToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxOperatorID, id)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a handler to the listed roles. Auditors pass every GET by
// construction because read endpoints are not wrapped.
func (s *Server) requireRole(next http.HandlerFunc, roles ...auth.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		have := roleFrom(r.Context())
		for _, want := range roles {
			if have == want {
				next(w, r)
				return
			}
		}
		writeJSON(w, http.StatusForbidden, errorBody("insufficient role"))
	}
}
