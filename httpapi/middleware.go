package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"marketflow/auth"
	"marketflow/logging"
	"marketflow/metrics"
)

type principalKey struct{}

// PrincipalFromContext returns the verified caller, if any.
func PrincipalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// requestContext copies chi's request id (or the caller's X-Correlation-ID)
// into the logging context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rid := middleware.GetReqID(ctx)
		if rid == "" {
			rid = logging.NewRequestID()
		}
		ctx = logging.ContextWithRequestID(ctx, rid)
		if cid := r.Header.Get("X-Correlation-ID"); cid != "" {
			ctx = logging.ContextWithCorrelationID(ctx, cid)
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog records latency and status per route.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, status, elapsed)
		logging.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// requireBearer rejects requests without a valid bearer token.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Missing authorization header", "")
			return
		}
		principal, err := s.verifier.VerifyToken(token)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrRoleNotAllowed) {
				status = http.StatusForbidden
			}
			logging.Ctx(r.Context()).Debug().Err(err).Msg("bearer rejected")
			respondError(w, status, "Invalid or expired token", "")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
