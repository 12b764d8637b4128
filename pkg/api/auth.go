package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/porthole-hpc/porthole/pkg/log"
)

type contextKey string

const principalKey contextKey = "principal"

// requirePrincipal extracts the authenticated user from the trusted
// header the fronting auth layer sets. Requests without one are rejected;
// the control plane never guesses identity.
func (s *Server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(s.cfg.AuthHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "no authenticated principal")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the authenticated user for a request that passed
// requirePrincipal.
func principal(r *http.Request) string {
	user, _ := r.Context().Value(principalKey).(string)
	return user
}

// requestLogger emits one structured line per request. Proxied IDE asset
// chatter logs at debug, the control endpoints at info.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := log.WithComponent("api").Debug()
		switch r.URL.Path {
		case "/healthz", "/metrics":
		default:
			if !s.isProxyPath(r.URL.Path) {
				ev = log.WithComponent("api").Info()
			}
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) isProxyPath(path string) bool {
	for _, ic := range s.cfg.IDEs {
		if len(path) >= len(ic.BasePath) && path[:len(ic.BasePath)] == ic.BasePath {
			return true
		}
	}
	return len(path) >= 6 && path[:6] == "/port/"
}
