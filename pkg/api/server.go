package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/events"
	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/orchestrator"
	"github.com/porthole-hpc/porthole/pkg/proxy"
	"github.com/porthole-hpc/porthole/pkg/state"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// Interrogator is the queue-read surface the status endpoint uses.
type Interrogator interface {
	CachedAllJobs(ctx context.Context, user, cluster string, refresh bool) (map[types.IDE]*types.JobRecord, error)
}

// Waker resets the poller's backoff; wired to client visibility signals.
// LastTick feeds the health endpoint.
type Waker interface {
	Wake()
	LastTick() time.Time
}

// Tunnels is the slice of the tunnel manager the /port passthrough and the
// health endpoint use.
type Tunnels interface {
	Start(ctx context.Context, key types.SessionKey, node string, remotePort int) (int, error)
	Stop(key types.SessionKey)
	Count() int
}

// Server is the HTTP front door: it authenticates the principal,
// dispatches launch/stop to the orchestrator, and routes IDE traffic to
// the proxy registry.
type Server struct {
	cfg    *config.Config
	store  *state.Store
	orch   *orchestrator.Orchestrator
	interr Interrogator
	broker *events.Broker
	waker  Waker
	reg    *proxy.Registry
	tun    Tunnels

	portMu       sync.Mutex
	portBindings map[string]*portBinding

	http *http.Server
}

// NewServer wires the front door over its collaborators.
func NewServer(cfg *config.Config, store *state.Store, orch *orchestrator.Orchestrator,
	interr Interrogator, broker *events.Broker, waker Waker, reg *proxy.Registry, tun Tunnels) *Server {
	s := &Server{
		cfg:          cfg,
		store:        store,
		orch:         orch,
		interr:       interr,
		broker:       broker,
		waker:        waker,
		reg:          reg,
		tun:          tun,
		portBindings: make(map[string]*portBinding),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exported for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requirePrincipal)

		r.Get("/cluster-status", s.handleClusterStatus)
		r.Get("/launch/{cluster}/{ide}/stream", s.handleLaunchStream)
		r.Post("/stop/{cluster}/{ide}", s.handleStop)
		r.Post("/wake", s.handleWake)
		r.Post("/logout", s.handleLogout)
		r.Get("/events/stream", s.handleEventStream)
		r.Get("/sessions/history", s.handleHistory)

		// IDE traffic: base paths, their -direct twins, and the arbitrary
		// port passthrough. WebSocket upgrades ride the same handlers.
		for ide := range s.cfg.IDEs {
			ic := s.cfg.IDEs[ide]
			r.Handle(ic.BasePath, s.proxyHandler(ide))
			r.Handle(ic.BasePath+"/*", s.proxyHandler(ide))
			r.Handle(ic.BasePath+"-direct", s.proxyHandler(ide))
			r.Handle(ic.BasePath+"-direct/*", s.proxyHandler(ide))
		}
		r.Handle("/port/{port}/*", http.HandlerFunc(s.handlePortPassthrough))
		r.Handle("/port/{port}", http.HandlerFunc(s.handlePortPassthrough))
	})

	return r
}

// Start binds and serves. Startup is fail-fast: a port that cannot be
// bound is returned, not retried.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.http.Addr).Msg("front door listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealthz reports per-component health: store occupancy, tunnel
// count, and the poller's last completed pass.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"store": map[string]any{
			"status":          "ok",
			"active_sessions": len(s.store.ListActive()),
		},
	}
	if s.tun != nil {
		components["tunnels"] = map[string]any{
			"status": "ok",
			"count":  s.tun.Count(),
		}
	}
	if s.waker != nil {
		pol := map[string]any{"status": "ok"}
		if last := s.waker.LastTick(); !last.IsZero() {
			pol["last_tick"] = last.UTC().Format(time.RFC3339)
		}
		components["poller"] = pol
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "components": components})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if s.waker != nil {
		s.waker.Wake()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleLogout ends the principal's sessions when revoke-on-logout is
// configured; otherwise sessions survive the login.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	if s.cfg.Revoke() {
		for _, sess := range s.store.ListByUser(user) {
			if !sess.Active() {
				continue
			}
			if err := s.orch.Stop(r.Context(), sess.Key, orchestrator.StopOptions{CancelJob: true}); err != nil {
				log.WithComponent("api").Warn().
					Str("session_key", sess.Key.String()).Err(err).
					Msg("logout stop failed")
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	transitions, err := s.store.History(principal(r), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
