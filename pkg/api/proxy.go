package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/proxy"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// proxyHandler routes IDE traffic under one base path to the principal's
// session. Sessions are resolved per request from the authenticated user,
// never from shared process state.
func (s *Server) proxyHandler(ide types.IDE) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := s.resolveSession(principal(r), ide)
		if sess == nil {
			writeError(w, http.StatusNotFound, "no running "+string(ide)+" session")
			return
		}
		handle, ok := s.reg.Get(sess.Key)
		if !ok {
			// The session record exists but its binding does not; a
			// relaunch is the way out.
			writeError(w, http.StatusBadGateway, "session has no live proxy binding")
			return
		}

		markMonitor(r)
		handle.ServeHTTP(w, r)
	})
}

// resolveSession picks the principal's running session for an IDE. With
// sessions on more than one cluster, the most recently started wins.
func (s *Server) resolveSession(user string, ide types.IDE) *types.Session {
	var candidates []*types.Session
	for _, sess := range s.store.ListByUser(user) {
		if sess.Key.IDE == ide && sess.Status == types.StatusRunning {
			candidates = append(candidates, sess)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].StartedAt, candidates[j].StartedAt
		if si == nil || sj == nil {
			return sj == nil
		}
		return si.After(*sj)
	})
	return candidates[0]
}

// markMonitor tags health-check traffic so it does not count as user
// activity. Everything else has any spoofed marker stripped.
func markMonitor(r *http.Request) {
	if r.URL.Query().Get("monitor") == "1" {
		r.Header.Set(proxy.MonitorHeader, "1")
	} else {
		r.Header.Del(proxy.MonitorHeader)
	}
}

// portBinding is one lazily opened passthrough to an arbitrary port on
// the session's compute node.
type portBinding struct {
	key    types.SessionKey
	owner  types.SessionKey
	handle *proxy.Handle
}

// handlePortPassthrough forwards /port/<n>/** to port n on the compute
// node of the principal's most recent running session. The tunnel is
// opened on first use and torn down when the owning session is gone.
func (s *Server) handlePortPassthrough(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port <= 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	owner := s.newestRunningSession(user)
	bindKey := user + "/" + strconv.Itoa(port)

	s.portMu.Lock()
	binding := s.portBindings[bindKey]
	if binding != nil && (owner == nil || binding.owner != owner.Key) {
		// Owning session changed or ended; drop the stale tunnel.
		s.tun.Stop(binding.key)
		delete(s.portBindings, bindKey)
		binding = nil
	}
	s.portMu.Unlock()

	if owner == nil {
		writeError(w, http.StatusNotFound, "no running session to route through")
		return
	}

	if binding == nil {
		synthetic := types.SessionKey{
			User:    user,
			Cluster: owner.Key.Cluster,
			IDE:     types.IDE("port-" + strconv.Itoa(port)),
		}
		localPort, terr := s.tun.Start(r.Context(), synthetic, owner.Node, port)
		if terr != nil {
			log.WithUser(user).Warn().Int("port", port).Err(terr).
				Msg("passthrough tunnel failed")
			writeError(w, http.StatusBadGateway, "could not reach port on compute node")
			return
		}
		binding = &portBinding{
			key:    synthetic,
			owner:  owner.Key,
			handle: s.reg.BindPort(owner.Key, localPort, port),
		}
		s.portMu.Lock()
		if existing := s.portBindings[bindKey]; existing != nil {
			// Lost the race; keep the first tunnel.
			s.portMu.Unlock()
			s.tun.Stop(synthetic)
			binding = existing
		} else {
			s.portBindings[bindKey] = binding
			s.portMu.Unlock()
		}
	}

	markMonitor(r)
	binding.handle.ServeHTTP(w, r)
}

// newestRunningSession picks the principal's freshest running session of
// any IDE, the one whose node a dev-server passthrough most plausibly
// targets.
func (s *Server) newestRunningSession(user string) *types.Session {
	var best *types.Session
	for _, sess := range s.store.ListByUser(user) {
		if sess.Status != types.StatusRunning || sess.Node == "" {
			continue
		}
		if best == nil || later(sess.StartedAt, best.StartedAt) {
			best = sess
		}
	}
	return best
}

func later(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}
