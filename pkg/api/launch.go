package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/porthole-hpc/porthole/pkg/orchestrator"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// handleLaunchStream runs a launch and streams its events as server-sent
// events. The client dropping the connection cancels the launch.
func (s *Server) handleLaunchStream(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKeyFromRoute(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	cpus, err := strconv.Atoi(q.Get("cpus"))
	if err != nil || cpus <= 0 {
		writeError(w, http.StatusBadRequest, "cpus must be a positive integer")
		return
	}
	spec := types.LaunchSpec{
		CPUs:        cpus,
		Memory:      q.Get("mem"),
		Walltime:    q.Get("time"),
		Release:     q.Get("releaseVersion"),
		Accelerator: q.Get("gpu"),
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sseHeaders(w)

	for ev := range s.orch.Launch(r.Context(), key, spec) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// handleStop tears the session down. The body selects whether the batch
// job is cancelled too; an empty body means yes.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKeyFromRoute(w, r)
	if !ok {
		return
	}

	body := struct {
		CancelJob *bool `json:"cancelJob"`
	}{}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	cancelJob := body.CancelJob == nil || *body.CancelJob

	if err := s.orch.Stop(r.Context(), key, orchestrator.StopOptions{CancelJob: cancelJob}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// sessionKeyFromRoute validates the {cluster}/{ide} route segments against
// the deployment config and combines them with the principal.
func (s *Server) sessionKeyFromRoute(w http.ResponseWriter, r *http.Request) (types.SessionKey, bool) {
	clusterName := chi.URLParam(r, "cluster")
	ide := types.IDE(chi.URLParam(r, "ide"))

	if _, err := s.cfg.Cluster(clusterName); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return types.SessionKey{}, false
	}
	if _, err := s.cfg.IDE(ide); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return types.SessionKey{}, false
	}
	return types.SessionKey{User: principal(r), Cluster: clusterName, IDE: ide}, true
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
