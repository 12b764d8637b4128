package api

import (
	"net/http"

	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// IdeStatus is one cell of the cluster-status grid.
type IdeStatus struct {
	Status           string `json:"status"` // idle | pending | running | unknown
	JobID            string `json:"jobId,omitempty"`
	Node             string `json:"node,omitempty"`
	StartTime        string `json:"startTime,omitempty"`
	TimeLeftSeconds  int64  `json:"timeLeftSeconds,omitempty"`
	TimeLimitSeconds int64  `json:"timeLimitSeconds,omitempty"`
	CPUs             int    `json:"cpus,omitempty"`
	Memory           string `json:"memory,omitempty"`
	Token            string `json:"token,omitempty"`
}

// handleClusterStatus reports the scheduler's view of the principal's IDE
// jobs on every configured cluster. ?refresh=1 bypasses the read cache.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	refresh := r.URL.Query().Get("refresh") == "1"
	if refresh && s.waker != nil {
		s.waker.Wake()
	}

	out := make(map[string]map[string]IdeStatus, len(s.cfg.Clusters))
	for clusterName := range s.cfg.Clusters {
		jobs, err := s.interr.CachedAllJobs(r.Context(), user, clusterName, refresh)
		row := make(map[string]IdeStatus, len(s.cfg.IDEs))
		if err != nil {
			log.WithComponent("api").Warn().
				Str("user", user).Str("cluster", clusterName).Err(err).
				Msg("cluster status read failed")
			for ide := range s.cfg.IDEs {
				row[string(ide)] = IdeStatus{Status: "unknown"}
			}
			out[clusterName] = row
			continue
		}

		for ide := range s.cfg.IDEs {
			rec := jobs[ide]
			if rec == nil {
				row[string(ide)] = IdeStatus{Status: "idle"}
				continue
			}
			st := IdeStatus{
				JobID:            rec.ID,
				Node:             rec.Node,
				StartTime:        rec.StartTime,
				TimeLeftSeconds:  rec.TimeLeftSeconds,
				TimeLimitSeconds: rec.TimeLimitSeconds,
				CPUs:             rec.CPUs,
				Memory:           rec.Memory,
			}
			if rec.Allocated() {
				st.Status = "running"
			} else {
				st.Status = "pending"
			}
			key := types.SessionKey{User: user, Cluster: clusterName, IDE: ide}
			if sess, serr := s.store.Get(key); serr == nil && sess.Active() && sess.JobID == rec.ID {
				st.Token = sess.Token
			}
			row[string(ide)] = st
		}
		out[clusterName] = row
	}

	writeJSON(w, http.StatusOK, out)
}
