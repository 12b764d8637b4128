package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/orchestrator"
	"github.com/porthole-hpc/porthole/pkg/state"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// scanInterval is how often running sessions are checked for idleness.
const scanInterval = time.Minute

// Stopper tears sessions down; the orchestrator satisfies it.
type Stopper interface {
	Stop(ctx context.Context, key types.SessionKey, opts orchestrator.StopOptions) error
}

// Reaper cancels running sessions whose last proxied byte is older than
// the configured threshold. A zero threshold disables it.
type Reaper struct {
	store     *state.Store
	stopper   Stopper
	threshold time.Duration
	clock     clockwork.Clock

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a reaper. Start begins the scan loop.
func New(store *state.Store, stopper Stopper, threshold time.Duration, clock clockwork.Clock) *Reaper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reaper{
		store:     store,
		stopper:   stopper,
		threshold: threshold,
		clock:     clock,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the scan loop. A disabled reaper starts nothing.
func (r *Reaper) Start() {
	if r.threshold <= 0 {
		close(r.doneCh)
		log.WithComponent("reaper").Info().Msg("idle reaper disabled")
		return
	}
	go r.run()
	log.WithComponent("reaper").Info().
		Dur("threshold", r.threshold).Msg("idle reaper started")
}

// Stop halts the loop.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.clock.After(scanInterval):
			r.Scan(context.Background())
		}
	}
}

// Scan reaps every running session idle past the threshold. Stops are
// idempotent, so racing a user stop or a poller expiry is harmless.
func (r *Reaper) Scan(ctx context.Context) {
	now := r.clock.Now().UTC()
	for _, sess := range r.store.ListActive() {
		if sess.Status != types.StatusRunning {
			continue
		}
		idle := now.Sub(sess.LastActivity)
		if sess.LastActivity.IsZero() || idle < r.threshold {
			continue
		}

		log.WithSession(sess.Key.String()).Info().
			Dur("idle", idle).Msg("reaping idle session")
		err := r.stopper.Stop(ctx, sess.Key, orchestrator.StopOptions{
			CancelJob: true,
			Reason:    types.EndReasonIdle,
		})
		if err != nil {
			log.WithSession(sess.Key.String()).Warn().Err(err).
				Msg("reap failed, will retry next scan")
			continue
		}
		metrics.SessionsReapedTotal.Inc()
	}
}
