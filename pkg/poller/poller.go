package poller

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/porthole-hpc/porthole/pkg/events"
	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/state"
	"github.com/porthole-hpc/porthole/pkg/types"
)

const (
	// backoffThreshold is how many unchanged ticks precede backoff.
	backoffThreshold = 3
	backoffFactor    = 1.5
	maxInterval      = time.Hour

	// pendingInterval pins the pace while any session awaits allocation.
	pendingInterval = 15 * time.Second
	// idleInterval is the pace with no sessions at all.
	idleInterval = 30 * time.Minute

	// timeLeftBucket coarsens time-left for the change hash so the steady
	// countdown alone never registers as change.
	timeLeftBucket = 5 * time.Minute

	// readConcurrency caps simultaneous scheduler reads per tick.
	readConcurrency = 8
)

// JobSource supplies one queue read per (user, cluster). The cluster
// interrogator satisfies it.
type JobSource interface {
	GetAllJobs(ctx context.Context, user, cluster string) (map[types.IDE]*types.JobRecord, error)
}

// Lifecycle is the slice of the orchestrator the poller drives when a
// reconciliation demands more than a record update.
type Lifecycle interface {
	// Establish completes a pending session whose job has been allocated.
	Establish(ctx context.Context, key types.SessionKey, node string) error
	// Expire completes a session whose job vanished from the queue.
	Expire(ctx context.Context, key types.SessionKey) error
}

// Poller is the single background loop reconciling the state store against
// the scheduler for every active user. Pacing adapts to the worst
// time-left across running sessions and backs off exponentially while
// nothing changes.
type Poller struct {
	store     *state.Store
	source    JobSource
	lifecycle Lifecycle
	broker    *events.Broker
	clock     clockwork.Clock

	stopCh chan struct{}
	wakeCh chan struct{}
	doneCh chan struct{}

	stopOnce sync.Once

	tickMu   sync.Mutex
	lastTick time.Time
}

// New creates a poller. Start begins the loop.
func New(store *state.Store, source JobSource, lifecycle Lifecycle, broker *events.Broker, clock clockwork.Clock) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		store:     store,
		source:    source,
		lifecycle: lifecycle,
		broker:    broker,
		clock:     clock,
		stopCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (p *Poller) Start() {
	go p.run()
	log.WithComponent("poller").Info().Msg("poller started")
}

// Stop halts the loop and waits for the current tick to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Wake resets backoff and triggers an immediate tick. Wired to client
// visibility and reconnect signals.
func (p *Poller) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Poller) run() {
	defer close(p.doneCh)

	var lastHash uint64
	unchanged := 0

	for {
		hash := p.Tick(context.Background())
		if hash != lastHash {
			lastHash = hash
			unchanged = 0
		} else {
			unchanged++
		}

		interval := p.interval(unchanged)
		log.WithComponent("poller").Debug().
			Dur("interval", interval).Int("unchanged", unchanged).
			Msg("tick complete")

		select {
		case <-p.stopCh:
			return
		case <-p.wakeCh:
			unchanged = 0
			lastHash = 0
		case <-p.clock.After(interval):
		}
	}
}

// LastTick reports when the last reconciliation pass finished.
func (p *Poller) LastTick() time.Time {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	return p.lastTick
}

// Tick runs one reconciliation pass and returns the state-change hash.
func (p *Poller) Tick(ctx context.Context) uint64 {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PollDuration)
	metrics.PollCyclesTotal.Inc()
	defer func() {
		p.tickMu.Lock()
		p.lastTick = p.clock.Now()
		p.tickMu.Unlock()
	}()

	type result struct {
		user, cluster string
		jobs          map[types.IDE]*types.JobRecord
		err           error
	}

	pairs := p.store.ActiveUserClusters()
	var (
		mu      sync.Mutex
		results []result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for user, clusters := range pairs {
		for _, cl := range clusters {
			user, cl := user, cl
			g.Go(func() error {
				jobs, err := p.source.GetAllJobs(gctx, user, cl)
				mu.Lock()
				results = append(results, result{user: user, cluster: cl, jobs: jobs, err: err})
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()

	for _, r := range results {
		if r.err != nil {
			// Affected sessions keep their previous state.
			metrics.PollWarningsTotal.Inc()
			log.WithComponent("poller").Warn().
				Str("user", r.user).Str("cluster", r.cluster).Err(r.err).
				Msg("queue read failed, keeping previous state")
			p.publishWarning(r.user, r.cluster, r.err)
			continue
		}
		p.reconcile(ctx, r.user, r.cluster, r.jobs)
	}

	return p.stateHash()
}

// reconcile folds one (user, cluster) queue read into the store.
func (p *Poller) reconcile(ctx context.Context, user, cluster string, jobs map[types.IDE]*types.JobRecord) {
	for _, sess := range p.store.ListByUser(user) {
		if sess.Key.Cluster != cluster || !sess.Active() {
			continue
		}
		rec := jobs[sess.Key.IDE]
		if rec != nil && sess.JobID != "" && rec.ID != sess.JobID {
			// A queue row for some other job under the same name; the
			// session's own job is gone.
			rec = nil
		}

		switch {
		case rec == nil:
			if err := p.lifecycle.Expire(ctx, sess.Key); err != nil {
				log.WithComponent("poller").Warn().
					Str("session_key", sess.Key.String()).Err(err).
					Msg("expire failed")
			}

		case sess.Status == types.StatusPending:
			p.updateFromRecord(sess.Key, rec)
			if rec.Allocated() {
				// Establishment can spend 30 s on the port file; do not
				// stall the tick on it.
				key, node := sess.Key, rec.Node
				go func() {
					if err := p.lifecycle.Establish(context.Background(), key, node); err != nil {
						log.WithComponent("poller").Warn().
							Str("session_key", key.String()).Err(err).
							Msg("establish failed")
					}
				}()
			}

		case sess.Status == types.StatusRunning:
			p.updateFromRecord(sess.Key, rec)
		}
	}
}

// updateFromRecord refreshes scheduler-derived fields, publishing an
// update event only when something moved.
func (p *Poller) updateFromRecord(key types.SessionKey, rec *types.JobRecord) {
	changed := false
	_, err := p.store.Update(key, func(s *types.Session) error {
		if s.Node != rec.Node && rec.Node != "" {
			s.Node = rec.Node
			changed = true
		}
		if s.TimeLeftSeconds != rec.TimeLeftSeconds {
			s.TimeLeftSeconds = rec.TimeLeftSeconds
			changed = true
		}
		if rec.TimeLimitSeconds > 0 && s.TimeLimitSeconds != rec.TimeLimitSeconds {
			s.TimeLimitSeconds = rec.TimeLimitSeconds
			changed = true
		}
		return nil
	})
	if err != nil {
		log.WithComponent("poller").Warn().
			Str("session_key", key.String()).Err(err).Msg("record update failed")
		return
	}
	if changed && p.broker != nil {
		p.broker.Publish(&events.Event{
			ID:         uuid.NewString(),
			Type:       events.EventSessionUpdated,
			SessionKey: key,
			JobID:      rec.ID,
		})
	}
}

// stateHash summarises the active set: keys, statuses, job ids, and
// time-left coarsened into 5-minute buckets. Identical hashes across ticks
// mean nothing the UI cares about moved.
func (p *Poller) stateHash() uint64 {
	sessions := p.store.ListActive()
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		bucket := s.TimeLeftSeconds / int64(timeLeftBucket/time.Second)
		lines = append(lines, s.Key.String()+"|"+string(s.Status)+"|"+s.JobID+"|"+strconv.FormatInt(bucket, 10))
	}
	sort.Strings(lines)

	h := fnv.New64a()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// interval picks the next sleep: the time-left keyed base, then the
// unchanged-tick multiplier.
func (p *Poller) interval(unchanged int) time.Duration {
	base := p.baseInterval()
	if unchanged < backoffThreshold {
		return base
	}
	d := time.Duration(float64(base) * math.Pow(backoffFactor, float64(unchanged-2)))
	if d > maxInterval {
		d = maxInterval
	}
	return d
}

// baseInterval applies the pacing table keyed by the worst time-left
// across running sessions. Any pending session pins the fast pace.
func (p *Poller) baseInterval() time.Duration {
	sessions := p.store.ListActive()
	if len(sessions) == 0 {
		return idleInterval
	}

	worst := int64(math.MaxInt64)
	for _, s := range sessions {
		if s.Status == types.StatusPending {
			return pendingInterval
		}
		tl := s.TimeLeftSeconds
		if tl <= 0 {
			// Unknown time-left counts as imminent.
			return pendingInterval
		}
		if tl < worst {
			worst = tl
		}
	}

	switch {
	case worst < 10*60:
		return 15 * time.Second
	case worst < 30*60:
		return time.Minute
	case worst < 60*60:
		return 5 * time.Minute
	case worst < 6*60*60:
		return 10 * time.Minute
	default:
		return 30 * time.Minute
	}
}

func (p *Poller) publishWarning(user, cluster string, err error) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    events.EventPollWarning,
		Message: "queue read for " + user + "@" + cluster + " failed: " + err.Error(),
	})
}
