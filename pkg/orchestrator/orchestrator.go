package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/porthole-hpc/porthole/pkg/cluster"
	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/events"
	"github.com/porthole-hpc/porthole/pkg/jobscript"
	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/proxy"
	"github.com/porthole-hpc/porthole/pkg/remote"
	"github.com/porthole-hpc/porthole/pkg/state"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// Timings bounds every waiting phase of a launch. Tests shrink them.
type Timings struct {
	// AllocationAttempts x AllocationInterval is the pending-timeout bound.
	AllocationAttempts int
	AllocationInterval time.Duration
	// PortAttempts x PortInterval bounds the port file read; after that the
	// IDE default port is assumed.
	PortAttempts int
	PortInterval time.Duration
	// ReadRetries x ReadRetryDelay is the retry budget for idempotent
	// scheduler reads.
	ReadRetries    int
	ReadRetryDelay time.Duration
	// StopTimeout caps the whole teardown ladder.
	StopTimeout time.Duration
}

// DefaultTimings returns the production bounds: 5 min allocation wait,
// 30 s port file wait, 3x2 s read retries, 15 s stop cap.
func DefaultTimings() Timings {
	return Timings{
		AllocationAttempts: 60,
		AllocationInterval: 5 * time.Second,
		PortAttempts:       30,
		PortInterval:       time.Second,
		ReadRetries:        3,
		ReadRetryDelay:     2 * time.Second,
		StopTimeout:        15 * time.Second,
	}
}

// Scheduler is the slice of the cluster interrogator the orchestrator
// drives. Tests substitute a fake.
type Scheduler interface {
	Submit(ctx context.Context, user, cluster, jobName, wrapped string, spec types.LaunchSpec) (string, error)
	GetJob(ctx context.Context, user, cluster, jobID string) (*types.JobRecord, error)
	Cancel(ctx context.Context, user, cluster, jobID string) error
}

// Tunnels is the slice of the tunnel manager the orchestrator drives.
type Tunnels interface {
	Start(ctx context.Context, key types.SessionKey, node string, remotePort int) (int, error)
	Stop(key types.SessionKey)
}

// Proxies is the slice of the proxy registry the orchestrator drives.
type Proxies interface {
	Bind(sess *types.Session) (*proxy.Handle, error)
	Release(key types.SessionKey)
}

// Orchestrator drives the launch and stop state machines. It holds only
// weak references: sessions live in the store, tunnels in the tunnel
// manager, bindings in the proxy registry.
//
// Operations on one session key are serialised: a launch holds the key for
// its whole run, a stop first cancels any in-flight launch and then waits
// for the key.
type Orchestrator struct {
	cfg     *config.Config
	store   *state.Store
	sched   Scheduler
	builder *jobscript.Builder
	tunnels Tunnels
	proxies Proxies
	runner  remote.Runner
	broker  *events.Broker
	clock   clockwork.Clock
	timings Timings

	mu       sync.Mutex
	keys     map[string]chan struct{}
	inflight map[string]context.CancelFunc
}

// New creates an orchestrator over its collaborators.
func New(cfg *config.Config, store *state.Store, sched Scheduler, builder *jobscript.Builder,
	tunnels Tunnels, proxies Proxies, runner remote.Runner, broker *events.Broker,
	clock clockwork.Clock, timings Timings) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		builder:  builder,
		tunnels:  tunnels,
		proxies:  proxies,
		runner:   runner,
		broker:   broker,
		clock:    clock,
		timings:  timings,
		keys:     make(map[string]chan struct{}),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Launch starts the submit -> allocate -> port -> tunnel -> proxy machine
// for one session and returns its event stream. The stream is closed after
// exactly one terminal event. Cancelling ctx (the SSE client dropping)
// tears the launch down.
func (o *Orchestrator) Launch(ctx context.Context, key types.SessionKey, spec types.LaunchSpec) <-chan Event {
	out := make(chan Event, 16)
	corr := uuid.NewString()

	if !o.tryAcquire(key) {
		o.emitConflict(out, key, corr)
		close(out)
		return out
	}

	lctx, cancel := context.WithCancel(ctx)
	o.setInflight(key, cancel)

	go func() {
		defer close(out)
		defer o.release(key)
		defer o.clearInflight(key)
		defer cancel()
		o.launch(lctx, key, spec, corr, out)
	}()
	return out
}

// launch runs the state machine with the key lock held.
func (o *Orchestrator) launch(ctx context.Context, key types.SessionKey, spec types.LaunchSpec, corr string, out chan<- Event) {
	logger := log.WithComponent("orchestrator").With().
		Str("session_key", key.String()).Str("correlation_id", corr).Logger()

	ic, err := o.cfg.IDE(key.IDE)
	if err != nil {
		o.emitError(out, KindBadRequest, err.Error(), "", corr)
		return
	}
	image, release, err := o.cfg.Image(key.Cluster, spec.Release)
	if err != nil {
		o.emitError(out, KindBadRequest, err.Error(), "", corr)
		return
	}
	memBytes, err := spec.MemoryBytes()
	if err != nil {
		o.emitError(out, KindBadRequest, fmt.Sprintf("memory request: %v", err), "", corr)
		return
	}
	wallSecs, err := spec.WalltimeSeconds()
	if err != nil {
		o.emitError(out, KindBadRequest, fmt.Sprintf("walltime request: %v", err), "", corr)
		return
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	sess := &types.Session{
		Key:              key,
		Status:           types.StatusPending,
		Token:            token,
		Release:          release,
		CPUs:             spec.CPUs,
		MemoryBytes:      memBytes,
		WalltimeSeconds:  wallSecs,
		Accelerator:      spec.Accelerator,
		TimeLimitSeconds: wallSecs,
	}
	if err := o.store.Create(sess); err != nil {
		var conflict *state.ConflictError
		if errors.As(err, &conflict) {
			metrics.LaunchesTotal.WithLabelValues("conflict").Inc()
			o.emit(out, Event{
				Type:          EventError,
				Kind:          KindAlreadyActive,
				JobID:         conflict.Existing.JobID,
				Message:       fmt.Sprintf("a %s session on %s is already active", key.IDE, key.Cluster),
				CorrelationID: corr,
			})
			return
		}
		o.emitError(out, KindInternal, err.Error(), "", corr)
		return
	}
	o.publish(key, types.StatusPending, "", events.EventSessionCreated)

	// submitting
	o.emit(out, progressEvent(10, "submitting", corr))
	wrapped, err := o.builder.Build(jobscript.Params{
		User:        key.User,
		Cluster:     key.Cluster,
		IDE:         key.IDE,
		CPUs:        spec.CPUs,
		Release:     release,
		Image:       image,
		Accelerator: spec.Accelerator,
		Token:       token,
	})
	if err != nil {
		o.fail(out, key, "", KindInternal, err.Error(), corr)
		return
	}

	jobID, err := o.sched.Submit(ctx, key.User, key.Cluster, ic.JobName, wrapped, spec)
	if err != nil {
		kind := KindTransientRemote
		if errors.Is(err, cluster.ErrNoJobID) {
			kind = KindSubmitUnparseable
		}
		o.fail(out, key, "", kind, fmt.Sprintf("submit: %v", err), corr)
		return
	}
	if _, err := o.store.Update(key, func(s *types.Session) error {
		s.JobID = jobID
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("record job id")
	}
	logger.Info().Str("job_id", jobID).Msg("job submitted")
	o.emit(out, Event{Type: EventProgress, Progress: 30, Step: "submitted", JobID: jobID, CorrelationID: corr})

	// awaiting-allocation
	node, ok := o.awaitAllocation(ctx, key, jobID, corr, out)
	if !ok {
		return
	}

	// waiting-for-ide
	o.emit(out, progressEvent(75, "waiting-for-ide", corr))
	idePort := o.resolvePort(ctx, key, ic.DefaultPort)
	if ctx.Err() != nil {
		o.cancelled(out, key, jobID, corr)
		return
	}

	// establishing
	o.emit(out, progressEvent(90, "establishing", corr))
	localPort, err := o.tunnels.Start(ctx, key, node, idePort)
	if err != nil {
		if ctx.Err() != nil {
			o.cancelled(out, key, jobID, corr)
			return
		}
		o.fail(out, key, jobID, KindTunnel, fmt.Sprintf("tunnel: %v", err), corr)
		return
	}

	updated, err := o.store.Update(key, func(s *types.Session) error {
		s.Node = node
		s.IDEPort = idePort
		s.LocalPort = localPort
		return nil
	})
	if err != nil {
		o.tunnels.Stop(key)
		o.fail(out, key, jobID, KindInternal, err.Error(), corr)
		return
	}
	if _, err := o.proxies.Bind(updated); err != nil {
		o.tunnels.Stop(key)
		o.fail(out, key, jobID, KindInternal, fmt.Sprintf("proxy bind: %v", err), corr)
		return
	}
	o.emit(out, progressEvent(99, "establishing", corr))

	// running
	if _, err := o.store.Update(key, func(s *types.Session) error {
		s.Status = types.StatusRunning
		now := o.clock.Now().UTC()
		s.StartedAt = &now
		s.LastActivity = now
		return nil
	}); err != nil {
		o.tunnels.Stop(key)
		o.proxies.Release(key)
		o.fail(out, key, jobID, KindInternal, err.Error(), corr)
		return
	}
	o.publish(key, types.StatusRunning, jobID, events.ForStatus(types.StatusRunning))
	metrics.LaunchesTotal.WithLabelValues("complete").Inc()
	logger.Info().Str("job_id", jobID).Str("node", node).
		Int("ide_port", idePort).Int("local_port", localPort).
		Msg("session running")

	o.emit(out, Event{
		Type:          EventComplete,
		Progress:      100,
		RedirectURL:   ic.BasePath + "/",
		JobID:         jobID,
		CorrelationID: corr,
	})
}

// awaitAllocation polls the scheduler until the job lands on a node. On
// the pending-timeout bound the session stays pending for the background
// poller to pick up; on ctx cancellation the launch is torn down.
func (o *Orchestrator) awaitAllocation(ctx context.Context, key types.SessionKey, jobID, corr string, out chan<- Event) (string, bool) {
	t := o.timings
	for i := 0; i < t.AllocationAttempts; i++ {
		rec, err := o.readJob(ctx, key, jobID)
		if err != nil && ctx.Err() == nil {
			log.WithComponent("orchestrator").Warn().
				Str("session_key", key.String()).Err(err).
				Msg("allocation poll failed, keeping previous state")
		}
		if rec != nil && rec.Allocated() {
			return rec.Node, true
		}
		// 45 -> 65 over the wait window.
		pct := 45 + (i*20)/t.AllocationAttempts
		o.emit(out, progressEvent(pct, "awaiting-allocation", corr))

		select {
		case <-ctx.Done():
			o.cancelled(out, key, jobID, corr)
			return "", false
		case <-o.clock.After(t.AllocationInterval):
		}
	}

	metrics.LaunchesTotal.WithLabelValues("pending-timeout").Inc()
	log.WithComponent("orchestrator").Info().
		Str("session_key", key.String()).Str("job_id", jobID).
		Msg("allocation wait elapsed, session stays pending")
	o.emit(out, Event{Type: EventPendingTimeout, JobID: jobID, CorrelationID: corr})
	return "", false
}

// readJob is an idempotent scheduler read with the transient retry budget.
func (o *Orchestrator) readJob(ctx context.Context, key types.SessionKey, jobID string) (*types.JobRecord, error) {
	var lastErr error
	for i := 0; i <= o.timings.ReadRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-o.clock.After(o.timings.ReadRetryDelay):
			}
		}
		rec, err := o.sched.GetJob(ctx, key.User, key.Cluster, jobID)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		var rerr *remote.Error
		if !errors.As(err, &rerr) || !rerr.Transient() {
			return nil, err
		}
	}
	return nil, lastErr
}

// resolvePort reads the port file the job's port finder wrote. The file
// appears only after the setup script runs, so absence is retried; after
// the window the IDE's default port is assumed.
func (o *Orchestrator) resolvePort(ctx context.Context, key types.SessionKey, defaultPort int) int {
	path := jobscript.PortFilePath(key.IDE)
	for i := 0; i < o.timings.PortAttempts; i++ {
		if ctx.Err() != nil {
			return defaultPort
		}
		out, err := o.runner.Run(ctx, key.User, key.Cluster, "cat $HOME/"+path)
		if err == nil {
			port, perr := strconv.Atoi(strings.TrimSpace(out))
			if perr == nil && port > 0 && port < 65536 {
				return port
			}
			log.WithComponent("orchestrator").Warn().
				Str("session_key", key.String()).Str("content", strings.TrimSpace(out)).
				Msg("port file unreadable, retrying")
		}
		select {
		case <-ctx.Done():
			return defaultPort
		case <-o.clock.After(o.timings.PortInterval):
		}
	}
	log.WithComponent("orchestrator").Warn().
		Str("session_key", key.String()).Int("default_port", defaultPort).
		Msg("port file never appeared, assuming default port")
	return defaultPort
}

// StopOptions modifies a Stop.
type StopOptions struct {
	// CancelJob asks the scheduler to cancel the batch job too.
	CancelJob bool
	// Reason overrides the recorded end reason; defaults to user.
	Reason types.EndReason
}

// Stop tears a session down: cancel any in-flight launch, then run the
// ladder — scheduler cancel, tunnel kill, proxy release, state update —
// in that order so a crash mid-teardown leaves a recoverable record.
// Idempotent against an already-terminal session.
func (o *Orchestrator) Stop(ctx context.Context, key types.SessionKey, opts StopOptions) error {
	ctx, cancel := context.WithTimeout(ctx, o.timings.StopTimeout)
	defer cancel()

	o.cancelInflight(key)
	if err := o.acquire(ctx, key); err != nil {
		return fmt.Errorf("session %s is busy: %w", key, err)
	}
	defer o.release(key)

	sess, err := o.store.Get(key)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	reason := opts.Reason
	if reason == "" {
		reason = types.EndReasonUser
	}
	o.teardown(ctx, key, sess.JobID, opts.CancelJob, types.StatusCancelled, reason)
	return nil
}

// teardown runs the ladder once. Partial failures are logged and do not
// block the next rung; the state store commits last.
func (o *Orchestrator) teardown(ctx context.Context, key types.SessionKey, jobID string, cancelJob bool, status types.SessionStatus, reason types.EndReason) {
	logger := log.WithComponent("orchestrator").With().Str("session_key", key.String()).Logger()

	if cancelJob && jobID != "" {
		if err := o.sched.Cancel(ctx, key.User, key.Cluster, jobID); err != nil {
			logger.Warn().Str("job_id", jobID).Err(err).Msg("job cancel failed, continuing teardown")
		}
	}
	o.tunnels.Stop(key)
	o.proxies.Release(key)

	if _, err := o.store.Update(key, func(s *types.Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = status
		s.EndReason = reason
		return nil
	}); err != nil && !errors.Is(err, state.ErrNotFound) {
		logger.Error().Err(err).Msg("record teardown")
	}
	o.publish(key, status, jobID, events.ForStatus(status))
	logger.Info().Str("status", string(status)).Str("end_reason", string(reason)).Msg("session torn down")
}

// fail is the launch-side terminal error path: teardown with cancelJob and
// a typed error event.
func (o *Orchestrator) fail(out chan<- Event, key types.SessionKey, jobID string, kind ErrorKind, msg, corr string) {
	// The launch ctx may already be cancelled; the teardown gets its own.
	tctx, cancel := context.WithTimeout(context.Background(), o.timings.StopTimeout)
	defer cancel()

	o.teardown(tctx, key, jobID, true, types.StatusFailed, types.EndReasonFailure)
	metrics.LaunchesTotal.WithLabelValues("error").Inc()
	o.emitError(out, kind, msg, jobID, corr)
}

// cancelled is the launch-side caller-disconnect path.
func (o *Orchestrator) cancelled(out chan<- Event, key types.SessionKey, jobID, corr string) {
	tctx, cancel := context.WithTimeout(context.Background(), o.timings.StopTimeout)
	defer cancel()

	o.teardown(tctx, key, jobID, true, types.StatusCancelled, types.EndReasonUser)
	metrics.LaunchesTotal.WithLabelValues("cancelled").Inc()
	o.emitError(out, KindCancelled, "launch cancelled", jobID, corr)
}

// HandleTunnelExit is wired to the tunnel manager's exit handler: a
// transport that dies under a running session fails it, scheduler-lost if
// the job vanished too, tunnel-lost otherwise.
func (o *Orchestrator) HandleTunnelExit(key types.SessionKey, stderrTail string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timings.StopTimeout)
	defer cancel()

	sess, err := o.store.Get(key)
	if err != nil || sess.Status != types.StatusRunning {
		return
	}

	reason := types.EndReasonTunnelLost
	if rec, jerr := o.sched.GetJob(ctx, key.User, key.Cluster, sess.JobID); jerr == nil && rec == nil {
		reason = types.EndReasonSchedulerLost
	}

	o.proxies.Release(key)
	if _, err := o.store.Update(key, func(s *types.Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = types.StatusFailed
		s.EndReason = reason
		return nil
	}); err != nil {
		log.WithComponent("orchestrator").Error().
			Str("session_key", key.String()).Err(err).Msg("record tunnel loss")
	}
	o.publish(key, types.StatusFailed, sess.JobID, events.ForStatus(types.StatusFailed))
	log.WithComponent("orchestrator").Warn().
		Str("session_key", key.String()).Str("end_reason", string(reason)).
		Str("stderr", stderrTail).Msg("tunnel died under running session")
}

// Establish completes a pending session whose allocation matured after the
// launch stream had already timed out: port discovery, tunnel, proxy
// binding, running. Called from the poller; skips silently when the key is
// busy with another operation.
func (o *Orchestrator) Establish(ctx context.Context, key types.SessionKey, node string) error {
	if !o.tryAcquire(key) {
		return nil
	}
	defer o.release(key)

	sess, err := o.store.Get(key)
	if err != nil {
		return err
	}
	if sess.Status != types.StatusPending || sess.JobID == "" {
		return nil
	}
	ic, err := o.cfg.IDE(key.IDE)
	if err != nil {
		return err
	}

	idePort := o.resolvePort(ctx, key, ic.DefaultPort)
	localPort, err := o.tunnels.Start(ctx, key, node, idePort)
	if err != nil {
		tctx, cancel := context.WithTimeout(context.Background(), o.timings.StopTimeout)
		defer cancel()
		o.teardown(tctx, key, sess.JobID, true, types.StatusFailed, types.EndReasonFailure)
		return fmt.Errorf("establish %s: %w", key, err)
	}

	updated, err := o.store.Update(key, func(s *types.Session) error {
		s.Node = node
		s.IDEPort = idePort
		s.LocalPort = localPort
		return nil
	})
	if err == nil {
		_, err = o.proxies.Bind(updated)
	}
	if err == nil {
		_, err = o.store.Update(key, func(s *types.Session) error {
			s.Status = types.StatusRunning
			now := o.clock.Now().UTC()
			s.StartedAt = &now
			s.LastActivity = now
			return nil
		})
	}
	if err != nil {
		o.tunnels.Stop(key)
		o.proxies.Release(key)
		tctx, cancel := context.WithTimeout(context.Background(), o.timings.StopTimeout)
		defer cancel()
		o.teardown(tctx, key, sess.JobID, true, types.StatusFailed, types.EndReasonFailure)
		return fmt.Errorf("establish %s: %w", key, err)
	}

	o.publish(key, types.StatusRunning, sess.JobID, events.ForStatus(types.StatusRunning))
	log.WithComponent("orchestrator").Info().
		Str("session_key", key.String()).Str("node", node).
		Int("ide_port", idePort).Int("local_port", localPort).
		Msg("pending session established")
	return nil
}

// Expire marks a session completed after its job disappeared from the
// scheduler queue, releasing tunnel and proxy. The job is already gone, so
// no cancel is issued. Skips silently when the key is busy.
func (o *Orchestrator) Expire(ctx context.Context, key types.SessionKey) error {
	if !o.tryAcquire(key) {
		return nil
	}
	defer o.release(key)

	sess, err := o.store.Get(key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	o.teardown(ctx, key, sess.JobID, false, types.StatusCompleted, types.EndReasonExpired)
	return nil
}

// Resume re-establishes tunnels and proxy bindings for sessions that were
// running when the process last stopped. Sessions whose tunnel cannot be
// reopened are failed; pending sessions are left for the poller.
func (o *Orchestrator) Resume(ctx context.Context) {
	for _, sess := range o.store.ListActive() {
		if sess.Status != types.StatusRunning || sess.Node == "" || sess.IDEPort == 0 {
			continue
		}
		key := sess.Key

		localPort, err := o.tunnels.Start(ctx, key, sess.Node, sess.IDEPort)
		if err == nil {
			updated, uerr := o.store.Update(key, func(s *types.Session) error {
				s.LocalPort = localPort
				return nil
			})
			if uerr == nil {
				_, err = o.proxies.Bind(updated)
			} else {
				err = uerr
			}
		}
		if err != nil {
			log.WithComponent("orchestrator").Warn().
				Str("session_key", key.String()).Err(err).
				Msg("could not resume session")
			o.tunnels.Stop(key)
			o.store.Update(key, func(s *types.Session) error {
				s.Status = types.StatusFailed
				s.EndReason = types.EndReasonTunnelLost
				return nil
			})
			o.publish(key, types.StatusFailed, sess.JobID, events.ForStatus(types.StatusFailed))
			continue
		}
		log.WithComponent("orchestrator").Info().
			Str("session_key", key.String()).Int("local_port", localPort).
			Msg("session resumed")
	}
}

// --- per-key serialisation --------------------------------------------

func (o *Orchestrator) sem(key types.SessionKey) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.keys[key.String()]
	if !ok {
		c = make(chan struct{}, 1)
		o.keys[key.String()] = c
	}
	return c
}

func (o *Orchestrator) tryAcquire(key types.SessionKey) bool {
	select {
	case o.sem(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) acquire(ctx context.Context, key types.SessionKey) error {
	select {
	case o.sem(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release(key types.SessionKey) {
	<-o.sem(key)
}

func (o *Orchestrator) setInflight(key types.SessionKey, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[key.String()] = cancel
}

func (o *Orchestrator) clearInflight(key types.SessionKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, key.String())
}

func (o *Orchestrator) cancelInflight(key types.SessionKey) {
	o.mu.Lock()
	cancel := o.inflight[key.String()]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// --- emission ----------------------------------------------------------

// emit forwards one stream event. Progress chatter is dropped when the
// consumer lags; terminal events block until delivered so every stream
// still ends with exactly one of complete, pending-timeout, or error.
func (o *Orchestrator) emit(out chan<- Event, ev Event) {
	if ev.Type != EventProgress {
		out <- ev
		return
	}
	select {
	case out <- ev:
	default:
		log.WithComponent("orchestrator").Debug().
			Str("type", string(ev.Type)).Msg("progress event dropped, slow consumer")
	}
}

func (o *Orchestrator) emitError(out chan<- Event, kind ErrorKind, msg, jobID, corr string) {
	o.emit(out, Event{Type: EventError, Kind: kind, Message: msg, JobID: jobID, CorrelationID: corr})
}

// emitConflict reports a launch rejected because the key is busy. The
// existing session's job id rides along when known.
func (o *Orchestrator) emitConflict(out chan<- Event, key types.SessionKey, corr string) {
	metrics.LaunchesTotal.WithLabelValues("conflict").Inc()
	jobID := ""
	if sess, err := o.store.Get(key); err == nil && sess.Active() {
		jobID = sess.JobID
	}
	o.emit(out, Event{
		Type:          EventError,
		Kind:          KindAlreadyActive,
		JobID:         jobID,
		Message:       fmt.Sprintf("an operation on %s is already in flight", key),
		CorrelationID: corr,
	})
}

func (o *Orchestrator) publish(key types.SessionKey, status types.SessionStatus, jobID string, typ events.EventType) {
	if o.broker == nil {
		return
	}
	o.broker.Publish(&events.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		SessionKey: key,
		Status:     status,
		JobID:      jobID,
	})
}
