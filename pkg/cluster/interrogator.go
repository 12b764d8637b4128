package cluster

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/remote"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// queueFormat selects the nine positional columns the parser understands:
// JobID Name State NodeList TimeLeft TimeLimit NumCPUs MinMemory StartTime.
const queueFormat = "%i %j %T %N %L %l %C %m %S"

// statusTTL is how long cached queue reads back /cluster-status.
const statusTTL = 15 * time.Second

// jobIDPattern recognises the scheduler's submit confirmation.
var jobIDPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// ErrNoJobID means the submit stdout carried no recognisable job id. Never
// retried: the job may or may not exist, so a human has to reconcile.
var ErrNoJobID = errors.New("no job id in submit output")

// Interrogator composes scheduler CLI invocations over the remote executor
// and parses their columnar output into typed job records.
type Interrogator struct {
	runner remote.Runner
	cfg    *config.Config
	cache  *gocache.Cache
}

// NewInterrogator creates an interrogator over the given command runner.
func NewInterrogator(runner remote.Runner, cfg *config.Config) *Interrogator {
	return &Interrogator{
		runner: runner,
		cfg:    cfg,
		cache:  gocache.New(statusTTL, time.Minute),
	}
}

// GetAllJobs issues one queue read covering every IDE job name for the user
// on the cluster and returns a per-IDE mapping; IDEs with no queued job map
// to nil.
func (in *Interrogator) GetAllJobs(ctx context.Context, user, cluster string) (map[types.IDE]*types.JobRecord, error) {
	names := make([]string, 0, len(types.AllIDEs))
	nameToIDE := make(map[string]types.IDE, len(types.AllIDEs))
	for _, ide := range types.AllIDEs {
		ic, err := in.cfg.IDE(ide)
		if err != nil {
			continue
		}
		jobName := ic.JobName + "-" + user
		names = append(names, jobName)
		nameToIDE[jobName] = ide
	}

	cmd := fmt.Sprintf("squeue --noheader --user=%s --name=%s --format=%q",
		shellSafe(user), strings.Join(names, ","), queueFormat)
	out, err := in.runner.Run(ctx, user, cluster, cmd)
	if err != nil {
		metrics.SchedulerCommandsTotal.WithLabelValues("squeue", "error").Inc()
		return nil, err
	}
	metrics.SchedulerCommandsTotal.WithLabelValues("squeue", "ok").Inc()

	result := make(map[types.IDE]*types.JobRecord, len(types.AllIDEs))
	for _, ide := range types.AllIDEs {
		result[ide] = nil
	}
	for _, rec := range ParseQueue(out) {
		if ide, ok := nameToIDE[rec.Name]; ok {
			result[ide] = rec
		}
	}
	in.cache.Set(user+"@"+cluster, result, statusTTL)
	return result, nil
}

// CachedAllJobs returns the last queue read for (user, cluster) if it is
// fresh enough, falling back to a live read. refresh forces the live read.
func (in *Interrogator) CachedAllJobs(ctx context.Context, user, cluster string, refresh bool) (map[types.IDE]*types.JobRecord, error) {
	if !refresh {
		if v, ok := in.cache.Get(user + "@" + cluster); ok {
			return v.(map[types.IDE]*types.JobRecord), nil
		}
	}
	return in.GetAllJobs(ctx, user, cluster)
}

// GetJob refreshes a single job by id. A nil record with nil error means
// the job is no longer in the queue.
func (in *Interrogator) GetJob(ctx context.Context, user, cluster, jobID string) (*types.JobRecord, error) {
	cmd := fmt.Sprintf("squeue --noheader --job=%s --format=%q", shellSafe(jobID), queueFormat)
	out, err := in.runner.Run(ctx, user, cluster, cmd)
	if err != nil {
		// The scheduler exits non-zero for ids it has already forgotten.
		var re *remote.Error
		if errors.As(err, &re) && re.Kind == remote.FailExit &&
			strings.Contains(re.Stderr, "Invalid job id") {
			metrics.SchedulerCommandsTotal.WithLabelValues("squeue", "ok").Inc()
			return nil, nil
		}
		metrics.SchedulerCommandsTotal.WithLabelValues("squeue", "error").Inc()
		return nil, err
	}
	metrics.SchedulerCommandsTotal.WithLabelValues("squeue", "ok").Inc()

	recs := ParseQueue(out)
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// CheckJobExists is the idle reaper's single-row variant.
func (in *Interrogator) CheckJobExists(ctx context.Context, user, cluster, jobID string) (bool, error) {
	rec, err := in.GetJob(ctx, user, cluster, jobID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Submit submits the wrapped script and returns the scheduler job id parsed
// from stdout.
func (in *Interrogator) Submit(ctx context.Context, user, cluster, jobName, wrapped string, spec types.LaunchSpec) (string, error) {
	cc, err := in.cfg.Cluster(cluster)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("sbatch")
	fmt.Fprintf(&b, " --job-name=%s", shellSafe(jobName))
	fmt.Fprintf(&b, " --cpus-per-task=%d", spec.CPUs)
	fmt.Fprintf(&b, " --mem=%s", shellSafe(spec.Memory))
	fmt.Fprintf(&b, " --time=%s", shellSafe(spec.Walltime))
	if cc.Partition != "" {
		fmt.Fprintf(&b, " --partition=%s", shellSafe(cc.Partition))
	}
	if spec.Accelerator != "" {
		fmt.Fprintf(&b, " --gres=gpu:%s", shellSafe(spec.Accelerator))
	}
	fmt.Fprintf(&b, " --output=/dev/null --wrap=%s", shellQuote(wrapped))

	out, err := in.runner.Run(ctx, user, cluster, b.String())
	if err != nil {
		metrics.SchedulerCommandsTotal.WithLabelValues("sbatch", "error").Inc()
		return "", err
	}

	m := jobIDPattern.FindStringSubmatch(out)
	if m == nil {
		metrics.SchedulerCommandsTotal.WithLabelValues("sbatch", "unparseable").Inc()
		return "", fmt.Errorf("%w: %q", ErrNoJobID, firstLine(out))
	}
	metrics.SchedulerCommandsTotal.WithLabelValues("sbatch", "ok").Inc()
	return m[1], nil
}

// Cancel asks the scheduler to cancel the job. Best-effort: errors are
// returned for logging but a vanished job is success.
func (in *Interrogator) Cancel(ctx context.Context, user, cluster, jobID string) error {
	cmd := "scancel " + shellSafe(jobID)
	_, err := in.runner.Run(ctx, user, cluster, cmd)
	if err != nil {
		var re *remote.Error
		if errors.As(err, &re) && re.Kind == remote.FailExit {
			// Already gone.
			metrics.SchedulerCommandsTotal.WithLabelValues("scancel", "ok").Inc()
			return nil
		}
		metrics.SchedulerCommandsTotal.WithLabelValues("scancel", "error").Inc()
		return err
	}
	metrics.SchedulerCommandsTotal.WithLabelValues("scancel", "ok").Inc()
	return nil
}

// ParseQueue parses columnar queue output. Columns are strictly positional;
// rows that do not fit are dropped with a warning counter, and the
// (null)/N/A sentinels the scheduler emits for unset fields are tolerated.
func ParseQueue(out string) []*types.JobRecord {
	var recs []*types.JobRecord
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 || len(fields) > 9 {
			metrics.MalformedQueueRowsTotal.Inc()
			log.WithComponent("cluster").Warn().Str("row", line).Msg("dropped malformed queue row")
			continue
		}
		// Eight fields is ambiguous: pending jobs can omit the node column,
		// running jobs the start-time estimate. The node slot holding a
		// time-left value means the node was the omitted one.
		if len(fields) == 8 {
			if looksLikeTimeLeft(fields[3]) {
				fields = append(fields[:3:3], append([]string{""}, fields[3:]...)...)
			} else {
				fields = append(fields, "")
			}
		}

		cpus, err := strconv.Atoi(fields[6])
		if err != nil {
			metrics.MalformedQueueRowsTotal.Inc()
			log.WithComponent("cluster").Warn().Str("row", line).Msg("dropped malformed queue row")
			continue
		}

		rec := &types.JobRecord{
			ID:        fields[0],
			Name:      fields[1],
			State:     types.JobState(strings.ToUpper(fields[2])),
			Node:      clearSentinel(fields[3]),
			CPUs:      cpus,
			Memory:    fields[7],
			StartTime: clearSentinel(fields[8]),
		}
		if secs, err := types.ParseDuration(fields[4]); err == nil {
			rec.TimeLeftSeconds = secs
		}
		if secs, err := types.ParseDuration(fields[5]); err == nil {
			rec.TimeLimitSeconds = secs
		}
		recs = append(recs, rec)
	}
	return recs
}

// looksLikeTimeLeft recognises the time-left column: a scheduler duration
// or one of the sentinels printed while no estimate exists.
func looksLikeTimeLeft(s string) bool {
	switch s {
	case "INVALID", "NOT_SET", "UNLIMITED":
		return true
	}
	_, err := types.ParseDuration(s)
	return err == nil
}

func clearSentinel(s string) string {
	switch s {
	case "(null)", "N/A", "(N/A)", "n/a":
		return ""
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// shellSafe passes a value through only if it cannot break out of the
// command line; anything else is stripped. Values here are scheduler ids,
// usernames, and resource strings, none of which legitimately contain shell
// metacharacters.
func shellSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == ':', r == ',', r == '/':
			return r
		}
		return -1
	}, s)
}

// shellQuote single-quotes s for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
