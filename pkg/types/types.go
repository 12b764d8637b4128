package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IDE identifies one of the interactive environments porthole can launch.
type IDE string

const (
	IDECode    IDE = "code"
	IDERStudio IDE = "rstudio"
	IDEJupyter IDE = "jupyter"
)

// AllIDEs lists every IDE known to this build, in display order.
var AllIDEs = []IDE{IDECode, IDERStudio, IDEJupyter}

// Valid reports whether the IDE is one this build knows how to launch.
func (i IDE) Valid() bool {
	switch i {
	case IDECode, IDERStudio, IDEJupyter:
		return true
	}
	return false
}

// SessionKey uniquely identifies a session: one user may hold at most one
// active session per (cluster, ide) pair.
type SessionKey struct {
	User    string `json:"user"`
	Cluster string `json:"cluster"`
	IDE     IDE    `json:"ide"`
}

// String renders the key in its canonical "user/cluster/ide" form, which is
// also the storage key in the state store.
func (k SessionKey) String() string {
	return k.User + "/" + k.Cluster + "/" + string(k.IDE)
}

// ParseSessionKey parses the canonical "user/cluster/ide" form.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return SessionKey{}, fmt.Errorf("invalid session key %q", s)
	}
	return SessionKey{User: parts[0], Cluster: parts[1], IDE: IDE(parts[2])}, nil
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// EndReason records why a session reached a terminal state.
type EndReason string

const (
	EndReasonUser          EndReason = "user"
	EndReasonIdle          EndReason = "idle"
	EndReasonExpired       EndReason = "expired"
	EndReasonSchedulerLost EndReason = "scheduler-lost"
	EndReasonTunnelLost    EndReason = "tunnel-lost"
	EndReasonFailure       EndReason = "failure"
)

// Session is the central entity: one launched (or launching) IDE job.
type Session struct {
	Key    SessionKey    `json:"key"`
	Status SessionStatus `json:"status"`

	JobID     string `json:"jobId,omitempty"`
	Node      string `json:"node,omitempty"`
	IDEPort   int    `json:"idePort,omitempty"`
	LocalPort int    `json:"localPort,omitempty"`
	Token     string `json:"token,omitempty"`

	Release         string `json:"release,omitempty"`
	CPUs            int    `json:"cpus,omitempty"`
	MemoryBytes     int64  `json:"memoryBytes,omitempty"`
	WalltimeSeconds int64  `json:"walltimeSeconds,omitempty"`
	Accelerator     string `json:"accelerator,omitempty"`

	TimeLeftSeconds  int64 `json:"timeLeftSeconds,omitempty"`
	TimeLimitSeconds int64 `json:"timeLimitSeconds,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	LastActivity time.Time  `json:"lastActivity,omitempty"`

	EndReason EndReason `json:"endReason,omitempty"`
}

// Active reports whether the session still occupies its key (exclusivity
// counts pending and running sessions).
func (s *Session) Active() bool {
	return s.Status == StatusPending || s.Status == StatusRunning
}

// Clone returns a deep copy safe for the caller to mutate.
func (s *Session) Clone() *Session {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// JobState is the scheduler's view of a job.
type JobState string

const (
	JobStatePending    JobState = "PENDING"
	JobStateRunning    JobState = "RUNNING"
	JobStateCompleting JobState = "COMPLETING"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateFailed     JobState = "FAILED"
	JobStateCancelled  JobState = "CANCELLED"
	JobStateTimeout    JobState = "TIMEOUT"
)

// JobRecord is one parsed scheduler queue row. Records live for a single
// poll cycle and are never persisted.
type JobRecord struct {
	ID               string
	User             string
	Name             string
	State            JobState
	Node             string // empty until an allocation exists
	TimeLeftSeconds  int64
	TimeLimitSeconds int64
	CPUs             int
	Memory           string
	StartTime        string // scheduler's start-time estimate, opaque
}

// Allocated reports whether the scheduler has placed the job on a node.
func (j *JobRecord) Allocated() bool {
	return j.State == JobStateRunning && j.Node != ""
}

// LaunchSpec carries the user's resource request for a new session.
type LaunchSpec struct {
	CPUs        int    `json:"cpus"`
	Memory      string `json:"mem"`  // scheduler-style, e.g. "40G"
	Walltime    string `json:"time"` // "HH:MM:SS" or "D-HH:MM:SS"
	Release     string `json:"releaseVersion"`
	Accelerator string `json:"gpu,omitempty"`
}

// MemoryBytes parses the scheduler-style memory request ("40G", "512M",
// "4000") into bytes. Bare numbers are megabytes, matching the scheduler.
func (l LaunchSpec) MemoryBytes() (int64, error) {
	s := strings.TrimSpace(strings.ToUpper(l.Memory))
	if s == "" {
		return 0, fmt.Errorf("empty memory request")
	}
	mult := int64(1 << 20)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	case 'T':
		mult = 1 << 40
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid memory request %q", l.Memory)
	}
	return n * mult, nil
}

// WalltimeSeconds parses the scheduler-style walltime ("12:00:00",
// "1-06:00:00", "45:00") into seconds.
func (l LaunchSpec) WalltimeSeconds() (int64, error) {
	return ParseDuration(l.Walltime)
}

// ParseDuration parses scheduler duration strings: "D-HH:MM:SS", "HH:MM:SS",
// "MM:SS" or bare minutes. Returns an error for sentinels like "INVALID",
// "N/A" or "UNLIMITED".
func ParseDuration(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var days int64
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		days = d
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total int64
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total = total*60 + n
	}
	// A single bare field is minutes, not seconds, per the scheduler's docs.
	if len(parts) == 1 {
		total *= 60
	}
	return days*86400 + total, nil
}

// FormatDuration renders seconds as "HH:MM:SS" (hours may exceed 24).
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
