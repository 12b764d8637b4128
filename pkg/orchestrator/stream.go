package orchestrator

// EventType classifies launch stream messages. A stream carries zero or
// more progress events and is terminated by exactly one of complete,
// pending-timeout, or error.
type EventType string

const (
	EventProgress       EventType = "progress"
	EventPendingTimeout EventType = "pending-timeout"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// ErrorKind names the failure class carried by a terminal error event.
type ErrorKind string

const (
	// KindAlreadyActive is an exclusivity conflict; JobID carries the
	// existing session's job so the caller can offer a reconnect.
	KindAlreadyActive ErrorKind = "already-active"
	// KindBadRequest is an unparseable resource request.
	KindBadRequest ErrorKind = "bad-request"
	// KindSubmitUnparseable is a submit whose stdout had no job id. Never
	// retried: the job may or may not exist, a human reconciles.
	KindSubmitUnparseable ErrorKind = "submit-unparseable"
	// KindTransientRemote is a remote shell failure that survived the
	// retry budget.
	KindTransientRemote ErrorKind = "transient-remote"
	// KindTunnel is a tunnel that never became ready.
	KindTunnel ErrorKind = "tunnel-establishment"
	// KindCancelled is a launch torn down by caller disconnect or stop.
	KindCancelled ErrorKind = "cancelled"
	// KindInternal is everything else.
	KindInternal ErrorKind = "internal"
)

// Event is one message on a launch stream. Serialised as the data: payload
// of the front door's server-sent events.
type Event struct {
	Type          EventType `json:"type"`
	Progress      int       `json:"progress,omitempty"`
	Step          string    `json:"step,omitempty"`
	Message       string    `json:"message,omitempty"`
	RedirectURL   string    `json:"redirectUrl,omitempty"`
	JobID         string    `json:"jobId,omitempty"`
	Kind          ErrorKind `json:"kind,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func progressEvent(pct int, step, corr string) Event {
	return Event{Type: EventProgress, Progress: pct, Step: step, CorrelationID: corr}
}
