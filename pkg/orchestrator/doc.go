/*
Package orchestrator drives session launches and stops.

A launch walks submitting -> awaiting-allocation -> waiting-for-ide ->
establishing -> running, streaming typed progress events to the caller and
terminating the stream with exactly one of complete, pending-timeout, or
error. An allocation that outlives the wait window is not a failure: the
session stays pending and the background poller picks it up.

Operations on one session key are serialised through a per-key semaphore,
so concurrent launches on the same key resolve to one winner and typed
conflicts for the rest. Teardown runs a fixed ladder — scheduler cancel,
tunnel kill, proxy release, state update — with the state store last, so a
crash mid-teardown leaves a recoverable record.
*/
package orchestrator
