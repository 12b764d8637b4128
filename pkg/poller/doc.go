/*
Package poller reconciles persisted sessions against the batch scheduler.

One loop per process. Each tick reads the queue once per (user, cluster)
pair, concurrently and with per-pair failure isolation, then folds the
rows back into the state store: pending sessions that gained an allocation
are handed to the orchestrator to establish, sessions whose job vanished
are expired, running sessions get fresh time-left.

Pacing is adaptive twice over. The base interval comes from a table keyed
by the worst time-left across running sessions, with any pending session
pinning the fast pace. On top of that, a change hash over (keys, statuses,
job ids, bucketed time-left) drives exponential backoff while consecutive
ticks observe nothing new; a Wake signal from the front door resets it and
forces an immediate tick.
*/
package poller
