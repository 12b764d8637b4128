/*
Package state implements the durable session store.

The store is an in-memory map keyed by "user/cluster/ide", mirrored to a
JSON snapshot file on every mutation. Writes go through a temp file, fsync,
and an atomic rename so a crash mid-write never corrupts the readable
snapshot. Reads hand out clones; mutations are serialised under one mutex
and applied through Update's mutate callback so exclusivity and timestamp
invariants hold no matter which component commits.

Alongside the snapshot, every status transition is appended to a bbolt
journal (journal.db) that feeds audit and analytics consumers; both the
snapshot and the journal drop terminal records past the retention window.

Losing the snapshot file is not fatal: the poller reconstructs running
sessions from the scheduler queue on its next tick, at the cost of the
per-session tokens.
*/
package state
