/*
Package types defines the core data structures used throughout porthole.

This package contains the fundamental types that represent porthole's domain
model: sessions, session keys, scheduler job records, launch specifications,
and the enumerations that drive the session lifecycle. These types are used by
all other packages for state management, API payloads, and orchestration
logic.

# Core Types

Session Identity:
  - SessionKey: the (user, cluster, ide) triple that uniquely identifies a
    session; at most one pending or running session may exist per key
  - IDE: code, rstudio, or jupyter

Session Lifecycle:
  - Session: a launched (or launching) IDE job with its discovered node,
    ports, token, resource request, and timestamps
  - SessionStatus: pending, running, completed, failed, cancelled
  - EndReason: why a terminal state was reached (user, idle, expired,
    scheduler-lost, tunnel-lost, failure)

Scheduler View:
  - JobRecord: one parsed queue row; ephemeral, lives for one poll cycle
  - JobState: the scheduler's state vocabulary (PENDING, RUNNING, ...)

Requests:
  - LaunchSpec: the caller's resource request (cpus, memory, walltime,
    release, optional accelerator) with scheduler-format parsing helpers

All persisted types are JSON-serializable; nullable timestamps use pointers
so a round trip through the state store preserves "not yet set".
*/
package types
