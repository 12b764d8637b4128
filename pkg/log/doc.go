// Package log provides the global structured logger for porthole, built on
// zerolog. Components obtain child loggers via WithComponent / WithUser /
// WithSession / WithCluster so every line carries the fields needed to trace
// a session across the orchestrator, poller, tunnel manager, and proxy plane.
package log
