// Package reaper cancels running sessions that have gone idle. Every
// minute it compares each session's last proxied activity against the
// configured threshold and hands offenders to the orchestrator's stop
// ladder with endReason=idle.
package reaper
