// Package remote executes shell commands on cluster head nodes over
// persistent SSH connections, one per (user, cluster), authenticated with
// the user's key from the key directory. Commands are capped at 30 seconds
// and concurrent sessions per connection are bounded; failures are typed so
// callers can distinguish transient transport trouble from a command that
// genuinely failed.
package remote
