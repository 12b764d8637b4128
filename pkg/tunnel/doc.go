/*
Package tunnel manages the forward tunnels that deliver IDE traffic from
the control-plane host to compute nodes.

Each session owns at most one tunnel. Start allocates a loopback port by
the bind-to-zero dance, forks an ssh transport with keepalives and
exit-on-forward-failure, and blocks up to 30 seconds probing the local port
with TCP connects; a transport whose port never becomes ready is killed.
The transport's stderr is teed to a small ring buffer for diagnostics.

A transport that exits while its tunnel is still registered reports through
the OnExit handler so the owning session can be failed and its proxy
binding released. The tunnel set is mutated under one mutex; the readiness
probe deliberately runs outside it.
*/
package tunnel
