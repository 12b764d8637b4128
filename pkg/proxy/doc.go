/*
Package proxy serves IDE traffic through per-session reverse proxies.

Each running session gets one binding in the Registry: a ReverseProxy onto
the session's loopback tunnel port plus an IDE-specific Rewriter. The
rewriters carry the quirks that make browser-based IDEs work behind a
shared origin: the editor's token-cookie handshake and stale-cookie
recovery, the R IDE's iframe cookie attributes and redirect folding, the
notebook's token query injection. WebSocket upgrades are bridged over
gorilla/websocket with the same path rewriting and untouched payloads.

Completed user responses feed the activity callback; requests carrying
MonitorHeader do not, so health checks never keep a session alive.
*/
package proxy
