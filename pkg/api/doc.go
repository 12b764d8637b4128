/*
Package api is the HTTP front door.

It authenticates the principal from a trusted header, dispatches launch
and stop to the orchestrator (launches stream server-sent events),
answers the cluster-status grid from the interrogator's cached queue
reads, and routes everything under the IDE base paths — including
WebSocket upgrades and the /port/<n> dev-server passthrough — to the
principal's session through the proxy registry. Sessions are resolved per
request from the authenticated user, never from shared process state.
*/
package api
