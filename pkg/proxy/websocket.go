package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
)

// wsActivityInterval rate-limits per-frame activity stamps so a busy
// socket does not hammer the store.
const wsActivityInterval = time.Minute

// The origin already passed the front door's auth; the upstream binds
// loopback only.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func isWebSocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")
}

// serveWebSocket bridges a client socket to the upstream IDE socket. The
// rewriter runs on a shadow request so path mapping and token injection
// match the HTTP plane; payloads pass through untouched.
func (h *Handle) serveWebSocket(w http.ResponseWriter, req *http.Request) {
	shadow := req.Clone(req.Context())
	h.rewriter.RewriteRequest(shadow)

	target := "ws://127.0.0.1:" + strconv.Itoa(h.LocalPort) + shadow.URL.RequestURI()

	header := http.Header{}
	if c := req.Header.Get("Cookie"); c != "" {
		header.Set("Cookie", c)
	}
	for _, proto := range req.Header.Values("Sec-WebSocket-Protocol") {
		header.Add("Sec-WebSocket-Protocol", proto)
	}

	upstream, resp, err := websocket.DefaultDialer.DialContext(req.Context(), target, header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		log.WithComponent("proxy").Warn().
			Str("session_key", h.Key.String()).
			Str("path", req.URL.Path).Int("status", status).Err(err).
			Msg("websocket dial failed")
		http.Error(w, "upstream websocket unavailable", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	respHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}
	client, err := upgrader.Upgrade(w, req, respHeader)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer client.Close()

	metrics.ProxyWebsocketsTotal.WithLabelValues(string(h.Key.IDE)).Inc()

	// Long-lived sockets must keep stamping activity while frames flow,
	// not only when the bridge closes.
	notify := h.frameStamper(req)
	errc := make(chan error, 2)
	go pump(client, upstream, errc, notify)
	go pump(upstream, client, errc, notify)
	<-errc
}

// frameStamper returns the per-connection activity callback, rate-limited
// to wsActivityInterval. Monitor-marked connections get none.
func (h *Handle) frameStamper(req *http.Request) func() {
	if h.onActivity == nil || req.Header.Get(MonitorHeader) != "" {
		return nil
	}
	var mu sync.Mutex
	var last time.Time
	return func() {
		mu.Lock()
		now := time.Now()
		if now.Sub(last) < wsActivityInterval {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()
		h.onActivity(h.Key)
	}
}

// pump copies frames from src to dst until either side closes, reporting
// each forwarded frame to notify.
func pump(dst, src *websocket.Conn, errc chan<- error, notify func()) {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				dst.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text))
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			errc <- err
			return
		}
		if notify != nil {
			notify()
		}
	}
}
