package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"

	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// MonitorHeader marks control-plane traffic (health checks, status pings)
// so it never counts as user activity. The front door sets it; the proxy
// strips it before forwarding.
const MonitorHeader = "X-Porthole-Monitor"

// ActivityFunc is invoked after each completed user-originated response.
type ActivityFunc func(key types.SessionKey)

// Handle is one session's bound reverse proxy: a loopback upstream, the
// IDE's rewriter, and the shared activity callback.
type Handle struct {
	Key       types.SessionKey
	LocalPort int

	rewriter   Rewriter
	rp         *httputil.ReverseProxy
	onActivity ActivityFunc
}

// Registry owns the live proxy bindings, keyed by session. Bindings are
// created when a session reaches running and released exactly once during
// teardown.
type Registry struct {
	cfg        *config.Config
	onActivity ActivityFunc

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry creates an empty proxy registry.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:     cfg,
		handles: make(map[string]*Handle),
	}
}

// OnActivity installs the callback fired after user-originated responses.
func (r *Registry) OnActivity(f ActivityFunc) {
	r.onActivity = f
}

// Bind creates the session's proxy binding. Binding an already-bound
// session replaces the old handle; the session key is the identity, not
// the port, so a relaunch after a crash rebinds cleanly.
func (r *Registry) Bind(sess *types.Session) (*Handle, error) {
	ide, err := r.cfg.IDE(sess.Key.IDE)
	if err != nil {
		return nil, err
	}
	if sess.LocalPort == 0 {
		return nil, fmt.Errorf("session %s has no local port to bind", sess.Key)
	}

	view := sessionView{
		Key:      sess.Key,
		Token:    sess.Token,
		BasePath: ide.BasePath,
		IDEPort:  sess.IDEPort,
	}

	var rw Rewriter
	switch sess.Key.IDE {
	case types.IDECode:
		rw = newCodeRewriter(view)
	case types.IDERStudio:
		rw = newRStudioRewriter(view, r.cfg.ExternalHost)
	case types.IDEJupyter:
		rw = newJupyterRewriter(view)
	default:
		return nil, fmt.Errorf("no rewriter for ide %q", sess.Key.IDE)
	}

	h := r.newHandle(sess.Key, sess.LocalPort, rw)

	r.mu.Lock()
	r.handles[sess.Key.String()] = h
	r.mu.Unlock()

	log.WithComponent("proxy").Info().
		Str("session_key", sess.Key.String()).
		Int("local_port", sess.LocalPort).
		Msg("proxy bound")
	return h, nil
}

// newHandle wires a rewriter onto a ReverseProxy targeting the loopback
// port.
func (r *Registry) newHandle(key types.SessionKey, localPort int, rw Rewriter) *Handle {
	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(localPort)}

	h := &Handle{
		Key:        key,
		LocalPort:  localPort,
		rewriter:   rw,
		onActivity: r.onActivity,
	}

	h.rp = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.Header.Del(MonitorHeader)
			rw.RewriteRequest(req)
		},
		ModifyResponse: func(resp *http.Response) error {
			metrics.ProxyRequestsTotal.WithLabelValues(string(key.IDE)).Inc()
			return rw.ModifyResponse(resp)
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			metrics.ProxyUpstreamErrorsTotal.Inc()
			log.WithComponent("proxy").Warn().
				Str("session_key", key.String()).
				Str("path", req.URL.Path).Err(err).
				Msg("upstream unreachable")
			writeRetryPage(w)
		},
	}
	if t := rw.Transport(); t != nil {
		h.rp.Transport = t
	}
	return h
}

// ServeHTTP forwards one request through the binding and records user
// activity unless the request carries the monitor marker.
func (h *Handle) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	monitor := req.Header.Get(MonitorHeader) != ""

	if isWebSocketUpgrade(req) {
		h.serveWebSocket(w, req)
	} else {
		h.rp.ServeHTTP(w, req)
	}

	if !monitor && h.onActivity != nil {
		h.onActivity(h.Key)
	}
}

// Get returns the session's binding, if any.
func (r *Registry) Get(key types.SessionKey) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key.String()]
	return h, ok
}

// Release drops the session's binding. Idempotent.
func (r *Registry) Release(key types.SessionKey) {
	r.mu.Lock()
	_, ok := r.handles[key.String()]
	delete(r.handles, key.String())
	r.mu.Unlock()

	if ok {
		log.WithComponent("proxy").Info().
			Str("session_key", key.String()).
			Msg("proxy released")
	}
}

// Count returns the number of live bindings.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// BindPort creates an unregistered passthrough handle for an arbitrary
// forwarded port under /port/<n>. The handle shares the session's activity
// accounting but carries no IDE rewriting beyond the prefix strip.
func (r *Registry) BindPort(key types.SessionKey, localPort, publicPort int) *Handle {
	return r.newHandle(key, localPort, newPortRewriter(publicPort))
}

func writeRetryPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "2")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprint(w, `<!DOCTYPE html>
<html><head><title>Session starting</title>
<meta http-equiv="refresh" content="2"></head>
<body><p>The IDE is not reachable yet. Retrying&hellip;</p></body></html>
`)
}
