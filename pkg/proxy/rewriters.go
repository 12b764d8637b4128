package proxy

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/porthole-hpc/porthole/pkg/types"
)

// AuthCookieName is the editor IDE's session cookie.
const AuthCookieName = "auth-tkn"

// expiredEpoch clears a cookie on any client.
const expiredEpoch = "Thu, 01 Jan 1970 00:00:00 GMT"

// Rewriter is the per-IDE request/response surgery installed on a proxy
// handle at creation. Implementations close over the session record only,
// never over individual requests, so one handle serves concurrent traffic.
type Rewriter interface {
	// RewriteRequest adjusts path, query, and headers before forwarding.
	RewriteRequest(req *http.Request)
	// ModifyResponse adjusts the upstream response in place.
	ModifyResponse(resp *http.Response) error
	// Transport returns the HTTP transport to reach the upstream with, or
	// nil for the default.
	Transport() http.RoundTripper
}

// sessionView is the slice of the session a rewriter needs.
type sessionView struct {
	Key      types.SessionKey
	Token    string
	BasePath string
	IDEPort  int
}

// stripPublicPrefix maps the public prefixes (base path and its -direct
// twin) onto upstreamBase. Paths outside both prefixes pass unchanged.
func stripPublicPrefix(p, basePath, upstreamBase string) string {
	for _, prefix := range []string{basePath + "-direct", basePath} {
		if p == prefix {
			return upstreamBase
		}
		if strings.HasPrefix(p, prefix+"/") {
			rest := strings.TrimPrefix(p, prefix)
			if upstreamBase == "/" {
				return rest
			}
			return upstreamBase + rest
		}
	}
	return p
}

// --- Editor IDE (cookie-based auth) -----------------------------------

// codeRewriter drives the editor IDE's cookie handshake. The upstream sets
// its auth cookie when the token arrives as a query parameter; stale
// cookies from a previous control-plane process are recovered by
// short-circuiting the 403 into a cookie-clearing redirect.
type codeRewriter struct {
	s sessionView
}

func newCodeRewriter(s sessionView) *codeRewriter { return &codeRewriter{s: s} }

func (c *codeRewriter) RewriteRequest(req *http.Request) {
	req.URL.Path = stripPublicPrefix(req.URL.Path, c.s.BasePath, c.s.BasePath)

	atBase := req.URL.Path == c.s.BasePath || req.URL.Path == c.s.BasePath+"/"
	cookie, err := req.Cookie(AuthCookieName)
	if (err != nil || cookie.Value != c.s.Token) && atBase {
		// Send the upstream its token so it sets a fresh cookie.
		req.URL.Path = c.s.BasePath + "/"
		q := req.URL.Query()
		q.Set("tkn", c.s.Token)
		req.URL.RawQuery = q.Encode()
	}
}

func (c *codeRewriter) ModifyResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusForbidden && hasAuthCookie(resp.Request) {
		// Stale cookie from a previous token. Clear it and bounce the
		// client back to the base path, where the token handshake reruns.
		if resp.Body != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		resp.Body = io.NopCloser(strings.NewReader(""))
		resp.Header = make(http.Header)
		resp.Header.Set("Location", c.s.BasePath+"/")
		resp.Header.Add("Set-Cookie", AuthCookieName+"=; Path="+c.s.BasePath+"/; Expires="+expiredEpoch)
		resp.StatusCode = http.StatusFound
		resp.Status = http.StatusText(http.StatusFound)
		resp.ContentLength = 0
		return nil
	}

	rewriteSetCookies(resp, func(cookie string) string {
		cookie = stripCookieAttr(cookie, "Domain")
		return replaceCookiePath(cookie, c.s.BasePath+"/")
	})
	return nil
}

func (c *codeRewriter) Transport() http.RoundTripper { return nil }

func hasAuthCookie(req *http.Request) bool {
	if req == nil {
		return false
	}
	_, err := req.Cookie(AuthCookieName)
	return err == nil
}

// --- R IDE (no login, iframe-hosted) ----------------------------------

// rstudioRewriter serves the R IDE inside an iframe. Cookies gain
// Secure/SameSite=None so they survive cross-context loading, but their
// Path is preserved exactly: the upstream signs cookies over (name, value,
// path). Redirect targets are folded back under the session's base path so
// the proxy chain is never escaped.
type rstudioRewriter struct {
	s            sessionView
	externalHost string
	transport    http.RoundTripper
}

func newRStudioRewriter(s sessionView, externalHost string) *rstudioRewriter {
	return &rstudioRewriter{
		s:            s,
		externalHost: externalHost,
		// The upstream pairs Connection: close with long-poll responses;
		// keepalive amplifies body-after-close errors.
		transport: &http.Transport{DisableKeepAlives: true},
	}
}

func (r *rstudioRewriter) RewriteRequest(req *http.Request) {
	req.URL.Path = stripPublicPrefix(req.URL.Path, r.s.BasePath, "/")
	// Upstream reads its public base path from this header.
	req.Header.Set("X-RStudio-Root-Path", r.s.BasePath)
}

func (r *rstudioRewriter) ModifyResponse(resp *http.Response) error {
	resp.Header.Del("X-Frame-Options")

	rewriteSetCookies(resp, func(cookie string) string {
		if !attrPresent(cookie, "Secure") {
			cookie += "; Secure"
		}
		if !attrPresent(cookie, "SameSite") {
			cookie += "; SameSite=None"
		}
		return cookie
	})

	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", r.rewriteLocation(loc))
	}
	return nil
}

func (r *rstudioRewriter) rewriteLocation(loc string) string {
	if u, err := url.Parse(loc); err == nil && u.IsAbs() {
		host := u.Hostname()
		internal := host == "127.0.0.1" || host == "localhost"
		if internal && u.Port() != "" && u.Port() != strconv.Itoa(r.s.IDEPort) {
			internal = false
		}
		if internal || (r.externalHost != "" && host == r.externalHost) {
			loc = u.RequestURI()
		} else {
			return loc
		}
	}
	if strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, r.s.BasePath) {
		return r.s.BasePath + loc
	}
	return loc
}

func (r *rstudioRewriter) Transport() http.RoundTripper { return r.transport }

// --- Notebook IDE (query-token auth) ----------------------------------

// jupyterRewriter injects the session token into request URLs and maps the
// public prefixes onto the upstream's base_url.
type jupyterRewriter struct {
	s sessionView
}

func newJupyterRewriter(s sessionView) *jupyterRewriter { return &jupyterRewriter{s: s} }

func (j *jupyterRewriter) RewriteRequest(req *http.Request) {
	req.URL.Path = stripPublicPrefix(req.URL.Path, j.s.BasePath, j.s.BasePath)

	q := req.URL.Query()
	if q.Get("token") == "" {
		q.Set("token", j.s.Token)
		req.URL.RawQuery = q.Encode()
	}
}

func (j *jupyterRewriter) ModifyResponse(resp *http.Response) error { return nil }

func (j *jupyterRewriter) Transport() http.RoundTripper { return nil }

// --- passthrough (arbitrary user dev servers) -------------------------

// portRewriter strips the /port/<n> prefix and nothing else.
type portRewriter struct {
	prefix string
}

func newPortRewriter(port int) *portRewriter {
	return &portRewriter{prefix: "/port/" + strconv.Itoa(port)}
}

func (p *portRewriter) RewriteRequest(req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, p.prefix)
	if rest == "" {
		rest = "/"
	}
	req.URL.Path = rest
}

func (p *portRewriter) ModifyResponse(resp *http.Response) error { return nil }

func (p *portRewriter) Transport() http.RoundTripper { return nil }

// --- cookie header helpers --------------------------------------------

func rewriteSetCookies(resp *http.Response, f func(string) string) {
	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) == 0 {
		return
	}
	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, f(c))
	}
	resp.Header.Del("Set-Cookie")
	for _, c := range out {
		resp.Header.Add("Set-Cookie", c)
	}
}

// stripCookieAttr removes one attribute (with or without value) from a
// Set-Cookie string.
func stripCookieAttr(cookie, attr string) string {
	parts := strings.Split(cookie, ";")
	out := parts[:0]
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		if strings.EqualFold(name, attr) && len(out) > 0 {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ";")
}

// replaceCookiePath rewrites (or adds) the Path attribute.
func replaceCookiePath(cookie, path string) string {
	cookie = stripCookieAttr(cookie, "Path")
	return cookie + "; Path=" + path
}

func attrPresent(cookie, attr string) bool {
	for _, p := range strings.Split(cookie, ";")[1:] {
		name := strings.TrimSpace(p)
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		if strings.EqualFold(name, attr) {
			return true
		}
	}
	return false
}
