package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/types"
)

func upstreamPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func testSession(ide types.IDE, localPort int) *types.Session {
	return &types.Session{
		Key:       types.SessionKey{User: "alice", Cluster: "gemini", IDE: ide},
		Status:    types.StatusRunning,
		Token:     "s3cret",
		IDEPort:   8001,
		LocalPort: localPort,
	}
}

func bind(t *testing.T, reg *Registry, sess *types.Session) *Handle {
	t.Helper()
	h, err := reg.Bind(sess)
	require.NoError(t, err)
	return h
}

func TestCodeHandshakeInjectsToken(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	reg := NewRegistry(config.Default())
	h := bind(t, reg, testSession(types.IDECode, upstreamPort(t, srv)))

	// No cookie: the base-path request carries the token as a query param.
	req := httptest.NewRequest(http.MethodGet, "/code/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "/code/", gotPath)
	assert.Equal(t, "tkn=s3cret", gotQuery)

	// Matching cookie: passed through untouched.
	req = httptest.NewRequest(http.MethodGet, "/code/", nil)
	req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "s3cret"})
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, gotQuery)

	// Deep paths never get the token bolted on.
	req = httptest.NewRequest(http.MethodGet, "/code/static/app.js", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "/code/static/app.js", gotPath)
	assert.Empty(t, gotQuery)
}

func TestCodeStaleCookieBecomesClearingRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	reg := NewRegistry(config.Default())
	h := bind(t, reg, testSession(types.IDECode, upstreamPort(t, srv)))

	req := httptest.NewRequest(http.MethodGet, "/code/stable-deadbeef/out.js", nil)
	req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "old-token"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/code/", rec.Header().Get("Location"))
	setCookie := rec.Header().Get("Set-Cookie")
	assert.Contains(t, setCookie, AuthCookieName+"=;")
	assert.Contains(t, setCookie, "Expires=Thu, 01 Jan 1970")
}

func TestCodeForbiddenWithoutCookiePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	reg := NewRegistry(config.Default())
	h := bind(t, reg, testSession(types.IDECode, upstreamPort(t, srv)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/code/x", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCodeCookieScopedToBasePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: AuthCookieName, Value: "s3cret", Path: "/", Domain: "127.0.0.1"})
	}))
	defer srv.Close()

	reg := NewRegistry(config.Default())
	h := bind(t, reg, testSession(types.IDECode, upstreamPort(t, srv)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/code/", nil))

	setCookie := rec.Header().Get("Set-Cookie")
	assert.NotContains(t, setCookie, "Domain=")
	assert.Contains(t, setCookie, "Path=/code/")
}

func TestRStudioResponseSurgery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Add("Set-Cookie", "rs-csrf-token=abc; Path=/; HttpOnly")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry(config.Default())
	h := bind(t, reg, testSession(types.IDERStudio, upstreamPort(t, srv)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rstudio/", nil))

	assert.Empty(t, rec.Header().Get("X-Frame-Options"))
	setCookie := rec.Header().Get("Set-Cookie")
	assert.Contains(t, setCookie, "Secure")
	assert.Contains(t, setCookie, "SameSite=None")
	// Path survives untouched: the upstream signs cookies over it.
	assert.Contains(t, setCookie, "Path=/")
}

func TestRStudioStripsPrefixAndSetsRootPathHeader(t *testing.T) {
	var gotPath, gotRoot string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRoot = r.Header.Get("X-RStudio-Root-Path")
	}))
	defer srv.Close()

	reg := NewRegistry(config.Default())
	h := bind(t, reg, testSession(types.IDERStudio, upstreamPort(t, srv)))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rstudio/auth-sign-in", nil))
	assert.Equal(t, "/auth-sign-in", gotPath)
	assert.Equal(t, "/rstudio", gotRoot)

	// The -direct twin maps to the same upstream paths.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rstudio-direct/auth-sign-in", nil))
	assert.Equal(t, "/auth-sign-in", gotPath)
}

func TestRStudioLocationRewrites(t *testing.T) {
	s := sessionView{
		Key:      types.SessionKey{User: "alice", Cluster: "gemini", IDE: types.IDERStudio},
		BasePath: "/rstudio",
		IDEPort:  8787,
	}
	rw := newRStudioRewriter(s, "porthole.example.org")

	cases := []struct {
		in, want string
	}{
		{"http://127.0.0.1:8787/auth-sign-in", "/rstudio/auth-sign-in"},
		{"https://porthole.example.org/help/start", "/rstudio/help/start"},
		{"/workspaces", "/rstudio/workspaces"},
		{"/rstudio/already", "/rstudio/already"},
		{"https://cran.r-project.org/", "https://cran.r-project.org/"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rw.rewriteLocation(tc.in), tc.in)
	}
}

func TestJupyterTokenInjection(t *testing.T) {
	var gotPath, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("token")
	}))
	defer srv.Close()

	reg := NewRegistry(config.Default())
	h := bind(t, reg, testSession(types.IDEJupyter, upstreamPort(t, srv)))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jupyter/lab", nil))
	assert.Equal(t, "/jupyter/lab", gotPath)
	assert.Equal(t, "s3cret", gotToken)

	// Client-provided token wins.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jupyter/lab?token=mine", nil))
	assert.Equal(t, "mine", gotToken)

	// The -direct twin folds onto the upstream base_url.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jupyter-direct/lab", nil))
	assert.Equal(t, "/jupyter/lab", gotPath)
}

func TestActivityCallbackSkipsMonitorTraffic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The marker never reaches the upstream.
		assert.Empty(t, r.Header.Get(MonitorHeader))
	}))
	defer srv.Close()

	var hits atomic.Int64
	reg := NewRegistry(config.Default())
	reg.OnActivity(func(types.SessionKey) { hits.Add(1) })
	h := bind(t, reg, testSession(types.IDEJupyter, upstreamPort(t, srv)))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jupyter/lab", nil))
	assert.Equal(t, int64(1), hits.Load())

	req := httptest.NewRequest(http.MethodGet, "/jupyter/lab", nil)
	req.Header.Set(MonitorHeader, "1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, int64(1), hits.Load())
}

func TestUpstreamDownYieldsRetryPage(t *testing.T) {
	// Grab a port nothing listens on.
	srv := httptest.NewServer(http.NotFoundHandler())
	port := upstreamPort(t, srv)
	srv.Close()

	reg := NewRegistry(config.Default())
	h := bind(t, reg, testSession(types.IDECode, port))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/code/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "refresh")
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(config.Default())
	sess := testSession(types.IDECode, 39999)

	_, ok := reg.Get(sess.Key)
	assert.False(t, ok)

	h := bind(t, reg, sess)
	got, ok := reg.Get(sess.Key)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, reg.Count())

	reg.Release(sess.Key)
	_, ok = reg.Get(sess.Key)
	assert.False(t, ok)

	// Idempotent.
	reg.Release(sess.Key)
	assert.Equal(t, 0, reg.Count())
}

func TestBindRejectsPortlessSession(t *testing.T) {
	reg := NewRegistry(config.Default())
	sess := testSession(types.IDECode, 0)
	_, err := reg.Bind(sess)
	assert.Error(t, err)
}

func TestPortPassthrough(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	reg := NewRegistry(config.Default())
	key := types.SessionKey{User: "alice", Cluster: "gemini", IDE: types.IDECode}
	h := reg.BindPort(key, upstreamPort(t, srv), 3000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/port/3000/api/v1/things", nil))
	assert.Equal(t, "/api/v1/things", gotPath)
	assert.Equal(t, "ok", rec.Body.String())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/port/3000", nil))
	assert.Equal(t, "/", gotPath)
}

func TestStripPublicPrefix(t *testing.T) {
	cases := []struct {
		path, base, upstream, want string
	}{
		{"/code/a/b", "/code", "/code", "/code/a/b"},
		{"/code-direct/a", "/code", "/code", "/code/a"},
		{"/rstudio/x", "/rstudio", "/", "/x"},
		{"/rstudio", "/rstudio", "/", "/"},
		{"/other", "/rstudio", "/", "/other"},
	}
	for _, tc := range cases {
		got := stripPublicPrefix(tc.path, tc.base, tc.upstream)
		assert.Equal(t, tc.want, got, strings.Join([]string{tc.path, tc.base}, " "))
	}
}

func TestCookieAttrHelpers(t *testing.T) {
	c := "tok=v; Domain=example.org; Path=/; HttpOnly"
	c = stripCookieAttr(c, "Domain")
	assert.Equal(t, "tok=v; Path=/; HttpOnly", c)

	c = replaceCookiePath(c, "/code/")
	assert.Equal(t, "tok=v; HttpOnly; Path=/code/", c)

	assert.True(t, attrPresent("a=b; Secure", "secure"))
	assert.False(t, attrPresent("a=b; Path=/", "Secure"))
}
