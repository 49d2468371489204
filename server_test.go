package waybackproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//testUpstream is a fake archive that serves one page and counts requests
type testUpstream struct {
	requests int64
	server   *httptest.Server
}

func newTestUpstream(t *testing.T) *testUpstream {
	upstream := &testUpstream{}

	upstream.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&upstream.requests, 1)

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><base href="https://web.archive.org/web/20010915/http://example.com/"></head><body><p>vintage page</p></body></html>`))
	}))
	t.Cleanup(upstream.server.Close)

	return upstream
}

func (upstream *testUpstream) count() int64 {
	return atomic.LoadInt64(&upstream.requests)
}

type serverFixture struct {
	addr     string
	store    *cache.Store
	redis    *miniredis.Miniredis
	conf     *Config
	ref      *ConfigRef
	upstream *testUpstream
}

func serverConfig() *Config {
	conf := &Config{}
	conf.Proxy.TargetDate = "20010101"
	conf.Proxy.Port = 8888
	conf.Access.Mode = "open"
	conf.Cache.HotTTLDays = 7
	conf.Transform.RemoveWaybackToolbar = true
	conf.Transform.RemoveWaybackScripts = true
	conf.Transform.FixBaseTags = true
	conf.Transform.FixAssetURLs = true
	conf.Transform.NormalizeLinks = true
	conf.Throttle.Speed = "unlimited"
	conf.HeaderBar.Position = "top"
	conf.HeaderBar.Text = "Wayback Cache Proxy"
	conf.Crawler.Concurrency = 1
	conf.LandingPage.Enabled = true
	conf.LandingPage.MostViewedCount = 10
	return conf
}

func startTestServer(t *testing.T, conf *Config) *serverFixture {
	t.Helper()

	mr := miniredis.RunT(t)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := cache.NewStore("redis://"+mr.Addr(), conf.HotTTL(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	upstream := newTestUpstream(t)
	client := testWaybackClient(upstream.server.URL)

	ref := NewConfigRef(conf)
	metrics := NewMetrics()

	crawler := &Crawler{Store: store, Client: client, Ref: ref, Logger: logger, Metrics: metrics}

	server := &Server{
		Ref:     ref,
		Store:   store,
		Client:  client,
		Admin:   NewAdminHandler(store, crawler, ref, metrics, logger),
		Landing: NewLandingPage("", store, logger),
		Errors:  NewErrorPages("", logger),
		Metrics: metrics,
		Logger:  logger,
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go server.Serve(listener)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	return &serverFixture{
		addr:     listener.Addr().String(),
		store:    store,
		redis:    mr,
		conf:     conf,
		ref:      ref,
		upstream: upstream,
	}
}

//proxyClient returns an http.Client that sends its requests through the proxy
func (fixture *serverFixture) proxyClient(t *testing.T) *http.Client {
	t.Helper()

	proxyURL, err := url.Parse("http://" + fixture.addr)
	require.NoError(t, err)

	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true},
		Timeout:   5 * time.Second,
	}
}

func (fixture *serverFixture) get(t *testing.T, pageURL string) (*http.Response, string) {
	t.Helper()

	resp, err := fixture.proxyClient(t).Get(pageURL)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	return resp, string(body)
}

func TestServerMissFetchesAndPromotes(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	resp, body := fixture.get(t, "http://example.com/page")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Cache"))
	assert.Equal(t, "WaybackCacheProxy", resp.Header.Get("Server"))
	assert.NotEmpty(t, resp.Header.Get("X-Archive-Date"))
	assert.Contains(t, body, "vintage page")
	assert.Contains(t, body, `<base href="http://example.com/">`, "the body is transformed before serving")
	assert.EqualValues(t, 1, fixture.upstream.count())

	//The response was promoted into the hot tier
	cached, tier, err := fixture.store.Get(context.Background(), "http://example.com/page")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, cache.TierHot, tier)
	assert.Contains(t, string(cached.Body), `<base href="http://example.com/">`, "cached bytes are stored transformed")
}

func TestServerHotHitSkipsUpstream(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	_, _ = fixture.get(t, "http://example.com/page")
	resp, body := fixture.get(t, "http://example.com/page")

	assert.Equal(t, "hit-hot", resp.Header.Get("X-Cache"))
	assert.Contains(t, body, "vintage page")
	assert.EqualValues(t, 1, fixture.upstream.count(), "a cache hit must not touch the archive")
}

func TestServerCuratedHitSkipsUpstream(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	curated := &cache.CachedResponse{
		StatusCode:  200,
		Headers:     []cache.Header{{Name: "Content-Type", Value: "text/html"}},
		Body:        []byte("<html><body>curated copy</body></html>"),
		ContentType: "text/html",
		SourceURL:   "http://example.com/curated",
		ArchiveDate: "20010915",
	}
	fixture.store.PutCurated(context.Background(), "http://example.com/curated", curated)

	resp, body := fixture.get(t, "http://example.com/curated")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit-curated", resp.Header.Get("X-Cache"))
	assert.Equal(t, "20010915", resp.Header.Get("X-Archive-Date"))
	assert.Contains(t, body, "curated copy")
	assert.Zero(t, fixture.upstream.count())
}

func TestServerAllowlistDenies(t *testing.T) {
	conf := serverConfig()
	conf.Access.Mode = "allowlist"

	fixture := startTestServer(t, conf)

	resp, body := fixture.get(t, "http://example.com/page")

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "403")
	assert.Zero(t, fixture.upstream.count(), "a denied request must not reach the archive")

	cached, _, err := fixture.store.Get(context.Background(), "http://example.com/page")
	require.NoError(t, err)
	assert.Nil(t, cached, "a denied request must not be cached")
}

func TestServerAllowlistAdmits(t *testing.T) {
	conf := serverConfig()
	conf.Access.Mode = "allowlist"

	fixture := startTestServer(t, conf)
	require.NoError(t, fixture.store.AllowlistSet(context.Background(), []string{"*.com"}))

	resp, _ := fixture.get(t, "http://example.com/page")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, fixture.upstream.count())
}

func TestServerUpstreamDown(t *testing.T) {
	fixture := startTestServer(t, serverConfig())
	fixture.upstream.server.Close()

	resp, body := fixture.get(t, "http://example.com/page")

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "502")

	cached, _, err := fixture.store.Get(context.Background(), "http://example.com/page")
	require.NoError(t, err)
	assert.Nil(t, cached, "failures are never cached")
}

func TestServerNotArchived(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	//The archive redirects to the live web when it has no snapshot
	fixture.upstream.server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://example.com/missing")
		w.WriteHeader(http.StatusFound)
	})

	resp, body := fixture.get(t, "http://example.com/missing")

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "404")
}

func TestServerHeaderBarInjection(t *testing.T) {
	conf := serverConfig()
	conf.HeaderBar.Enabled = true
	conf.HeaderBar.Text = "Back to 2001"

	fixture := startTestServer(t, conf)

	_, body := fixture.get(t, "http://example.com/page")

	assert.Contains(t, body, "wbHeaderBar")
	assert.Contains(t, body, "Back to 2001")

	//The cached copy stays clean of the injected bar
	cached, _, err := fixture.store.Get(context.Background(), "http://example.com/page")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.NotContains(t, string(cached.Body), "wbHeaderBar")
}

func TestServerTracksViews(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	_, _ = fixture.get(t, "http://www.example.com/page")

	views, err := fixture.store.TopViews(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "example.com", views[0].Domain, "views are counted per registrable domain")
}

func TestServerLandingPage(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	resp, err := http.Get("http://" + fixture.addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Wayback Cache Proxy")
	assert.Contains(t, string(body), "2001-01-01")
}

func TestServerLandingPageDisabled(t *testing.T) {
	conf := serverConfig()
	conf.LandingPage.Enabled = false

	fixture := startTestServer(t, conf)

	resp, err := http.Get("http://" + fixture.addr + "/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerConnectNotImplemented(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	conn, err := net.Dial("tcp", fixture.addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "501")
}

func TestServerAdminWithoutPassword(t *testing.T) {
	conf := serverConfig()
	conf.Admin.Enabled = true

	fixture := startTestServer(t, conf)

	resp, err := http.Get("http://" + fixture.addr + "/_admin/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "admin without a password refuses to serve")
}

func TestServerAdminAuth(t *testing.T) {
	conf := serverConfig()
	conf.Admin.Enabled = true
	conf.Admin.Password = "opensesame"

	fixture := startTestServer(t, conf)
	base := "http://" + fixture.addr

	//No credentials
	resp, err := http.Get(base + "/_admin/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	//Wrong password
	req, _ := http.NewRequest(http.MethodGet, base+"/_admin/", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	//Correct password
	req, _ = http.NewRequest(http.MethodGet, base+"/_admin/", nil)
	req.SetBasicAuth("admin", "opensesame")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Wayback Cache Proxy")
}

func TestServerAdminDisabled(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	resp, err := http.Get("http://" + fixture.addr + "/_admin/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerAdminStatusJSON(t *testing.T) {
	conf := serverConfig()
	conf.Admin.Enabled = true
	conf.Admin.Password = "pw"

	fixture := startTestServer(t, conf)

	req, _ := http.NewRequest(http.MethodGet, "http://"+fixture.addr+"/_admin/status.json", nil)
	req.SetBasicAuth("admin", "pw")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	assert.Contains(t, string(body), `"target_date":"20010101"`)
	assert.Contains(t, string(body), `"redis_ok":true`)
}

func TestServerConfigReloadSwapsSnapshot(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	resp, _ := fixture.get(t, "http://example.com/page")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	//Simulate a reload by swapping the snapshot to allowlist mode
	updated := serverConfig()
	updated.Access.Mode = "allowlist"
	fixture.ref.Store(updated)

	resp, _ = fixture.get(t, "http://example.org/other")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServerMalformedRequest(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	conn, err := net.Dial("tcp", fixture.addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /not-a-proxy-request HTTP/1.1\r\nHost: whatever.test\r\n\r\n")

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "400", "an origin-form request for an unknown path is a bad request")
}

func TestServerKeepAlive(t *testing.T) {
	fixture := startTestServer(t, serverConfig())

	conn, err := net.Dial("tcp", fixture.addr)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		fmt.Fprintf(conn, "GET http://example.com/page HTTP/1.1\r\nHost: example.com\r\n\r\n")

		resp, err := http.ReadResponse(reader, nil)
		require.NoError(t, err, "request %d on the same connection", i+1)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "vintage page")
		assert.Equal(t, "keep-alive", strings.ToLower(resp.Header.Get("Connection")))
	}

	assert.EqualValues(t, 1, fixture.upstream.count(), "the second request is a hot hit")
}

//brokenConn fails every write, simulating a client that went away mid-response
type brokenConn struct {
	writes int32
}

func (conn *brokenConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (conn *brokenConn) Write(p []byte) (int, error) {
	atomic.AddInt32(&conn.writes, 1)
	return 0, fmt.Errorf("connection reset by peer")
}
func (conn *brokenConn) Close() error                       { return nil }
func (conn *brokenConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (conn *brokenConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (conn *brokenConn) SetDeadline(t time.Time) error      { return nil }
func (conn *brokenConn) SetReadDeadline(t time.Time) error  { return nil }
func (conn *brokenConn) SetWriteDeadline(t time.Time) error { return nil }

//discardConn accepts every write
type discardConn struct {
	brokenConn
}

func (conn *discardConn) Write(p []byte) (int, error) { return len(p), nil }

func TestServerWriteFailureClosesConnection(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	server := &Server{
		Ref:    NewConfigRef(serverConfig()),
		Errors: NewErrorPages("", logger),
		Logger: logger,
	}

	req := httptest.NewRequest(http.MethodGet, "/no-such-path", nil)

	assert.True(t, server.handleRequest(&discardConn{}, req),
		"a fully written response keeps the connection open")

	broken := &brokenConn{}
	assert.False(t, server.handleRequest(broken, req),
		"a half-written response must not be followed by another request")
	assert.Greater(t, atomic.LoadInt32(&broken.writes), int32(0))
}
