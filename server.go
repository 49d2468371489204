package waybackproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

//connReadTimeout bounds how long an idle keep-alive connection is held open
const connReadTimeout = 30 * time.Second

//The Server accepts proxy connections and serves the request pipeline.
// It speaks HTTP/1.x over a plain TCP listener instead of net/http.Server
// because forward-proxy requests arrive in absolute form and the response
// path needs direct control over the connection for paced writes
type Server struct {
	Ref     *ConfigRef
	Store   *cache.Store
	Client  *WaybackClient
	Admin   *AdminHandler
	Landing *LandingPage
	Errors  *ErrorPages
	Metrics *Metrics
	Logger  *logrus.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	listener   net.Listener
	conns      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

//Serve accepts connections on the listener until Shutdown is called.
// Each connection is handled on its own goroutine
func (server *Server) Serve(listener net.Listener) error {
	server.mu.Lock()
	server.listener = listener
	if server.baseCtx == nil {
		server.baseCtx, server.cancelBase = context.WithCancel(context.Background())
	}
	server.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			server.mu.Lock()
			closed := server.closed
			server.mu.Unlock()

			if closed {
				return nil
			}

			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			return err
		}

		server.conns.Add(1)
		go func() {
			defer server.conns.Done()
			server.handleConn(conn)
		}()
	}
}

//Shutdown stops accepting connections and waits up to the context deadline
// for in-flight connections to drain
func (server *Server) Shutdown(ctx context.Context) error {
	server.mu.Lock()
	server.closed = true
	listener := server.listener
	cancel := server.cancelBase
	server.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		server.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (server *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(connReadTimeout))

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					server.Logger.WithError(err).Debug("Unable to parse request")
				}
			}
			return
		}

		req = req.WithContext(server.baseCtx)

		keepAlive := server.handleRequest(conn, req)
		if !keepAlive {
			return
		}
	}
}

//handleRequest routes a parsed request and reports whether the connection can
// be reused for another request. A failed or aborted response write poisons
// the stream, the connection is closed instead of reused
func (server *Server) handleRequest(conn net.Conn, req *http.Request) bool {
	defer drainAndClose(req.Body)

	keepAlive := wantsKeepAlive(req)

	switch {
	case req.Method == http.MethodConnect:
		//HTTPS tunneling is out of scope for a proxy serving a pre-TLS web
		server.writeErrorPage(conn, req, http.StatusNotImplemented, req.Host, false)
		return false

	case req.URL.IsAbs():
		return server.serveProxy(conn, req, keepAlive) == nil && keepAlive

	default:
		return server.serveLocal(conn, req, keepAlive) == nil && keepAlive
	}
}

//serveLocal handles origin-form requests addressed to the proxy itself:
// the admin surface and the landing page
func (server *Server) serveLocal(conn net.Conn, req *http.Request, keepAlive bool) error {
	conf := server.Ref.Load()

	if strings.HasPrefix(req.URL.Path, "/_admin") {
		writer := newBufferedResponseWriter()
		server.Admin.ServeHTTP(writer, req)
		return writer.flushTo(conn, req, keepAlive)
	}

	if req.URL.Path == "/" && req.Method == http.MethodGet && conf.LandingPage.Enabled {
		body := server.Landing.Render(req.Context(), conf)
		return server.writeResponse(conn, req, http.StatusOK, http.Header{
			"Content-Type": []string{"text/html; charset=utf-8"},
		}, body, keepAlive, 0)
	}

	return server.writeErrorPage(conn, req, http.StatusBadRequest, req.URL.Path, keepAlive)
}

//serveProxy is the forward path: allowlist, cache, upstream fetch, transform,
// header bar and the paced write back to the client
func (server *Server) serveProxy(conn net.Conn, req *http.Request, keepAlive bool) error {
	conf := server.Ref.Load()
	started := time.Now()

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return server.writeErrorPage(conn, req, http.StatusNotImplemented, req.URL.String(), keepAlive)
	}

	normalized, err := cache.NormalizeURL(req.URL.String())
	if err != nil {
		return server.writeErrorPage(conn, req, http.StatusBadRequest, req.URL.String(), keepAlive)
	}

	logger := server.Logger.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    normalized,
	})

	if conf.AllowlistMode() {
		allowed, err := server.Store.AllowlistCheck(req.Context(), normalized)
		if err != nil {
			logger.WithError(err).Warning("Allowlist check failed, denying request")
			allowed = false
		}

		if !allowed {
			logger.Info("Request denied by allowlist")
			server.observe("denied")
			return server.writeErrorPage(conn, req, http.StatusForbidden, normalized, keepAlive)
		}
	}

	resp, tier, _ := server.Store.Get(req.Context(), normalized)

	cacheStatus := "miss"
	if resp != nil {
		cacheStatus = "hit-" + string(tier)
	} else {
		resp, err = server.Client.FetchSnapshot(req.Context(), normalized, conf.Proxy.TargetDate)
		if err != nil {
			return server.serveUpstreamError(conn, req, logger, normalized, err, keepAlive)
		}

		resp.Body = conf.Transformer().Transform(resp.Body, resp.ContentType)
		server.Store.PutHot(req.Context(), normalized, resp)
	}

	server.observe(cacheStatus)

	isHTML := strings.Contains(strings.ToLower(resp.ContentType), "html")

	if isHTML && resp.StatusCode == http.StatusOK {
		if domain := viewDomain(normalized); domain != "" {
			server.Store.TrackView(req.Context(), domain)
		}
	}

	speed := EffectiveSpeed(req.Header, conf.Throttle.Selector, conf.Throttle.Speed)

	body := resp.Body
	if isHTML && conf.HeaderBar.Enabled {
		bar := &HeaderBar{
			Position:      conf.HeaderBar.Position,
			Text:          conf.HeaderBar.Text,
			SpeedSelector: conf.Throttle.Selector,
		}

		fragment, err := bar.Render(normalized, resp.ArchiveDate, speed)
		if err != nil {
			logger.WithError(err).Warning("Unable to render header bar")
		} else {
			body = bar.Inject(body, fragment)
		}
	}

	header := http.Header{}
	for _, h := range resp.Headers {
		canonical := http.CanonicalHeaderKey(h.Name)
		if canonical == "Content-Length" || canonical == "Connection" {
			continue
		}
		header.Add(canonical, h.Value)
	}

	if header.Get("Content-Type") == "" && resp.ContentType != "" {
		header.Set("Content-Type", resp.ContentType)
	}
	header.Set("X-Cache", cacheStatus)
	header.Set("X-Archive-Date", resp.ArchiveDate)

	bytesPerSec := SpeedTiers[speed]

	writeErr := server.writeResponse(conn, req, resp.StatusCode, header, body, keepAlive, bytesPerSec)

	logger.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"cache":    cacheStatus,
		"bytes":    len(body),
		"duration": time.Since(started).Round(time.Millisecond).String(),
	}).Info("Request served")

	return writeErr
}

func (server *Server) serveUpstreamError(conn net.Conn, req *http.Request, logger *logrus.Entry, normalized string, err error, keepAlive bool) error {
	status := http.StatusBadGateway

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		switch upstreamErr.Kind {
		case ErrNotArchived:
			status = http.StatusNotFound
		case ErrUpstreamTimeout:
			status = http.StatusGatewayTimeout
		}

		if server.Metrics != nil {
			server.Metrics.ObserveUpstreamError(upstreamErr.Kind)
		}
	}

	logger.WithError(err).WithField("status", status).Info("Upstream fetch failed")
	server.observe("error")
	return server.writeErrorPage(conn, req, status, normalized, keepAlive)
}

func (server *Server) observe(cacheResult string) {
	if server.Metrics != nil {
		server.Metrics.ObserveRequest(cacheResult)
	}
}

//writeErrorPage writes a themed error response
func (server *Server) writeErrorPage(conn net.Conn, req *http.Request, status int, requestURL string, keepAlive bool) error {
	body := server.Errors.Render(status, requestURL)
	return server.writeResponse(conn, req, status, http.Header{
		"Content-Type": []string{"text/html; charset=utf-8"},
	}, body, keepAlive, 0)
}

//writeResponse writes a full HTTP/1.1 response to the connection.
// The body write is paced when bytesPerSec is positive, HEAD requests get
// headers only. A non-nil error means the response did not fully reach the
// client and the connection must not be reused
func (server *Server) writeResponse(conn net.Conn, req *http.Request, status int, header http.Header, body []byte, keepAlive bool, bytesPerSec int) error {
	writer := bufio.NewWriter(conn)

	fmt.Fprintf(writer, "HTTP/1.1 %d %s\r\n", status, statusText(status))

	header.Set("Server", "WaybackCacheProxy")
	header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	if keepAlive {
		header.Set("Connection", "keep-alive")
	} else {
		header.Set("Connection", "close")
	}

	if err := header.Write(writer); err != nil {
		return err
	}
	io.WriteString(writer, "\r\n")

	if req != nil && req.Method == http.MethodHead {
		return writer.Flush()
	}

	ctx := context.Background()
	if req != nil {
		ctx = req.Context()
	}

	if err := WriteThrottled(ctx, writer, body, bytesPerSec); err != nil {
		server.Logger.WithError(err).Debug("Body write aborted")
		return err
	}

	if server.Metrics != nil {
		server.Metrics.ThrottledBytes.Add(float64(len(body)))
	}

	return writer.Flush()
}

//wantsKeepAlive applies the HTTP/1.x connection reuse rules
func wantsKeepAlive(req *http.Request) bool {
	connection := strings.ToLower(req.Header.Get("Connection"))

	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return strings.Contains(connection, "keep-alive")
	}

	return !strings.Contains(connection, "close")
}

//viewDomain reduces a URL to its registrable domain for the view counters.
// Hosts without a public suffix, IP addresses for instance, count as-is
func viewDomain(rawurl string) string {
	host := ""
	if idx := strings.Index(rawurl, "://"); idx >= 0 {
		host = rawurl[idx+3:]
	}
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}

	if host == "" {
		return ""
	}

	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}

	return host
}

//A bufferedResponseWriter captures a net/http handler's response so it can be
// written to the raw connection with explicit framing
type bufferedResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{
		header: http.Header{},
		status: http.StatusOK,
	}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.header
}

func (w *bufferedResponseWriter) WriteHeader(status int) {
	w.status = status
}

func (w *bufferedResponseWriter) Write(data []byte) (int, error) {
	return w.body.Write(data)
}

//flushTo writes the captured response to the connection
func (w *bufferedResponseWriter) flushTo(conn net.Conn, req *http.Request, keepAlive bool) error {
	writer := bufio.NewWriter(conn)

	fmt.Fprintf(writer, "HTTP/1.1 %d %s\r\n", w.status, statusText(w.status))

	w.header.Del("Content-Length")
	w.header.Set("Server", "WaybackCacheProxy")
	w.header.Set("Content-Length", fmt.Sprintf("%d", w.body.Len()))
	if keepAlive {
		w.header.Set("Connection", "keep-alive")
	} else {
		w.header.Set("Connection", "close")
	}

	if err := w.header.Write(writer); err != nil {
		return err
	}
	io.WriteString(writer, "\r\n")

	if req == nil || req.Method != http.MethodHead {
		if _, err := writer.Write(w.body.Bytes()); err != nil {
			return err
		}
	}

	return writer.Flush()
}
