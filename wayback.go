package waybackproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dylandreimerink/waybackproxy/cache"
)

//UpstreamErrorKind classifies a failed snapshot fetch
type UpstreamErrorKind string

const (
	//ErrNotArchived means the archive has no snapshot for the URL, either it
	// returned 404 or it redirected to the live web
	ErrNotArchived UpstreamErrorKind = "not-archived"

	//ErrUpstreamUnavailable means the archive could not be reached or returned a 5xx
	ErrUpstreamUnavailable UpstreamErrorKind = "upstream-unavailable"

	//ErrUpstreamTimeout means the fetch exceeded the configured timeout
	ErrUpstreamTimeout UpstreamErrorKind = "upstream-timeout"

	//ErrTooManyRedirects means the redirect chain exceeded the redirect limit
	ErrTooManyRedirects UpstreamErrorKind = "too-many-redirects"

	//ErrLoopDetected means the archive redirected to a (date, url) pair that was already visited
	ErrLoopDetected UpstreamErrorKind = "loop-detected"
)

//An UpstreamError is returned by WaybackClient.FetchSnapshot when no terminal snapshot was reached
type UpstreamError struct {
	Kind UpstreamErrorKind
	URL  string
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wayback fetch %s: %s: %s", e.URL, e.Kind, e.Err)
	}

	return fmt.Sprintf("wayback fetch %s: %s", e.URL, e.Kind)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

//UpstreamErrorIs reports whether err is an UpstreamError of the given kind
func UpstreamErrorIs(err error, kind UpstreamErrorKind) bool {
	upstreamErr := &UpstreamError{}
	return errors.As(err, &upstreamErr) && upstreamErr.Kind == kind
}

const (
	//DefaultArchiveBaseURL is the upstream archive endpoint
	DefaultArchiveBaseURL = "https://web.archive.org"

	//DefaultUserAgent identifies the proxy to the archive
	DefaultUserAgent = "WaybackCacheProxy/1.0"

	//DefaultFetchTimeout bounds a single snapshot fetch including all redirects
	DefaultFetchTimeout = 30 * time.Second

	//The maximum number of archive redirects followed before giving up
	maxRedirects = 10
)

//archiveRedirectRegex matches archive-internal Location values of the forms
// /web/{date}{modifier}/{url}, //web.archive.org/web/... and the absolute variant
var archiveRedirectRegex = regexp.MustCompile(`^(?:https?:)?(?://web\.archive\.org)?/web/([0-9]{4,14})[a-z_]*/(.+)$`)

//defaultPortRegex strips an explicit :80 from redirect targets, the archive
// stores some era URLs with the default port spelled out
var defaultPortRegex = regexp.MustCompile(`^([^/]*//[^/:]+):80(/|$)`)

//Hop-by-hop headers, dropped from archived responses before caching.
// See RFC 7230 section 6.1
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

//The WaybackClient fetches archived snapshots from the Internet Archive.
// The archive answers a snapshot request with a chain of redirects that walk
// towards the closest capture, those are followed manually so that redirects
// pointing back at the live web can be recognized as "no snapshot exists"
type WaybackClient struct {
	//BaseURL of the archive, if empty DefaultArchiveBaseURL is used
	BaseURL string

	//UserAgent sent with every archive request, if empty DefaultUserAgent is used
	UserAgent string

	//Timeout for a whole snapshot fetch, if zero DefaultFetchTimeout is used
	Timeout time.Duration

	//ToleranceDays is the allowed distance between the requested and the served
	// snapshot date. The archive's closest match is accepted either way, a
	// larger distance is only logged
	ToleranceDays int

	//HTTPClient used for archive requests, if nil a client without automatic
	// redirect following is created on first use
	HTTPClient *http.Client

	//The Logger which will be used for logging, if nil the default logger is used
	Logger *logrus.Logger
}

func (client *WaybackClient) logger() *logrus.Logger {
	if client.Logger == nil {
		return logrus.StandardLogger()
	}

	return client.Logger
}

func (client *WaybackClient) httpClient() *http.Client {
	if client.HTTPClient == nil {
		client.HTTPClient = &http.Client{
			Timeout: client.timeout(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return client.HTTPClient
}

func (client *WaybackClient) timeout() time.Duration {
	if client.Timeout <= 0 {
		return DefaultFetchTimeout
	}

	return client.Timeout
}

func (client *WaybackClient) baseURL() string {
	if client.BaseURL == "" {
		return DefaultArchiveBaseURL
	}

	return strings.TrimSuffix(client.BaseURL, "/")
}

//SnapshotURL builds the archive URL for a (url, date) pair.
// The id_ modifier requests the identity rendering, untouched by the archive's
// own link rewriting
func (client *WaybackClient) SnapshotURL(rawurl, date string) string {
	return fmt.Sprintf("%s/web/%sid_/%s", client.baseURL(), date, rawurl)
}

//FetchSnapshot fetches the closest archived snapshot for a URL at a date.
// Up to 10 archive-internal redirects are followed, a redirect to the live web
// is terminal and reported as ErrNotArchived. The returned response carries the
// served snapshot date which may differ from the requested one
func (client *WaybackClient) FetchSnapshot(ctx context.Context, rawurl, date string) (*cache.CachedResponse, error) {
	sourceURL, err := cache.NormalizeURL(rawurl)
	if err != nil {
		return nil, &UpstreamError{Kind: ErrNotArchived, URL: rawurl, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, client.timeout())
	defer cancel()

	currentURL := sourceURL
	currentDate := date
	visited := map[string]bool{}

	for redirects := 0; ; redirects++ {
		if redirects > maxRedirects {
			return nil, &UpstreamError{Kind: ErrTooManyRedirects, URL: sourceURL}
		}

		visitKey := currentDate + " " + currentURL
		if visited[visitKey] {
			return nil, &UpstreamError{Kind: ErrLoopDetected, URL: sourceURL}
		}
		visited[visitKey] = true

		resp, err := client.do(ctx, client.SnapshotURL(currentURL, currentDate))
		if err != nil {
			return nil, client.classifyTransportError(sourceURL, err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			drainAndClose(resp.Body)

			nextDate, nextURL, ok := parseArchiveRedirect(location)
			if !ok {
				//The archive redirected to the live web, it has no snapshot
				client.logger().WithField("url", sourceURL).WithField("location", location).
					Debug("Archive redirected to live web")
				return nil, &UpstreamError{Kind: ErrNotArchived, URL: sourceURL}
			}

			currentDate = nextDate
			currentURL = nextURL
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			drainAndClose(resp.Body)
			return nil, &UpstreamError{Kind: ErrNotArchived, URL: sourceURL}
		}

		//The archive rate limits with 429, treated like an outage so callers
		// back off instead of caching the throttle page
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			drainAndClose(resp.Body)
			return nil, &UpstreamError{
				Kind: ErrUpstreamUnavailable,
				URL:  sourceURL,
				Err:  fmt.Errorf("archive returned status %d", resp.StatusCode),
			}
		}

		snapshot, err := client.buildSnapshot(resp, sourceURL, currentDate)
		if err != nil {
			return nil, &UpstreamError{Kind: ErrUpstreamUnavailable, URL: sourceURL, Err: err}
		}

		client.checkTolerance(sourceURL, date, snapshot.ArchiveDate)

		return snapshot, nil
	}
}

func (client *WaybackClient) do(ctx context.Context, archiveURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", client.userAgent())

	return client.httpClient().Do(req)
}

func (client *WaybackClient) userAgent() string {
	if client.UserAgent == "" {
		return DefaultUserAgent
	}

	return client.UserAgent
}

func (client *WaybackClient) classifyTransportError(sourceURL string, err error) error {
	kind := ErrUpstreamUnavailable

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = ErrUpstreamTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrUpstreamTimeout
	}

	return &UpstreamError{Kind: kind, URL: sourceURL, Err: err}
}

//buildSnapshot converts a terminal archive response into a cacheable record.
// Hop-by-hop headers are dropped, the rest keeps its original order
func (client *WaybackClient) buildSnapshot(resp *http.Response, sourceURL, servedDate string) (*cache.CachedResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read archive response body: %w", err)
	}

	headers := []cache.Header{}
	for name, values := range resp.Header {
		if isHopHeader(name) {
			continue
		}
		//Framing headers describe the wire transfer, not the body. The body is
		// rewritten before caching so a stored length would be stale
		if name == "Content-Length" || name == "Content-Encoding" {
			continue
		}
		for _, value := range values {
			headers = append(headers, cache.Header{Name: name, Value: value})
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}

	archiveDate := servedDate
	if resp.Request != nil && resp.Request.URL != nil {
		if extracted := extractArchiveDate(resp.Request.URL.Path); extracted != "" {
			archiveDate = extracted
		}
	}

	return &cache.CachedResponse{
		StatusCode:  resp.StatusCode,
		Headers:     headers,
		Body:        body,
		ContentType: contentType,
		StoredAt:    time.Now().Unix(),
		SourceURL:   sourceURL,
		ArchiveDate: archiveDate,
	}, nil
}

func (client *WaybackClient) checkTolerance(sourceURL, requested, served string) {
	if client.ToleranceDays <= 0 || len(requested) < 8 || len(served) < 8 {
		return
	}

	requestedTime, err1 := time.Parse("20060102", requested[:8])
	servedTime, err2 := time.Parse("20060102", served[:8])
	if err1 != nil || err2 != nil {
		return
	}

	distance := servedTime.Sub(requestedTime)
	if distance < 0 {
		distance = -distance
	}

	if distance > time.Duration(client.ToleranceDays)*24*time.Hour {
		client.logger().WithFields(logrus.Fields{
			"url":       sourceURL,
			"requested": requested,
			"served":    served,
		}).Warn("Closest snapshot is outside the date tolerance")
	}
}

//parseArchiveRedirect classifies a Location header value.
// Archive-internal redirects of the form /web/{date}/{url} yield the new date
// and original URL, everything else means the archive points at the live web
func parseArchiveRedirect(location string) (date string, target string, ok bool) {
	if location == "" {
		return "", "", false
	}

	match := archiveRedirectRegex.FindStringSubmatch(location)
	if match == nil {
		return "", "", false
	}

	target = match[2]
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}

	target = defaultPortRegex.ReplaceAllString(target, "$1$2")

	return match[1], target, true
}

//extractArchiveDate pulls the served snapshot date out of an archive URL path
func extractArchiveDate(path string) string {
	match := archiveRedirectRegex.FindStringSubmatch(path)
	if match == nil {
		return ""
	}

	return match[1]
}

func isHopHeader(name string) bool {
	for _, hop := range hopHeaders {
		if strings.EqualFold(hop, name) {
			return true
		}
	}

	return false
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}

//snapshotHost returns the scheme://host prefix of a URL, used by the crawler
// to keep <a> links on the seed's own site
func snapshotHost(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}

	return parsed.Scheme + "://" + parsed.Host
}
