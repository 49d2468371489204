package waybackproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/sirupsen/logrus"
)

//crawlItem is a single unit of crawl work.
// Depth is the number of link levels still to follow from this page, assets
// are fetched with a depth of zero so no links are extracted from them
type crawlItem struct {
	URL   string
	Host  string
	Depth int
}

//The Crawler walks archived sites breadth-first and fills the curated tier.
// One crawl runs at a time, pages of a depth level are fetched by a bounded
// pool of workers before the next level starts
type Crawler struct {
	Store   *cache.Store
	Client  *WaybackClient
	Ref     *ConfigRef
	Logger  *logrus.Logger
	Metrics *Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

//ErrCrawlRunning is returned by Start when a crawl is already in progress
var ErrCrawlRunning = errors.New("a crawl is already running")

//ErrNoSeeds is returned by Start when no seeds are configured
var ErrNoSeeds = errors.New("no crawl seeds configured")

//Start launches a crawl over the configured seeds in the background.
// A non-negative depthOverride replaces the per-seed depth
func (crawler *Crawler) Start(ctx context.Context, depthOverride int) error {
	crawler.mu.Lock()
	defer crawler.mu.Unlock()

	if crawler.running {
		return ErrCrawlRunning
	}

	seeds, err := crawler.Store.Seeds(ctx)
	if err != nil {
		return fmt.Errorf("unable to load crawl seeds: %w", err)
	}

	if len(seeds) == 0 {
		return ErrNoSeeds
	}

	crawlCtx, cancel := context.WithCancel(context.Background())
	crawler.cancel = cancel
	crawler.done = make(chan struct{})
	crawler.running = true

	go crawler.run(crawlCtx, seeds, depthOverride)

	return nil
}

//Stop requests a running crawl to wind down.
// Workers finish their current fetch, queued work is dropped
func (crawler *Crawler) Stop(ctx context.Context) {
	crawler.mu.Lock()
	defer crawler.mu.Unlock()

	if !crawler.running {
		return
	}

	status, _ := crawler.Store.GetCrawlStatus(ctx)
	status.State = cache.CrawlStopping
	if err := crawler.Store.SetCrawlStatus(ctx, status); err != nil {
		crawler.Logger.WithError(err).Warning("Unable to persist crawl status")
	}

	crawler.cancel()
}

//Recrawl drops the hot tier and starts a fresh crawl, re-fetching every seed
// so curated entries are replaced with current snapshots
func (crawler *Crawler) Recrawl(ctx context.Context) error {
	if _, err := crawler.Store.Clear(ctx, cache.TierHot); err != nil {
		crawler.Logger.WithError(err).Warning("Unable to clear hot tier before recrawl")
	}

	return crawler.Start(ctx, -1)
}

//Running reports whether a crawl is in progress
func (crawler *Crawler) Running() bool {
	crawler.mu.Lock()
	defer crawler.mu.Unlock()
	return crawler.running
}

//Wait blocks until the current crawl finishes, used by tests and shutdown
func (crawler *Crawler) Wait() {
	crawler.mu.Lock()
	done := crawler.done
	crawler.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (crawler *Crawler) run(ctx context.Context, seeds []cache.Seed, depthOverride int) {
	defer func() {
		crawler.mu.Lock()
		crawler.running = false
		crawler.cancel = nil
		close(crawler.done)
		crawler.mu.Unlock()
	}()

	conf := crawler.Ref.Load()
	transformer := conf.Transformer()

	status := cache.CrawlStatus{
		State:     cache.CrawlRunning,
		StartedAt: time.Now().Unix(),
	}
	crawler.setStatus(ctx, &status)
	crawler.log(ctx, fmt.Sprintf("crawl started with %d seed(s)", len(seeds)))

	seen := map[string]bool{}
	frontier := []crawlItem{}

	for _, seed := range seeds {
		normalized, err := cache.NormalizeURL(seed.URL)
		if err != nil {
			crawler.log(ctx, fmt.Sprintf("skipping invalid seed %s: %v", seed.URL, err))
			continue
		}

		depth := seed.Depth
		if depthOverride >= 0 {
			depth = depthOverride
		}

		if seen[normalized] {
			continue
		}
		seen[normalized] = true

		frontier = append(frontier, crawlItem{
			URL:   normalized,
			Host:  snapshotHost(normalized),
			Depth: depth,
		})
	}

	status.URLsSeen = len(seen)

	var (
		counters sync.Mutex
		next     []crawlItem
		depth    int
	)

	maxURLs := conf.Crawler.MaxURLs

	for len(frontier) > 0 && ctx.Err() == nil {
		status.CurrentDepth = depth
		crawler.setStatus(ctx, &status)

		semaphore := make(chan struct{}, conf.Crawler.Concurrency)
		wg := sync.WaitGroup{}

		for _, item := range frontier {
			if ctx.Err() != nil {
				break
			}

			semaphore <- struct{}{}
			wg.Add(1)

			go func(item crawlItem) {
				defer wg.Done()
				defer func() { <-semaphore }()

				discovered := crawler.fetchItem(ctx, conf, transformer, item, &status, &counters)

				counters.Lock()
				for _, link := range discovered {
					if seen[link.URL] {
						continue
					}
					if maxURLs > 0 && len(seen) >= maxURLs {
						continue
					}

					seen[link.URL] = true
					status.URLsSeen = len(seen)
					next = append(next, link)
				}
				counters.Unlock()
			}(item)
		}

		wg.Wait()

		counters.Lock()
		frontier = next
		next = nil
		counters.Unlock()

		depth++
	}

	stopped := ctx.Err() != nil

	status.State = cache.CrawlIdle
	status.CurrentURL = ""
	crawler.setStatus(context.Background(), &status)

	if stopped {
		crawler.log(context.Background(), fmt.Sprintf("crawl stopped after %d fetched, %d failed", status.URLsFetched, status.URLsFailed))
	} else {
		crawler.log(context.Background(), fmt.Sprintf("crawl finished: %d seen, %d fetched, %d failed", status.URLsSeen, status.URLsFetched, status.URLsFailed))
	}
}

//fetchItem fetches a single page into the curated tier and returns the items
// discovered in it. Failures after retries are counted and logged, they do not
// abort the crawl
func (crawler *Crawler) fetchItem(ctx context.Context, conf *Config, transformer *Transformer, item crawlItem, status *cache.CrawlStatus, counters *sync.Mutex) []crawlItem {
	counters.Lock()
	status.CurrentURL = item.URL
	counters.Unlock()
	crawler.persistStatus(ctx, status, counters)

	resp, err := crawler.fetchWithRetry(ctx, conf, item.URL)
	if err != nil {
		counters.Lock()
		status.URLsFailed++
		counters.Unlock()
		crawler.persistStatus(ctx, status, counters)

		if crawler.Metrics != nil {
			crawler.Metrics.CrawlerFailed.Inc()
		}

		crawler.log(ctx, fmt.Sprintf("failed %s: %v", item.URL, err))
		return nil
	}

	resp.Body = transformer.Transform(resp.Body, resp.ContentType)
	crawler.Store.PutCurated(ctx, item.URL, resp)

	counters.Lock()
	status.URLsFetched++
	counters.Unlock()
	crawler.persistStatus(ctx, status, counters)

	if crawler.Metrics != nil {
		crawler.Metrics.CrawlerFetched.Inc()
	}

	crawler.log(ctx, fmt.Sprintf("fetched %s (%d bytes)", item.URL, len(resp.Body)))

	if !strings.Contains(strings.ToLower(resp.ContentType), "html") {
		return nil
	}

	return crawler.extractItems(resp.Body, item)
}

//fetchWithRetry wraps the snapshot fetch in exponential backoff.
// Transient upstream failures are retried, a missing snapshot is permanent
func (crawler *Crawler) fetchWithRetry(ctx context.Context, conf *Config, rawurl string) (*cache.CachedResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	var resp *cache.CachedResponse

	operation := func() error {
		fetched, err := crawler.Client.FetchSnapshot(ctx, rawurl, conf.Proxy.TargetDate)
		if err != nil {
			if UpstreamErrorIs(err, ErrUpstreamUnavailable) || UpstreamErrorIs(err, ErrUpstreamTimeout) {
				return err
			}

			return backoff.Permanent(err)
		}

		resp = fetched
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}

	return resp, nil
}

//extractItems pulls follow-up work out of an HTML page.
// Anchors stay within the page's site and consume a depth level, page assets
// are fetched from any host without spending depth. Pages at depth zero are
// leaves, nothing is extracted from them
func (crawler *Crawler) extractItems(body []byte, item crawlItem) []crawlItem {
	if item.Depth <= 0 {
		return nil
	}

	document, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		crawler.Logger.WithError(err).WithField("url", item.URL).Debug("Unable to parse page for link extraction")
		return nil
	}

	base, err := url.Parse(item.URL)
	if err != nil {
		return nil
	}

	discovered := []crawlItem{}

	appendItem := func(ref string, sameHostOnly bool, depth int) {
		resolved := resolveLink(base, ref)
		if resolved == "" {
			return
		}

		if sameHostOnly && snapshotHost(resolved) != item.Host {
			return
		}

		discovered = append(discovered, crawlItem{
			URL:   resolved,
			Host:  snapshotHost(resolved),
			Depth: depth,
		})
	}

	document.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		if href, ok := selection.Attr("href"); ok {
			appendItem(href, true, item.Depth-1)
		}
	})

	document.Find("img[src], script[src]").Each(func(_ int, selection *goquery.Selection) {
		if src, ok := selection.Attr("src"); ok {
			appendItem(src, false, 0)
		}
	})

	document.Find("link[href]").Each(func(_ int, selection *goquery.Selection) {
		if href, ok := selection.Attr("href"); ok {
			appendItem(href, false, 0)
		}
	})

	return discovered
}

//resolveLink turns a document reference into a normalized absolute URL,
// dropping fragments and non-HTTP schemes
func resolveLink(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}

	lowered := strings.ToLower(ref)
	for _, scheme := range []string{"javascript:", "mailto:", "data:", "about:"} {
		if strings.HasPrefix(lowered, scheme) {
			return ""
		}
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""

	normalized, err := cache.NormalizeURL(resolved.String())
	if err != nil {
		return ""
	}

	return normalized
}

//persistStatus writes a consistent snapshot of the shared status record so the
// admin surface sees per-URL progress while a depth level is still running
func (crawler *Crawler) persistStatus(ctx context.Context, status *cache.CrawlStatus, counters *sync.Mutex) {
	counters.Lock()
	snapshot := *status
	counters.Unlock()

	crawler.setStatus(ctx, &snapshot)
}

func (crawler *Crawler) setStatus(ctx context.Context, status *cache.CrawlStatus) {
	if err := crawler.Store.SetCrawlStatus(ctx, *status); err != nil {
		crawler.Logger.WithError(err).Warning("Unable to persist crawl status")
	}
}

func (crawler *Crawler) log(ctx context.Context, line string) {
	stamped := time.Now().UTC().Format("2006-01-02 15:04:05") + " " + line
	if err := crawler.Store.AppendCrawlLog(ctx, stamped); err != nil {
		crawler.Logger.WithError(err).Debug("Unable to append crawl log line")
	}

	crawler.Logger.WithField("component", "crawler").Info(line)
}
