package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	allowlistKey   = "allowlist:urls"
	viewsKey       = "views:urls"
	crawlSeedsKey  = "crawl:seeds"
	crawlStatusKey = "crawl:status"
	crawlLogKey    = "crawl:log"

	//CrawlLogMax is the maximum number of retained crawl log lines, oldest lines are evicted
	CrawlLogMax = 200

	//ReloadChannel is the pub/sub channel which signals a config reload
	ReloadChannel = "wayback:config:reload"

	//How often a store-unreachable warning may be logged
	warnInterval = time.Minute
)

//CrawlState is the lifecycle state of the prefetch crawler
type CrawlState string

const (
	CrawlIdle     CrawlState = "idle"
	CrawlRunning  CrawlState = "running"
	CrawlStopping CrawlState = "stopping"
)

//CrawlStatus describes the progress of the current or last crawl
type CrawlStatus struct {
	State        CrawlState `json:"state"`
	StartedAt    int64      `json:"started_at"`
	URLsSeen     int        `json:"urls_seen"`
	URLsFetched  int        `json:"urls_fetched"`
	URLsFailed   int        `json:"urls_failed"`
	CurrentDepth int        `json:"current_depth"`
	CurrentURL   string     `json:"current_url"`
}

//A Seed is a crawl starting point with a traversal depth
type Seed struct {
	URL   string
	Depth int
}

//An Entry is a cache listing row as shown in the admin cache browser
type Entry struct {
	URL         string `json:"url"`
	Tier        Tier   `json:"tier"`
	Size        int    `json:"size"`
	StoredAt    int64  `json:"stored_at"`
	ContentType string `json:"content_type"`
	ArchiveDate string `json:"archive_date"`
}

//Stats holds approximate per-tier counters for the status dashboard
type Stats struct {
	CuratedCount int   `json:"curated_count"`
	HotCount     int   `json:"hot_count"`
	ApproxBytes  int64 `json:"approx_bytes"`
}

//The Store is the two-tier cache over Redis.
// Reads consult the curated tier before the hot tier. Writes to one tier never
// touch the other. If Redis is unreachable reads return a miss and writes are
// dropped with a rate-limited warning so the proxy keeps running uncached.
//
// All methods are safe for concurrent use by multiple goroutines.
type Store struct {
	client *redis.Client

	//HotTTL is the expiry applied to hot tier writes, zero disables the hot tier
	HotTTL time.Duration

	//The Logger which will be used for logging, if nil the default logger is used
	Logger *logrus.Logger

	lastWarn atomic.Int64
}

//NewStore creates a Store from a Redis URL such as redis://localhost:6379/0
func NewStore(redisURL string, hotTTL time.Duration, logger *logrus.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse redis url: %w", err)
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Store{
		client: redis.NewClient(opts),
		HotTTL: hotTTL,
		Logger: logger,
	}, nil
}

//Ping verifies the connection to the backing store
func (store *Store) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

//Close releases the underlying connection pool
func (store *Store) Close() error {
	return store.client.Close()
}

//Subscribe opens a pub/sub subscription, used by the config reload listener
func (store *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return store.client.Subscribe(ctx, channel)
}

//Publish sends a message on a pub/sub channel, used to announce config reloads
func (store *Store) Publish(ctx context.Context, channel, payload string) error {
	return store.client.Publish(ctx, channel, payload).Err()
}

//warn logs a store failure at most once per warnInterval so a dead Redis
// doesn't flood the log on every request
func (store *Store) warn(err error, op string) {
	now := time.Now().UnixNano()
	last := store.lastWarn.Load()
	if now-last < int64(warnInterval) {
		return
	}

	if store.lastWarn.CompareAndSwap(last, now) {
		store.Logger.WithError(err).WithField("operation", op).
			Warn("Cache store unreachable, serving in degraded mode")
	}
}

//Get returns the cached response for a URL and the tier it was found in.
// The curated tier is consulted first, a curated hit never touches the hot tier.
// A miss, an expired hot entry and an unreachable store all return (nil, "", nil)
func (store *Store) Get(ctx context.Context, rawurl string) (*CachedResponse, Tier, error) {
	for _, tier := range []Tier{TierCurated, TierHot} {
		key, err := Key(tier, rawurl)
		if err != nil {
			return nil, "", err
		}

		data, err := store.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			store.warn(err, "get")
			return nil, "", nil
		}

		resp, err := UnmarshalResponse(data)
		if err != nil {
			//A corrupt envelope is treated as a miss, the next write repairs it
			store.Logger.WithError(err).WithField("key", key).Warn("Dropping corrupt cache entry")
			continue
		}

		return resp, tier, nil
	}

	return nil, "", nil
}

//PutHot stores a response in the hot tier with the configured TTL.
// With a zero TTL the hot tier is disabled and the write is a no-op
func (store *Store) PutHot(ctx context.Context, rawurl string, resp *CachedResponse) {
	if store.HotTTL <= 0 {
		return
	}

	store.put(ctx, TierHot, rawurl, resp, store.HotTTL)
}

//PutCurated stores a response in the curated tier without expiry.
// A pre-existing hot entry for the same URL is left in place, read precedence
// makes the curated value win
func (store *Store) PutCurated(ctx context.Context, rawurl string, resp *CachedResponse) {
	store.put(ctx, TierCurated, rawurl, resp, 0)
}

func (store *Store) put(ctx context.Context, tier Tier, rawurl string, resp *CachedResponse, ttl time.Duration) {
	key, err := Key(tier, rawurl)
	if err != nil {
		store.Logger.WithError(err).WithField("url", rawurl).Warn("Dropping cache write for invalid URL")
		return
	}

	data, err := resp.Marshal()
	if err != nil {
		store.Logger.WithError(err).WithField("url", rawurl).Warn("Dropping unserializable cache write")
		return
	}

	if err := store.client.Set(ctx, key, data, ttl).Err(); err != nil {
		store.warn(err, "set")
	}
}

//Delete removes the entry for a URL from a single tier
func (store *Store) Delete(ctx context.Context, rawurl string, tier Tier) error {
	key, err := Key(tier, rawurl)
	if err != nil {
		return err
	}

	return store.client.Del(ctx, key).Err()
}

//Clear removes every entry of a tier, it returns the number of deleted entries
func (store *Store) Clear(ctx context.Context, tier Tier) (int, error) {
	deleted := 0

	iter := store.client.Scan(ctx, 0, string(tier)+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := store.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}

	return deleted, iter.Err()
}

//Stats counts the entries per tier and the approximate stored byte size
func (store *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{}

	for _, tier := range []Tier{TierCurated, TierHot} {
		iter := store.client.Scan(ctx, 0, string(tier)+":*", 100).Iterator()
		for iter.Next(ctx) {
			size, err := store.client.StrLen(ctx, iter.Val()).Result()
			if err != nil && err != redis.Nil {
				return stats, err
			}

			stats.ApproxBytes += size
			if tier == TierCurated {
				stats.CuratedCount++
			} else {
				stats.HotCount++
			}
		}
		if err := iter.Err(); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

//List returns one page of cache entries for a tier, optionally filtered by a
// substring match on the source URL. Entries are sorted by source URL so
// pagination is stable between requests
func (store *Store) List(ctx context.Context, tier Tier, page, pageSize int, search string) ([]Entry, int, error) {
	entries := []Entry{}

	iter := store.client.Scan(ctx, 0, string(tier)+":*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := store.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		resp, err := UnmarshalResponse(data)
		if err != nil {
			continue
		}

		if search != "" && !strings.Contains(resp.SourceURL, search) {
			continue
		}

		entries = append(entries, Entry{
			URL:         resp.SourceURL,
			Tier:        tier,
			Size:        len(resp.Body),
			StoredAt:    resp.StoredAt,
			ContentType: resp.ContentType,
			ArchiveDate: resp.ArchiveDate,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, 0, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].URL < entries[j].URL })

	total := len(entries)
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 1 {
		page = 1
	}

	start := (page - 1) * pageSize
	if start >= total {
		return []Entry{}, total, nil
	}

	end := start + pageSize
	if end > total {
		end = total
	}

	return entries[start:end], total, nil
}

//TrackView increments the view counter for a domain.
// Failures are dropped, view counting must never fail a request
func (store *Store) TrackView(ctx context.Context, domain string) {
	if err := store.client.ZIncrBy(ctx, viewsKey, 1, domain).Err(); err != nil {
		store.warn(err, "track-view")
	}
}

//A ViewCount pairs a domain with its view counter
type ViewCount struct {
	Domain string
	Count  int64
}

//TopViews returns the n most viewed domains in descending order
func (store *Store) TopViews(ctx context.Context, n int) ([]ViewCount, error) {
	results, err := store.client.ZRevRangeWithScores(ctx, viewsKey, 0, int64(n)-1).Result()
	if err != nil {
		return nil, err
	}

	views := make([]ViewCount, 0, len(results))
	for _, result := range results {
		domain, ok := result.Member.(string)
		if !ok {
			continue
		}
		views = append(views, ViewCount{Domain: domain, Count: int64(result.Score)})
	}

	return views, nil
}

//AllowlistCheck reports whether a URL matches any allowlist pattern.
// Patterns use glob semantics where '*' matches any run of non-slash
// characters and '**' matches across slashes. A pattern is tried against the
// full URL, the URL without its scheme and the bare host so that a pattern
// like '*.art' admits every page on hosts under .art
func (store *Store) AllowlistCheck(ctx context.Context, rawurl string) (bool, error) {
	patterns, err := store.client.SMembers(ctx, allowlistKey).Result()
	if err != nil {
		return false, err
	}

	candidates := allowlistCandidates(rawurl)

	for _, pattern := range patterns {
		for _, candidate := range candidates {
			if ok, matchErr := doublestar.Match(pattern, candidate); matchErr == nil && ok {
				return true, nil
			}
		}
	}

	return false, nil
}

func allowlistCandidates(rawurl string) []string {
	candidates := []string{rawurl}

	rest := rawurl
	if index := strings.Index(rest, "://"); index >= 0 {
		rest = rest[index+3:]
		candidates = append(candidates, rest)
	}

	host := rest
	if index := strings.IndexAny(host, "/?#"); index >= 0 {
		host = host[:index]
	}
	if index := strings.LastIndex(host, ":"); index >= 0 {
		host = host[:index]
	}
	if host != "" {
		candidates = append(candidates, host)
	}

	return candidates
}

//AllowlistSet replaces the full allowlist pattern set
func (store *Store) AllowlistSet(ctx context.Context, patterns []string) error {
	pipe := store.client.TxPipeline()
	pipe.Del(ctx, allowlistKey)
	if len(patterns) > 0 {
		members := make([]interface{}, len(patterns))
		for i, pattern := range patterns {
			members[i] = pattern
		}
		pipe.SAdd(ctx, allowlistKey, members...)
	}

	_, err := pipe.Exec(ctx)
	return err
}

//AllowlistPatterns returns the configured patterns in sorted order
func (store *Store) AllowlistPatterns(ctx context.Context) ([]string, error) {
	patterns, err := store.client.SMembers(ctx, allowlistKey).Result()
	if err != nil {
		return nil, err
	}

	sort.Strings(patterns)
	return patterns, nil
}

//AddSeed stores a crawl seed, an existing seed for the same URL is overwritten
func (store *Store) AddSeed(ctx context.Context, rawurl string, depth int) error {
	if depth < 0 {
		depth = 0
	}

	return store.client.HSet(ctx, crawlSeedsKey, rawurl, strconv.Itoa(depth)).Err()
}

//RemoveSeed deletes a crawl seed
func (store *Store) RemoveSeed(ctx context.Context, rawurl string) error {
	return store.client.HDel(ctx, crawlSeedsKey, rawurl).Err()
}

//Seeds returns all crawl seeds sorted by URL
func (store *Store) Seeds(ctx context.Context) ([]Seed, error) {
	data, err := store.client.HGetAll(ctx, crawlSeedsKey).Result()
	if err != nil {
		return nil, err
	}

	seeds := make([]Seed, 0, len(data))
	for rawurl, depthStr := range data {
		depth, err := strconv.Atoi(depthStr)
		if err != nil {
			depth = 0
		}
		seeds = append(seeds, Seed{URL: rawurl, Depth: depth})
	}

	sort.Slice(seeds, func(i, j int) bool { return seeds[i].URL < seeds[j].URL })
	return seeds, nil
}

//SetCrawlStatus replaces the persisted crawl status
func (store *Store) SetCrawlStatus(ctx context.Context, status CrawlStatus) error {
	progress, err := json.Marshal(status)
	if err != nil {
		return err
	}

	return store.client.HSet(ctx, crawlStatusKey, map[string]interface{}{
		"state":    string(status.State),
		"progress": progress,
	}).Err()
}

//GetCrawlStatus returns the persisted crawl status, an empty status is idle
func (store *Store) GetCrawlStatus(ctx context.Context) (CrawlStatus, error) {
	data, err := store.client.HGetAll(ctx, crawlStatusKey).Result()
	if err != nil {
		return CrawlStatus{State: CrawlIdle}, err
	}

	status := CrawlStatus{State: CrawlIdle}
	if progress, ok := data["progress"]; ok {
		//A corrupt progress blob resets to idle rather than failing the dashboard
		_ = json.Unmarshal([]byte(progress), &status)
	}
	if state, ok := data["state"]; ok && state != "" {
		status.State = CrawlState(state)
	}

	return status, nil
}

//AppendCrawlLog appends a line to the crawl log ring, the ring holds at most
// CrawlLogMax lines with the newest first
func (store *Store) AppendCrawlLog(ctx context.Context, line string) error {
	pipe := store.client.TxPipeline()
	pipe.LPush(ctx, crawlLogKey, line)
	pipe.LTrim(ctx, crawlLogKey, 0, CrawlLogMax-1)

	_, err := pipe.Exec(ctx)
	return err
}

//CrawlLog returns the newest n log lines
func (store *Store) CrawlLog(ctx context.Context, n int) ([]string, error) {
	return store.client.LRange(ctx, crawlLogKey, 0, int64(n)-1).Result()
}

//ClearCrawlLog drops all crawl log lines
func (store *Store) ClearCrawlLog(ctx context.Context) error {
	return store.client.Del(ctx, crawlLogKey).Err()
}
