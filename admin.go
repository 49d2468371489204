package waybackproxy

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/sirupsen/logrus"
)

//adminDashboardTemplate renders the single-page admin dashboard.
// User-supplied values (cached URLs, seed URLs, patterns) flow through
// html/template escaping
var adminDashboardTemplate = template.Must(template.New("dashboard").Parse(`<html>
<head><title>Wayback Cache Proxy - Admin</title>
<style>
body { background:#0e0e1a; color:#e0e0e0; font-family:"Courier New",monospace; font-size:13px; }
a { color:#8080ff; }
h1,h2 { color:#b0b0ff; }
table.data { border-collapse:collapse; }
table.data td, table.data th { border:1px solid #505070; padding:3px 8px; text-align:left; }
input,select,textarea,button { background:#12122a; color:#e0e0e0; border:1px solid #505070; font-family:"Courier New",monospace; }
pre.log { background:#12122a; border:1px solid #505070; padding:6px; max-height:320px; overflow:auto; }
.notice { color:#80ff80; }
</style>
</head>
<body>
<h1>Wayback Cache Proxy</h1>
<p>Target date: <b>{{.TargetDate}}</b> | Mode: <b>{{.Mode}}</b> | Speed: <b>{{.Speed}}</b></p>
{{if .Notice}}<p class="notice">{{.Notice}}</p>{{end}}

<h2>Cache</h2>
<table class="data">
<tr><th>Tier</th><th>Entries</th></tr>
<tr><td>curated</td><td>{{.Stats.CuratedCount}}</td></tr>
<tr><td>hot</td><td>{{.Stats.HotCount}}</td></tr>
</table>
<p><a href="/_admin/cache?tier=curated">browse curated</a> |
<a href="/_admin/cache?tier=hot">browse hot</a> |
<a href="/_admin/export.warc.gz">export curated as WARC</a></p>
<form method="POST" action="/_admin/cache/clear">
<select name="tier"><option value="hot">hot</option><option value="curated">curated</option></select>
<button type="submit">Clear tier</button>
</form>

<h2>Crawler</h2>
<p>State: <b>{{.Crawl.State}}</b>
{{if .Crawl.CurrentURL}} | current: <tt>{{.Crawl.CurrentURL}}</tt>{{end}}
 | seen {{.Crawl.URLsSeen}}, fetched {{.Crawl.URLsFetched}}, failed {{.Crawl.URLsFailed}}</p>
<form method="POST" action="/_admin/crawl/start" style="display:inline">
depth override: <input type="text" name="depth" size="3">
<button type="submit">Start</button>
</form>
<form method="POST" action="/_admin/crawl/stop" style="display:inline"><button type="submit">Stop</button></form>
<form method="POST" action="/_admin/crawl/recrawl" style="display:inline"><button type="submit">Recrawl</button></form>

<h3>Seeds</h3>
<table class="data">
<tr><th>URL</th><th>Depth</th><th></th></tr>
{{range .Seeds}}<tr><td><tt>{{.URL}}</tt></td><td>{{.Depth}}</td>
<td><form method="POST" action="/_admin/seeds/delete"><input type="hidden" name="url" value="{{.URL}}"><button type="submit">remove</button></form></td></tr>
{{end}}</table>
<form method="POST" action="/_admin/seeds">
url: <input type="text" name="url" size="50">
depth: <input type="text" name="depth" size="3" value="2">
<button type="submit">Add seed</button>
</form>

<h3>Crawl log</h3>
<pre class="log">{{range .Log}}{{.}}
{{end}}</pre>
<form method="POST" action="/_admin/log/clear"><button type="submit">Clear log</button></form>

<h2>Allowlist</h2>
<form method="POST" action="/_admin/allowlist">
<textarea name="patterns" rows="6" cols="60">{{range .Allowlist}}{{.}}
{{end}}</textarea><br>
<button type="submit">Save allowlist</button>
</form>

<h2>Config</h2>
<form method="POST" action="/_admin/reload"><button type="submit">Reload config</button></form>
<p><a href="/_admin/status.json">status.json</a> | <a href="/_admin/metrics">metrics</a></p>
</body>
</html>
`))

//adminCacheTemplate renders the paginated cache browser
var adminCacheTemplate = template.Must(template.New("cachelist").Parse(`<html>
<head><title>Wayback Cache Proxy - Cache ({{.Tier}})</title>
<style>
body { background:#0e0e1a; color:#e0e0e0; font-family:"Courier New",monospace; font-size:13px; }
a { color:#8080ff; }
table.data { border-collapse:collapse; }
table.data td, table.data th { border:1px solid #505070; padding:3px 8px; text-align:left; }
input,button { background:#12122a; color:#e0e0e0; border:1px solid #505070; font-family:"Courier New",monospace; }
</style>
</head>
<body>
<h1>Cache: {{.Tier}}</h1>
<p><a href="/_admin/">back to dashboard</a></p>
<form method="GET" action="/_admin/cache">
<input type="hidden" name="tier" value="{{.Tier}}">
search: <input type="text" name="q" value="{{.Search}}">
<button type="submit">Filter</button>
</form>
<p>{{.Total}} entries, page {{.Page}}</p>
<table class="data">
<tr><th>URL</th><th>Size</th><th>Archived</th><th></th></tr>
{{range .Entries}}<tr><td><tt>{{.URL}}</tt></td><td>{{.Size}}</td><td>{{.ArchiveDate}}</td>
<td><form method="POST" action="/_admin/cache/delete"><input type="hidden" name="url" value="{{.URL}}"><input type="hidden" name="tier" value="{{$.Tier}}"><button type="submit">delete</button></form></td></tr>
{{end}}</table>
<p>
{{if .HasPrev}}<a href="/_admin/cache?tier={{.Tier}}&page={{.PrevPage}}&q={{.Search}}">&lt; prev</a>{{end}}
{{if .HasNext}}<a href="/_admin/cache?tier={{.Tier}}&page={{.NextPage}}&q={{.Search}}">next &gt;</a>{{end}}
</p>
</body>
</html>
`))

//The AdminHandler serves the management surface under /_admin/.
// Every route sits behind HTTP Basic Auth, a deployment without a password
// gets a 503 on all admin routes rather than an open admin panel
type AdminHandler struct {
	Store    *cache.Store
	Crawler  *Crawler
	Ref      *ConfigRef
	Metrics  *Metrics
	Exporter *WARCExporter
	Logger   *logrus.Logger

	mux *http.ServeMux
}

//NewAdminHandler wires the admin routes
func NewAdminHandler(store *cache.Store, crawler *Crawler, ref *ConfigRef, metrics *Metrics, logger *logrus.Logger) *AdminHandler {
	handler := &AdminHandler{
		Store:    store,
		Crawler:  crawler,
		Ref:      ref,
		Metrics:  metrics,
		Exporter: &WARCExporter{Store: store, Logger: logger},
		Logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/_admin/", handler.handleDashboard)
	mux.HandleFunc("/_admin/seeds", handler.handleSeedAdd)
	mux.HandleFunc("/_admin/seeds/delete", handler.handleSeedDelete)
	mux.HandleFunc("/_admin/allowlist", handler.handleAllowlist)
	mux.HandleFunc("/_admin/crawl/start", handler.handleCrawlStart)
	mux.HandleFunc("/_admin/crawl/stop", handler.handleCrawlStop)
	mux.HandleFunc("/_admin/crawl/recrawl", handler.handleCrawlRecrawl)
	mux.HandleFunc("/_admin/cache", handler.handleCacheList)
	mux.HandleFunc("/_admin/cache/delete", handler.handleCacheDelete)
	mux.HandleFunc("/_admin/cache/clear", handler.handleCacheClear)
	mux.HandleFunc("/_admin/log", handler.handleLog)
	mux.HandleFunc("/_admin/log/clear", handler.handleLogClear)
	mux.HandleFunc("/_admin/status.json", handler.handleStatus)
	mux.HandleFunc("/_admin/reload", handler.handleReload)
	mux.HandleFunc("/_admin/export.warc.gz", handler.handleExport)
	mux.Handle("/_admin/metrics", metrics.Handler())
	handler.mux = mux

	return handler
}

//ServeHTTP authenticates the request and dispatches it to the admin routes
func (handler *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conf := handler.Ref.Load()

	if !conf.Admin.Enabled {
		http.Error(w, "admin interface is disabled", http.StatusNotFound)
		return
	}

	if conf.Admin.Password == "" {
		handler.Logger.Warning("Admin request refused, no admin password configured")
		http.Error(w, "admin interface has no password configured", http.StatusServiceUnavailable)
		return
	}

	_, password, ok := r.BasicAuth()
	if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(conf.Admin.Password)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="Wayback Cache Proxy Admin"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	handler.mux.ServeHTTP(w, r)
}

type dashboardData struct {
	TargetDate string
	Mode       string
	Speed      string
	Notice     string
	Stats      cache.Stats
	Crawl      cache.CrawlStatus
	Seeds      []cache.Seed
	Log        []string
	Allowlist  []string
}

func (handler *AdminHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/_admin/" && r.URL.Path != "/_admin" {
		http.NotFound(w, r)
		return
	}

	conf := handler.Ref.Load()
	ctx := r.Context()

	data := dashboardData{
		TargetDate: conf.Proxy.TargetDate,
		Mode:       conf.Access.Mode,
		Speed:      conf.Throttle.Speed,
		Notice:     r.URL.Query().Get("notice"),
	}

	data.Stats, _ = handler.Store.Stats(ctx)
	data.Crawl, _ = handler.Store.GetCrawlStatus(ctx)
	data.Seeds, _ = handler.Store.Seeds(ctx)
	data.Log, _ = handler.Store.CrawlLog(ctx, 50)
	data.Allowlist, _ = handler.Store.AllowlistPatterns(ctx)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := adminDashboardTemplate.Execute(w, data); err != nil {
		handler.Logger.WithError(err).Error("Unable to render admin dashboard")
	}
}

func (handler *AdminHandler) handleSeedAdd(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	rawurl := strings.TrimSpace(r.FormValue("url"))
	depth, err := strconv.Atoi(strings.TrimSpace(r.FormValue("depth")))
	if err != nil {
		depth = 2
	}

	if _, err := cache.NormalizeURL(rawurl); err != nil {
		handler.redirect(w, r, "invalid seed URL")
		return
	}

	if err := handler.Store.AddSeed(r.Context(), rawurl, depth); err != nil {
		handler.redirect(w, r, "unable to store seed")
		return
	}

	handler.redirect(w, r, "seed added")
}

func (handler *AdminHandler) handleSeedDelete(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	if err := handler.Store.RemoveSeed(r.Context(), r.FormValue("url")); err != nil {
		handler.redirect(w, r, "unable to remove seed")
		return
	}

	handler.redirect(w, r, "seed removed")
}

func (handler *AdminHandler) handleAllowlist(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	patterns := []string{}
	for _, line := range strings.Split(r.FormValue("patterns"), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			patterns = append(patterns, line)
		}
	}

	if err := handler.Store.AllowlistSet(r.Context(), patterns); err != nil {
		handler.redirect(w, r, "unable to store allowlist")
		return
	}

	handler.redirect(w, r, fmt.Sprintf("allowlist saved, %d pattern(s)", len(patterns)))
}

func (handler *AdminHandler) handleCrawlStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	depth := -1
	if value := strings.TrimSpace(r.FormValue("depth")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			handler.redirect(w, r, "invalid depth override")
			return
		}
		depth = parsed
	}

	if err := handler.Crawler.Start(r.Context(), depth); err != nil {
		handler.redirect(w, r, err.Error())
		return
	}

	handler.redirect(w, r, "crawl started")
}

func (handler *AdminHandler) handleCrawlStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	handler.Crawler.Stop(r.Context())
	handler.redirect(w, r, "crawl stopping")
}

func (handler *AdminHandler) handleCrawlRecrawl(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	if err := handler.Crawler.Recrawl(r.Context()); err != nil {
		handler.redirect(w, r, err.Error())
		return
	}

	handler.redirect(w, r, "recrawl started")
}

type cacheListData struct {
	Tier     string
	Search   string
	Entries  []cache.Entry
	Total    int
	Page     int
	PrevPage int
	NextPage int
	HasPrev  bool
	HasNext  bool
}

func (handler *AdminHandler) handleCacheList(w http.ResponseWriter, r *http.Request) {
	tier := cache.Tier(r.URL.Query().Get("tier"))
	if tier != cache.TierCurated && tier != cache.TierHot {
		tier = cache.TierCurated
	}

	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	search := r.URL.Query().Get("q")
	pageSize := 50

	entries, total, err := handler.Store.List(r.Context(), tier, page, pageSize, search)
	if err != nil {
		http.Error(w, "unable to list cache entries", http.StatusInternalServerError)
		return
	}

	data := cacheListData{
		Tier:     string(tier),
		Search:   search,
		Entries:  entries,
		Total:    total,
		Page:     page,
		PrevPage: page - 1,
		NextPage: page + 1,
		HasPrev:  page > 1,
		HasNext:  page*pageSize < total,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := adminCacheTemplate.Execute(w, data); err != nil {
		handler.Logger.WithError(err).Error("Unable to render cache listing")
	}
}

func (handler *AdminHandler) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	tier := cache.Tier(r.FormValue("tier"))
	if tier != cache.TierCurated && tier != cache.TierHot {
		handler.redirect(w, r, "invalid tier")
		return
	}

	if err := handler.Store.Delete(r.Context(), r.FormValue("url"), tier); err != nil {
		handler.redirect(w, r, "unable to delete entry")
		return
	}

	handler.redirect(w, r, "entry deleted")
}

func (handler *AdminHandler) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	tier := cache.Tier(r.FormValue("tier"))
	if tier != cache.TierCurated && tier != cache.TierHot {
		handler.redirect(w, r, "invalid tier")
		return
	}

	deleted, err := handler.Store.Clear(r.Context(), tier)
	if err != nil {
		handler.redirect(w, r, "unable to clear tier")
		return
	}

	handler.redirect(w, r, fmt.Sprintf("cleared %d %s entries", deleted, tier))
}

//handleLog returns the tail of the crawl log as plain text, newest line first
func (handler *AdminHandler) handleLog(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || count < 1 || count > cache.CrawlLogMax {
		count = cache.CrawlLogMax
	}

	lines, err := handler.Store.CrawlLog(r.Context(), count)
	if err != nil {
		http.Error(w, "unable to read crawl log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func (handler *AdminHandler) handleLogClear(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	if err := handler.Store.ClearCrawlLog(r.Context()); err != nil {
		handler.redirect(w, r, "unable to clear crawl log")
		return
	}

	handler.redirect(w, r, "crawl log cleared")
}

func (handler *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conf := handler.Ref.Load()

	stats, _ := handler.Store.Stats(ctx)
	crawl, _ := handler.Store.GetCrawlStatus(ctx)

	status := map[string]interface{}{
		"target_date": conf.Proxy.TargetDate,
		"mode":        conf.Access.Mode,
		"speed":       conf.Throttle.Speed,
		"cache":       stats,
		"crawl":       crawl,
		"redis_ok":    handler.Store.Ping(ctx) == nil,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		handler.Logger.WithError(err).Error("Unable to encode status")
	}
}

//handleReload publishes on the reload channel, the reload listener of every
// proxy instance sharing this Redis picks it up
func (handler *AdminHandler) handleReload(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	if err := handler.Store.Publish(r.Context(), cache.ReloadChannel, "admin"); err != nil {
		handler.redirect(w, r, "unable to publish reload")
		return
	}

	handler.redirect(w, r, "reload requested")
}

func (handler *AdminHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="curated.warc.gz"`)

	if err := handler.Exporter.Export(r.Context(), w); err != nil {
		handler.Logger.WithError(err).Error("WARC export failed")
	}
}

func (handler *AdminHandler) redirect(w http.ResponseWriter, r *http.Request, notice string) {
	http.Redirect(w, r, "/_admin/?notice="+template.URLQueryEscaper(notice), http.StatusSeeOther)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	return true
}
