package waybackproxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//Metrics holds the prometheus instrumentation of the proxy.
// A dedicated registry keeps the scrape output limited to proxy metrics
type Metrics struct {
	registry *prometheus.Registry

	Requests       *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
	CrawlerFetched prometheus.Counter
	CrawlerFailed  prometheus.Counter
	ThrottledBytes prometheus.Counter
}

//NewMetrics creates and registers the proxy metrics
func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),

		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waybackproxy",
			Name:      "requests_total",
			Help:      "Forward proxy requests by cache result",
		}, []string{"cache"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waybackproxy",
			Name:      "upstream_errors_total",
			Help:      "Wayback Machine fetch failures by kind",
		}, []string{"kind"}),

		CrawlerFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waybackproxy",
			Name:      "crawler_fetched_total",
			Help:      "Pages fetched into the curated tier by the crawler",
		}),

		CrawlerFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waybackproxy",
			Name:      "crawler_failed_total",
			Help:      "Crawler fetches that failed after retries",
		}),

		ThrottledBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waybackproxy",
			Name:      "throttled_bytes_total",
			Help:      "Body bytes written to clients",
		}),
	}

	metrics.registry.MustRegister(
		metrics.Requests,
		metrics.UpstreamErrors,
		metrics.CrawlerFetched,
		metrics.CrawlerFailed,
		metrics.ThrottledBytes,
	)

	return metrics
}

//Handler returns the scrape endpoint handler
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

//ObserveRequest counts a forward request, cacheResult is "hit-curated",
// "hit-hot", "miss" or "error"
func (metrics *Metrics) ObserveRequest(cacheResult string) {
	metrics.Requests.WithLabelValues(cacheResult).Inc()
}

//ObserveUpstreamError counts an upstream failure by error kind
func (metrics *Metrics) ObserveUpstreamError(kind UpstreamErrorKind) {
	metrics.UpstreamErrors.WithLabelValues(string(kind)).Inc()
}
