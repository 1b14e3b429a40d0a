// Package metrics registers the worker's Prometheus collectors as package
// level globals via promauto, covering downloads, deletes, ready chunk
// count, executor queue depth and pinned chunk count.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chunkvault",
		Name:      "downloads_total",
		Help:      "Total download_chunk task outcomes, labeled by result.",
	}, []string{"result"})

	DeletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chunkvault",
		Name:      "deletes_total",
		Help:      "Total delete_chunk dispositions, labeled by result.",
	}, []string{"result"})

	ReadyChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chunkvault",
		Name:      "ready_chunks",
		Help:      "Number of chunks currently visible to list_chunks and find_chunk.",
	})

	ExecutorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chunkvault",
		Name:      "executor_queue_depth",
		Help:      "Number of download tasks currently queued or running on the executor.",
	})

	PinnedChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chunkvault",
		Name:      "pinned_chunks",
		Help:      "Number of FindChunk pins not yet released; a chunk found twice counts twice.",
	})
)

// Handler returns the standard Prometheus scrape handler for wiring into an
// HTTP server, as used by the CLI's --metrics-addr flag.
func Handler() http.Handler {
	return promhttp.Handler()
}
