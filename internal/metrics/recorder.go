// Package metrics records spider activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the spider collectors. A nil *Recorder records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	PagesFinished   prometheus.Counter
	PagesFailed     *prometheus.CounterVec
	BytesDownloaded prometheus.Counter
	TokenFetches    *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	RunningWorkers  prometheus.Gauge
	DecodeResults   *prometheus.CounterVec
}

// NewRecorder registers the collectors on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	return newRecorder(reg, reg)
}

// NewRecorderWith registers the collectors on reg.
func NewRecorderWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	return newRecorder(reg, gatherer)
}

func newRecorder(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: gatherer,
		PagesFinished: f.NewCounter(prometheus.CounterOpts{
			Name: "spider_pages_finished_total",
			Help: "Pages that reached FINISHED, from network or den",
		}),
		PagesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_pages_failed_total",
			Help: "Pages that reached FAILED",
		}, []string{"reason"}), // "token", "blocked", "download"
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "spider_bytes_downloaded_total",
			Help: "Image bytes streamed into the den",
		}),
		TokenFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_token_batch_fetches_total",
			Help: "Preview batch fetches issued to resolve page tokens",
		}, []string{"result"}), // "ok", "error"
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_http_requests_total",
			Help: "Requests sent to the gallery host",
		}, []string{"outcome"}), // "ok", "status", "error", "breaker_open"
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "spider_active_sessions",
			Help: "Galleries with a running queen",
		}),
		RunningWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "spider_running_workers",
			Help: "Page workers currently running across all galleries",
		}),
		DecodeResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_decodes_total",
			Help: "Page decode attempts",
		}, []string{"result"}), // "ok", "cached", "error"
	}
}

// Handler exposes the collectors in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// PageFinished counts a finished page.
func (r *Recorder) PageFinished() {
	if r == nil {
		return
	}
	r.PagesFinished.Inc()
}

// PageFailed counts a failed page by reason.
func (r *Recorder) PageFailed(reason string) {
	if r == nil {
		return
	}
	r.PagesFailed.WithLabelValues(reason).Inc()
}

// Bytes counts downloaded bytes.
func (r *Recorder) Bytes(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.BytesDownloaded.Add(float64(n))
}

// TokenFetch counts a preview batch fetch.
func (r *Recorder) TokenFetch(err error) {
	if r == nil {
		return
	}
	r.TokenFetches.WithLabelValues(resultLabel(err)).Inc()
}

// HTTPRequest counts a request to the gallery host by outcome.
func (r *Recorder) HTTPRequest(outcome string) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(outcome).Inc()
}

// SessionStarted and SessionStopped track running queens.
func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	r.ActiveSessions.Inc()
}

func (r *Recorder) SessionStopped() {
	if r == nil {
		return
	}
	r.ActiveSessions.Dec()
}

// WorkerStarted and WorkerStopped track running page workers.
func (r *Recorder) WorkerStarted() {
	if r == nil {
		return
	}
	r.RunningWorkers.Inc()
}

func (r *Recorder) WorkerStopped() {
	if r == nil {
		return
	}
	r.RunningWorkers.Dec()
}

// Decode counts a decode attempt; result is "ok", "cached" or "error".
func (r *Recorder) Decode(result string) {
	if r == nil {
		return
	}
	r.DecodeResults.WithLabelValues(result).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
