package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/tariffrules/batch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tariff_rules"

// Collector owns the service's Prometheus instruments and registry. It
// implements batch.Observer.
type Collector struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	engineInFlight prometheus.Gauge
	engineCalls    prometheus.Counter
	enginesBuilt   *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	timedOut       *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	modelLoads     *prometheus.CounterVec
}

var _ batch.Observer = (*Collector)(nil)

// NewCollector registers every instrument on registry. A nil registry gets a
// fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Collector{
		registry: registry,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of http requests handled by the service.",
		}, []string{"path", "method", "code"}),
		engineInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_calls_in_flight",
			Help:      "Decision engine evaluations currently running.",
		}),
		engineCalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_calls_total",
			Help:      "Total number of decision engine evaluations.",
		}),
		enginesBuilt: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engines_built_total",
			Help:      "Decision engines constructed, by dispatch mode.",
		}, []string{"mode"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Batch items evaluated, by dispatch mode and status.",
		}, []string{"mode", "status"}),
		timedOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_timed_out_total",
			Help:      "Batch items failed because the batch deadline passed.",
		}, []string{"mode"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a whole batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"mode"}),
		modelLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Decision model loads, by status.",
		}, []string{"status"}),
	}
}

// Registry returns the registry the instruments live in
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) EngineCallStarted() {
	c.engineInFlight.Inc()
	c.engineCalls.Inc()
}

func (c *Collector) EngineCallFinished() {
	c.engineInFlight.Dec()
}

func (c *Collector) EngineBuilt(mode batch.Mode) {
	c.enginesBuilt.WithLabelValues(string(mode)).Inc()
}

func (c *Collector) BatchFinished(mode batch.Mode, summary batch.Summary, timedOut int, elapsed time.Duration) {
	m := string(mode)
	c.outcomes.WithLabelValues(m, "success").Add(float64(summary.Succeeded))
	c.outcomes.WithLabelValues(m, "failed").Add(float64(summary.Failed))
	if timedOut > 0 {
		c.timedOut.WithLabelValues(m).Add(float64(timedOut))
	}
	c.batchDuration.WithLabelValues(m).Observe(elapsed.Seconds())
}

// ModelLoaded records the result of a model load
func (c *Collector) ModelLoaded(err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	c.modelLoads.WithLabelValues(status).Inc()
}

// Middleware counts requests by chi route pattern, so path cardinality stays
// bounded by the number of routes.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(path, r.Method, strconv.Itoa(status)).Inc()
	})
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
