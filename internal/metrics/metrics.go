// Package metrics exposes ledger activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vadiminshakov/custodian/internal/domain"
)

const namespace = "custodian"

const (
	outcomeSettled  = "settled"
	outcomeRejected = "rejected"
)

// Collector records settled and rejected operations and per-asset aggregates.
type Collector struct {
	registry        *prometheus.Registry
	commonPrecision uint8

	operations   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	aggregates   *prometheus.GaugeVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a collector with its own registry. commonPrecision is used to
// report aggregates in whole accounting units.
func New(commonPrecision uint8) *Collector {
	c := &Collector{
		registry:        prometheus.NewRegistry(),
		commonPrecision: commonPrecision,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "rejections_total",
				Help:      "Rejected ledger operations by kind and error category.",
			},
			[]string{"kind", "category"},
		),
		aggregates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "aggregate_deposited",
				Help:      "Total normalized amount held per asset, in accounting units.",
			},
			[]string{"asset"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "path"},
		),
	}

	c.registry.MustRegister(
		c.operations,
		c.rejections,
		c.aggregates,
		c.httpRequests,
		c.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)

	return c
}

// Observe records a settled operation.
func (c *Collector) Observe(o domain.Observation) {
	c.operations.WithLabelValues(string(o.Operation.Kind), outcomeSettled).Inc()
	if o.Aggregate != nil {
		c.SetAggregate(o.Operation.Asset.Hex(), o.Aggregate)
	}
}

// ObserveFailure records a rejected operation.
func (c *Collector) ObserveFailure(kind domain.OperationKind, err error) {
	c.operations.WithLabelValues(string(kind), outcomeRejected).Inc()
	c.rejections.WithLabelValues(string(kind), string(domain.Category(err))).Inc()
}

// SetAggregate sets the aggregate gauge of asset from normalized units.
func (c *Collector) SetAggregate(asset string, normalized *uint256.Int) {
	value := domain.FormatUnits(normalized, c.commonPrecision).InexactFloat64()
	c.aggregates.WithLabelValues(asset).Set(value)
}

// Handler returns an HTTP handler exposing the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP request metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// canonicalPath keeps label cardinality bounded by dropping path parameters.
func canonicalPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	return "/" + parts[0]
}
