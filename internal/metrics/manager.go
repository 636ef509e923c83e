package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/cajpany/tinycdp/config"
	"github.com/cajpany/tinycdp/internal/logging"
)

// Manager is tinycdp's metrics boundary: opencensus views for the CDP's countable
// things (request counts/latency, decision cache hit/miss, pipeline substep
// failures), fanned out to whichever exporters config.MetricsConfig enables.
type Manager struct {
	log       *logging.Loggers
	exporters []exporter
}

// exporter is the narrow lifecycle every opencensus exporter backend in this
// package implements: register with view/trace on start, unregister and release
// resources on Close.
type exporter interface {
	Close() error
}

var (
	requestCountMeasure   = stats.Int64("tinycdp_requests", "HTTP requests handled", stats.UnitDimensionless)
	requestLatencyMeasure = stats.Float64("tinycdp_request_latency_ms", "HTTP request latency", stats.UnitMilliseconds)
	cacheHitMeasure       = stats.Int64("tinycdp_decision_cache_hits", "decision cache hits", stats.UnitDimensionless)
	cacheMissMeasure      = stats.Int64("tinycdp_decision_cache_misses", "decision cache misses", stats.UnitDimensionless)
	pipelineFailMeasure   = stats.Int64("tinycdp_pipeline_failures", "non-fatal pipeline substep failures", stats.UnitDimensionless)

	routeTagKey, _  = tag.NewKey("route")
	methodTagKey, _ = tag.NewKey("method")
	statusTagKey, _ = tag.NewKey("status")
	stageTagKey, _  = tag.NewKey("stage")

	requestCountView = &view.View{
		Measure:     requestCountMeasure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{routeTagKey, methodTagKey, statusTagKey},
	}
	requestLatencyView = &view.View{
		Measure:     requestLatencyMeasure,
		Aggregation: view.Distribution(0, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
		TagKeys:     []tag.Key{routeTagKey, methodTagKey},
	}
	cacheHitView = &view.View{
		Measure:     cacheHitMeasure,
		Aggregation: view.Count(),
	}
	cacheMissView = &view.View{
		Measure:     cacheMissMeasure,
		Aggregation: view.Count(),
	}
	pipelineFailView = &view.View{
		Measure:     pipelineFailMeasure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{stageTagKey},
	}
)

// NewManager registers this package's views once, starts whichever exporters mc
// enables, and returns a Manager. Safe to call more than once per process
// (view.Register is idempotent for identical views).
func NewManager(mc config.MetricsConfig, log *logging.Loggers) *Manager {
	if log == nil {
		log = logging.NewDisabledLoggers()
	}
	if err := view.Register(requestCountView, requestLatencyView, cacheHitView, cacheMissView, pipelineFailView); err != nil {
		log.Warnf("metrics: view registration error: %s", err)
	}
	m := &Manager{log: log}

	if mc.PrometheusEnabled {
		exp, err := newPrometheusExporter(mc, log)
		if err != nil {
			log.Errorf("metrics: failed to start Prometheus exporter: %s", err)
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}
	if mc.Datadog.Enabled {
		exp, err := newDatadogExporter(mc.Datadog, mc.Prefix)
		if err != nil {
			log.Errorf("metrics: failed to start Datadog exporter: %s", err)
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}
	if mc.Stackdriver.Enabled {
		exp, err := newStackdriverExporter(mc.Stackdriver, mc.Prefix)
		if err != nil {
			log.Errorf("metrics: failed to start Stackdriver exporter: %s", err)
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}
	return m
}

// Close unregisters and releases every exporter this Manager started.
func (m *Manager) Close() error {
	for _, exp := range m.exporters {
		if err := exp.Close(); err != nil {
			m.log.Warnf("metrics: error closing exporter: %s", err)
		}
	}
	return nil
}

// RequestCountMiddleware records a count and latency sample for every request,
// tagged by route template, method, and status class.
func (m *Manager) RequestCountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		ctx, err := tag.New(r.Context(), tag.Insert(routeTagKey, route), tag.Insert(methodTagKey, r.Method))
		if err != nil {
			m.log.Warnf("metrics: tagging error: %s", err)
			return
		}
		stats.Record(ctx, requestLatencyMeasure.M(float64(time.Since(start).Milliseconds())))

		ctx, err = tag.New(ctx, tag.Insert(statusTagKey, statusClass(rec.status)))
		if err != nil {
			m.log.Warnf("metrics: tagging error: %s", err)
			return
		}
		stats.Record(ctx, requestCountMeasure.M(1))
	})
}

// RecordCacheHit is called by the Decision Engine on a cache hit.
func (m *Manager) RecordCacheHit(ctx context.Context) {
	stats.Record(ctx, cacheHitMeasure.M(1))
}

// RecordCacheMiss is called by the Decision Engine on a cache miss.
func (m *Manager) RecordCacheMiss(ctx context.Context) {
	stats.Record(ctx, cacheMissMeasure.M(1))
}

// RecordPipelineFailure is called by the Pipeline Orchestrator when a post-persist
// substep (trait or segment recompute) fails without failing the overall request.
func (m *Manager) RecordPipelineFailure(ctx context.Context, stage string) {
	tagCtx, err := tag.New(ctx, tag.Insert(stageTagKey, stage))
	if err != nil {
		stats.Record(ctx, pipelineFailMeasure.M(1))
		return
	}
	stats.Record(tagCtx, pipelineFailMeasure.M(1))
}

// Snapshot reads the current in-process view data for GET /v1/admin/metrics. This is
// an in-process readback, not a scrape endpoint; Prometheus/Datadog export is handled
// separately by the exporters NewManager starts (prometheus.go, datadog.go).
func (m *Manager) Snapshot() map[string]interface{} {
	out := map[string]interface{}{}
	for _, v := range []*view.View{requestCountView, requestLatencyView, cacheHitView, cacheMissView, pipelineFailView} {
		rows, err := view.RetrieveData(v.Name)
		if err != nil {
			continue
		}
		out[v.Name] = summarizeRows(rows)
	}
	return out
}

func summarizeRows(rows []*view.Row) []map[string]interface{} {
	result := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		entry := map[string]interface{}{"data": fmt.Sprintf("%v", row.Data)}
		for _, t := range row.Tags {
			entry[t.Key.Name()] = t.Value
		}
		result = append(result, entry)
	}
	return result
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// routeTemplate returns the matched mux route template if available, falling back to
// the raw path so unmatched (404) requests still get a metrics tag.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil && tpl != "" {
			return tpl
		}
	}
	if r.URL.Path != "" {
		return r.URL.Path
	}
	return "unknown"
}
