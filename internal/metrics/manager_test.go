package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"

	"github.com/cajpany/tinycdp/config"
)

func TestNewManagerWithNoExportersStartsNothing(t *testing.T) {
	m := NewManager(config.MetricsConfig{}, nil)
	defer m.Close()
	assert.Empty(t, m.exporters)
}

func TestRequestCountMiddlewareTagsRouteAndStatus(t *testing.T) {
	m := NewManager(config.MetricsConfig{}, nil)
	defer m.Close()

	r := mux.NewRouter()
	r.Handle("/v1/decide", m.RequestCountMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/v1/decide", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	rows, err := view.RetrieveData(requestCountView.Name)
	require.NoError(t, err)
	found := false
	for _, row := range rows {
		tags := map[string]string{}
		for _, tg := range row.Tags {
			tags[tg.Key.Name()] = tg.Value
		}
		if tags["route"] == "/v1/decide" && tags["method"] == http.MethodGet && tags["status"] == "2xx" {
			found = true
		}
	}
	assert.True(t, found, "no request-count row tagged route=/v1/decide, method=GET, status=2xx")
}

func TestRecordCacheHitAndMissDoNotPanic(t *testing.T) {
	m := NewManager(config.MetricsConfig{}, nil)
	defer m.Close()
	ctx := context.Background()
	m.RecordCacheHit(ctx)
	m.RecordCacheMiss(ctx)
	m.RecordPipelineFailure(ctx, "traits")
}

func TestSnapshotReturnsViewNames(t *testing.T) {
	m := NewManager(config.MetricsConfig{}, nil)
	defer m.Close()
	m.RecordCacheHit(context.Background())

	snap := m.Snapshot()
	require.Contains(t, snap, "tinycdp_decision_cache_hits")
}
