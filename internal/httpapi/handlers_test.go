package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajpany/tinycdp/internal/credential"
	"github.com/cajpany/tinycdp/internal/decision"
	"github.com/cajpany/tinycdp/internal/eventstore"
	"github.com/cajpany/tinycdp/internal/identity"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/pipeline"
	"github.com/cajpany/tinycdp/internal/segments"
	"github.com/cajpany/tinycdp/internal/store/memstore"
	"github.com/cajpany/tinycdp/internal/traits"
)

func newTestServer(t *testing.T) (http.Handler, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	ms.SeedAPIKey(model.APIKey{ID: "k-read", Kind: model.APIKeyRead, HashOfKey: credential.HashKey("read-key")})
	ms.SeedAPIKey(model.APIKey{ID: "k-write", Kind: model.APIKeyWrite, HashOfKey: credential.HashKey("write-key")})
	ms.SeedAPIKey(model.APIKey{ID: "k-admin", Kind: model.APIKeyAdmin, HashOfKey: credential.HashKey("admin-key")})

	es := eventstore.New(ms)
	ident := identity.New(ms, nil)
	traitComputer := traits.New(ms, es, nil)
	segmentComputer := segments.New(ms, nil)
	decisionEngine := decision.New(ms, nil)
	t.Cleanup(func() { decisionEngine.Close() })
	orchestrator := pipeline.New(ident, es, traitComputer, segmentComputer, decisionEngine, nil)
	auth := credential.NewAuthorizer(func(hash string) (model.APIKey, bool, error) {
		return ms.GetAPIKeyByHash(context.Background(), hash)
	})

	s := NewServer(orchestrator, decisionEngine, ms, auth, nil, nil)
	return s.Router(), ms
}

func doJSON(t *testing.T, h http.Handler, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTrackRequiresWriteKey(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/track", "", map[string]interface{}{"deviceId": "D1", "event": "app_open"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTrackReadKeyInsufficientPermission(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/track", "read-key", map[string]interface{}{"deviceId": "D1", "event": "app_open"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIdentifyTrackAndDecideEndToEnd(t *testing.T) {
	h, ms := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/admin/traits", "admin-key", map[string]interface{}{
		"key": "power_user", "expression": "events.app_open.unique_days_14d >= 1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/admin/segments", "admin-key", map[string]interface{}{
		"key": "power_users", "rule": "power_user == true",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/admin/flags", "admin-key", map[string]interface{}{
		"key": "premium_features", "rule": `segment("power_users")`,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/identify", "write-key", map[string]interface{}{"deviceId": "D1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var identifyResp struct {
		UserID  string `json:"userId"`
		Success bool   `json:"success"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &identifyResp))
	assert.True(t, identifyResp.Success)
	assert.NotEmpty(t, identifyResp.UserID)

	rec = doJSON(t, h, http.MethodPost, "/v1/track", "write-key", map[string]interface{}{"deviceId": "D1", "event": "app_open"})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/decide?userId="+identifyResp.UserID+"&flag=premium_features", nil)
	req.Header.Set("Authorization", "Bearer read-key")
	decRec := httptest.NewRecorder()
	h.ServeHTTP(decRec, req)
	require.Equal(t, http.StatusOK, decRec.Code)

	var decideResp struct {
		Allow bool `json:"allow"`
	}
	require.NoError(t, json.Unmarshal(decRec.Body.Bytes(), &decideResp))
	assert.True(t, decideResp.Allow)

	_, found, err := ms.GetUserSegment(req.Context(), identifyResp.UserID, "power_users")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDecideUnknownFlagReturns404(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/identify", "write-key", map[string]interface{}{"deviceId": "D1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var identifyResp struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &identifyResp))

	req := httptest.NewRequest(http.MethodGet, "/v1/decide?userId="+identifyResp.UserID+"&flag=nope", nil)
	req.Header.Set("Authorization", "Bearer read-key")
	decRec := httptest.NewRecorder()
	h.ServeHTTP(decRec, req)
	assert.Equal(t, http.StatusNotFound, decRec.Code)
}

func TestExportSegmentNotFound(t *testing.T) {
	h, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/export/segment/nope", nil)
	req.Header.Set("Authorization", "Bearer read-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/admin/validate", "read-key", map[string]interface{}{
		"expression": "1 in [1,2,3]", "type": "trait",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
}

func TestRequireAuthAttachesResolvedKeyToContext(t *testing.T) {
	ms := memstore.New()
	ms.SeedAPIKey(model.APIKey{ID: "k-admin", Kind: model.APIKeyAdmin, HashOfKey: credential.HashKey("admin-key")})
	auth := credential.NewAuthorizer(func(hash string) (model.APIKey, bool, error) {
		return ms.GetAPIKeyByHash(context.Background(), hash)
	})

	var got model.APIKey
	var found bool
	h := RequireAuth(auth, model.APIKeyRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = keyFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/traits", nil)
	req.Header.Set("Authorization", "Bearer admin-key")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, found)
	assert.Equal(t, "k-admin", got.ID)
	assert.Equal(t, model.APIKeyAdmin, got.Kind)
}

func TestQueryParamAPIKeyFallback(t *testing.T) {
	h, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/traits?apiKey=read-key", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
