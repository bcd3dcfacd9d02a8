package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/config"
	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/internal/engine"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.New()
	cfg.Backend = config.BackendConfig{Store: "memory", Queue: "memory", Lock: "memory"}

	eng, err := engine.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background(), 2))
	t.Cleanup(func() { eng.Close() })

	return New(eng)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_RegisterAndListModuleType(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/module-types", domain.AnalysisModuleType{
		Name:            "hash_lookup",
		ObservableTypes: []string{"file_hash"},
		Version:         "v1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/module-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []domain.AnalysisModuleType
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "hash_lookup", list[0].Name)
}

func TestServer_GetModuleType_Unknown(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/module-types/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SubmitAndGetRoot(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/roots", domain.RootAnalysis{
		Observables: []domain.Observable{{Type: "ipv4", Value: "1.2.3.4"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	rootUUID := out["root_uuid"]
	require.NotEmpty(t, rootUUID)

	rec = doJSON(t, s, http.MethodGet, "/roots/"+rootUUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var root domain.RootAnalysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	assert.Equal(t, rootUUID, root.UUID)
	require.Len(t, root.Observables, 1)
}

func TestServer_GetNextAnalysisRequest_EmptyQueueTimesOut(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/module-types", domain.AnalysisModuleType{
		Name: "hash_lookup", ObservableTypes: []string{"file_hash"}, Version: "v1",
	})

	start := time.Now()
	rec := doJSON(t, s, http.MethodGet, "/queues/hash_lookup/next?wait_time=0", nil)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_GetNextAnalysisRequest_VersionMismatch(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/module-types", domain.AnalysisModuleType{
		Name: "hash_lookup", ObservableTypes: []string{"file_hash"}, Version: "v2",
	})

	rec := doJSON(t, s, http.MethodGet, "/queues/hash_lookup/next?version=v1&wait_time=0", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_AlertSystem_RegisterAndCount(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/alert-systems/soc", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/alert-systems/soc/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(0), out["count"])
}

func TestServer_AlertSystem_Unknown(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/alert-systems/nope/count", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AuthMiddleware_RejectsWithoutToken(t *testing.T) {
	s := newTestServer(t)
	s.engine.Config.Auth.Tokens = []string{"secret-token"}

	req := httptest.NewRequest(http.MethodGet, "/module-types", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/module-types", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StoreAndGetContent(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/content?name=evil.exe", bytes.NewBufferString("malware bytes"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	sha := out["sha256"]
	require.NotEmpty(t, sha)

	rec = doJSON(t, s, http.MethodGet, "/content/"+sha+"/bytes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "malware bytes", rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/content/"+sha+"/meta", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var meta domain.ContentMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "evil.exe", meta.Name)
}
