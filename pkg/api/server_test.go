package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bay/pkg/adapter"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/coordinate"
	"github.com/cuemby/bay/pkg/driver"
	"github.com/cuemby/bay/pkg/events"
	"github.com/cuemby/bay/pkg/gc"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/router"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

// runtime fakes a code runtime: meta, health, python exec and file read.
func runtime(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.RuntimeMeta{
			Name: "code-runtime",
			Capabilities: map[string]types.CapabilityDesc{
				types.CapabilityPython:     {},
				types.CapabilityShell:      {},
				types.CapabilityFilesystem: {},
			},
		})
	})
	mux.HandleFunc("/ipython/exec", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":         true,
			"output":          map[string]any{"text": "42", "images": []string{}},
			"execution_count": 1,
		})
	})
	mux.HandleFunc("/fs/read_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ExecutionResult{Success: true, Output: "contents"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	st, err := store.Open(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Driver.StartupTimeoutSeconds = 1
	cfg.Profiles = []*config.Profile{{
		ID:           "python-default",
		Image:        "bay/code-runtime:latest",
		RuntimeType:  types.RuntimeTypeCode,
		RuntimePort:  8000,
		Capabilities: []string{types.CapabilityPython, types.CapabilityShell, types.CapabilityFilesystem},
	}}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	rt := runtime(t)
	f := driver.NewFake()
	f.EndpointFn = func(driver.CreateSpec) string { return rt.URL }

	pool := adapter.NewPool(config.RuntimeHTTPConfig{RequestTimeoutSecs: 2})
	sessions := session.NewManager(st, f, pool, cfg.Driver, "test-instance")
	cargos := cargo.NewManager(st, f, cfg.Driver.Type, cfg.Cargo)
	sandboxes := sandbox.NewManager(st, sessions, cargos, pool, cfg)
	capRouter := router.New(sandboxes, pool, cfg)
	idem := idempotency.NewService(st, cfg.Idempotency.IdempotencyTTL())
	gcs := gc.New(st, sandboxes, sessions, cargos, f, coordinate.NewStatic(), nil, cfg.GC)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewServer(cfg, sandboxes, cargos, capRouter, idem, gcs, broker)
}

func do(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func createSandbox(t *testing.T, s *Server) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/v1/sandboxes",
		jsonBody{"profile_id": "python-default"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.ID
}

type jsonBody = map[string]any

func TestSandboxLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	id := createSandbox(t, s)

	w := do(t, s, http.MethodGet, "/v1/sandboxes/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Status  string `json:"status"`
		CargoID string `json:"cargo_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "idle", got.Status)
	assert.NotEmpty(t, got.CargoID)

	w = do(t, s, http.MethodGet, "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = do(t, s, http.MethodDelete, "/v1/sandboxes/"+id, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "tombstoned sandbox is gone from the api")
}

func TestExecPythonMaterializesSession(t *testing.T) {
	s := newTestServer(t, nil)
	id := createSandbox(t, s)

	w := do(t, s, http.MethodPost, "/v1/sandboxes/"+id+"/exec/python",
		jsonBody{"code": "6*7"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res types.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "42", res.Output)

	// The sandbox is now ready: the session materialized lazily.
	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+id, nil, nil)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)
}

func TestFileReadNormalizesPath(t *testing.T) {
	s := newTestServer(t, nil)
	id := createSandbox(t, s)

	w := do(t, s, http.MethodPost, "/v1/sandboxes/"+id+"/files/read",
		jsonBody{"path": "notes/../notes/a.txt"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "contents")

	// Escaping the workspace is rejected before any runtime call.
	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+id+"/files/read",
		jsonBody{"path": "../../etc/passwd"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_path")
}

func TestAPIKeyAdmission(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.APIKey = "secret"
		cfg.Security.AllowAnonymous = false
	})

	w := do(t, s, http.MethodGet, "/v1/sandboxes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/v1/sandboxes", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/v1/sandboxes", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/v1/sandboxes", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open.
	w = do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdempotentCreateReplayAndConflict(t *testing.T) {
	s := newTestServer(t, nil)
	key := map[string]string{"Idempotency-Key": "k-1"}

	first := do(t, s, http.MethodPost, "/v1/sandboxes",
		jsonBody{"profile_id": "python-default", "ttl_seconds": 60}, key)
	require.Equal(t, http.StatusCreated, first.Code)

	second := do(t, s, http.MethodPost, "/v1/sandboxes",
		jsonBody{"profile_id": "python-default", "ttl_seconds": 60}, key)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String(), "identical request replays the stored response")

	third := do(t, s, http.MethodPost, "/v1/sandboxes",
		jsonBody{"profile_id": "python-default", "ttl_seconds": 120}, key)
	assert.Equal(t, http.StatusConflict, third.Code, "same key, different body is a conflict")
}

func TestCargoEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v1/cargos", jsonBody{"size_limit_mb": 256}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var cg struct {
		ID          string `json:"id"`
		SizeLimitMB int64  `json:"size_limit_mb"`
		MountPath   string `json:"mount_path"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cg))
	assert.Equal(t, int64(256), cg.SizeLimitMB)
	assert.Equal(t, types.CargoMountPath, cg.MountPath)

	w = do(t, s, http.MethodGet, "/v1/cargos", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), cg.ID)

	// Attach to a sandbox: delete without force is blocked.
	w = do(t, s, http.MethodPost, "/v1/sandboxes",
		jsonBody{"profile_id": "python-default", "cargo_id": cg.ID}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodDelete, "/v1/cargos/"+cg.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "blocking_sandbox_ids")

	w = do(t, s, http.MethodDelete, fmt.Sprintf("/v1/cargos/%s?force=true", cg.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestManualGCTrigger(t *testing.T) {
	s := newTestServer(t, nil)
	id := createSandbox(t, s)

	// Expire the sandbox behind the API's back, then trigger a cycle.
	w := do(t, s, http.MethodPost, "/v1/sandboxes/"+id+"/exec/python", jsonBody{"code": "1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/v1/gc/run", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report gc.CycleReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.Skipped)
	assert.NotEmpty(t, report.Tasks)
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v1/sandboxes", jsonBody{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/sandboxes", jsonBody{"profile_id": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	id := createSandbox(t, s)
	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+id+"/extend_ttl",
		jsonBody{"extend_by_seconds": 60}, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "infinite ttl cannot be extended")
}

func TestExtendTTLOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v1/sandboxes",
		jsonBody{"profile_id": "python-default", "ttl_seconds": 60}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID        string    `json:"id"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+created.ID+"/extend_ttl",
		jsonBody{"extend_by_seconds": 3600}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var extended struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &extended))
	assert.Equal(t, created.ExpiresAt.Add(time.Hour), extended.ExpiresAt)
}
