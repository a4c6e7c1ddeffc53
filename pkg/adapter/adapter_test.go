package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/types"
)

// fakeRuntime is an httptest stand-in for a code runtime container.
func fakeRuntime(t *testing.T, metaCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		if metaCalls != nil {
			metaCalls.Add(1)
		}
		json.NewEncoder(w).Encode(types.RuntimeMeta{
			Name:       "code-runtime",
			APIVersion: "v1",
			MountPath:  types.CargoMountPath,
			Capabilities: map[string]types.CapabilityDesc{
				types.CapabilityPython:     {Endpoint: "/ipython/exec"},
				types.CapabilityShell:      {Endpoint: "/shell/exec"},
				types.CapabilityFilesystem: {Endpoint: "/fs"},
			},
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ipython/exec", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"output": map[string]any{
				"text":   "ran: " + req["code"].(string),
				"images": []string{"aW1n"},
			},
			"execution_count": 3,
		})
	})
	mux.HandleFunc("/fs/download", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("file_path") == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("binary"))
	})
	mux.HandleFunc("/fs/read_file", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["path"] == "missing.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(types.ExecutionResult{Success: true, Output: "contents"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCodeAdapterExecute(t *testing.T) {
	srv := fakeRuntime(t, nil)
	a := NewCodeAdapter(srv.URL, srv.Client())

	res, err := a.Execute(context.Background(), types.CapabilityPython, map[string]any{"code": "print(1)"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ran: print(1)", res.Output, "interpreter text stream maps to output")
	assert.Equal(t, 3, res.Data["execution_count"])
	assert.Equal(t, []string{"aW1n"}, res.Data["images"])

	_, err = a.Execute(context.Background(), types.CapabilityBrowser, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsCapabilityNotSupported(err))
}

func TestDownloadSendsFilePath(t *testing.T) {
	srv := fakeRuntime(t, nil)
	a := NewCodeAdapter(srv.URL, srv.Client())

	body, err := a.Download(context.Background(), "data/report.bin")
	require.NoError(t, err)
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "binary", string(got))
}

func TestCodeAdapterFileNotFound(t *testing.T) {
	srv := fakeRuntime(t, nil)
	a := NewCodeAdapter(srv.URL, srv.Client())

	_, err := a.ReadFile(context.Background(), "missing.txt")
	require.Error(t, err)
	assert.True(t, errdefs.IsFileNotFound(err))
}

func TestMetaMemoized(t *testing.T) {
	var calls atomic.Int32
	srv := fakeRuntime(t, &calls)
	a := NewCodeAdapter(srv.URL, srv.Client())

	for i := 0; i < 3; i++ {
		meta, err := a.Meta(context.Background())
		require.NoError(t, err)
		assert.True(t, meta.Has(types.CapabilityPython))
	}
	assert.Equal(t, int32(1), calls.Load(), "meta is fetched once and memoized")
}

func TestHealthNeverErrors(t *testing.T) {
	srv := fakeRuntime(t, nil)
	a := NewCodeAdapter(srv.URL, srv.Client())
	assert.True(t, a.Health(context.Background()))

	// A dead endpoint is unhealthy, not an error.
	dead := NewCodeAdapter("http://127.0.0.1:1", srv.Client())
	assert.False(t, dead.Health(context.Background()))
}

func TestTimeoutMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	a := NewCodeAdapter(srv.URL, &http.Client{Timeout: 20 * time.Millisecond})
	_, err := a.ExecuteShell(context.Background(), "sleep 10")
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))
}

func TestBrowserAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exec", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["cmd"] == "crash" {
			json.NewEncoder(w).Encode(map[string]any{"stdout": "", "stderr": "boom", "exit_code": 1})
			return
		}
		require.Equal(t, "goto example.com", req["cmd"], "command travels in the cmd field")
		json.NewEncoder(w).Encode(map[string]any{"stdout": "ok", "stderr": "", "exit_code": 0})
	}))
	defer srv.Close()

	a := NewBrowserAdapter(srv.URL, srv.Client())
	res, err := a.Execute(context.Background(), types.CapabilityBrowser, map[string]any{"command": "goto example.com"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Output)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)

	res, err = a.ExecuteCommand(context.Background(), "crash")
	require.NoError(t, err)
	assert.False(t, res.Success, "non-zero exit code is not a success")
	assert.Equal(t, "boom", res.Error)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 1, *res.ExitCode)

	_, err = a.Execute(context.Background(), types.CapabilityPython, nil)
	assert.True(t, errdefs.IsCapabilityNotSupported(err))
}

func TestPoolSharesAdapters(t *testing.T) {
	pool := NewPool(config.RuntimeHTTPConfig{})

	a := pool.Get("http://10.0.0.1:8000", types.RuntimeTypeCode)
	b := pool.Get("http://10.0.0.1:8000", types.RuntimeTypeCode)
	assert.Same(t, a, b, "same endpoint and kind share one adapter")

	c := pool.Get("http://10.0.0.1:8000", types.RuntimeTypeBrowser)
	assert.NotSame(t, a, c, "kind participates in the pool key")
	assert.IsType(t, &BrowserAdapter{}, c)
	assert.Equal(t, 2, pool.Size())
}
