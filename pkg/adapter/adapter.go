// Package adapter implements the HTTP clients that speak to runtime
// containers, plus the process-wide pool that shares them per endpoint.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/types"
)

// healthTimeout bounds health probes. Health never errors; a slow runtime is
// an unhealthy runtime.
const healthTimeout = 5 * time.Second

// Adapter speaks a runtime container's REST protocol. One adapter per
// endpoint; instances are shared through the Pool and must be safe for
// concurrent use.
type Adapter interface {
	Kind() types.RuntimeType
	Endpoint() string

	// Meta fetches the runtime's /meta document, memoized after the first
	// success.
	Meta(ctx context.Context) (*types.RuntimeMeta, error)

	// Health probes the runtime. False on any failure; never an error.
	Health(ctx context.Context) bool

	// Execute invokes a capability with its arguments.
	Execute(ctx context.Context, capability string, args map[string]any) (*types.ExecutionResult, error)
}

// base carries the HTTP plumbing shared by all adapter kinds.
type base struct {
	endpoint string
	client   *http.Client

	mu   sync.Mutex
	meta *types.RuntimeMeta
}

func (b *base) Endpoint() string {
	return b.endpoint
}

func (b *base) Meta(ctx context.Context) (*types.RuntimeMeta, error) {
	b.mu.Lock()
	if b.meta != nil {
		meta := b.meta
		b.mu.Unlock()
		return meta, nil
	}
	b.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/meta", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build meta request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, mapTransportErr(err, "fetch runtime meta")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.New(errdefs.KindRuntime, "runtime meta returned status %d", resp.StatusCode)
	}

	var meta types.RuntimeMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindRuntime, "failed to decode runtime meta")
	}

	b.mu.Lock()
	b.meta = &meta
	b.mu.Unlock()
	return &meta, nil
}

func (b *base) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// post sends a JSON payload and decodes the response into out. fileOp turns
// a 404 into a file-not-found instead of a generic runtime error.
func (b *base) post(ctx context.Context, path string, payload, out any, fileOp bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return mapTransportErr(err, strings.TrimPrefix(path, "/"))
	}
	defer resp.Body.Close()

	if fileOp && resp.StatusCode == http.StatusNotFound {
		return errdefs.New(errdefs.KindFileNotFound, "file not found")
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errdefs.New(errdefs.KindRuntime, "runtime returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to decode runtime response")
	}
	return nil
}

// postJSON posts a JSON payload to an endpoint whose response already has the
// ExecutionResult shape (shell and file operations).
func (b *base) postJSON(ctx context.Context, path string, payload any, fileOp bool) (*types.ExecutionResult, error) {
	var result types.ExecutionResult
	if err := b.post(ctx, path, payload, &result, fileOp); err != nil {
		return nil, err
	}
	return &result, nil
}

// mapTransportErr classifies a transport failure: timeouts become timeout
// errors, everything else is a runtime error.
func mapTransportErr(err error, op string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errdefs.Wrap(err, errdefs.KindTimeout, "runtime %s timed out", op)
	}
	return errdefs.Wrap(err, errdefs.KindRuntime, "runtime %s failed", op)
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
