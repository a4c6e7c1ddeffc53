package adapter

import (
	"context"
	"net/http"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/types"
)

// BrowserAdapter speaks the browser runtime protocol: a single command
// endpoint driving a browser session.
type BrowserAdapter struct {
	base
}

// NewBrowserAdapter builds an adapter for a browser runtime endpoint.
func NewBrowserAdapter(endpoint string, client *http.Client) *BrowserAdapter {
	return &BrowserAdapter{base: base{endpoint: endpoint, client: client}}
}

func (a *BrowserAdapter) Kind() types.RuntimeType {
	return types.RuntimeTypeBrowser
}

// Execute dispatches a capability invocation. The browser runtime only
// advertises the browser capability.
func (a *BrowserAdapter) Execute(ctx context.Context, capability string, args map[string]any) (*types.ExecutionResult, error) {
	if capability != types.CapabilityBrowser {
		return nil, errdefs.New(errdefs.KindCapabilityNotSupported,
			"browser runtime does not support capability %q", capability)
	}
	return a.ExecuteCommand(ctx, stringArg(args, "command"))
}

// browserResponse is the browser runtime's wire shape: plain process output
// with an exit code, no success flag.
type browserResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ExecuteCommand runs a command string against the browser session.
func (a *BrowserAdapter) ExecuteCommand(ctx context.Context, command string) (*types.ExecutionResult, error) {
	var resp browserResponse
	if err := a.post(ctx, "/exec", map[string]any{"cmd": command}, &resp, false); err != nil {
		return nil, err
	}
	exitCode := resp.ExitCode
	return &types.ExecutionResult{
		Success:  exitCode == 0,
		Output:   resp.Stdout,
		Error:    resp.Stderr,
		ExitCode: &exitCode,
	}, nil
}
