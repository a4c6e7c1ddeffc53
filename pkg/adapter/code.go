package adapter

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/types"
)

// CodeAdapter speaks the code runtime protocol: python execution, shell
// execution and workspace file operations.
type CodeAdapter struct {
	base
}

// NewCodeAdapter builds an adapter for a code runtime endpoint.
func NewCodeAdapter(endpoint string, client *http.Client) *CodeAdapter {
	return &CodeAdapter{base: base{endpoint: endpoint, client: client}}
}

func (a *CodeAdapter) Kind() types.RuntimeType {
	return types.RuntimeTypeCode
}

// Execute dispatches a capability invocation to the matching runtime
// endpoint.
func (a *CodeAdapter) Execute(ctx context.Context, capability string, args map[string]any) (*types.ExecutionResult, error) {
	switch capability {
	case types.CapabilityPython:
		return a.ExecuteCode(ctx, stringArg(args, "code"))
	case types.CapabilityShell:
		return a.ExecuteShell(ctx, stringArg(args, "command"))
	case types.CapabilityFilesystem:
		return a.executeFileOp(ctx, args)
	default:
		return nil, errdefs.New(errdefs.KindCapabilityNotSupported,
			"code runtime does not support capability %q", capability)
	}
}

// ipythonResponse is the interpreter's wire shape. Output is structured:
// the text stream plus any rendered images as base64 payloads.
type ipythonResponse struct {
	Success bool `json:"success"`
	Output  struct {
		Text   string   `json:"text"`
		Images []string `json:"images"`
	} `json:"output"`
	Error          string `json:"error"`
	ExecutionCount int    `json:"execution_count"`
}

// ExecuteCode runs a python snippet in the runtime's interpreter session.
func (a *CodeAdapter) ExecuteCode(ctx context.Context, code string) (*types.ExecutionResult, error) {
	var resp ipythonResponse
	if err := a.post(ctx, "/ipython/exec", map[string]any{"code": code}, &resp, false); err != nil {
		return nil, err
	}
	result := &types.ExecutionResult{
		Success: resp.Success,
		Output:  resp.Output.Text,
		Error:   resp.Error,
		Data:    map[string]any{"execution_count": resp.ExecutionCount},
	}
	if len(resp.Output.Images) > 0 {
		result.Data["images"] = resp.Output.Images
	}
	return result, nil
}

// ExecuteShell runs a shell command in the runtime container.
func (a *CodeAdapter) ExecuteShell(ctx context.Context, command string) (*types.ExecutionResult, error) {
	return a.postJSON(ctx, "/shell/exec", map[string]any{"command": command}, false)
}

func (a *CodeAdapter) executeFileOp(ctx context.Context, args map[string]any) (*types.ExecutionResult, error) {
	op := stringArg(args, "operation")
	path := stringArg(args, "path")
	switch op {
	case "read_file":
		return a.ReadFile(ctx, path)
	case "write_file":
		return a.WriteFile(ctx, path, stringArg(args, "content"))
	case "list_dir":
		return a.ListDir(ctx, path)
	case "delete_file":
		return a.DeleteFile(ctx, path)
	default:
		return nil, errdefs.New(errdefs.KindValidation, "unknown file operation %q", op)
	}
}

// ReadFile reads a workspace file as text.
func (a *CodeAdapter) ReadFile(ctx context.Context, path string) (*types.ExecutionResult, error) {
	return a.postJSON(ctx, "/fs/read_file", map[string]any{"path": path}, true)
}

// WriteFile writes text to a workspace file, creating parents as needed.
func (a *CodeAdapter) WriteFile(ctx context.Context, path, content string) (*types.ExecutionResult, error) {
	return a.postJSON(ctx, "/fs/write_file", map[string]any{"path": path, "content": content}, true)
}

// ListDir lists a workspace directory.
func (a *CodeAdapter) ListDir(ctx context.Context, path string) (*types.ExecutionResult, error) {
	return a.postJSON(ctx, "/fs/list_dir", map[string]any{"path": path}, true)
}

// DeleteFile removes a workspace file or directory.
func (a *CodeAdapter) DeleteFile(ctx context.Context, path string) (*types.ExecutionResult, error) {
	return a.postJSON(ctx, "/fs/delete_file", map[string]any{"path": path}, true)
}

// Upload streams binary content into a workspace path as a multipart form.
func (a *CodeAdapter) Upload(ctx context.Context, path string, content io.Reader) (*types.ExecutionResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		if err := mw.WriteField("path", path); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := mw.CreateFormFile("file", "upload")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/fs/upload", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, mapTransportErr(err, "fs/upload")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errdefs.New(errdefs.KindRuntime, "runtime returned status %d: %s", resp.StatusCode, string(msg))
	}

	return &types.ExecutionResult{Success: true, Data: map[string]any{"path": path}}, nil
}

// Download streams a workspace file. The caller owns the returned reader.
func (a *CodeAdapter) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/fs/download?file_path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, mapTransportErr(err, "fs/download")
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errdefs.New(errdefs.KindFileNotFound, "file not found: %s", path)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, errdefs.New(errdefs.KindRuntime, "runtime returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
