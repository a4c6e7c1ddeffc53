package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/bay/pkg/adapter"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/pathutil"
	"github.com/cuemby/bay/pkg/types"
)

type execCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) handleExecPython(c *gin.Context) {
	var req execCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}
	s.dispatch(c, types.CapabilityPython, map[string]any{"code": req.Code})
}

type execCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleExecShell(c *gin.Context) {
	var req execCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}
	s.dispatch(c, types.CapabilityShell, map[string]any{"command": req.Command})
}

func (s *Server) handleExecBrowser(c *gin.Context) {
	var req execCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}
	s.dispatch(c, types.CapabilityBrowser, map[string]any{"command": req.Command})
}

func (s *Server) dispatch(c *gin.Context, capability string, args map[string]any) {
	res, err := s.router.Dispatch(c.Request.Context(), c.Param("id"), owner(c), capability, args)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type filePathRequest struct {
	Path string `json:"path" binding:"required"`
}

type fileWriteRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content"`
}

// fileAdapter resolves the sandbox's filesystem-capable code adapter with
// the request path normalized into the workspace.
func (s *Server) fileAdapter(c *gin.Context, rawPath string) (*adapter.CodeAdapter, string, bool) {
	path, err := pathutil.Normalize(rawPath)
	if err != nil {
		renderError(c, err)
		return nil, "", false
	}

	a, err := s.router.Resolve(c.Request.Context(), c.Param("id"), owner(c), types.CapabilityFilesystem)
	if err != nil {
		renderError(c, err)
		return nil, "", false
	}
	code, ok := a.(*adapter.CodeAdapter)
	if !ok {
		renderError(c, errdefs.New(errdefs.KindCapabilityNotSupported,
			"runtime does not support file operations"))
		return nil, "", false
	}
	return code, path, true
}

func (s *Server) handleFileRead(c *gin.Context) {
	var req filePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}
	code, path, ok := s.fileAdapter(c, req.Path)
	if !ok {
		return
	}
	res, err := code.ReadFile(c.Request.Context(), path)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFileWrite(c *gin.Context) {
	var req fileWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}
	code, path, ok := s.fileAdapter(c, req.Path)
	if !ok {
		return
	}
	res, err := code.WriteFile(c.Request.Context(), path, req.Content)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFileList(c *gin.Context) {
	var req filePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}
	code, path, ok := s.fileAdapter(c, req.Path)
	if !ok {
		return
	}
	res, err := code.ListDir(c.Request.Context(), path)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFileDelete(c *gin.Context) {
	var req filePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}
	code, path, ok := s.fileAdapter(c, req.Path)
	if !ok {
		return
	}
	res, err := code.DeleteFile(c.Request.Context(), path)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFileUpload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "multipart file field required"))
		return
	}
	rawPath := c.PostForm("path")
	if rawPath == "" {
		rawPath = file.Filename
	}

	code, path, ok := s.fileAdapter(c, rawPath)
	if !ok {
		return
	}

	src, err := file.Open()
	if err != nil {
		renderError(c, errdefs.Wrap(err, errdefs.KindValidation, "failed to open uploaded file"))
		return
	}
	defer src.Close()

	res, err := code.Upload(c.Request.Context(), path, src)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFileDownload(c *gin.Context) {
	rawPath := c.Query("path")
	if rawPath == "" {
		renderError(c, errdefs.New(errdefs.KindValidation, "path query parameter required"))
		return
	}
	code, path, ok := s.fileAdapter(c, rawPath)
	if !ok {
		return
	}

	rc, err := code.Download(c.Request.Context(), path)
	if err != nil {
		renderError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", "attachment")
	c.Status(http.StatusOK)
	io.Copy(c.Writer, rc)
}
