package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/events"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/sandbox"
)

type createSandboxRequest struct {
	ProfileID  string `json:"profile_id" binding:"required"`
	TTLSeconds int64  `json:"ttl_seconds"`
	CargoID    string `json:"cargo_id"`
}

func (s *Server) handleCreateSandbox(c *gin.Context) {
	var req createSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}

	sb, err := s.sandboxes.Create(c.Request.Context(), owner(c), sandbox.CreateOptions{
		ProfileID:  req.ProfileID,
		TTLSeconds: req.TTLSeconds,
		CargoID:    req.CargoID,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	metrics.SandboxesCreated.Inc()
	s.publish(events.SandboxCreated, "sandbox created", map[string]string{"sandbox_id": sb.ID})
	c.JSON(http.StatusCreated, renderSandbox(sb, nil))
}

func (s *Server) handleListSandboxes(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	sbs, err := s.sandboxes.List(c.Request.Context(), owner(c), limit, c.Query("cursor"))
	if err != nil {
		renderError(c, err)
		return
	}

	out := make([]sandboxResponse, 0, len(sbs))
	for _, sb := range sbs {
		out = append(out, renderSandbox(sb, nil))
	}
	c.JSON(http.StatusOK, gin.H{"sandboxes": out})
}

func (s *Server) handleGetSandbox(c *gin.Context) {
	sb, sess, err := s.sandboxes.Get(c.Request.Context(), c.Param("id"), owner(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderSandbox(sb, sess))
}

func (s *Server) handleDeleteSandbox(c *gin.Context) {
	id := c.Param("id")
	if err := s.sandboxes.Delete(c.Request.Context(), id, owner(c)); err != nil {
		renderError(c, err)
		return
	}
	metrics.SandboxesDeleted.WithLabelValues("api").Inc()
	s.publish(events.SandboxDeleted, "sandbox deleted", map[string]string{"sandbox_id": id})
	c.Status(http.StatusNoContent)
}

type extendTTLRequest struct {
	ExtendBySeconds int64 `json:"extend_by_seconds" binding:"required"`
}

func (s *Server) handleExtendTTL(c *gin.Context) {
	var req extendTTLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
		return
	}

	sb, err := s.sandboxes.ExtendTTL(c.Request.Context(), c.Param("id"), owner(c),
		time.Duration(req.ExtendBySeconds)*time.Second)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderSandbox(sb, nil))
}

func (s *Server) handleKeepalive(c *gin.Context) {
	sb, err := s.sandboxes.Keepalive(c.Request.Context(), c.Param("id"), owner(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderSandbox(sb, nil))
}

func (s *Server) handleStopSandbox(c *gin.Context) {
	if err := s.sandboxes.Stop(c.Request.Context(), c.Param("id"), owner(c)); err != nil {
		renderError(c, err)
		return
	}
	s.publish(events.SessionStopped, "sandbox stopped", map[string]string{"sandbox_id": c.Param("id")})
	c.Status(http.StatusNoContent)
}

func (s *Server) publish(typ events.Type, msg string, metadata map[string]string) {
	if s.broker != nil {
		s.broker.Publish(typ, msg, metadata)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
