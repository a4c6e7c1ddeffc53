package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/events"
)

type createCargoRequest struct {
	SizeLimitMB int64 `json:"size_limit_mb"`
}

func (s *Server) handleCreateCargo(c *gin.Context) {
	var req createCargoRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, errdefs.New(errdefs.KindValidation, "invalid request body: %v", err))
			return
		}
	}

	cg, err := s.cargos.Create(c.Request.Context(), owner(c), cargo.CreateOptions{
		SizeLimitMB: req.SizeLimitMB,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	s.publish(events.CargoCreated, "cargo created", map[string]string{"cargo_id": cg.ID})
	c.JSON(http.StatusCreated, renderCargo(cg))
}

func (s *Server) handleListCargos(c *gin.Context) {
	var managed *bool
	if v := c.Query("managed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			renderError(c, errdefs.New(errdefs.KindValidation, "invalid managed filter: %q", v))
			return
		}
		managed = &b
	}

	cgs, err := s.cargos.List(c.Request.Context(), owner(c), managed, intQuery(c, "limit", 100), c.Query("cursor"))
	if err != nil {
		renderError(c, err)
		return
	}

	out := make([]cargoResponse, 0, len(cgs))
	for _, cg := range cgs {
		out = append(out, renderCargo(cg))
	}
	c.JSON(http.StatusOK, gin.H{"cargos": out})
}

func (s *Server) handleGetCargo(c *gin.Context) {
	cg, err := s.cargos.Get(c.Request.Context(), c.Param("id"), owner(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderCargo(cg))
}

func (s *Server) handleDeleteCargo(c *gin.Context) {
	force := false
	if v := c.Query("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			renderError(c, errdefs.New(errdefs.KindValidation, "invalid force flag: %q", v))
			return
		}
		force = b
	}

	id := c.Param("id")
	if err := s.cargos.Delete(c.Request.Context(), id, owner(c), force); err != nil {
		renderError(c, err)
		return
	}
	s.publish(events.CargoDeleted, "cargo deleted", map[string]string{"cargo_id": id})
	c.Status(http.StatusNoContent)
}
