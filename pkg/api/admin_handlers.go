package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/bay/pkg/errdefs"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGCRun triggers a collection cycle outside the periodic schedule.
func (s *Server) handleGCRun(c *gin.Context) {
	if s.gc == nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "gc is not configured"))
		return
	}
	report := s.gc.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

// handleEvents streams lifecycle events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	if s.broker == nil {
		renderError(c, errdefs.New(errdefs.KindValidation, "events are not configured"))
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
