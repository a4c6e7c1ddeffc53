package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
)

const (
	apiKeyHeader         = "X-API-Key"
	idempotencyKeyHeader = "Idempotency-Key"

	ownerKey = "owner"

	// anonymousOwner scopes rows created without an API key.
	anonymousOwner = "anonymous"
	// defaultOwner scopes rows of the single configured tenant.
	defaultOwner = "default"
)

// requestMetrics records request counters and latency per route template.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(
			c.Request.Method, path, fmt.Sprintf("%d", c.Writer.Status())).Inc()
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(c.Request.Method, path))
	}
}

// authenticate admits requests per the security config and stashes the
// request owner in the context. The orchestrator is single-tenant: a valid
// API key maps to the default owner; anonymous access, when allowed, is
// scoped separately.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		sec := s.cfg.Security

		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		switch {
		case sec.APIKey != "" && key == sec.APIKey:
			c.Set(ownerKey, defaultOwner)
		case sec.AllowAnonymous:
			c.Set(ownerKey, anonymousOwner)
		default:
			renderError(c, errdefs.New(errdefs.KindUnauthorized, "missing or invalid api key"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}

// responseRecorder tees the response body so it can be saved for replay.
type responseRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// idempotent replays cached responses for requests carrying an
// Idempotency-Key header. A reused key with a different request fingerprint
// is a conflict.
func (s *Server) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.idem == nil || !s.cfg.Idempotency.Enabled {
			c.Next()
			return
		}
		key := c.GetHeader(idempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			renderError(c, errdefs.New(errdefs.KindValidation, "failed to read request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		fp := idempotency.Fingerprint(c.Request.Method, c.Request.URL.Path, body)
		rec, err := s.idem.Check(c.Request.Context(), owner(c), key, fp)
		if err != nil {
			renderError(c, err)
			c.Abort()
			return
		}
		if rec != nil {
			c.Data(rec.StatusCode, "application/json", rec.Response)
			c.Abort()
			return
		}

		recorder := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		// Only successful outcomes are worth replaying; a 5xx retry should
		// re-execute.
		status := recorder.Status()
		if status < http.StatusInternalServerError {
			if err := s.idem.Save(c.Request.Context(), owner(c), key, fp, status, recorder.body.Bytes()); err != nil {
				log.WithComponent("api").Warn().Err(err).Msg("failed to save idempotency record")
			}
		}
	}
}
