package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/types"
)

// errorBody is the uniform wire shape of every error response.
type errorBody struct {
	Error   errdefs.Kind   `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func renderError(c *gin.Context, err error) {
	body := errorBody{Error: errdefs.GetKind(err), Message: err.Error()}
	var e *errdefs.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Details = e.Details
	}
	c.JSON(errdefs.HTTPStatus(err), body)
}

type sandboxResponse struct {
	ID            string               `json:"id"`
	Owner         string               `json:"owner"`
	ProfileID     string               `json:"profile_id"`
	CargoID       string               `json:"cargo_id,omitempty"`
	SessionID     string               `json:"session_id,omitempty"`
	Status        types.SandboxStatus  `json:"status"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
	IdleExpiresAt *time.Time           `json:"idle_expires_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	LastActiveAt  time.Time            `json:"last_active_at"`
	Session       *sessionResponse     `json:"session,omitempty"`
}

type sessionResponse struct {
	ID            string                    `json:"id"`
	RuntimeType   types.RuntimeType         `json:"runtime_type"`
	Endpoint      string                    `json:"endpoint,omitempty"`
	ObservedState types.SessionState        `json:"observed_state"`
	Containers    []*types.SessionContainer `json:"containers,omitempty"`
}

func renderSandbox(sb *types.Sandbox, sess *types.Session) sandboxResponse {
	resp := sandboxResponse{
		ID:            sb.ID,
		Owner:         sb.Owner,
		ProfileID:     sb.ProfileID,
		CargoID:       sb.CargoID,
		SessionID:     sb.CurrentSessionID,
		Status:        sb.Status(time.Now().UTC(), sess),
		ExpiresAt:     sb.ExpiresAt,
		IdleExpiresAt: sb.IdleExpiresAt,
		CreatedAt:     sb.CreatedAt,
		LastActiveAt:  sb.LastActiveAt,
	}
	if sess != nil {
		resp.Session = &sessionResponse{
			ID:            sess.ID,
			RuntimeType:   sess.RuntimeType,
			Endpoint:      sess.Endpoint,
			ObservedState: sess.ObservedState,
			Containers:    sess.Containers,
		}
	}
	return resp
}

type cargoResponse struct {
	ID                 string             `json:"id"`
	Owner              string             `json:"owner"`
	Backend            types.CargoBackend `json:"backend"`
	Managed            bool               `json:"managed"`
	ManagedBySandboxID string             `json:"managed_by_sandbox_id,omitempty"`
	SizeLimitMB        int64              `json:"size_limit_mb"`
	MountPath          string             `json:"mount_path"`
	CreatedAt          time.Time          `json:"created_at"`
}

func renderCargo(c *types.Cargo) cargoResponse {
	return cargoResponse{
		ID:                 c.ID,
		Owner:              c.Owner,
		Backend:            c.Backend,
		Managed:            c.Managed,
		ManagedBySandboxID: c.ManagedBySandboxID,
		SizeLimitMB:        c.SizeLimitMB,
		MountPath:          types.CargoMountPath,
		CreatedAt:          c.CreatedAt,
	}
}
