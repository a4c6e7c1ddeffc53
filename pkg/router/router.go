// Package router maps a capability request onto the right container of a
// sandbox's session and dispatches it through a pooled runtime adapter.
package router

import (
	"context"
	"sort"

	"github.com/cuemby/bay/pkg/adapter"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/types"
)

// Router resolves (sandbox, capability) to a runtime adapter and invokes
// it. It is the authority on capability support; profile-level pre-checks
// at the API boundary are an optimization only.
type Router struct {
	sandboxes *sandbox.Manager
	pool      *adapter.Pool
	cfg       *config.Config
}

// New builds a capability router.
func New(sandboxes *sandbox.Manager, pool *adapter.Pool, cfg *config.Config) *Router {
	return &Router{sandboxes: sandboxes, pool: pool, cfg: cfg}
}

// Dispatch ensures the sandbox has a running session, resolves the target
// container, validates the capability against runtime-advertised meta, and
// invokes it. The ExecutionResult passes through unaltered.
func (r *Router) Dispatch(ctx context.Context, sandboxID, owner, capability string, args map[string]any) (*types.ExecutionResult, error) {
	timer := metrics.NewTimer()
	a, err := r.Resolve(ctx, sandboxID, owner, capability)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(capability, "error").Inc()
		return nil, err
	}

	result, err := a.Execute(ctx, capability, args)
	timer.ObserveDuration(metrics.DispatchDuration.WithLabelValues(capability))
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(capability, "error").Inc()
		return nil, err
	}

	metrics.DispatchTotal.WithLabelValues(capability, "ok").Inc()
	log.WithSandboxID(sandboxID).Debug().
		Str("capability", capability).
		Bool("success", result.Success).
		Msg("capability dispatched")
	return result, nil
}

// Resolve returns the validated adapter for a capability without invoking
// it. Binary file transfer goes through here and then drives the adapter
// directly.
func (r *Router) Resolve(ctx context.Context, sandboxID, owner, capability string) (adapter.Adapter, error) {
	sess, err := r.sandboxes.EnsureRunning(ctx, sandboxID, owner)
	if err != nil {
		return nil, err
	}

	endpoint, kind, err := r.resolveTarget(sess, capability)
	if err != nil {
		return nil, err
	}

	a := r.pool.Get(endpoint, kind)
	metrics.AdapterPoolSize.Set(float64(r.pool.Size()))

	if err := requireCapability(ctx, a, capability); err != nil {
		return nil, err
	}
	return a, nil
}

// resolveTarget picks the container endpoint serving the capability. The
// profile's declaration wins; without a profile the session's container
// map is scanned in order; a single-container session short-circuits.
func (r *Router) resolveTarget(sess *types.Session, capability string) (string, types.RuntimeType, error) {
	if len(sess.Containers) <= 1 {
		return sess.Endpoint, sess.RuntimeType, nil
	}

	if profile := r.cfg.Profile(sess.ProfileID); profile != nil {
		if cs := profile.FindContainerForCapability(capability); cs != nil {
			for _, c := range sess.Containers {
				if c.Name == cs.Name {
					return c.Endpoint, c.RuntimeType, nil
				}
			}
		}
		return "", "", capabilityNotSupported(capability, sessionCapabilities(sess))
	}

	for _, c := range sess.Containers {
		for _, cap := range c.Capabilities {
			if cap == capability {
				return c.Endpoint, c.RuntimeType, nil
			}
		}
	}
	return "", "", capabilityNotSupported(capability, sessionCapabilities(sess))
}

// requireCapability checks the capability against the runtime's advertised
// meta. Meta transport errors propagate unchanged.
func requireCapability(ctx context.Context, a adapter.Adapter, capability string) error {
	meta, err := a.Meta(ctx)
	if err != nil {
		return err
	}
	if !meta.Has(capability) {
		return capabilityNotSupported(capability, meta.CapabilityNames())
	}
	return nil
}

func capabilityNotSupported(capability string, available []string) error {
	return errdefs.New(errdefs.KindCapabilityNotSupported,
		"capability %q not supported", capability).
		WithDetail("available_capabilities", available)
}

// sessionCapabilities is the deduped sorted union of the session's declared
// container capabilities.
func sessionCapabilities(sess *types.Session) []string {
	set := make(map[string]bool)
	for _, c := range sess.Containers {
		for _, cap := range c.Capabilities {
			set[cap] = true
		}
	}
	out := make([]string, 0, len(set))
	for cap := range set {
		out = append(out, cap)
	}
	sort.Strings(out)
	return out
}
