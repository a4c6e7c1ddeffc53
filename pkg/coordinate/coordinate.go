// Package coordinate decides which orchestrator instance runs garbage
// collection when several share a database. The single-instance deployment
// uses the static coordinator; multi-instance deployments elect a leader
// over raft.
package coordinate

import (
	"fmt"

	"github.com/cuemby/bay/pkg/config"
)

// Coordinator answers whether this instance holds the GC lease.
type Coordinator interface {
	// IsLeader reports whether this instance should run GC cycles.
	IsLeader() bool

	Close() error
}

// Static is the single-instance coordinator: always the leader.
type Static struct{}

// NewStatic returns an always-leader coordinator.
func NewStatic() *Static { return &Static{} }

func (*Static) IsLeader() bool { return true }
func (*Static) Close() error   { return nil }

// New builds the coordinator selected by the configuration.
func New(cfg config.CoordinatorConfig) (Coordinator, error) {
	switch cfg.Mode {
	case "", "single":
		return NewStatic(), nil
	case "raft":
		return NewRaft(cfg)
	default:
		return nil, fmt.Errorf("unknown coordinator mode: %q", cfg.Mode)
	}
}
