package coordinate

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/log"
)

// Raft elects a GC leader among orchestrator instances. Only leadership is
// used; no state is replicated, so the FSM is a no-op.
type Raft struct {
	raft *raft.Raft

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
}

// NewRaft starts a raft node and, when Bootstrap is set, founds a
// single-member cluster with itself as leader. Additional instances join an
// existing cluster through AddVoter on the current leader.
func NewRaft(cfg config.CoordinatorConfig) (*Raft, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft coordinator requires node_id")
	}
	if cfg.BindAddr == "" {
		return nil, fmt.Errorf("raft coordinator requires bind_addr")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("raft coordinator requires data_dir")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft data dir: %w", err)
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(rc, &noopFSM{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      rc.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		future := r.BootstrapCluster(configuration)
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	log.WithComponent("coordinate").Info().
		Str("node_id", cfg.NodeID).
		Str("bind_addr", cfg.BindAddr).
		Msg("raft coordinator started")

	return &Raft{raft: r, logStore: logStore, stableStore: stableStore}, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (r *Raft) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// AddVoter adds another instance to the cluster. Must be called on the
// leader.
func (r *Raft) AddVoter(nodeID, address string) error {
	if !r.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// Close shuts the raft node down and releases its stores.
func (r *Raft) Close() error {
	if err := r.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("failed to shut down raft: %w", err)
	}
	r.logStore.Close()
	r.stableStore.Close()
	return nil
}

// noopFSM satisfies raft.FSM. The cluster replicates nothing; the log only
// carries membership changes.
type noopFSM struct{}

func (*noopFSM) Apply(*raft.Log) interface{}         { return nil }
func (*noopFSM) Snapshot() (raft.FSMSnapshot, error) { return &noopSnapshot{}, nil }
func (*noopFSM) Restore(rc io.ReadCloser) error      { return rc.Close() }

type noopSnapshot struct{}

func (*noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (*noopSnapshot) Release()                             {}
