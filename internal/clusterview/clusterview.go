// Package clusterview backs spec.md's "cluster key": a
// monotonically-refreshed token identifying the current cluster
// membership epoch, changing when nodes join or leave. It wraps a
// *raft.Raft instance exactly for its configuration-change tracking
// (grounded on internal/raft/cluster.go's NewCluster/AddVoter/RemoveServer);
// it carries no application log of its own, since the scan core's
// durable state lives in internal/partition, not here.
package clusterview

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Config mirrors the subset of internal/raft.ClusterConfig this view needs.
type Config struct {
	NodeID        string
	RaftBind      string
	DataDir       string
	Bootstrap     bool
	ApplyTimeout  time.Duration
}

// View tracks cluster membership and exposes it as a single epoch key.
type View struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	logStore  *raftboltdb.BoltStore
	timeout   time.Duration
}

// membershipFSM is a no-op raft.FSM: this view never replicates
// application state, only the membership changes raft.Configuration
// already tracks for us.
type membershipFSM struct{}

func (membershipFSM) Apply(*raft.Log) any { return nil }
func (membershipFSM) Snapshot() (raft.FSMSnapshot, error) { return membershipSnapshot{}, nil }
func (membershipFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type membershipSnapshot struct{}

func (membershipSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (membershipSnapshot) Release()                             {}

// Open starts (or rejoins) a raft node purely for membership tracking.
func Open(cfg Config) (*View, error) {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return nil, fmt.Errorf("clusterview: create raft dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	transport, err := raft.NewTCPTransport(cfg.RaftBind, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("clusterview: create transport: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("clusterview: open bolt store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		transport.Close()
		logStore.Close()
		return nil, fmt.Errorf("clusterview: create snapshot store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, membershipFSM{}, logStore, logStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		logStore.Close()
		return nil, fmt.Errorf("clusterview: create raft: %w", err)
	}

	if cfg.Bootstrap {
		f := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}},
		})
		if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("clusterview: bootstrap: %w", err)
		}
	}

	return &View{raft: r, transport: transport, logStore: logStore, timeout: cfg.ApplyTimeout}, nil
}

// Key returns the current cluster membership epoch: an FNV hash of the
// sorted server id/address list. It changes exactly when a server is
// added or removed and is stable otherwise, matching spec.md's
// "cluster key" semantics for basic.ClusterKeySource.
func (v *View) Key() uint64 {
	future := v.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	servers := future.Configuration().Servers
	entries := make([]string, 0, len(servers))
	for _, s := range servers {
		entries = append(entries, string(s.ID)+"@"+string(s.Address))
	}
	sort.Strings(entries)

	h := fnv.New64a()
	for _, e := range entries {
		_, _ = h.Write([]byte(e))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// AddVoter adds a new voting member, bumping the cluster key.
func (v *View) AddVoter(nodeID, addr string) error {
	return v.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, v.timeout).Error()
}

// RemoveServer removes a member, bumping the cluster key.
func (v *View) RemoveServer(nodeID string) error {
	return v.raft.RemoveServer(raft.ServerID(nodeID), 0, v.timeout).Error()
}

// Shutdown stops the raft node and closes its stores.
func (v *View) Shutdown() error {
	if err := v.raft.Shutdown().Error(); err != nil {
		return err
	}
	_ = v.transport.Close()
	return v.logStore.Close()
}
