package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/xgpxg/conreg/pkg/cache"
	"github.com/xgpxg/conreg/pkg/configstore"
	"github.com/xgpxg/conreg/pkg/discovery"
	"github.com/xgpxg/conreg/pkg/namespace"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

// FSM is the Raft state machine. It dispatches committed commands to
// the subsystem that owns each op and handles snapshots of the whole
// durable state plus the replicated KV map.
type FSM struct {
	mu         sync.RWMutex
	store      storage.Store
	cache      *cache.Cache
	namespaces *namespace.Manager
	configs    *configstore.Manager
	discovery  *discovery.Manager

	// kv is the small replicated key/value map used for cluster
	// metadata such as each node's HTTP address.
	kvMu sync.RWMutex
	kv   map[string]string
}

// NewFSM creates the state machine over its subsystems.
func NewFSM(store storage.Store, c *cache.Cache, ns *namespace.Manager,
	cfg *configstore.Manager, disc *discovery.Manager) *FSM {
	return &FSM{
		store:      store,
		cache:      c,
		namespaces: ns,
		configs:    cfg,
		discovery:  disc,
		kv:         make(map[string]string),
	}
}

// Apply applies a committed log entry. The returned value surfaces as
// the apply future's response on the proposing node.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd types.Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case types.OpSet:
		var req types.SetKV
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		f.kvMu.Lock()
		f.kv[req.Key] = req.Value
		f.kvMu.Unlock()
		return nil

	case types.OpDelete:
		var req types.DeleteKV
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		f.kvMu.Lock()
		delete(f.kv, req.Key)
		f.kvMu.Unlock()
		return nil

	case types.OpSetConfig, types.OpUpdateConfig:
		return f.configs.ApplyWrite(cmd.Data)
	case types.OpDeleteConfig:
		return f.configs.ApplyDelete(cmd.Data)

	case types.OpUpsertNamespace:
		return f.namespaces.ApplyUpsert(cmd.Data)
	case types.OpDeleteNamespace:
		return f.namespaces.ApplyDelete(cmd.Data)

	case types.OpRegisterService:
		return f.discovery.ApplyRegisterService(cmd.Data)
	case types.OpDeregisterService:
		return f.discovery.ApplyDeregisterService(cmd.Data)
	case types.OpRegisterInstance:
		return f.discovery.ApplyRegisterInstance(cmd.Data)
	case types.OpDeregisterInstance:
		return f.discovery.ApplyDeregisterInstance(cmd.Data)
	case types.OpHeartbeat:
		return f.discovery.ApplyHeartbeat(cmd.Data)

	case types.OpCacheWrite:
		var req types.CacheWrite
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		return f.cache.SetRaw(req.Key, req.Value, req.TTL)

	default:
		return fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

// GetKV reads a replicated KV entry on this node.
func (f *FSM) GetKV(key string) (string, bool) {
	f.kvMu.RLock()
	defer f.kvMu.RUnlock()
	v, ok := f.kv[key]
	return v, ok
}

// KVSnapshot returns a copy of the replicated KV map.
func (f *FSM) KVSnapshot() map[string]string {
	f.kvMu.RLock()
	defer f.kvMu.RUnlock()
	out := make(map[string]string, len(f.kv))
	for k, v := range f.kv {
		out[k] = v
	}
	return out
}

// fsmSnapshot is a point-in-time copy of the durable tables and the KV
// map.
type fsmSnapshot struct {
	State *storage.StateDump `json:"state"`
	KV    map[string]string  `json:"kv"`
}

// Snapshot captures the current state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dump, err := f.store.DumpState()
	if err != nil {
		return nil, fmt.Errorf("failed to dump state: %w", err)
	}
	return &fsmSnapshot{State: dump, KV: f.KVSnapshot()}, nil
}

// Restore replaces all state with a snapshot. In-memory instance state
// is dropped; instances re-announce themselves through heartbeats.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if snap.State == nil {
		snap.State = &storage.StateDump{}
	}
	if err := f.store.RestoreState(snap.State); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	f.kvMu.Lock()
	f.kv = snap.KV
	if f.kv == nil {
		f.kv = make(map[string]string)
	}
	f.kvMu.Unlock()

	f.namespaces.InvalidateAll()
	f.discovery.Reset()
	return nil
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
