// Package namespace manages namespaces: the isolation unit every config
// and service lives under. Reads go through a node-local cache over the
// durable store; writes are replicated as commands and applied by every
// node, which then invalidates its cache.
package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

// ErrAuthFailed is returned when a namespace requires a token and the
// caller's token does not match.
var ErrAuthFailed = errors.New("namespace authentication failed")

// CommandWriter replicates a command through the cluster and returns
// once it is committed and applied.
type CommandWriter interface {
	WriteCommand(cmd types.Command) error
}

// Manager serves namespace reads and coordinates replicated writes.
type Manager struct {
	store  storage.Store
	writer CommandWriter

	mu    sync.RWMutex
	cache map[string]*types.Namespace
}

// NewManager builds the manager. The command writer is attached later,
// once the raft node exists.
func NewManager(store storage.Store) *Manager {
	return &Manager{
		store: store,
		cache: make(map[string]*types.Namespace),
	}
}

// SetCommandWriter wires the replication path in.
func (m *Manager) SetCommandWriter(w CommandWriter) {
	m.writer = w
}

// EnsureDefault seeds the reserved default namespace in the local store.
// Every node does this at startup, so the row is identical everywhere
// without replication.
func (m *Manager) EnsureDefault() error {
	_, err := m.store.GetNamespace(types.DefaultNamespace)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	now := time.Now()
	return m.store.PutNamespace(&types.Namespace{
		ID:         types.DefaultNamespace,
		Name:       types.DefaultNamespace,
		CreateTime: now,
		UpdateTime: now,
	})
}

// Get returns the namespace, reading through the cache.
func (m *Manager) Get(id string) (*types.Namespace, error) {
	m.mu.RLock()
	ns, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return ns, nil
	}

	ns, err := m.store.GetNamespace(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[id] = ns
	m.mu.Unlock()
	return ns, nil
}

// Exists reports whether the namespace is present in the durable store.
func (m *Manager) Exists(id string) bool {
	_, err := m.Get(id)
	return err == nil
}

// Auth checks a caller's token against the namespace. Namespaces
// without auth enabled accept any token.
func (m *Manager) Auth(id, token string) error {
	ns, err := m.Get(id)
	if err != nil {
		return fmt.Errorf("namespace %s not found", id)
	}
	if !ns.IsAuth {
		return nil
	}
	if token == "" || token != ns.AuthToken {
		return ErrAuthFailed
	}
	return nil
}

// List returns one page of namespaces with the total count.
func (m *Manager) List(pageNum, pageSize int) (int64, []*types.Namespace, error) {
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	return m.store.ListNamespaces((pageNum-1)*pageSize, pageSize)
}

// UpsertAndSync creates or updates a namespace through replication.
// Timestamps are fixed here, on the originating node, so every replica
// persists identical rows.
func (m *Manager) UpsertAndSync(ns *types.Namespace) error {
	if ns.ID == "" {
		return errors.New("namespace id is required")
	}
	now := time.Now()
	ns.UpdateTime = now
	ns.CreateTime = now
	if existing, err := m.store.GetNamespace(ns.ID); err == nil {
		ns.CreateTime = existing.CreateTime
	}
	if ns.Name == "" {
		ns.Name = ns.ID
	}

	cmd, err := types.NewCommand(types.OpUpsertNamespace, ns)
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// DeleteAndSync removes a namespace and everything under it through
// replication. The default namespace can never be deleted.
func (m *Manager) DeleteAndSync(id string) error {
	if id == types.DefaultNamespace {
		return fmt.Errorf("namespace %s is reserved and cannot be deleted", id)
	}
	if _, err := m.store.GetNamespace(id); err != nil {
		return fmt.Errorf("namespace %s not found", id)
	}

	cmd, err := types.NewCommand(types.OpDeleteNamespace, types.DeleteNamespace{ID: id})
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// ApplyUpsert persists a replicated namespace row. Called on every node
// by the state machine.
func (m *Manager) ApplyUpsert(data json.RawMessage) error {
	var ns types.Namespace
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	if err := m.store.PutNamespace(&ns); err != nil {
		return err
	}
	m.invalidate(ns.ID)
	return nil
}

// ApplyDelete removes a replicated namespace row and cascades to its
// configs, histories and services.
func (m *Manager) ApplyDelete(data json.RawMessage) error {
	var req types.DeleteNamespace
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	// The reserved namespace is guarded here too, so a hand-crafted
	// command cannot delete it on the replicas.
	if req.ID == types.DefaultNamespace {
		return fmt.Errorf("namespace %s is reserved and cannot be deleted", req.ID)
	}
	if err := m.store.DeleteConfigsInNamespace(req.ID); err != nil {
		return err
	}
	if err := m.store.DeleteHistoryInNamespace(req.ID); err != nil {
		return err
	}
	if err := m.deleteServices(req.ID); err != nil {
		return err
	}
	if err := m.store.DeleteNamespace(req.ID); err != nil {
		return err
	}
	m.invalidate(req.ID)
	logger := log.WithNamespace(req.ID)
	logger.Info().Msg("namespace deleted")
	return nil
}

func (m *Manager) deleteServices(namespaceID string) error {
	_, services, err := m.store.ListServices(namespaceID, 0, -1)
	if err != nil {
		return err
	}
	for _, svc := range services {
		if err := m.store.DeleteService(namespaceID, svc.ServiceID); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateAll drops the whole read cache. Used after a snapshot
// restore replaces the store wholesale.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	m.cache = make(map[string]*types.Namespace)
	m.mu.Unlock()
}

func (m *Manager) invalidate(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}
