// Package discovery implements the service registry: durable service
// definitions with ephemeral, heartbeat-tracked instances.
//
// Instance lifecycle:
//
//	register ──▶ Ready ──heartbeat──▶ Up
//	               │                   │ miss
//	               │                   ▼
//	               │                 Sick(n) ──n≥3──▶ Down ──cleanup──▶ gone
//	               │                   │ heartbeat
//	               └──────◀────────────┘
//
// Offline is entered and left only by admin action and is never touched
// by the timers. Only Up instances are handed to callers asking for
// available instances.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/metrics"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

const (
	// HeartbeatCheckInterval is how often instances are checked for
	// missed heartbeats.
	HeartbeatCheckInterval = 6 * time.Second
	// HeartbeatTimeout is how stale a heartbeat may be before it counts
	// as missed.
	HeartbeatTimeout = 5 * time.Second
	// MaxLostHeartbeats is how many consecutive misses turn an instance
	// Down.
	MaxLostHeartbeats = 3
	// CleanupInterval is how often Down instances are removed.
	CleanupInterval = 10 * time.Second
)

// CommandWriter replicates a command through the cluster and returns
// once it is committed and applied.
type CommandWriter interface {
	WriteCommand(cmd types.Command) error
}

// NamespaceChecker answers whether a namespace exists durably.
type NamespaceChecker interface {
	Exists(id string) bool
}

// ServiceSummary is a service row together with its live instance
// count.
type ServiceSummary struct {
	*types.Service
	InstanceCount int `json:"instance_count"`
}

// Manager owns one engine per namespace, created lazily on first use
// after the namespace is confirmed to exist.
type Manager struct {
	store      storage.Store
	namespaces NamespaceChecker
	writer     CommandWriter

	mu      sync.RWMutex
	engines map[string]*engine
}

// NewManager builds the manager. The command writer is attached later,
// once the raft node exists.
func NewManager(store storage.Store, namespaces NamespaceChecker) *Manager {
	return &Manager{
		store:      store,
		namespaces: namespaces,
		engines:    make(map[string]*engine),
	}
}

// SetCommandWriter wires the replication path in.
func (m *Manager) SetCommandWriter(w CommandWriter) {
	m.writer = w
}

// Start runs the heartbeat check and cleanup timers until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	check := time.NewTicker(HeartbeatCheckInterval)
	clean := time.NewTicker(CleanupInterval)
	defer check.Stop()
	defer clean.Stop()

	for {
		select {
		case <-check.C:
			now := time.Now()
			for _, e := range m.allEngines() {
				e.checkHeartbeats(now, HeartbeatTimeout, MaxLostHeartbeats)
			}
			m.updateInstanceGauges()
		case <-clean.C:
			for _, e := range m.allEngines() {
				if removed := e.cleanup(); removed > 0 {
					logger := log.WithNamespace(e.namespaceID)
					logger.Info().
						Int("removed", removed).
						Msg("down instances cleaned up")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) updateInstanceGauges() {
	counts := make(map[types.InstanceStatus]int)
	for _, e := range m.allEngines() {
		e.mu.RLock()
		for _, byID := range e.instances {
			for _, inst := range byID {
				counts[inst.Status]++
			}
		}
		e.mu.RUnlock()
	}
	for _, status := range []types.InstanceStatus{
		types.InstanceReady, types.InstanceUp, types.InstanceSick,
		types.InstanceDown, types.InstanceOffline,
	} {
		metrics.InstancesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (m *Manager) allEngines() []*engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e)
	}
	return out
}

// engineFor returns the namespace's engine, creating it on first use.
// The namespace must exist durably.
func (m *Manager) engineFor(namespaceID string) (*engine, error) {
	m.mu.RLock()
	e, ok := m.engines[namespaceID]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	if !m.namespaces.Exists(namespaceID) {
		return nil, fmt.Errorf("namespace %s not found", namespaceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[namespaceID]; ok {
		return e, nil
	}
	e = newEngine(namespaceID)
	m.engines[namespaceID] = e
	return e, nil
}

// RegisterService creates or updates a durable service row through
// replication.
func (m *Manager) RegisterService(namespaceID, serviceID string, meta map[string]string) error {
	if serviceID == "" {
		return errors.New("service id is required")
	}
	if _, err := m.engineFor(namespaceID); err != nil {
		return err
	}

	now := time.Now()
	svc := &types.Service{
		NamespaceID: namespaceID,
		ServiceID:   serviceID,
		Meta:        meta,
		CreateTime:  now,
		UpdateTime:  now,
	}
	if existing, err := m.store.GetService(namespaceID, serviceID); err == nil {
		svc.CreateTime = existing.CreateTime
	}

	cmd, err := types.NewCommand(types.OpRegisterService, svc)
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// DeregisterService removes a service and all its instances through
// replication.
func (m *Manager) DeregisterService(namespaceID, serviceID string) error {
	if _, err := m.store.GetService(namespaceID, serviceID); err != nil {
		return fmt.Errorf("service %s not found in namespace %s", serviceID, namespaceID)
	}
	cmd, err := types.NewCommand(types.OpDeregisterService, types.DeregisterService{
		NamespaceID: namespaceID,
		ServiceID:   serviceID,
	})
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// ListServices returns one page of services with live instance counts.
func (m *Manager) ListServices(namespaceID string, pageNum, pageSize int) (int64, []*ServiceSummary, error) {
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	total, services, err := m.store.ListServices(namespaceID, (pageNum-1)*pageSize, pageSize)
	if err != nil {
		return 0, nil, err
	}

	m.mu.RLock()
	e := m.engines[namespaceID]
	m.mu.RUnlock()

	out := make([]*ServiceSummary, 0, len(services))
	for _, svc := range services {
		count := 0
		if e != nil {
			count = e.instanceCount(svc.ServiceID)
		}
		out = append(out, &ServiceSummary{Service: svc, InstanceCount: count})
	}
	return total, out, nil
}

// RegisterInstance announces an instance through replication. The
// service row is created implicitly when missing. The instance starts
// Ready and turns Up on its first heartbeat.
func (m *Manager) RegisterInstance(namespaceID, serviceID, ip string, port int, meta map[string]string) (*types.ServiceInstance, error) {
	if serviceID == "" || ip == "" || port <= 0 {
		return nil, errors.New("service id, ip and port are required")
	}
	if _, err := m.engineFor(namespaceID); err != nil {
		return nil, err
	}

	if _, err := m.store.GetService(namespaceID, serviceID); errors.Is(err, storage.ErrNotFound) {
		if err := m.RegisterService(namespaceID, serviceID, nil); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	inst := types.NewServiceInstance(serviceID, ip, port, meta)
	cmd, err := types.NewCommand(types.OpRegisterInstance, types.RegisterInstance{
		NamespaceID: namespaceID,
		Instance:    *inst,
	})
	if err != nil {
		return nil, err
	}
	if err := m.writer.WriteCommand(cmd); err != nil {
		return nil, err
	}
	return inst, nil
}

// DeregisterInstance removes an instance through replication.
func (m *Manager) DeregisterInstance(namespaceID, serviceID, instanceID string) error {
	if _, err := m.engineFor(namespaceID); err != nil {
		return err
	}
	cmd, err := types.NewCommand(types.OpDeregisterInstance, types.DeregisterInstance{
		NamespaceID: namespaceID,
		ServiceID:   serviceID,
		InstanceID:  instanceID,
	})
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// Heartbeat refreshes an instance's liveness. An unknown instance gets
// NoInstanceFound without touching the cluster, telling the client to
// re-register.
func (m *Manager) Heartbeat(namespaceID, serviceID, instanceID string) (types.HeartbeatResult, error) {
	e, err := m.engineFor(namespaceID)
	if err != nil {
		return types.HeartbeatUnknown, err
	}

	e.mu.RLock()
	_, known := e.instances[serviceID][instanceID]
	e.mu.RUnlock()
	if !known {
		return types.HeartbeatNoInstanceFound, nil
	}

	cmd, err := types.NewCommand(types.OpHeartbeat, types.Heartbeat{
		NamespaceID: namespaceID,
		ServiceID:   serviceID,
		InstanceID:  instanceID,
	})
	if err != nil {
		return types.HeartbeatUnknown, err
	}
	if err := m.writer.WriteCommand(cmd); err != nil {
		return types.HeartbeatUnknown, err
	}
	metrics.HeartbeatsTotal.Inc()
	return types.HeartbeatOk, nil
}

// GetInstances returns every instance of a service, in any state.
func (m *Manager) GetInstances(namespaceID, serviceID string) ([]*types.ServiceInstance, error) {
	e, err := m.engineFor(namespaceID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(serviceID), nil
}

// GetAvailableInstances returns only the instances a client may call.
func (m *Manager) GetAvailableInstances(namespaceID, serviceID string) ([]*types.ServiceInstance, error) {
	e, err := m.engineFor(namespaceID)
	if err != nil {
		return nil, err
	}
	return e.available(serviceID), nil
}

// SetInstanceOffline takes an instance out of rotation until an admin
// brings it back.
func (m *Manager) SetInstanceOffline(namespaceID, serviceID, instanceID string) error {
	return m.setStatus(namespaceID, serviceID, instanceID, types.InstanceOffline)
}

// SetInstanceOnline returns an admin-offlined instance to Ready; its
// next heartbeat makes it Up.
func (m *Manager) SetInstanceOnline(namespaceID, serviceID, instanceID string) error {
	return m.setStatus(namespaceID, serviceID, instanceID, types.InstanceReady)
}

func (m *Manager) setStatus(namespaceID, serviceID, instanceID string, status types.InstanceStatus) error {
	e, err := m.engineFor(namespaceID)
	if err != nil {
		return err
	}

	e.mu.RLock()
	inst, ok := e.instances[serviceID][instanceID]
	var copied types.ServiceInstance
	if ok {
		copied = *inst
	}
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}

	copied.Status = status
	cmd, err := types.NewCommand(types.OpRegisterInstance, types.RegisterInstance{
		NamespaceID: namespaceID,
		Instance:    copied,
	})
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// Apply handlers, called on every node by the state machine.

// ApplyRegisterService persists a replicated service row.
func (m *Manager) ApplyRegisterService(data json.RawMessage) error {
	var svc types.Service
	if err := json.Unmarshal(data, &svc); err != nil {
		return err
	}
	return m.store.PutService(&svc)
}

// ApplyDeregisterService removes a service row and its instances.
func (m *Manager) ApplyDeregisterService(data json.RawMessage) error {
	var req types.DeregisterService
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if err := m.store.DeleteService(req.NamespaceID, req.ServiceID); err != nil {
		return err
	}
	if e := m.peekEngine(req.NamespaceID); e != nil {
		e.removeService(req.ServiceID)
	}
	return nil
}

// ApplyRegisterInstance inserts or replaces an instance in memory.
func (m *Manager) ApplyRegisterInstance(data json.RawMessage) error {
	var req types.RegisterInstance
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	e := m.applyEngine(req.NamespaceID)
	inst := req.Instance
	e.upsertInstance(&inst)
	return nil
}

// ApplyDeregisterInstance removes an instance from memory.
func (m *Manager) ApplyDeregisterInstance(data json.RawMessage) error {
	var req types.DeregisterInstance
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if e := m.peekEngine(req.NamespaceID); e != nil {
		e.removeInstance(req.ServiceID, req.InstanceID)
	}
	return nil
}

// ApplyHeartbeat refreshes an instance's liveness on this node. A
// heartbeat for an instance this node no longer knows is not an error;
// the client will be told to re-register by whichever node it talks to.
func (m *Manager) ApplyHeartbeat(data json.RawMessage) error {
	var req types.Heartbeat
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if e := m.peekEngine(req.NamespaceID); e != nil {
		e.heartbeat(req.ServiceID, req.InstanceID)
	}
	return nil
}

// Reset drops all in-memory instance state. Used after a snapshot
// restore; instances are re-learned from heartbeats.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.engines = make(map[string]*engine)
	m.mu.Unlock()
}

// peekEngine returns an existing engine without creating one.
func (m *Manager) peekEngine(namespaceID string) *engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[namespaceID]
}

// applyEngine returns the namespace's engine for the apply path,
// creating it without a durable check: the originating node already
// validated the namespace before replicating.
func (m *Manager) applyEngine(namespaceID string) *engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[namespaceID]
	if !ok {
		e = newEngine(namespaceID)
		m.engines[namespaceID] = e
	}
	return e
}
