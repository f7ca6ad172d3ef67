// Package manager wires the cluster node together: the Raft instance
// over its BoltDB stores, the state machine, and the subsystem managers
// for namespaces, configs, discovery, the local cache and console
// users. Writes from any node funnel through WriteCommand, which
// applies locally on the leader and forwards to the leader otherwise.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/raft"
	"github.com/xgpxg/conreg/pkg/cache"
	"github.com/xgpxg/conreg/pkg/configstore"
	"github.com/xgpxg/conreg/pkg/discovery"
	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/metrics"
	"github.com/xgpxg/conreg/pkg/namespace"
	"github.com/xgpxg/conreg/pkg/raftstore"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/system"
	"github.com/xgpxg/conreg/pkg/types"
)

const applyTimeout = 5 * time.Second

// ErrNoLeader is returned when a write arrives while the cluster has
// no elected leader.
var ErrNoLeader = errors.New("cluster has no leader")

// ErrNotInitialized is returned for cluster operations before Initialize.
var ErrNotInitialized = errors.New("cluster not initialized")

// nodeHTTPKey is the replicated KV key carrying a node's HTTP address,
// used to forward writes to the leader.
func nodeHTTPKey(nodeID string) string {
	return "node_http:" + nodeID
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	HTTPAddr string
	RaftAddr string
	DataDir  string

	// EnableConfigCache turns on the node-local config read cache.
	EnableConfigCache bool
}

// Manager represents one cluster node.
type Manager struct {
	nodeID   string
	httpAddr string
	raftAddr string
	dataDir  string

	raft      *raft.Raft
	fsm       *FSM
	store     storage.Store
	cache     *cache.Cache
	logStore  *raftstore.LogStore
	snapStore *raftstore.SnapshotStore

	Namespaces *namespace.Manager
	Configs    *configstore.Manager
	Discovery  *discovery.Manager
	Users      *system.Manager

	cancel context.CancelFunc
}

// NewManager creates a node from its config: stores, cache and
// subsystem managers. Raft itself starts in Start.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	localCache, err := cache.New(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	var readCache *cache.Cache
	if cfg.EnableConfigCache {
		readCache = localCache
	}

	namespaces := namespace.NewManager(store)
	configs := configstore.NewManager(store, readCache)
	disc := discovery.NewManager(store, namespaces)
	users := system.NewManager(store, localCache)

	m := &Manager{
		nodeID:     cfg.NodeID,
		httpAddr:   cfg.HTTPAddr,
		raftAddr:   cfg.RaftAddr,
		dataDir:    cfg.DataDir,
		store:      store,
		cache:      localCache,
		Namespaces: namespaces,
		Configs:    configs,
		Discovery:  disc,
		Users:      users,
	}
	m.fsm = NewFSM(store, localCache, namespaces, configs, disc)

	namespaces.SetCommandWriter(m)
	configs.SetCommandWriter(m)
	disc.SetCommandWriter(m)
	users.SetCommandWriter(m)

	return m, nil
}

// Start brings up the Raft instance and the discovery timers. The node
// stays a follower with no peers until Initialize or until an existing
// leader adds it.
func (m *Manager) Start() error {
	if err := m.Namespaces.EnsureDefault(); err != nil {
		return err
	}
	if err := m.Users.EnsureDefaultUser(); err != nil {
		return err
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = log.Logger

	addr, err := net.ResolveTCPAddr("tcp", m.raftAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve raft address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.raftAddr, addr, 3, 10*time.Second, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	logStore, err := raftstore.NewLogStore(m.dataDir)
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	snapStore, err := raftstore.NewSnapshotStore(m.dataDir)
	if err != nil {
		logStore.Close()
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	m.logStore = logStore
	m.snapStore = snapStore

	r, err := raft.NewRaft(config, m.fsm, logStore, logStore, snapStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.Discovery.Start(ctx)
	go m.observeLeadership(ctx)
	go m.updateMetrics(ctx)

	log.Logger.Info().
		Str("node_id", m.nodeID).
		Str("raft_addr", m.raftAddr).
		Str("http_addr", m.httpAddr).
		Msg("node started")
	return nil
}

// observeLeadership publishes this node's HTTP address into the
// replicated KV whenever it becomes leader, so followers can resolve a
// forwarding target.
func (m *Manager) observeLeadership(ctx context.Context) {
	for {
		select {
		case isLeader := <-m.raft.LeaderCh():
			if !isLeader {
				continue
			}
			cmd, err := types.NewCommand(types.OpSet, types.SetKV{
				Key:   nodeHTTPKey(m.nodeID),
				Value: m.httpAddr,
			})
			if err == nil {
				err = m.applyLocal(cmd)
			}
			if err != nil {
				log.Logger.Error().Err(err).Msg("failed to publish leader http address")
			} else {
				log.Logger.Info().Str("node_id", m.nodeID).Msg("became leader")
			}
		case <-ctx.Done():
			return
		}
	}
}

// updateMetrics refreshes the raft gauges on a short interval.
func (m *Manager) updateMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.IsLeader() {
				metrics.RaftLeader.Set(1)
			} else {
				metrics.RaftLeader.Set(0)
			}
			metrics.RaftLogIndex.Set(float64(m.raft.LastIndex()))
			metrics.RaftAppliedIndex.Set(float64(m.raft.AppliedIndex()))
			if future := m.raft.GetConfiguration(); future.Error() == nil {
				metrics.RaftPeers.Set(float64(len(future.Configuration().Servers)))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Initialize bootstraps a brand new cluster with the given members,
// id to raft address. Exactly one node runs this, exactly once.
func (m *Manager) Initialize(servers map[string]string) error {
	if m.raft == nil {
		return ErrNotInitialized
	}
	configuration, err := m.initialMembership(servers)
	if err != nil {
		return err
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrCantBootstrap) {
			return errors.New("cluster is already initialized")
		}
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// initialMembership expands the requested voter set. An empty set
// means a single-node cluster of this node.
func (m *Manager) initialMembership(servers map[string]string) (raft.Configuration, error) {
	if len(servers) == 0 {
		servers = map[string]string{m.nodeID: m.raftAddr}
	}
	if _, ok := servers[m.nodeID]; !ok {
		return raft.Configuration{}, fmt.Errorf("initial membership must include this node (%s)", m.nodeID)
	}

	var configuration raft.Configuration
	for id, address := range servers {
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:      raft.ServerID(id),
			Address: raft.ServerAddress(address),
		})
	}
	return configuration, nil
}

// AddLearner adds a node as a non-voting member that receives the log
// but cannot win elections. Its HTTP address goes into the KV map so
// the node can be promoted and forwarded to later.
func (m *Manager) AddLearner(nodeID, raftAddr, httpAddr string) error {
	if err := m.leaderGuard(); err != nil {
		return err
	}
	future := m.raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add learner: %w", err)
	}
	return m.setKV(nodeHTTPKey(nodeID), httpAddr)
}

// Promote turns a learner into a voting member.
func (m *Manager) Promote(nodeID, raftAddr string) error {
	if err := m.leaderGuard(); err != nil {
		return err
	}
	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to promote node: %w", err)
	}
	return nil
}

// RemoveServer removes a member from the cluster.
func (m *Manager) RemoveServer(nodeID string) error {
	if err := m.leaderGuard(); err != nil {
		return err
	}
	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	cmd, err := types.NewCommand(types.OpDelete, types.DeleteKV{Key: nodeHTTPKey(nodeID)})
	if err != nil {
		return err
	}
	return m.applyLocal(cmd)
}

func (m *Manager) leaderGuard() error {
	if m.raft == nil {
		return ErrNotInitialized
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	return nil
}

// IsLeader reports whether this node is the current leader.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the raft address of the current leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// LeaderHTTPAddr resolves the leader's HTTP address from the KV map.
func (m *Manager) LeaderHTTPAddr() (string, error) {
	if m.raft == nil {
		return "", ErrNotInitialized
	}
	_, id := m.raft.LeaderWithID()
	if id == "" {
		return "", ErrNoLeader
	}
	addr, ok := m.fsm.GetKV(nodeHTTPKey(string(id)))
	if !ok {
		return "", fmt.Errorf("leader %s has not published an http address", id)
	}
	return addr, nil
}

// NodeID returns this node's id.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Cache exposes the node-local cache.
func (m *Manager) Cache() *cache.Cache {
	return m.cache
}

// Metrics returns raft and membership state for the metrics endpoint.
func (m *Manager) Metrics() (map[string]interface{}, error) {
	if m.raft == nil {
		return nil, ErrNotInitialized
	}

	stats := make(map[string]interface{})
	stats["node_id"] = m.nodeID
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	leaderAddr, leaderID := m.raft.LeaderWithID()
	stats["leader_id"] = string(leaderID)
	stats["leader_addr"] = string(leaderAddr)

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	var members []map[string]string
	for _, server := range future.Configuration().Servers {
		members = append(members, map[string]string{
			"id":       string(server.ID),
			"address":  string(server.Address),
			"suffrage": server.Suffrage.String(),
		})
	}
	stats["members"] = members
	return stats, nil
}

// RaftStats exposes the raw raft stats map.
func (m *Manager) RaftStats() map[string]string {
	if m.raft == nil {
		return nil
	}
	return m.raft.Stats()
}

// GetKV reads a replicated KV entry. With linearizable set, the read is
// fenced through the leader's log so it cannot observe stale state;
// otherwise it is a fast local read.
func (m *Manager) GetKV(key string, linearizable bool) (string, error) {
	if m.raft == nil {
		return "", ErrNotInitialized
	}
	if linearizable {
		if !m.IsLeader() {
			return m.forwardRead(key)
		}
		if err := m.raft.Barrier(applyTimeout).Error(); err != nil {
			return "", fmt.Errorf("read barrier failed: %w", err)
		}
	}
	value, ok := m.fsm.GetKV(key)
	if !ok {
		return "", storage.ErrNotFound
	}
	return value, nil
}

// SetKVAndSync replicates a KV write.
func (m *Manager) SetKVAndSync(key, value string) error {
	return m.setKV(key, value)
}

// DeleteKVAndSync replicates a KV delete.
func (m *Manager) DeleteKVAndSync(key string) error {
	cmd, err := types.NewCommand(types.OpDelete, types.DeleteKV{Key: key})
	if err != nil {
		return err
	}
	return m.WriteCommand(cmd)
}

func (m *Manager) setKV(key, value string) error {
	cmd, err := types.NewCommand(types.OpSet, types.SetKV{Key: key, Value: value})
	if err != nil {
		return err
	}
	return m.WriteCommand(cmd)
}

// WriteCommand replicates a command: applied locally when this node is
// the leader, otherwise forwarded to the leader over HTTP.
func (m *Manager) WriteCommand(cmd types.Command) error {
	if m.raft == nil {
		return ErrNotInitialized
	}
	if m.IsLeader() {
		return m.applyLocal(cmd)
	}
	return m.forwardWrite(cmd)
}

// ApplyOnLeader applies a command that already arrived at this node via
// forwarding. It refuses if leadership moved away in the meantime.
func (m *Manager) ApplyOnLeader(cmd types.Command) error {
	if m.raft == nil {
		return ErrNotInitialized
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	return m.applyLocal(cmd)
}

func (m *Manager) applyLocal(cmd types.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return ErrNoLeader
		}
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops raft and closes every store.
func (m *Manager) Shutdown() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if m.logStore != nil {
		m.logStore.Close()
	}
	if m.snapStore != nil {
		m.snapStore.Close()
	}
	m.cache.Close()
	return m.store.Close()
}
