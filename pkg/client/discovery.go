package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/xgpxg/conreg/pkg/types"
)

const (
	// heartbeatInterval keeps registered instances inside the server's
	// liveness window.
	heartbeatInterval = 5 * time.Second
	// instanceSyncInterval refreshes the cached instance lists of every
	// service the application has looked up.
	instanceSyncInterval = 30 * time.Second
)

// DiscoveryClient registers the application as a service instance,
// keeps it alive with heartbeats, and resolves other services with a
// locally cached instance list.
type DiscoveryClient struct {
	cfg        *DiscoveryConfig
	serviceID  string
	ip         string
	port       int
	instanceID string
	net        *transport
	lg         loopLogger
	syncEvery  time.Duration

	mu       sync.RWMutex
	known    map[string][]*types.ServiceInstance
	balancer *balancer
}

// NewDiscoveryClient builds a client from the bootstrap config.
func NewDiscoveryClient(cfg *Config) (*DiscoveryClient, error) {
	if cfg == nil || cfg.Discovery == nil {
		return nil, fmt.Errorf("discovery section is not set")
	}
	if cfg.ServiceID == "" {
		return nil, fmt.Errorf("service-id is not set")
	}
	return &DiscoveryClient{
		cfg:        cfg.Discovery,
		serviceID:  cfg.ServiceID,
		ip:         cfg.Client.Address,
		port:       cfg.Client.Port,
		instanceID: types.InstanceID(cfg.Client.Address, cfg.Client.Port),
		net:        newTransport(cfg.Discovery.ServerAddr, cfg.Discovery.AuthToken),
		lg:         componentLogger{component: "discovery-client"},
		syncEvery:  instanceSyncInterval,
		known:      map[string][]*types.ServiceInstance{},
		balancer:   newBalancer(),
	}, nil
}

// Start registers the instance and launches the heartbeat and instance
// sync loops.
func (d *DiscoveryClient) Start(ctx context.Context) error {
	if err := d.Register(); err != nil {
		return err
	}
	go d.heartbeatLoop(ctx)
	go d.syncLoop(ctx)
	return nil
}

// Register announces this instance to the cluster. Registration is
// idempotent, so it doubles as recovery after the server forgot us.
func (d *DiscoveryClient) Register() error {
	body := map[string]any{
		"namespace_id": d.cfg.Namespace,
		"service_id":   d.serviceID,
		"ip":           d.ip,
		"port":         d.port,
		"meta":         d.cfg.Meta,
	}
	var inst types.ServiceInstance
	if err := d.net.postJSON("/api/discovery/instance/register", body, &inst); err != nil {
		return fmt.Errorf("instance registration failed: %w", err)
	}
	if inst.ID != "" {
		d.instanceID = inst.ID
	}
	return nil
}

// Deregister removes this instance from the cluster.
func (d *DiscoveryClient) Deregister() error {
	body := map[string]any{
		"namespace_id": d.cfg.Namespace,
		"service_id":   d.serviceID,
		"instance_id":  d.instanceID,
	}
	return d.net.postJSON("/api/discovery/instance/deregister", body, nil)
}

// GetInstances returns the available instances of a service, serving
// from the local cache when the service has been resolved before.
func (d *DiscoveryClient) GetInstances(serviceID string) ([]*types.ServiceInstance, error) {
	d.mu.RLock()
	cached, ok := d.known[serviceID]
	d.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return d.fetchInstances(serviceID)
}

// PickInstance resolves a service and selects one instance with the
// given strategy.
func (d *DiscoveryClient) PickInstance(serviceID string, strategy Strategy) (*types.ServiceInstance, error) {
	instances, err := d.GetInstances(serviceID)
	if err != nil {
		return nil, err
	}
	inst := d.balancer.Pick(serviceID, instances, strategy)
	if inst == nil {
		return nil, fmt.Errorf("no available instance for service %s", serviceID)
	}
	return inst, nil
}

func (d *DiscoveryClient) fetchInstances(serviceID string) ([]*types.ServiceInstance, error) {
	query := url.Values{}
	query.Set("namespace_id", d.cfg.Namespace)
	query.Set("service_id", serviceID)
	var list []*types.ServiceInstance
	if err := d.net.getJSON("/api/discovery/instance/available", query, &list); err != nil {
		return nil, fmt.Errorf("failed to resolve service %s: %w", serviceID, err)
	}
	d.mu.Lock()
	d.known[serviceID] = list
	d.mu.Unlock()
	return list, nil
}

// heartbeatLoop keeps the registration alive. When the server answers
// NoInstanceFound the instance re-registers on the spot.
func (d *DiscoveryClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := d.heartbeat()
			if err != nil {
				d.lg.Printf("heartbeat failed: %v", err)
				continue
			}
			if result == types.HeartbeatNoInstanceFound {
				d.lg.Printf("server lost this instance, re-registering")
				if err := d.Register(); err != nil {
					d.lg.Printf("re-registration failed: %v", err)
				}
			}
		}
	}
}

func (d *DiscoveryClient) heartbeat() (types.HeartbeatResult, error) {
	body := map[string]any{
		"namespace_id": d.cfg.Namespace,
		"service_id":   d.serviceID,
		"instance_id":  d.instanceID,
	}
	var result types.HeartbeatResult
	if err := d.net.postJSON("/api/discovery/heartbeat", body, &result); err != nil {
		return types.HeartbeatUnknown, err
	}
	return result, nil
}

// syncLoop refreshes the cached instance list of every service that
// has been resolved at least once.
func (d *DiscoveryClient) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(d.syncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.RLock()
			ids := make([]string, 0, len(d.known))
			for id := range d.known {
				ids = append(ids, id)
			}
			d.mu.RUnlock()
			for _, id := range ids {
				if _, err := d.fetchInstances(id); err != nil {
					d.lg.Printf("instance sync for %s failed: %v", id, err)
				}
			}
		}
	}
}
