package discovery

import (
	"sync"
	"time"

	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/types"
)

// engine holds the in-memory instance state for one namespace. Durable
// service rows live in the store; instances exist only here and are
// re-learned from registrations and heartbeats after a restart.
type engine struct {
	namespaceID string

	mu sync.RWMutex
	// instances by service id, then instance id.
	instances map[string]map[string]*types.ServiceInstance
}

func newEngine(namespaceID string) *engine {
	return &engine{
		namespaceID: namespaceID,
		instances:   make(map[string]map[string]*types.ServiceInstance),
	}
}

// upsertInstance inserts or replaces an instance, restarting its
// heartbeat clock.
func (e *engine) upsertInstance(inst *types.ServiceInstance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID, ok := e.instances[inst.ServiceID]
	if !ok {
		byID = make(map[string]*types.ServiceInstance)
		e.instances[inst.ServiceID] = byID
	}
	inst.LastHeartbeat = time.Now()
	inst.LostHeartbeats = 0
	byID[inst.ID] = inst
}

// removeInstance deletes one instance; it reports whether it existed.
func (e *engine) removeInstance(serviceID, instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID, ok := e.instances[serviceID]
	if !ok {
		return false
	}
	if _, ok := byID[instanceID]; !ok {
		return false
	}
	delete(byID, instanceID)
	if len(byID) == 0 {
		delete(e.instances, serviceID)
	}
	return true
}

// removeService drops every instance of a service.
func (e *engine) removeService(serviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, serviceID)
}

// heartbeat refreshes an instance's liveness, moving it to Up. It
// reports whether the instance was known; an unknown instance tells the
// client to re-register. Offline instances acknowledge heartbeats but
// stay Offline until an admin brings them back.
func (e *engine) heartbeat(serviceID, instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[serviceID][instanceID]
	if !ok {
		return false
	}
	inst.LastHeartbeat = time.Now()
	inst.LostHeartbeats = 0
	if inst.Status != types.InstanceOffline {
		inst.Status = types.InstanceUp
	}
	return true
}

// setStatus applies an admin status change.
func (e *engine) setStatus(serviceID, instanceID string, status types.InstanceStatus) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[serviceID][instanceID]
	if !ok {
		return false
	}
	inst.Status = status
	inst.LastHeartbeat = time.Now()
	inst.LostHeartbeats = 0
	return true
}

// snapshot returns copies of every instance of a service.
func (e *engine) snapshot(serviceID string) []*types.ServiceInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byID := e.instances[serviceID]
	out := make([]*types.ServiceInstance, 0, len(byID))
	for _, inst := range byID {
		copied := *inst
		out = append(out, &copied)
	}
	return out
}

// available returns copies of the instances a client may call.
func (e *engine) available(serviceID string) []*types.ServiceInstance {
	all := e.snapshot(serviceID)
	out := all[:0]
	for _, inst := range all {
		if inst.Available() {
			out = append(out, inst)
		}
	}
	return out
}

// instanceCount returns how many instances a service has in any state.
func (e *engine) instanceCount(serviceID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances[serviceID])
}

// checkHeartbeats walks every instance and applies the miss rules:
// an instance past the heartbeat timeout loses one beat and turns Sick,
// and after enough consecutive misses turns Down. Offline instances are
// exempt.
func (e *engine) checkHeartbeats(now time.Time, timeout time.Duration, maxLost int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := log.WithNamespace(e.namespaceID)
	for serviceID, byID := range e.instances {
		for _, inst := range byID {
			if inst.Status == types.InstanceOffline || inst.Status == types.InstanceDown {
				continue
			}
			if now.Sub(inst.LastHeartbeat) <= timeout {
				continue
			}
			// Down only on the tick after the miss limit is reached, so
			// Sick(maxLost) is an observable state.
			if inst.LostHeartbeats >= maxLost {
				inst.Status = types.InstanceDown
				logger.Warn().
					Str("service_id", serviceID).
					Str("instance_id", inst.ID).
					Msg("instance down, heartbeats lost")
				continue
			}
			inst.LostHeartbeats++
			inst.LastHeartbeat = now
			inst.Status = types.InstanceSick
			logger.Debug().
				Str("service_id", serviceID).
				Str("instance_id", inst.ID).
				Int("lost", inst.LostHeartbeats).
				Msg("instance sick, heartbeat missed")
		}
	}
}

// cleanup removes every Down instance.
func (e *engine) cleanup() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for serviceID, byID := range e.instances {
		for id, inst := range byID {
			if inst.Status == types.InstanceDown {
				delete(byID, id)
				removed++
			}
		}
		if len(byID) == 0 {
			delete(e.instances, serviceID)
		}
	}
	return removed
}
