package client

import (
	"math/rand"
	"sync"

	"github.com/xgpxg/conreg/pkg/types"
)

// Strategy selects how PickInstance spreads calls across instances.
type Strategy string

const (
	// RoundRobin cycles through instances in order.
	RoundRobin Strategy = "round_robin"
	// Random picks uniformly.
	Random Strategy = "random"
	// Weighted cycles proportionally to instance weight.
	Weighted Strategy = "weighted"
	// WeightedRandom picks randomly proportionally to instance weight.
	WeightedRandom Strategy = "weighted_random"
)

// balancer keeps per-service selection state for the stateful
// strategies.
type balancer struct {
	mu      sync.Mutex
	cursors map[string]int
	current map[string]map[string]int
}

func newBalancer() *balancer {
	return &balancer{
		cursors: map[string]int{},
		current: map[string]map[string]int{},
	}
}

// Pick returns one instance or nil when the list is empty.
func (b *balancer) Pick(serviceID string, instances []*types.ServiceInstance, strategy Strategy) *types.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}
	switch strategy {
	case Random:
		return instances[rand.Intn(len(instances))]
	case Weighted:
		return b.smoothWeighted(serviceID, instances)
	case WeightedRandom:
		return weightedRandom(instances)
	default:
		return b.roundRobin(serviceID, instances)
	}
}

func (b *balancer) roundRobin(serviceID string, instances []*types.ServiceInstance) *types.ServiceInstance {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.cursors[serviceID] % len(instances)
	b.cursors[serviceID]++
	return instances[i]
}

// smoothWeighted implements smooth weighted round robin: each pick
// advances every instance by its weight and drains the winner by the
// total, spreading heavy instances instead of bursting them.
func (b *balancer) smoothWeighted(serviceID string, instances []*types.ServiceInstance) *types.ServiceInstance {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.current[serviceID]
	if state == nil {
		state = map[string]int{}
		b.current[serviceID] = state
	}
	total := 0
	var best *types.ServiceInstance
	for _, inst := range instances {
		w := int(inst.Weight())
		total += w
		state[inst.ID] += w
		if best == nil || state[inst.ID] > state[best.ID] {
			best = inst
		}
	}
	state[best.ID] -= total
	return best
}

func weightedRandom(instances []*types.ServiceInstance) *types.ServiceInstance {
	total := 0
	for _, inst := range instances {
		total += int(inst.Weight())
	}
	n := rand.Intn(total)
	for _, inst := range instances {
		w := int(inst.Weight())
		if n < w {
			return inst
		}
		n -= w
	}
	return instances[len(instances)-1]
}
