package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xgpxg/conreg/pkg/types"
)

func testInstances(weights map[string]string) []*types.ServiceInstance {
	out := []*types.ServiceInstance{
		types.NewServiceInstance("svc", "10.0.0.1", 80, map[string]string{"weight": weights["a"]}),
		types.NewServiceInstance("svc", "10.0.0.2", 80, map[string]string{"weight": weights["b"]}),
		types.NewServiceInstance("svc", "10.0.0.3", 80, map[string]string{"weight": weights["c"]}),
	}
	return out
}

// TestRoundRobin tests that instances are cycled in order per service.
func TestRoundRobin(t *testing.T) {
	b := newBalancer()
	instances := testInstances(map[string]string{})

	var picked []string
	for i := 0; i < 6; i++ {
		picked = append(picked, b.Pick("svc", instances, RoundRobin).IP)
	}
	require.Equal(t, []string{
		"10.0.0.1", "10.0.0.2", "10.0.0.3",
		"10.0.0.1", "10.0.0.2", "10.0.0.3",
	}, picked)

	// Cursors are tracked per service id.
	require.Equal(t, "10.0.0.1", b.Pick("other", instances, RoundRobin).IP)
}

// TestSmoothWeighted tests the pick distribution over one full cycle.
func TestSmoothWeighted(t *testing.T) {
	b := newBalancer()
	instances := testInstances(map[string]string{"a": "3", "b": "1", "c": "1"})

	counts := map[string]int{}
	for i := 0; i < 5; i++ {
		counts[b.Pick("svc", instances, Weighted).IP]++
	}
	require.Equal(t, 3, counts["10.0.0.1"])
	require.Equal(t, 1, counts["10.0.0.2"])
	require.Equal(t, 1, counts["10.0.0.3"])
}

// TestWeightedRandom tests that zero-weight metadata falls back to one
// and that picks stay inside the instance set.
func TestWeightedRandom(t *testing.T) {
	b := newBalancer()
	instances := testInstances(map[string]string{"a": "0", "b": "not-a-number"})

	for i := 0; i < 50; i++ {
		inst := b.Pick("svc", instances, WeightedRandom)
		require.NotNil(t, inst)
	}
}

// TestPickEmpty tests that an empty instance list yields nil.
func TestPickEmpty(t *testing.T) {
	b := newBalancer()
	require.Nil(t, b.Pick("svc", nil, RoundRobin))
	require.Nil(t, b.Pick("svc", nil, Weighted))
}
