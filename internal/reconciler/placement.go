// Package reconciler converges observed cluster state toward persisted
// volume specs: it creates missing replicas on selected pools, assembles the
// volume nexus, and swaps out faulted children.
package reconciler

import (
	"sort"

	"github.com/blockplane/blockplane/internal/registry"
	"github.com/blockplane/blockplane/internal/store"
)

// PlacementPolicy selects pools for new replicas of a volume
type PlacementPolicy interface {
	// SelectPools picks up to count pools from the candidates. Nodes in
	// exclude already host a replica of the volume and must not be chosen.
	SelectPools(candidates []registry.Pool, spec *store.VolumeSpec, exclude map[string]bool, count int) []registry.Pool
}

// CapacityPolicy places replicas on distinct nodes, preferring the spec's
// hinted nodes and then the pools with the most free capacity
type CapacityPolicy struct{}

// SelectPools implements PlacementPolicy
func (CapacityPolicy) SelectPools(candidates []registry.Pool, spec *store.VolumeSpec, exclude map[string]bool, count int) []registry.Pool {
	if count <= 0 {
		return nil
	}

	preferred := make(map[string]bool, len(spec.PreferNodes))
	for _, node := range spec.PreferNodes {
		preferred[node] = true
	}

	eligible := make([]registry.Pool, 0, len(candidates))
	for _, p := range candidates {
		if exclude[p.Node] {
			continue
		}
		if p.State != registry.PoolOnline {
			continue
		}
		if p.Free() < spec.Size {
			continue
		}
		eligible = append(eligible, p)
	}

	sort.Slice(eligible, func(i, j int) bool {
		pi, pj := preferred[eligible[i].Node], preferred[eligible[j].Node]
		if pi != pj {
			return pi
		}
		return eligible[i].Free() > eligible[j].Free()
	})

	// One pool per node so replicas never share a failure domain.
	taken := make(map[string]bool, count)
	var out []registry.Pool
	for _, p := range eligible {
		if taken[p.Node] {
			continue
		}
		taken[p.Node] = true
		out = append(out, p)
		if len(out) == count {
			break
		}
	}
	return out
}
