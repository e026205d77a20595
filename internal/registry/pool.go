package registry

import (
	"github.com/blockplane/blockplane/internal/agent"
)

// PoolState is the agent-reported health of a storage pool
type PoolState string

const (
	PoolOnline   PoolState = "online"
	PoolDegraded PoolState = "degraded"
	PoolFaulted  PoolState = "faulted"
)

// Pool mirrors one agent-reported storage pool. Node is a non-owning
// back-reference by name; the owning Node's map is the authoritative binding.
type Pool struct {
	Node     string
	Name     string
	Disks    []string
	State    PoolState
	Capacity uint64
	Used     uint64
}

// Free returns the unused capacity in bytes
func (p *Pool) Free() uint64 {
	if p.Used > p.Capacity {
		return 0
	}
	return p.Capacity - p.Used
}

// poolFromInfo builds a Pool from an agent report
func poolFromInfo(node string, info agent.PoolInfo) *Pool {
	return &Pool{
		Node:     node,
		Name:     info.Name,
		Disks:    append([]string(nil), info.Disks...),
		State:    PoolState(info.State),
		Capacity: info.Capacity,
		Used:     info.Used,
	}
}

// merge folds an agent report into the pool and reports whether anything
// actually changed, so unchanged dumps do not cause event storms.
func (p *Pool) merge(info agent.PoolInfo) bool {
	changed := false

	if p.State != PoolState(info.State) {
		p.State = PoolState(info.State)
		changed = true
	}
	if p.Capacity != info.Capacity {
		p.Capacity = info.Capacity
		changed = true
	}
	if p.Used != info.Used {
		p.Used = info.Used
		changed = true
	}
	if !equalStrings(p.Disks, info.Disks) {
		p.Disks = append([]string(nil), info.Disks...)
		changed = true
	}

	return changed
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
