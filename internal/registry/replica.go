package registry

import (
	"github.com/blockplane/blockplane/internal/agent"
)

// ShareProtocol is the export protocol of a replica
type ShareProtocol string

const (
	ShareNone  ShareProtocol = "none"
	ShareNvmf  ShareProtocol = "nvmf"
	ShareIscsi ShareProtocol = "iscsi"
)

// Replica mirrors one agent-reported replica. The control plane never mutates
// replicas except through explicit create/destroy/share RPCs; everything else
// is agent truth folded in by merge.
type Replica struct {
	Node  string
	Pool  string
	UUID  string
	Size  uint64
	Thin  bool
	Share ShareProtocol
	URI   string
}

// replicaFromInfo builds a Replica from an agent report
func replicaFromInfo(node string, info agent.ReplicaInfo) *Replica {
	return &Replica{
		Node:  node,
		Pool:  info.Pool,
		UUID:  info.UUID,
		Size:  info.Size,
		Thin:  info.Thin,
		Share: ShareProtocol(info.Share),
		URI:   info.URI,
	}
}

// merge folds an agent report into the replica and reports whether anything
// changed.
func (r *Replica) merge(info agent.ReplicaInfo) bool {
	changed := false

	if r.Pool != info.Pool {
		r.Pool = info.Pool
		changed = true
	}
	if r.Size != info.Size {
		r.Size = info.Size
		changed = true
	}
	if r.Thin != info.Thin {
		r.Thin = info.Thin
		changed = true
	}
	if r.Share != ShareProtocol(info.Share) {
		r.Share = ShareProtocol(info.Share)
		changed = true
	}
	if r.URI != info.URI {
		r.URI = info.URI
		changed = true
	}

	return changed
}
