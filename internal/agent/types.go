package agent

import (
	"github.com/blockplane/blockplane/internal/errs"
)

// Typed records for every agent RPC. The agent reports loosely structured
// payloads; replies are validated at this boundary so missing required fields
// surface as Internal errors instead of propagating empty values into the
// registry.

// Share protocols understood by the agent
const (
	ShareNone  = "none"
	ShareNvmf  = "nvmf"
	ShareIscsi = "iscsi"
)

// CreatePoolRequest asks the agent to create a storage pool
type CreatePoolRequest struct {
	Name  string   `json:"name"`
	Disks []string `json:"disks"`
}

// DestroyPoolRequest asks the agent to destroy a storage pool
type DestroyPoolRequest struct {
	Name string `json:"name"`
}

// PoolInfo is the agent-reported state of one pool
type PoolInfo struct {
	Name     string   `json:"name"`
	Disks    []string `json:"disks"`
	State    string   `json:"state"` // online, degraded, faulted
	Capacity uint64   `json:"capacity"`
	Used     uint64   `json:"used"`
}

// Validate checks required fields of an agent-reported pool
func (p *PoolInfo) Validate() error {
	if p.Name == "" {
		return errs.New(errs.Internal, "agent reported pool without a name")
	}
	if p.State == "" {
		return errs.New(errs.Internal, "agent reported pool %q without a state", p.Name)
	}
	return nil
}

// ListPoolsReply carries a full pool state dump
type ListPoolsReply struct {
	Pools []PoolInfo `json:"pools"`
}

// CreateReplicaRequest asks the agent to carve a replica out of a pool
type CreateReplicaRequest struct {
	UUID  string `json:"uuid"`
	Pool  string `json:"pool"`
	Size  uint64 `json:"size"`
	Thin  bool   `json:"thin"`
	Share string `json:"share"`
}

// DestroyReplicaRequest asks the agent to destroy a replica
type DestroyReplicaRequest struct {
	UUID string `json:"uuid"`
}

// ShareReplicaRequest asks the agent to (re)export a replica
type ShareReplicaRequest struct {
	UUID  string `json:"uuid"`
	Share string `json:"share"`
}

// ShareReplicaReply carries the export URI of a shared replica
type ShareReplicaReply struct {
	URI string `json:"uri"`
}

// Validate checks required fields of a share reply
func (r *ShareReplicaReply) Validate() error {
	if r.URI == "" {
		return errs.New(errs.Internal, "agent returned share reply without a uri")
	}
	return nil
}

// ReplicaInfo is the agent-reported state of one replica
type ReplicaInfo struct {
	UUID  string `json:"uuid"`
	Pool  string `json:"pool"`
	Size  uint64 `json:"size"`
	Thin  bool   `json:"thin"`
	Share string `json:"share"` // none, nvmf, iscsi
	URI   string `json:"uri"`
}

// Validate checks required fields of an agent-reported replica
func (r *ReplicaInfo) Validate() error {
	if r.UUID == "" {
		return errs.New(errs.Internal, "agent reported replica without a uuid")
	}
	if r.Pool == "" {
		return errs.New(errs.Internal, "agent reported replica %q without a pool", r.UUID)
	}
	return nil
}

// ListReplicasReply carries a full replica state dump
type ListReplicasReply struct {
	Replicas []ReplicaInfo `json:"replicas"`
}

// CreateNexusRequest asks the agent to assemble a nexus from replica URIs
type CreateNexusRequest struct {
	UUID     string   `json:"uuid"`
	Size     uint64   `json:"size"`
	Children []string `json:"children"`
}

// DestroyNexusRequest asks the agent to tear down a nexus
type DestroyNexusRequest struct {
	UUID string `json:"uuid"`
}

// PublishNexusRequest asks the agent to expose a nexus over a block protocol
type PublishNexusRequest struct {
	UUID  string `json:"uuid"`
	Share string `json:"share"` // nvmf, iscsi
	Key   string `json:"key,omitempty"`
}

// PublishNexusReply carries the device URI of a published nexus
type PublishNexusReply struct {
	DeviceURI string `json:"deviceUri"`
}

// Validate checks required fields of a publish reply
func (r *PublishNexusReply) Validate() error {
	if r.DeviceURI == "" {
		return errs.New(errs.Internal, "agent returned publish reply without a device uri")
	}
	return nil
}

// UnpublishNexusRequest asks the agent to withdraw a nexus device
type UnpublishNexusRequest struct {
	UUID string `json:"uuid"`
}

// AddChildNexusRequest asks the agent to attach a replica URI to a nexus
type AddChildNexusRequest struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
}

// RemoveChildNexusRequest asks the agent to detach a replica URI from a nexus
type RemoveChildNexusRequest struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
}

// ChildInfo is the agent-reported state of one nexus child
type ChildInfo struct {
	URI             string `json:"uri"`
	State           string `json:"state"` // online, degraded, faulted
	RebuildProgress int    `json:"rebuildProgress"`
}

// Validate checks required fields of an agent-reported child
func (c *ChildInfo) Validate() error {
	if c.URI == "" {
		return errs.New(errs.Internal, "agent reported nexus child without a uri")
	}
	return nil
}

// NexusInfo is the agent-reported state of one nexus
type NexusInfo struct {
	UUID      string      `json:"uuid"`
	Size      uint64      `json:"size"`
	State     string      `json:"state"` // init, online, degraded, faulted
	DeviceURI string      `json:"deviceUri"`
	Children  []ChildInfo `json:"children"`
}

// Validate checks required fields of an agent-reported nexus
func (n *NexusInfo) Validate() error {
	if n.UUID == "" {
		return errs.New(errs.Internal, "agent reported nexus without a uuid")
	}
	if n.State == "" {
		return errs.New(errs.Internal, "agent reported nexus %q without a state", n.UUID)
	}
	for i := range n.Children {
		if err := n.Children[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ListNexusReply carries a full nexus state dump
type ListNexusReply struct {
	NexusList []NexusInfo `json:"nexusList"`
}

// Null is an empty request or reply body
type Null struct{}
