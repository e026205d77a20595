package registry

import (
	"context"
	"sort"

	"github.com/blockplane/blockplane/internal/agent"
	"github.com/blockplane/blockplane/internal/errs"
)

// NexusState is the lifecycle state of a nexus
type NexusState string

const (
	NexusInit     NexusState = "init"
	NexusOnline   NexusState = "online"
	NexusDegraded NexusState = "degraded"
	NexusFaulted  NexusState = "faulted"

	// NexusOffline is a control-plane-local state: the owning node is
	// unreachable. The object keeps its identity so it can reattach when
	// the node returns.
	NexusOffline NexusState = "offline"
)

// ChildState is the agent-reported health of one nexus child
type ChildState string

const (
	ChildOnline   ChildState = "online"
	ChildDegraded ChildState = "degraded"
	ChildFaulted  ChildState = "faulted"
)

// Child is one replica attached to a nexus, keyed by export URI
type Child struct {
	URI             string
	State           ChildState
	RebuildProgress int
}

// Nexus is a virtual block device aggregating replica children. Children are
// kept sorted by URI so structural comparison against fresh agent reports is
// stable and cheap.
type Nexus struct {
	UUID      string
	Size      uint64
	State     NexusState
	DeviceURI string
	Children  []Child

	r    *Registry
	node *Node // non-owning back-reference, nil when unbound
}

// NexusSnapshot is the event/API view of a nexus
type NexusSnapshot struct {
	UUID      string     `json:"uuid"`
	Node      string     `json:"node"`
	Size      uint64     `json:"size"`
	State     NexusState `json:"state"`
	DeviceURI string     `json:"deviceUri"`
	Children  []Child    `json:"children"`
}

// nexusFromInfo builds a bound Nexus from an agent report
func nexusFromInfo(r *Registry, node *Node, info agent.NexusInfo) *Nexus {
	return &Nexus{
		UUID:      info.UUID,
		Size:      info.Size,
		State:     NexusState(info.State),
		DeviceURI: info.DeviceURI,
		Children:  childrenFromInfo(info.Children),
		r:         r,
		node:      node,
	}
}

func childrenFromInfo(infos []agent.ChildInfo) []Child {
	children := make([]Child, 0, len(infos))
	for _, c := range infos {
		children = append(children, Child{
			URI:             c.URI,
			State:           ChildState(c.State),
			RebuildProgress: c.RebuildProgress,
		})
	}
	sortChildren(children)
	return children
}

func sortChildren(children []Child) {
	sort.Slice(children, func(i, j int) bool { return children[i].URI < children[j].URI })
}

// snapshotLocked copies the nexus for event emission. Caller holds r.mu.
func (n *Nexus) snapshotLocked() NexusSnapshot {
	s := NexusSnapshot{
		UUID:      n.UUID,
		Size:      n.Size,
		State:     n.State,
		DeviceURI: n.DeviceURI,
		Children:  append([]Child(nil), n.Children...),
	}
	if n.node != nil {
		s.Node = n.node.name
	}
	return s
}

// Snapshot returns a copy of the nexus safe to hold across registry mutations
func (n *Nexus) Snapshot() NexusSnapshot {
	n.r.mu.Lock()
	defer n.r.mu.Unlock()
	return n.snapshotLocked()
}

// Published reports whether the nexus currently has a device URI
func (n *Nexus) Published() bool {
	n.r.mu.Lock()
	defer n.r.mu.Unlock()
	return n.DeviceURI != ""
}

// checkMutableLocked guards mutating operations: an unbound nexus does not
// exist from the cluster's perspective and an offline node cannot be called.
// Caller holds r.mu.
func (n *Nexus) checkMutableLocked() error {
	if n.node == nil {
		return errs.New(errs.NotFound, "nexus %s is not bound to a node", n.UUID)
	}
	if n.node.status == NodeOffline {
		return errs.New(errs.Unavailable, "node %s hosting nexus %s is offline", n.node.name, n.UUID)
	}
	return nil
}

// stillBoundLocked re-validates the binding after an RPC suspension: the
// nexus may have been unbound or replaced while the call was in flight.
// Caller holds r.mu.
func (n *Nexus) stillBoundLocked() bool {
	return n.node != nil && n.node.nexuses[n.UUID] == n
}

// Publish exposes the nexus over the given protocol and records the returned
// device URI. Publishing an already-published nexus fails with AlreadyExists;
// an unrecognized protocol fails with NotFound.
func (n *Nexus) Publish(ctx context.Context, share ShareProtocol) (string, error) {
	if share != ShareNvmf && share != ShareIscsi {
		return "", errs.New(errs.NotFound, "unrecognized share protocol %q", share)
	}

	r := n.r
	r.mu.Lock()
	if err := n.checkMutableLocked(); err != nil {
		r.mu.Unlock()
		return "", err
	}
	if n.DeviceURI != "" {
		r.mu.Unlock()
		return "", errs.New(errs.AlreadyExists, "nexus %s is already published at %s", n.UUID, n.DeviceURI)
	}
	endpoint := n.node.endpoint
	uuid := n.UUID
	r.mu.Unlock()

	reply, err := r.client.PublishNexus(ctx, endpoint, agent.PublishNexusRequest{
		UUID:  uuid,
		Share: string(share),
	})
	if err != nil {
		return "", err
	}

	var events []Event
	r.mu.Lock()
	if !n.stillBoundLocked() {
		r.mu.Unlock()
		return "", errs.New(errs.NotFound, "nexus %s disappeared while publishing", uuid)
	}
	n.DeviceURI = reply.DeviceURI
	events = append(events, Event{Type: EventMod, Kind: KindNexus, Object: n.snapshotLocked()})
	r.mu.Unlock()

	r.publish(events)
	return reply.DeviceURI, nil
}

// Unpublish withdraws the nexus device and clears the URI. The caller is
// expected to check Published first to avoid redundant agent calls.
func (n *Nexus) Unpublish(ctx context.Context) error {
	r := n.r
	r.mu.Lock()
	if err := n.checkMutableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	endpoint := n.node.endpoint
	uuid := n.UUID
	r.mu.Unlock()

	if err := r.client.UnpublishNexus(ctx, endpoint, agent.UnpublishNexusRequest{UUID: uuid}); err != nil {
		return err
	}

	var events []Event
	r.mu.Lock()
	if !n.stillBoundLocked() {
		r.mu.Unlock()
		return nil
	}
	if n.DeviceURI != "" {
		n.DeviceURI = ""
		events = append(events, Event{Type: EventMod, Kind: KindNexus, Object: n.snapshotLocked()})
	}
	r.mu.Unlock()

	r.publish(events)
	return nil
}

// AddChild attaches a replica URI to the nexus. Adding a URI that is already
// a child is a no-op. A newly added child starts out of sync; the data plane
// rebuilds it and the resulting state arrives via merge.
func (n *Nexus) AddChild(ctx context.Context, uri string) error {
	r := n.r
	r.mu.Lock()
	if n.hasChildLocked(uri) {
		r.mu.Unlock()
		return nil
	}
	if err := n.checkMutableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	endpoint := n.node.endpoint
	uuid := n.UUID
	r.mu.Unlock()

	child, err := r.client.AddChildNexus(ctx, endpoint, agent.AddChildNexusRequest{UUID: uuid, URI: uri})
	if err != nil {
		return err
	}

	var events []Event
	r.mu.Lock()
	if !n.stillBoundLocked() {
		r.mu.Unlock()
		return errs.New(errs.NotFound, "nexus %s disappeared while adding child %s", uuid, uri)
	}
	if !n.hasChildLocked(uri) {
		n.Children = append(n.Children, Child{
			URI:             child.URI,
			State:           ChildState(child.State),
			RebuildProgress: child.RebuildProgress,
		})
		sortChildren(n.Children)
		events = append(events, Event{Type: EventMod, Kind: KindNexus, Object: n.snapshotLocked()})
	}
	r.mu.Unlock()

	r.publish(events)
	return nil
}

// RemoveChild detaches a replica URI from the nexus. Removing a URI that is
// not a child is a no-op.
func (n *Nexus) RemoveChild(ctx context.Context, uri string) error {
	r := n.r
	r.mu.Lock()
	if !n.hasChildLocked(uri) {
		r.mu.Unlock()
		return nil
	}
	if err := n.checkMutableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	endpoint := n.node.endpoint
	uuid := n.UUID
	r.mu.Unlock()

	if err := r.client.RemoveChildNexus(ctx, endpoint, agent.RemoveChildNexusRequest{UUID: uuid, URI: uri}); err != nil {
		return err
	}

	var events []Event
	r.mu.Lock()
	if !n.stillBoundLocked() {
		r.mu.Unlock()
		return nil
	}
	if n.removeChildLocked(uri) {
		events = append(events, Event{Type: EventMod, Kind: KindNexus, Object: n.snapshotLocked()})
	}
	r.mu.Unlock()

	r.publish(events)
	return nil
}

// Destroy tears the nexus down on the agent and unbinds it. NotFound from
// the agent counts as success so retried reconciliation converges.
func (n *Nexus) Destroy(ctx context.Context) error {
	r := n.r
	r.mu.Lock()
	if n.node == nil {
		// Already unbound; nothing left to do.
		r.mu.Unlock()
		return nil
	}
	if n.node.status == NodeOffline {
		r.mu.Unlock()
		return errs.New(errs.Unavailable, "node hosting nexus %s is offline", n.UUID)
	}
	endpoint := n.node.endpoint
	uuid := n.UUID
	r.mu.Unlock()

	err := r.client.DestroyNexus(ctx, endpoint, agent.DestroyNexusRequest{UUID: uuid})
	if err != nil && !errs.IsNotFound(err) {
		return err
	}

	var events []Event
	r.mu.Lock()
	if n.stillBoundLocked() {
		delete(n.node.nexuses, uuid)
		snap := n.snapshotLocked()
		n.node = nil
		events = append(events, Event{Type: EventDel, Kind: KindNexus, Object: snap})
	}
	r.mu.Unlock()

	r.publish(events)
	return nil
}

func (n *Nexus) hasChildLocked(uri string) bool {
	for i := range n.Children {
		if n.Children[i].URI == uri {
			return true
		}
	}
	return false
}

func (n *Nexus) removeChildLocked(uri string) bool {
	for i := range n.Children {
		if n.Children[i].URI == uri {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return true
		}
	}
	return false
}

// merge folds an agent report into the nexus and reports whether anything
// changed. Children are compared in canonical sorted order. Caller holds r.mu.
func (n *Nexus) merge(info agent.NexusInfo) bool {
	changed := false

	if n.Size != info.Size {
		n.Size = info.Size
		changed = true
	}
	if n.DeviceURI != info.DeviceURI {
		n.DeviceURI = info.DeviceURI
		changed = true
	}
	if n.State != NexusState(info.State) {
		n.State = NexusState(info.State)
		changed = true
	}

	reported := childrenFromInfo(info.Children)
	if !equalChildren(n.Children, reported) {
		n.Children = reported
		changed = true
	}

	return changed
}

func equalChildren(a, b []Child) bool {
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
