package registry

import (
	"context"
	"time"

	"github.com/blockplane/blockplane/internal/agent"
	"github.com/blockplane/blockplane/internal/errs"
)

// NodeStatus is the control plane's view of a storage node's reachability
type NodeStatus string

const (
	// NodeUnknown is the status before the first refresh completes
	NodeUnknown NodeStatus = "unknown"

	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// Node is one registered storage node and the objects it hosts. All fields
// are guarded by the owning registry's mutex; agent RPCs are issued with the
// lock released and bindings re-validated afterwards.
type Node struct {
	name     string
	endpoint string
	status   NodeStatus
	failures int

	pools    map[string]*Pool
	replicas map[string]*Replica
	nexuses  map[string]*Nexus

	r      *Registry
	stopCh chan struct{}
}

// NodeSnapshot is the event/API view of a node
type NodeSnapshot struct {
	Name     string     `json:"name"`
	Endpoint string     `json:"endpoint"`
	Status   NodeStatus `json:"status"`
}

func newNode(r *Registry, name, endpoint string) *Node {
	return &Node{
		name:     name,
		endpoint: endpoint,
		status:   NodeUnknown,
		pools:    make(map[string]*Pool),
		replicas: make(map[string]*Replica),
		nexuses:  make(map[string]*Nexus),
		r:        r,
		stopCh:   make(chan struct{}),
	}
}

// Name returns the node name
func (n *Node) Name() string { return n.name }

// Endpoint returns the agent gRPC endpoint
func (n *Node) Endpoint() string {
	n.r.mu.Lock()
	defer n.r.mu.Unlock()
	return n.endpoint
}

// Status returns the current reachability status
func (n *Node) Status() NodeStatus {
	n.r.mu.Lock()
	defer n.r.mu.Unlock()
	return n.status
}

// Snapshot returns a copy of the node safe to hold across registry mutations
func (n *Node) Snapshot() NodeSnapshot {
	n.r.mu.Lock()
	defer n.r.mu.Unlock()
	return n.snapshotLocked()
}

func (n *Node) snapshotLocked() NodeSnapshot {
	return NodeSnapshot{Name: n.name, Endpoint: n.endpoint, Status: n.status}
}

// registeredLocked reports whether this object is still the registry's node
// of that name. Caller holds r.mu.
func (n *Node) registeredLocked() bool {
	return n.r.nodes[n.name] == n
}

func (n *Node) checkOnlineLocked() error {
	if !n.registeredLocked() {
		return errs.New(errs.NotFound, "node %s is no longer registered", n.name)
	}
	if n.status == NodeOffline {
		return errs.New(errs.Unavailable, "node %s is offline", n.name)
	}
	return nil
}

// refreshLoop polls the agent until the node is deregistered
func (n *Node) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := n.Refresh(ctx); err != nil {
				n.r.logger.Warn("Node refresh failed", "node", n.name, "error", err)
			}
			cancel()
		}
	}
}

// Refresh pulls the agent's full state dump and folds it into the registry,
// emitting an event for every observed difference. A refresh that succeeds
// brings an offline node back online and reattaches its objects; repeated
// failures past the offline threshold take the node offline.
func (n *Node) Refresh(ctx context.Context) error {
	r := n.r

	r.mu.Lock()
	if !n.registeredLocked() {
		r.mu.Unlock()
		return errs.New(errs.NotFound, "node %s is no longer registered", n.name)
	}
	endpoint := n.endpoint
	r.mu.Unlock()

	pools, err := r.client.ListPools(ctx, endpoint)
	if err != nil {
		return n.refreshFailed(err)
	}
	replicas, err := r.client.ListReplicas(ctx, endpoint)
	if err != nil {
		return n.refreshFailed(err)
	}
	nexuses, err := r.client.ListNexus(ctx, endpoint)
	if err != nil {
		return n.refreshFailed(err)
	}

	var events []Event
	r.mu.Lock()
	if !n.registeredLocked() {
		r.mu.Unlock()
		return errs.New(errs.NotFound, "node %s deregistered during refresh", n.name)
	}

	n.failures = 0
	if n.status != NodeOnline {
		n.status = NodeOnline
		events = append(events, Event{Type: EventMod, Kind: KindNode, Object: n.snapshotLocked()})
	}

	events = append(events, n.mergePoolsLocked(pools)...)
	events = append(events, n.mergeReplicasLocked(replicas)...)
	events = append(events, n.mergeNexusesLocked(nexuses)...)
	r.mu.Unlock()

	r.publish(events)
	return nil
}

// refreshFailed counts a failed refresh and takes the node offline once the
// threshold is reached. Going offline marks every hosted nexus offline
// locally; no agent RPCs are attempted against an unreachable node.
func (n *Node) refreshFailed(cause error) error {
	r := n.r

	var events []Event
	r.mu.Lock()
	if !n.registeredLocked() {
		r.mu.Unlock()
		return cause
	}
	n.failures++
	if n.failures >= r.offlineThreshold && n.status != NodeOffline {
		n.status = NodeOffline
		events = append(events, Event{Type: EventMod, Kind: KindNode, Object: n.snapshotLocked()})
		for _, nx := range n.nexuses {
			if nx.State != NexusOffline {
				nx.State = NexusOffline
				events = append(events, Event{Type: EventMod, Kind: KindNexus, Object: nx.snapshotLocked()})
			}
		}
		r.logger.Warn("Node went offline", "node", n.name, "failures", n.failures)
	}
	r.mu.Unlock()

	r.publish(events)
	return cause
}

func (n *Node) mergePoolsLocked(reported []agent.PoolInfo) []Event {
	var events []Event
	seen := make(map[string]bool, len(reported))

	for i := range reported {
		info := reported[i]
		seen[info.Name] = true
		if p, ok := n.pools[info.Name]; ok {
			if p.merge(info) {
				events = append(events, Event{Type: EventMod, Kind: KindPool, Object: *p})
			}
		} else {
			p := poolFromInfo(n.name, info)
			n.pools[info.Name] = p
			events = append(events, Event{Type: EventNew, Kind: KindPool, Object: *p})
		}
	}

	for name, p := range n.pools {
		if !seen[name] {
			delete(n.pools, name)
			events = append(events, Event{Type: EventDel, Kind: KindPool, Object: *p})
		}
	}
	return events
}

func (n *Node) mergeReplicasLocked(reported []agent.ReplicaInfo) []Event {
	var events []Event
	seen := make(map[string]bool, len(reported))

	for i := range reported {
		info := reported[i]
		seen[info.UUID] = true
		if rep, ok := n.replicas[info.UUID]; ok {
			if rep.merge(info) {
				events = append(events, Event{Type: EventMod, Kind: KindReplica, Object: *rep})
			}
		} else {
			rep := replicaFromInfo(n.name, info)
			n.replicas[info.UUID] = rep
			events = append(events, Event{Type: EventNew, Kind: KindReplica, Object: *rep})
		}
	}

	for uuid, rep := range n.replicas {
		if !seen[uuid] {
			delete(n.replicas, uuid)
			events = append(events, Event{Type: EventDel, Kind: KindReplica, Object: *rep})
		}
	}
	return events
}

func (n *Node) mergeNexusesLocked(reported []agent.NexusInfo) []Event {
	var events []Event
	seen := make(map[string]bool, len(reported))

	for i := range reported {
		info := reported[i]
		seen[info.UUID] = true
		if nx, ok := n.nexuses[info.UUID]; ok {
			if nx.merge(info) {
				events = append(events, Event{Type: EventMod, Kind: KindNexus, Object: nx.snapshotLocked()})
			}
		} else {
			nx := nexusFromInfo(n.r, n, info)
			n.nexuses[info.UUID] = nx
			events = append(events, Event{Type: EventNew, Kind: KindNexus, Object: nx.snapshotLocked()})
		}
	}

	for uuid, nx := range n.nexuses {
		if !seen[uuid] {
			delete(n.nexuses, uuid)
			snap := nx.snapshotLocked()
			nx.node = nil
			events = append(events, Event{Type: EventDel, Kind: KindNexus, Object: snap})
		}
	}
	return events
}

// CreatePool creates a storage pool on the node's agent and binds it
func (n *Node) CreatePool(ctx context.Context, name string, disks []string) (*Pool, error) {
	r := n.r

	r.mu.Lock()
	if err := n.checkOnlineLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if _, ok := n.pools[name]; ok {
		r.mu.Unlock()
		return nil, errs.New(errs.AlreadyExists, "pool %s already exists on node %s", name, n.name)
	}
	endpoint := n.endpoint
	r.mu.Unlock()

	info, err := r.client.CreatePool(ctx, endpoint, agent.CreatePoolRequest{Name: name, Disks: disks})
	if err != nil {
		return nil, err
	}

	var events []Event
	var p *Pool
	r.mu.Lock()
	if !n.registeredLocked() {
		r.mu.Unlock()
		return nil, errs.New(errs.NotFound, "node %s deregistered while creating pool %s", n.name, name)
	}
	if existing, ok := n.pools[name]; ok {
		// A concurrent refresh already picked the pool up.
		if existing.merge(*info) {
			events = append(events, Event{Type: EventMod, Kind: KindPool, Object: *existing})
		}
		p = existing
	} else {
		p = poolFromInfo(n.name, *info)
		n.pools[name] = p
		events = append(events, Event{Type: EventNew, Kind: KindPool, Object: *p})
	}
	r.mu.Unlock()

	r.publish(events)
	return p, nil
}

// DestroyPool destroys a pool on the node's agent and unbinds it. NotFound
// from the agent counts as success.
func (n *Node) DestroyPool(ctx context.Context, name string) error {
	r := n.r

	r.mu.Lock()
	if err := n.checkOnlineLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	endpoint := n.endpoint
	r.mu.Unlock()

	err := r.client.DestroyPool(ctx, endpoint, agent.DestroyPoolRequest{Name: name})
	if err != nil && !errs.IsNotFound(err) {
		return err
	}

	var events []Event
	r.mu.Lock()
	if n.registeredLocked() {
		if p, ok := n.pools[name]; ok {
			delete(n.pools, name)
			events = append(events, Event{Type: EventDel, Kind: KindPool, Object: *p})
		}
	}
	r.mu.Unlock()

	r.publish(events)
	return nil
}

// CreateReplica carves a replica out of a pool on the node's agent
func (n *Node) CreateReplica(ctx context.Context, uuid, pool string, size uint64, thin bool) (*Replica, error) {
	r := n.r

	r.mu.Lock()
	if err := n.checkOnlineLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	endpoint := n.endpoint
	r.mu.Unlock()

	info, err := r.client.CreateReplica(ctx, endpoint, agent.CreateReplicaRequest{
		UUID:  uuid,
		Pool:  pool,
		Size:  size,
		Thin:  thin,
		Share: agent.ShareNone,
	})
	if err != nil {
		return nil, err
	}

	var events []Event
	var rep *Replica
	r.mu.Lock()
	if !n.registeredLocked() {
		r.mu.Unlock()
		return nil, errs.New(errs.NotFound, "node %s deregistered while creating replica %s", n.name, uuid)
	}
	if existing, ok := n.replicas[uuid]; ok {
		if existing.merge(*info) {
			events = append(events, Event{Type: EventMod, Kind: KindReplica, Object: *existing})
		}
		rep = existing
	} else {
		rep = replicaFromInfo(n.name, *info)
		n.replicas[uuid] = rep
		events = append(events, Event{Type: EventNew, Kind: KindReplica, Object: *rep})
	}
	r.mu.Unlock()

	r.publish(events)
	return rep, nil
}

// DestroyReplica destroys a replica on the node's agent and unbinds it.
// NotFound from the agent counts as success.
func (n *Node) DestroyReplica(ctx context.Context, uuid string) error {
	r := n.r

	r.mu.Lock()
	if err := n.checkOnlineLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	endpoint := n.endpoint
	r.mu.Unlock()

	err := r.client.DestroyReplica(ctx, endpoint, agent.DestroyReplicaRequest{UUID: uuid})
	if err != nil && !errs.IsNotFound(err) {
		return err
	}

	var events []Event
	r.mu.Lock()
	if n.registeredLocked() {
		if rep, ok := n.replicas[uuid]; ok {
			delete(n.replicas, uuid)
			events = append(events, Event{Type: EventDel, Kind: KindReplica, Object: *rep})
		}
	}
	r.mu.Unlock()

	r.publish(events)
	return nil
}

// ShareReplica (re)exports a replica over the requested protocol and records
// the returned access URI
func (n *Node) ShareReplica(ctx context.Context, uuid string, share ShareProtocol) (string, error) {
	r := n.r

	r.mu.Lock()
	if err := n.checkOnlineLocked(); err != nil {
		r.mu.Unlock()
		return "", err
	}
	if _, ok := n.replicas[uuid]; !ok {
		r.mu.Unlock()
		return "", errs.New(errs.NotFound, "replica %s not found on node %s", uuid, n.name)
	}
	endpoint := n.endpoint
	r.mu.Unlock()

	reply, err := r.client.ShareReplica(ctx, endpoint, agent.ShareReplicaRequest{
		UUID:  uuid,
		Share: string(share),
	})
	if err != nil {
		return "", err
	}

	var events []Event
	r.mu.Lock()
	if n.registeredLocked() {
		if rep, ok := n.replicas[uuid]; ok {
			if rep.Share != share || rep.URI != reply.URI {
				rep.Share = share
				rep.URI = reply.URI
				events = append(events, Event{Type: EventMod, Kind: KindReplica, Object: *rep})
			}
		}
	}
	r.mu.Unlock()

	r.publish(events)
	return reply.URI, nil
}

// CreateNexus assembles a nexus on the node's agent from replica URIs and
// binds it
func (n *Node) CreateNexus(ctx context.Context, uuid string, size uint64, children []string) (*Nexus, error) {
	r := n.r

	r.mu.Lock()
	if err := n.checkOnlineLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if _, ok := n.nexuses[uuid]; ok {
		r.mu.Unlock()
		return nil, errs.New(errs.AlreadyExists, "nexus %s already exists on node %s", uuid, n.name)
	}
	endpoint := n.endpoint
	r.mu.Unlock()

	info, err := r.client.CreateNexus(ctx, endpoint, agent.CreateNexusRequest{
		UUID:     uuid,
		Size:     size,
		Children: children,
	})
	if err != nil {
		return nil, err
	}

	var events []Event
	var nx *Nexus
	r.mu.Lock()
	if !n.registeredLocked() {
		r.mu.Unlock()
		return nil, errs.New(errs.NotFound, "node %s deregistered while creating nexus %s", n.name, uuid)
	}
	if existing, ok := n.nexuses[uuid]; ok {
		if existing.merge(*info) {
			events = append(events, Event{Type: EventMod, Kind: KindNexus, Object: existing.snapshotLocked()})
		}
		nx = existing
	} else {
		nx = nexusFromInfo(r, n, *info)
		n.nexuses[uuid] = nx
		events = append(events, Event{Type: EventNew, Kind: KindNexus, Object: nx.snapshotLocked()})
	}
	r.mu.Unlock()

	r.publish(events)
	return nx, nil
}

// unbindLocked detaches every hosted object without touching the agent and
// returns the del events. Used on deregistration. Caller holds r.mu.
func (n *Node) unbindLocked() []Event {
	var events []Event

	for name, p := range n.pools {
		delete(n.pools, name)
		events = append(events, Event{Type: EventDel, Kind: KindPool, Object: *p})
	}
	for uuid, rep := range n.replicas {
		delete(n.replicas, uuid)
		events = append(events, Event{Type: EventDel, Kind: KindReplica, Object: *rep})
	}
	for uuid, nx := range n.nexuses {
		delete(n.nexuses, uuid)
		snap := nx.snapshotLocked()
		nx.node = nil
		events = append(events, Event{Type: EventDel, Kind: KindNexus, Object: snap})
	}

	events = append(events, Event{Type: EventDel, Kind: KindNode, Object: n.snapshotLocked()})
	return events
}
