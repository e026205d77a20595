package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blockplane/blockplane/internal/agent"
	"github.com/blockplane/blockplane/internal/errs"
	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/utils"
)

// Options tunes registry behavior
type Options struct {
	// RefreshInterval is how often each node's agent is polled for a full
	// state dump
	RefreshInterval time.Duration

	// OfflineThreshold is how many consecutive refresh failures take a
	// node offline
	OfflineThreshold int
}

// Registry is the authoritative in-memory inventory of the cluster: nodes
// and the pools, replicas and nexuses they host. A single mutex guards all
// object state; agent RPCs are always issued with the lock released and
// object bindings re-validated afterwards, so a slow agent never stalls
// readers and a stale in-flight call never clobbers newer state.
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*Node

	client agent.API
	logger *logging.Logger

	refreshInterval  time.Duration
	offlineThreshold int

	obsMu    sync.RWMutex
	handlers []EventHandler

	closed bool
}

// New creates an empty registry
func New(client agent.API, opts Options, logger *logging.Logger) *Registry {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = utils.NodeRefreshInterval
	}
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = utils.NodeOfflineThreshold
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Registry{
		nodes:            make(map[string]*Node),
		client:           client,
		logger:           logger,
		refreshInterval:  opts.RefreshInterval,
		offlineThreshold: opts.OfflineThreshold,
	}
}

// OnEvent registers a handler for registry mutations. Handlers added after
// objects exist do not receive synthetic events for them; callers needing a
// full view should list first, then subscribe.
func (r *Registry) OnEvent(h EventHandler) {
	r.obsMu.Lock()
	r.handlers = append(r.handlers, h)
	r.obsMu.Unlock()
}

// publish delivers events to handlers. Must be called WITHOUT r.mu held;
// events carry snapshots so handlers never see live object state.
func (r *Registry) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	r.obsMu.RLock()
	handlers := r.handlers
	r.obsMu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

// UpsertNode registers a storage node or updates its endpoint. Registration
// of a new node performs a synchronous initial refresh so the caller observes
// the node's objects as soon as the call returns, then starts the periodic
// refresh loop. Re-registration with the same endpoint is a no-op.
func (r *Registry) UpsertNode(ctx context.Context, name, endpoint string) error {
	if name == "" || endpoint == "" {
		return errs.New(errs.InvalidArgument, "node registration requires a name and an endpoint")
	}

	var events []Event
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs.New(errs.Unavailable, "registry is closed")
	}

	if n, ok := r.nodes[name]; ok {
		if n.endpoint == endpoint {
			r.mu.Unlock()
			return nil
		}
		n.endpoint = endpoint
		events = append(events, Event{Type: EventMod, Kind: KindNode, Object: n.snapshotLocked()})
		r.mu.Unlock()

		r.logger.Info("Node endpoint changed", "node", name, "endpoint", endpoint)
		r.publish(events)
		return nil
	}

	n := newNode(r, name, endpoint)
	r.nodes[name] = n
	events = append(events, Event{Type: EventNew, Kind: KindNode, Object: n.snapshotLocked()})
	r.mu.Unlock()

	r.logger.Info("Node registered", "node", name, "endpoint", endpoint)
	r.publish(events)

	if err := n.Refresh(ctx); err != nil {
		r.logger.Warn("Initial node refresh failed", "node", name, "error", err)
	}
	go n.refreshLoop(r.refreshInterval)
	return nil
}

// RemoveNode deregisters a node and drops everything it hosts from the
// inventory. No agent RPCs are made: the objects may well still exist on the
// node, they are just no longer tracked. Removing an unknown node is a no-op.
func (r *Registry) RemoveNode(name string) {
	var events []Event
	var stopCh chan struct{}

	r.mu.Lock()
	if n, ok := r.nodes[name]; ok {
		delete(r.nodes, name)
		stopCh = n.stopCh
		events = n.unbindLocked()
	}
	r.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		r.logger.Info("Node deregistered", "node", name)
	}
	r.publish(events)
}

// GetNode returns the node with the given name
func (r *Registry) GetNode(name string) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "node %s not found", name)
	}
	return n, nil
}

// Nodes returns snapshots of all registered nodes sorted by name
func (r *Registry) Nodes() []NodeSnapshot {
	r.mu.Lock()
	out := make([]NodeSnapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.snapshotLocked())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnlineNodes returns the nodes currently reachable, for placement decisions
func (r *Registry) OnlineNodes() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.status == NodeOnline {
			out = append(out, n)
		}
	}
	return out
}

// ListPools returns copies of all pools across the cluster
func (r *Registry) ListPools() []Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Pool
	for _, n := range r.nodes {
		for _, p := range n.pools {
			out = append(out, *p)
		}
	}
	return out
}

// ListReplicas returns copies of all replicas across the cluster
func (r *Registry) ListReplicas() []Replica {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Replica
	for _, n := range r.nodes {
		for _, rep := range n.replicas {
			out = append(out, *rep)
		}
	}
	return out
}

// ListNexus returns snapshots of all nexuses across the cluster
func (r *Registry) ListNexus() []NexusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NexusSnapshot
	for _, n := range r.nodes {
		for _, nx := range n.nexuses {
			out = append(out, nx.snapshotLocked())
		}
	}
	return out
}

// GetReplica finds a replica by UUID anywhere in the cluster
func (r *Registry) GetReplica(uuid string) (Replica, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if rep, ok := n.replicas[uuid]; ok {
			return *rep, nil
		}
	}
	return Replica{}, errs.New(errs.NotFound, "replica %s not found", uuid)
}

// GetNexus finds a nexus by UUID anywhere in the cluster
func (r *Registry) GetNexus(uuid string) (*Nexus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if nx, ok := n.nexuses[uuid]; ok {
			return nx, nil
		}
	}
	return nil, errs.New(errs.NotFound, "nexus %s not found", uuid)
}

// Close stops all refresh loops. The inventory stays readable but no further
// registrations are accepted.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var stops []chan struct{}
	for _, n := range r.nodes {
		stops = append(stops, n.stopCh)
	}
	r.mu.Unlock()

	for _, ch := range stops {
		close(ch)
	}
}
