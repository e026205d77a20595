// Package agenttest provides an in-memory fake of the data-plane agent API
// for registry and reconciler tests, with per-method error injection and call
// recording.
package agenttest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/blockplane/blockplane/internal/agent"
	"github.com/blockplane/blockplane/internal/errs"
)

// DefaultPoolCapacity is the capacity assigned to pools created on the fake
const DefaultPoolCapacity = 100 << 30

// nodeState is the data-plane state of one fake agent endpoint
type nodeState struct {
	pools    map[string]*agent.PoolInfo
	replicas map[string]*agent.ReplicaInfo
	nexuses  map[string]*agent.NexusInfo
}

func newNodeState() *nodeState {
	return &nodeState{
		pools:    make(map[string]*agent.PoolInfo),
		replicas: make(map[string]*agent.ReplicaInfo),
		nexuses:  make(map[string]*agent.NexusInfo),
	}
}

// Fake implements agent.API in memory. All endpoints are served by the same
// instance; state is partitioned per endpoint the way distinct agents would be.
type Fake struct {
	mu    sync.Mutex
	nodes map[string]*nodeState
	fail  map[string]error // method name -> injected error
	calls []string
}

// NewFake creates an empty fake agent
func NewFake() *Fake {
	return &Fake{
		nodes: make(map[string]*nodeState),
		fail:  make(map[string]error),
	}
}

// FailWith injects an error for a method name ("CreateNexus", "ListPools", ...).
// A nil error clears the injection.
func (f *Fake) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

// Calls returns the ordered list of method invocations so far
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// node returns (creating if needed) the state for an endpoint. Caller holds mu.
func (f *Fake) node(endpoint string) *nodeState {
	ns, ok := f.nodes[endpoint]
	if !ok {
		ns = newNodeState()
		f.nodes[endpoint] = ns
	}
	return ns
}

// record logs the call and returns any injected error. Caller holds mu.
func (f *Fake) record(method string) error {
	f.calls = append(f.calls, method)
	return f.fail[method]
}

// SeedPool installs a pool directly, bypassing CreatePool
func (f *Fake) SeedPool(endpoint string, info agent.PoolInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := info
	f.node(endpoint).pools[info.Name] = &p
}

// SeedNexus installs a nexus directly, bypassing CreateNexus
func (f *Fake) SeedNexus(endpoint string, info agent.NexusInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := info
	f.node(endpoint).nexuses[info.UUID] = &n
}

// SetChildState flips the reported state of one nexus child
func (f *Fake) SetChildState(endpoint, nexusUUID, childURI, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.node(endpoint).nexuses[nexusUUID]
	if !ok {
		return
	}
	for i := range n.Children {
		if n.Children[i].URI == childURI {
			n.Children[i].State = state
		}
	}
}

// CreatePool creates a pool on the fake agent
func (f *Fake) CreatePool(ctx context.Context, endpoint string, req agent.CreatePoolRequest) (*agent.PoolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreatePool"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	if _, exists := ns.pools[req.Name]; exists {
		return nil, errs.New(errs.AlreadyExists, "pool %s already exists", req.Name)
	}

	info := &agent.PoolInfo{
		Name:     req.Name,
		Disks:    req.Disks,
		State:    "online",
		Capacity: DefaultPoolCapacity,
	}
	ns.pools[req.Name] = info
	out := *info
	return &out, nil
}

// DestroyPool destroys a pool on the fake agent
func (f *Fake) DestroyPool(ctx context.Context, endpoint string, req agent.DestroyPoolRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DestroyPool"); err != nil {
		return err
	}

	ns := f.node(endpoint)
	if _, exists := ns.pools[req.Name]; !exists {
		return errs.New(errs.NotFound, "pool %s not found", req.Name)
	}
	delete(ns.pools, req.Name)
	return nil
}

// ListPools returns the pool state dump
func (f *Fake) ListPools(ctx context.Context, endpoint string) ([]agent.PoolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListPools"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	out := make([]agent.PoolInfo, 0, len(ns.pools))
	for _, p := range ns.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateReplica carves a replica from a pool on the fake agent
func (f *Fake) CreateReplica(ctx context.Context, endpoint string, req agent.CreateReplicaRequest) (*agent.ReplicaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateReplica"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	pool, ok := ns.pools[req.Pool]
	if !ok {
		return nil, errs.New(errs.NotFound, "pool %s not found", req.Pool)
	}
	if _, exists := ns.replicas[req.UUID]; exists {
		return nil, errs.New(errs.AlreadyExists, "replica %s already exists", req.UUID)
	}

	info := &agent.ReplicaInfo{
		UUID:  req.UUID,
		Pool:  req.Pool,
		Size:  req.Size,
		Thin:  req.Thin,
		Share: req.Share,
		URI:   replicaURI(endpoint, req.UUID, req.Share),
	}
	ns.replicas[req.UUID] = info
	pool.Used += req.Size
	out := *info
	return &out, nil
}

// DestroyReplica destroys a replica on the fake agent
func (f *Fake) DestroyReplica(ctx context.Context, endpoint string, req agent.DestroyReplicaRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DestroyReplica"); err != nil {
		return err
	}

	ns := f.node(endpoint)
	rep, ok := ns.replicas[req.UUID]
	if !ok {
		return errs.New(errs.NotFound, "replica %s not found", req.UUID)
	}
	if pool, ok := ns.pools[rep.Pool]; ok && pool.Used >= rep.Size {
		pool.Used -= rep.Size
	}
	delete(ns.replicas, req.UUID)
	return nil
}

// ShareReplica exports a replica over the requested protocol
func (f *Fake) ShareReplica(ctx context.Context, endpoint string, req agent.ShareReplicaRequest) (*agent.ShareReplicaReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ShareReplica"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	rep, ok := ns.replicas[req.UUID]
	if !ok {
		return nil, errs.New(errs.NotFound, "replica %s not found", req.UUID)
	}
	rep.Share = req.Share
	rep.URI = replicaURI(endpoint, req.UUID, req.Share)
	return &agent.ShareReplicaReply{URI: rep.URI}, nil
}

// ListReplicas returns the replica state dump
func (f *Fake) ListReplicas(ctx context.Context, endpoint string) ([]agent.ReplicaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListReplicas"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	out := make([]agent.ReplicaInfo, 0, len(ns.replicas))
	for _, r := range ns.replicas {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// CreateNexus assembles a nexus on the fake agent
func (f *Fake) CreateNexus(ctx context.Context, endpoint string, req agent.CreateNexusRequest) (*agent.NexusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateNexus"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	if _, exists := ns.nexuses[req.UUID]; exists {
		return nil, errs.New(errs.AlreadyExists, "nexus %s already exists", req.UUID)
	}

	children := make([]agent.ChildInfo, 0, len(req.Children))
	for _, uri := range req.Children {
		children = append(children, agent.ChildInfo{URI: uri, State: "online"})
	}
	info := &agent.NexusInfo{
		UUID:     req.UUID,
		Size:     req.Size,
		State:    "online",
		Children: children,
	}
	ns.nexuses[req.UUID] = info
	out := *info
	out.Children = append([]agent.ChildInfo(nil), info.Children...)
	return &out, nil
}

// DestroyNexus tears down a nexus on the fake agent
func (f *Fake) DestroyNexus(ctx context.Context, endpoint string, req agent.DestroyNexusRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DestroyNexus"); err != nil {
		return err
	}

	ns := f.node(endpoint)
	if _, exists := ns.nexuses[req.UUID]; !exists {
		return errs.New(errs.NotFound, "nexus %s not found", req.UUID)
	}
	delete(ns.nexuses, req.UUID)
	return nil
}

// ListNexus returns the nexus state dump
func (f *Fake) ListNexus(ctx context.Context, endpoint string) ([]agent.NexusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListNexus"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	out := make([]agent.NexusInfo, 0, len(ns.nexuses))
	for _, n := range ns.nexuses {
		cp := *n
		cp.Children = append([]agent.ChildInfo(nil), n.Children...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// PublishNexus exposes a nexus over a block protocol
func (f *Fake) PublishNexus(ctx context.Context, endpoint string, req agent.PublishNexusRequest) (*agent.PublishNexusReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PublishNexus"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	n, ok := ns.nexuses[req.UUID]
	if !ok {
		return nil, errs.New(errs.NotFound, "nexus %s not found", req.UUID)
	}
	n.DeviceURI = fmt.Sprintf("%s://%s/%s", req.Share, endpoint, req.UUID)
	return &agent.PublishNexusReply{DeviceURI: n.DeviceURI}, nil
}

// UnpublishNexus withdraws a nexus device
func (f *Fake) UnpublishNexus(ctx context.Context, endpoint string, req agent.UnpublishNexusRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UnpublishNexus"); err != nil {
		return err
	}

	ns := f.node(endpoint)
	n, ok := ns.nexuses[req.UUID]
	if !ok {
		return errs.New(errs.NotFound, "nexus %s not found", req.UUID)
	}
	n.DeviceURI = ""
	return nil
}

// AddChildNexus attaches a replica URI to a nexus. The new child starts
// degraded: the data plane has not rebuilt it yet.
func (f *Fake) AddChildNexus(ctx context.Context, endpoint string, req agent.AddChildNexusRequest) (*agent.ChildInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddChildNexus"); err != nil {
		return nil, err
	}

	ns := f.node(endpoint)
	n, ok := ns.nexuses[req.UUID]
	if !ok {
		return nil, errs.New(errs.NotFound, "nexus %s not found", req.UUID)
	}
	for _, c := range n.Children {
		if c.URI == req.URI {
			return nil, errs.New(errs.AlreadyExists, "child %s already attached", req.URI)
		}
	}

	child := agent.ChildInfo{URI: req.URI, State: "degraded"}
	n.Children = append(n.Children, child)
	return &child, nil
}

// RemoveChildNexus detaches a replica URI from a nexus
func (f *Fake) RemoveChildNexus(ctx context.Context, endpoint string, req agent.RemoveChildNexusRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveChildNexus"); err != nil {
		return err
	}

	ns := f.node(endpoint)
	n, ok := ns.nexuses[req.UUID]
	if !ok {
		return errs.New(errs.NotFound, "nexus %s not found", req.UUID)
	}
	for i, c := range n.Children {
		if c.URI == req.URI {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return nil
		}
	}
	return errs.New(errs.NotFound, "child %s not attached", req.URI)
}

func replicaURI(endpoint, uuid, share string) string {
	switch share {
	case agent.ShareNvmf:
		return fmt.Sprintf("nvmf://%s/%s", endpoint, uuid)
	case agent.ShareIscsi:
		return fmt.Sprintf("iscsi://%s/%s", endpoint, uuid)
	default:
		return fmt.Sprintf("bdev:///%s", uuid)
	}
}
