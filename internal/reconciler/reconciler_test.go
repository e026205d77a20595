package reconciler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockplane/blockplane/internal/agent"
	"github.com/blockplane/blockplane/internal/agent/agenttest"
	"github.com/blockplane/blockplane/internal/errs"
	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/registry"
	"github.com/blockplane/blockplane/internal/store"
)

// memorySpecs is a SpecSource backed by a slice
type memorySpecs struct {
	specs []*store.VolumeSpec
}

func (m *memorySpecs) List(ctx context.Context) ([]*store.VolumeSpec, error) {
	return m.specs, nil
}

type cluster struct {
	registry *registry.Registry
	fake     *agenttest.Fake
	manager  *Manager
	specs    *memorySpecs
}

func newTestCluster(t *testing.T) *cluster {
	t.Helper()
	fake := agenttest.NewFake()
	logger := logging.NewWithWriter(io.Discard, zerolog.Disabled)
	reg := registry.New(fake, registry.Options{
		RefreshInterval:  time.Hour,
		OfflineThreshold: 3,
	}, logger)
	t.Cleanup(reg.Close)

	specs := &memorySpecs{}
	m := NewManager(specs, reg, nil, Config{Interval: time.Hour, MaxRetries: 3}, logger)
	return &cluster{registry: reg, fake: fake, manager: m, specs: specs}
}

// addNode registers a node whose agent hosts one pool
func (c *cluster) addNode(t *testing.T, name, endpoint, pool string, capacity uint64) {
	t.Helper()
	c.fake.SeedPool(endpoint, agent.PoolInfo{Name: pool, State: "online", Capacity: capacity})
	if err := c.registry.UpsertNode(context.Background(), name, endpoint); err != nil {
		t.Fatalf("UpsertNode %s: %v", name, err)
	}
}

func TestReconcileCreatesVolume(t *testing.T) {
	c := newTestCluster(t)
	c.addNode(t, "n1", "10.0.0.1:10124", "pool-1", 100<<30)
	c.addNode(t, "n2", "10.0.0.2:10124", "pool-2", 100<<30)
	c.addNode(t, "n3", "10.0.0.3:10124", "pool-3", 100<<30)

	spec := &store.VolumeSpec{UUID: "vol-1", Size: 10 << 30, ReplicaCount: 2}
	if err := c.manager.ReconcileVolume(context.Background(), spec); err != nil {
		t.Fatalf("ReconcileVolume: %v", err)
	}

	var replicas []registry.Replica
	nodes := make(map[string]bool)
	for _, rep := range c.registry.ListReplicas() {
		if rep.UUID == "vol-1" {
			replicas = append(replicas, rep)
			nodes[rep.Node] = true
		}
	}
	if len(replicas) != 2 {
		t.Fatalf("got %d replicas, want 2", len(replicas))
	}
	if len(nodes) != 2 {
		t.Fatalf("replicas share a node: %+v", replicas)
	}

	nx, err := c.registry.GetNexus("vol-1")
	if err != nil {
		t.Fatalf("GetNexus: %v", err)
	}
	snap := nx.Snapshot()
	if len(snap.Children) != 2 {
		t.Fatalf("nexus has %d children, want 2: %+v", len(snap.Children), snap.Children)
	}
	if snap.Size != 10<<30 {
		t.Fatalf("nexus size = %d, want %d", snap.Size, uint64(10<<30))
	}

	// A second pass with nothing to do must not create anything new.
	calls := len(c.fake.Calls())
	if err := c.manager.ReconcileVolume(context.Background(), spec); err != nil {
		t.Fatalf("second ReconcileVolume: %v", err)
	}
	for _, call := range c.fake.Calls()[calls:] {
		switch call {
		case "CreateReplica", "CreateNexus", "AddChildNexus":
			t.Fatalf("converged volume triggered %s", call)
		}
	}
}

func TestReconcileHonorsPlacementHints(t *testing.T) {
	c := newTestCluster(t)
	c.addNode(t, "n1", "10.0.0.1:10124", "pool-1", 100<<30)
	c.addNode(t, "n2", "10.0.0.2:10124", "pool-2", 200<<30)
	c.addNode(t, "n3", "10.0.0.3:10124", "pool-3", 300<<30)

	spec := &store.VolumeSpec{UUID: "vol-1", Size: 1 << 30, ReplicaCount: 1, PreferNodes: []string{"n1"}}
	if err := c.manager.ReconcileVolume(context.Background(), spec); err != nil {
		t.Fatalf("ReconcileVolume: %v", err)
	}

	for _, rep := range c.registry.ListReplicas() {
		if rep.UUID == "vol-1" && rep.Node != "n1" {
			t.Fatalf("replica placed on %s despite hint for n1", rep.Node)
		}
	}
}

func TestReconcileReplacesFaultedChild(t *testing.T) {
	c := newTestCluster(t)
	c.addNode(t, "n1", "10.0.0.1:10124", "pool-1", 100<<30)
	c.addNode(t, "n2", "10.0.0.2:10124", "pool-2", 100<<30)

	spec := &store.VolumeSpec{UUID: "vol-1", Size: 10 << 30, ReplicaCount: 2}
	ctx := context.Background()
	if err := c.manager.ReconcileVolume(ctx, spec); err != nil {
		t.Fatalf("initial ReconcileVolume: %v", err)
	}

	nx, err := c.registry.GetNexus("vol-1")
	if err != nil {
		t.Fatalf("GetNexus: %v", err)
	}
	snap := nx.Snapshot()
	nexusNode, err := c.registry.GetNode(snap.Node)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}

	// Fault the remote child on the agent, then add a third node for the
	// replacement to land on.
	var faultedURI, faultedNode string
	for _, rep := range c.registry.ListReplicas() {
		if rep.UUID == "vol-1" && rep.Node != snap.Node {
			faultedNode = rep.Node
			faultedURI = rep.URI
		}
	}
	if faultedURI == "" {
		t.Fatal("no remote replica found")
	}
	c.fake.SetChildState(nexusNode.Endpoint(), "vol-1", faultedURI, "faulted")
	if err := nexusNode.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	c.addNode(t, "n3", "10.0.0.3:10124", "pool-3", 500<<30)

	if err := c.manager.ReconcileVolume(ctx, spec); err != nil {
		t.Fatalf("ReconcileVolume after fault: %v", err)
	}

	// The faulted replica is gone and a replacement exists on a new node.
	for _, rep := range c.registry.ListReplicas() {
		if rep.UUID == "vol-1" && rep.Node == faultedNode {
			t.Fatalf("faulted replica on %s was not destroyed", faultedNode)
		}
	}
	snap = nx.Snapshot()
	if len(snap.Children) != 2 {
		t.Fatalf("nexus has %d children after replacement, want 2: %+v", len(snap.Children), snap.Children)
	}
	for _, child := range snap.Children {
		if child.URI == faultedURI {
			t.Fatal("faulted child still attached")
		}
	}
}

func TestReconcileSkipsOfflineNodes(t *testing.T) {
	c := newTestCluster(t)
	c.addNode(t, "n1", "10.0.0.1:10124", "pool-1", 100<<30)
	c.addNode(t, "n2", "10.0.0.2:10124", "pool-2", 100<<30)

	// Take n2 offline.
	n2, err := c.registry.GetNode("n2")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	c.fake.FailWith("ListPools", errs.New(errs.Unavailable, "connection refused"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		n2.Refresh(ctx)
	}
	c.fake.FailWith("ListPools", nil)
	if n2.Status() != registry.NodeOffline {
		t.Fatal("n2 should be offline")
	}

	spec := &store.VolumeSpec{UUID: "vol-1", Size: 1 << 30, ReplicaCount: 2}
	if err := c.manager.ReconcileVolume(ctx, spec); err != nil {
		t.Fatalf("ReconcileVolume: %v", err)
	}

	// Only n1 is eligible; the volume runs under-replicated rather than
	// touching the offline node.
	for _, rep := range c.registry.ListReplicas() {
		if rep.UUID == "vol-1" && rep.Node == "n2" {
			t.Fatal("replica placed on offline node")
		}
	}
}

func TestReconcileAllIsolatesFailures(t *testing.T) {
	c := newTestCluster(t)
	c.addNode(t, "n1", "10.0.0.1:10124", "pool-1", 100<<30)

	c.specs.specs = []*store.VolumeSpec{
		{UUID: "vol-bad", Size: 0, ReplicaCount: 1}, // invalid, never converges
		{UUID: "vol-good", Size: 1 << 30, ReplicaCount: 1},
	}
	c.manager.ReconcileAll(context.Background())

	if _, err := c.registry.GetNexus("vol-good"); err != nil {
		t.Fatalf("vol-good not reconciled: %v", err)
	}
}

func TestDestroyVolume(t *testing.T) {
	c := newTestCluster(t)
	c.addNode(t, "n1", "10.0.0.1:10124", "pool-1", 100<<30)
	c.addNode(t, "n2", "10.0.0.2:10124", "pool-2", 100<<30)

	spec := &store.VolumeSpec{UUID: "vol-1", Size: 1 << 30, ReplicaCount: 2}
	ctx := context.Background()
	if err := c.manager.ReconcileVolume(ctx, spec); err != nil {
		t.Fatalf("ReconcileVolume: %v", err)
	}

	if err := c.manager.DestroyVolume(ctx, "vol-1"); err != nil {
		t.Fatalf("DestroyVolume: %v", err)
	}
	if _, err := c.registry.GetNexus("vol-1"); !errs.IsNotFound(err) {
		t.Fatal("nexus survived DestroyVolume")
	}
	for _, rep := range c.registry.ListReplicas() {
		if rep.UUID == "vol-1" {
			t.Fatalf("replica survived DestroyVolume: %+v", rep)
		}
	}
}

func TestCapacityPolicy(t *testing.T) {
	pools := []registry.Pool{
		{Node: "n1", Name: "p1", State: registry.PoolOnline, Capacity: 100, Used: 90},
		{Node: "n2", Name: "p2", State: registry.PoolOnline, Capacity: 100, Used: 10},
		{Node: "n2", Name: "p2b", State: registry.PoolOnline, Capacity: 100, Used: 0},
		{Node: "n3", Name: "p3", State: registry.PoolFaulted, Capacity: 100, Used: 0},
		{Node: "n4", Name: "p4", State: registry.PoolOnline, Capacity: 100, Used: 50},
	}
	spec := &store.VolumeSpec{UUID: "v", Size: 20, ReplicaCount: 2}

	got := CapacityPolicy{}.SelectPools(pools, spec, nil, 2)
	if len(got) != 2 {
		t.Fatalf("selected %d pools, want 2", len(got))
	}
	// p1 lacks space, p3 is faulted; best by free capacity are p2b then p4,
	// one pool per node.
	if got[0].Name != "p2b" || got[1].Name != "p4" {
		t.Fatalf("selected %s, %s; want p2b, p4", got[0].Name, got[1].Name)
	}

	// Excluded nodes are never chosen.
	got = CapacityPolicy{}.SelectPools(pools, spec, map[string]bool{"n2": true}, 2)
	if len(got) != 1 || got[0].Name != "p4" {
		t.Fatalf("with n2 excluded got %+v, want only p4", got)
	}

	// Hinted nodes win over raw capacity.
	spec.PreferNodes = []string{"n4"}
	got = CapacityPolicy{}.SelectPools(pools, spec, nil, 1)
	if len(got) != 1 || got[0].Name != "p4" {
		t.Fatalf("with hint for n4 got %+v, want p4", got)
	}
}
