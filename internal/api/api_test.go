package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/blockplane/blockplane/internal/agent"
	"github.com/blockplane/blockplane/internal/agent/agenttest"
	"github.com/blockplane/blockplane/internal/config"
	"github.com/blockplane/blockplane/internal/errs"
	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/registry"
	"github.com/blockplane/blockplane/internal/store"
)

// memoryVolumes is a VolumeSource backed by a map
type memoryVolumes struct {
	specs map[string]*store.VolumeSpec
}

func (m *memoryVolumes) Get(ctx context.Context, uuid string) (*store.VolumeSpec, error) {
	if spec, ok := m.specs[uuid]; ok {
		return spec, nil
	}
	return nil, errs.New(errs.NotFound, "volume %s not found", uuid)
}

func (m *memoryVolumes) List(ctx context.Context) ([]*store.VolumeSpec, error) {
	var specs []*store.VolumeSpec
	for _, spec := range m.specs {
		specs = append(specs, spec)
	}
	return specs, nil
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *registry.Registry, *agenttest.Fake, *memoryVolumes) {
	t.Helper()
	logger := logging.NewWithWriter(io.Discard, zerolog.Disabled)
	fake := agenttest.NewFake()
	reg := registry.New(fake, registry.Options{
		RefreshInterval:  time.Hour,
		OfflineThreshold: 3,
	}, logger)
	t.Cleanup(reg.Close)

	volumes := &memoryVolumes{specs: make(map[string]*store.VolumeSpec)}
	srv := New(logger, reg, volumes, cfg)
	return srv, reg, fake, volumes
}

func get(t *testing.T, app *fiber.App, path string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to perform request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == fiber.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t, config.Config{})

	var health HealthResponse
	status := get(t, srv.App(), "/health", &health)
	if status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if health.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", health.Status)
	}
	if health.Timestamp == "" {
		t.Error("Expected non-empty timestamp")
	}
}

func TestNodeEndpoints(t *testing.T) {
	srv, reg, fake, _ := newTestServer(t, config.Config{})
	fake.SeedPool("10.0.0.1:10124", agent.PoolInfo{Name: "pool-1", State: "online", Capacity: 100 << 30})
	if err := reg.UpsertNode(context.Background(), "n1", "10.0.0.1:10124"); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	var nodes []registry.NodeSnapshot
	if status := get(t, srv.App(), "/v1/nodes", &nodes); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if len(nodes) != 1 || nodes[0].Name != "n1" || nodes[0].Status != registry.NodeOnline {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}

	var node registry.NodeSnapshot
	if status := get(t, srv.App(), "/v1/nodes/n1", &node); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if node.Endpoint != "10.0.0.1:10124" {
		t.Fatalf("unexpected node: %+v", node)
	}

	if status := get(t, srv.App(), "/v1/nodes/ghost", nil); status != fiber.StatusNotFound {
		t.Fatalf("Expected status %d, got %d", fiber.StatusNotFound, status)
	}
}

func TestPoolAndReplicaEndpoints(t *testing.T) {
	srv, reg, fake, _ := newTestServer(t, config.Config{})
	fake.SeedPool("10.0.0.1:10124", agent.PoolInfo{Name: "pool-1", State: "online", Capacity: 100 << 30})
	fake.SeedPool("10.0.0.2:10124", agent.PoolInfo{Name: "pool-2", State: "online", Capacity: 100 << 30})

	ctx := context.Background()
	if err := reg.UpsertNode(ctx, "n1", "10.0.0.1:10124"); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if err := reg.UpsertNode(ctx, "n2", "10.0.0.2:10124"); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	n1, err := reg.GetNode("n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if _, err := n1.CreateReplica(ctx, "vol-1", "pool-1", 1<<30, false); err != nil {
		t.Fatalf("CreateReplica: %v", err)
	}

	var pools []PoolView
	if status := get(t, srv.App(), "/v1/pools", &pools); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if len(pools) != 2 {
		t.Fatalf("got %d pools, want 2: %+v", len(pools), pools)
	}

	// Node filter narrows the listing.
	pools = nil
	if status := get(t, srv.App(), "/v1/pools?node=n1", &pools); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if len(pools) != 1 || pools[0].Node != "n1" {
		t.Fatalf("filtered pools: %+v", pools)
	}

	var replicas []ReplicaView
	if status := get(t, srv.App(), "/v1/replicas", &replicas); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if len(replicas) != 1 || replicas[0].UUID != "vol-1" || replicas[0].Pool != "pool-1" {
		t.Fatalf("unexpected replicas: %+v", replicas)
	}

	var replica ReplicaView
	if status := get(t, srv.App(), "/v1/replicas/vol-1", &replica); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if replica.Node != "n1" {
		t.Fatalf("unexpected replica: %+v", replica)
	}

	if status := get(t, srv.App(), "/v1/replicas/ghost", nil); status != fiber.StatusNotFound {
		t.Fatalf("Expected status %d, got %d", fiber.StatusNotFound, status)
	}
}

func TestNexusEndpoints(t *testing.T) {
	srv, reg, fake, _ := newTestServer(t, config.Config{})
	fake.SeedPool("10.0.0.1:10124", agent.PoolInfo{Name: "pool-1", State: "online", Capacity: 100 << 30})

	ctx := context.Background()
	if err := reg.UpsertNode(ctx, "n1", "10.0.0.1:10124"); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	n1, err := reg.GetNode("n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	rep, err := n1.CreateReplica(ctx, "vol-1", "pool-1", 1<<30, false)
	if err != nil {
		t.Fatalf("CreateReplica: %v", err)
	}
	if _, err := n1.CreateNexus(ctx, "vol-1", 1<<30, []string{rep.URI}); err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}

	var list []NexusView
	if status := get(t, srv.App(), "/v1/nexus", &list); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if len(list) != 1 || list[0].UUID != "vol-1" || len(list[0].Children) != 1 {
		t.Fatalf("unexpected nexus list: %+v", list)
	}

	var nx NexusView
	if status := get(t, srv.App(), "/v1/nexus/vol-1", &nx); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if nx.Node != "n1" || nx.Size != 1<<30 {
		t.Fatalf("unexpected nexus: %+v", nx)
	}

	if status := get(t, srv.App(), "/v1/nexus/ghost", nil); status != fiber.StatusNotFound {
		t.Fatalf("Expected status %d, got %d", fiber.StatusNotFound, status)
	}
}

func TestVolumeEndpoints(t *testing.T) {
	srv, _, _, volumes := newTestServer(t, config.Config{})
	volumes.specs["vol-1"] = &store.VolumeSpec{UUID: "vol-1", Size: 1 << 30, ReplicaCount: 2}

	var specs []*store.VolumeSpec
	if status := get(t, srv.App(), "/v1/volumes", &specs); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if len(specs) != 1 || specs[0].UUID != "vol-1" {
		t.Fatalf("unexpected volumes: %+v", specs)
	}

	var spec store.VolumeSpec
	if status := get(t, srv.App(), "/v1/volumes/vol-1", &spec); status != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, status)
	}
	if spec.ReplicaCount != 2 {
		t.Fatalf("unexpected volume: %+v", spec)
	}

	if status := get(t, srv.App(), "/v1/volumes/ghost", nil); status != fiber.StatusNotFound {
		t.Fatalf("Expected status %d, got %d", fiber.StatusNotFound, status)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	apiKey := "0123456789abcdef0123456789abcdef"
	cfg := config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKeys: []string{apiKey}},
	}
	srv, _, _, _ := newTestServer(t, cfg)

	// Health stays open.
	if status := get(t, srv.App(), "/health", nil); status != fiber.StatusOK {
		t.Fatalf("health should not require auth, got %d", status)
	}

	// Missing key is rejected.
	if status := get(t, srv.App(), "/v1/nodes", nil); status != fiber.StatusUnauthorized {
		t.Fatalf("Expected status %d, got %d", fiber.StatusUnauthorized, status)
	}

	// Valid key passes.
	req := httptest.NewRequest("GET", "/v1/nodes", nil)
	req.Header.Set("X-API-Key", apiKey)
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("Failed to perform request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Expected status %d, got %d", fiber.StatusOK, resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _, _, _ := newTestServer(t, config.Config{})
	if status := get(t, srv.App(), "/nonexistent", nil); status != fiber.StatusNotFound {
		t.Fatalf("Expected status %d, got %d", fiber.StatusNotFound, status)
	}
}
