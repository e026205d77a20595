package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/blockplane/blockplane/internal/errs"
	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/middleware"
	"github.com/blockplane/blockplane/internal/registry"
	"github.com/blockplane/blockplane/internal/store"
)

// VolumeSource reads desired volume state for the inspection endpoints
type VolumeSource interface {
	Get(ctx context.Context, uuid string) (*store.VolumeSpec, error)
	List(ctx context.Context) ([]*store.VolumeSpec, error)
}

// Handler serves the read-only inspection API
type Handler struct {
	logger   *logging.Logger
	registry *registry.Registry
	volumes  VolumeSource
}

// NewHandler creates a new handler instance
func NewHandler(logger *logging.Logger, reg *registry.Registry, volumes VolumeSource) *Handler {
	return &Handler{
		logger:   logger,
		registry: reg,
		volumes:  volumes,
	}
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// PoolView is the wire form of a storage pool
type PoolView struct {
	Node     string   `json:"node"`
	Name     string   `json:"name"`
	Disks    []string `json:"disks,omitempty"`
	State    string   `json:"state"`
	Capacity uint64   `json:"capacity"`
	Used     uint64   `json:"used"`
}

// ReplicaView is the wire form of a replica
type ReplicaView struct {
	Node  string `json:"node"`
	Pool  string `json:"pool"`
	UUID  string `json:"uuid"`
	Size  uint64 `json:"size"`
	Thin  bool   `json:"thin"`
	Share string `json:"share"`
	URI   string `json:"uri,omitempty"`
}

// ChildView is the wire form of a nexus child
type ChildView struct {
	URI             string `json:"uri"`
	State           string `json:"state"`
	RebuildProgress int    `json:"rebuildProgress"`
}

// NexusView is the wire form of a nexus
type NexusView struct {
	UUID      string      `json:"uuid"`
	Node      string      `json:"node"`
	Size      uint64      `json:"size"`
	State     string      `json:"state"`
	DeviceURI string      `json:"deviceUri,omitempty"`
	Children  []ChildView `json:"children"`
}

// Health handles GET /health
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   "1.0.0",
	})
}

// NotFound handles 404 errors
func (h *Handler) NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:    "NOT_FOUND",
			Message: "Route not found",
		},
	})
}

// ListNodes handles GET /v1/nodes
func (h *Handler) ListNodes(c *fiber.Ctx) error {
	return c.JSON(h.registry.Nodes())
}

// GetNode handles GET /v1/nodes/:node
func (h *Handler) GetNode(c *fiber.Ctx) error {
	node, err := h.registry.GetNode(c.Params("node"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(node.Snapshot())
}

// ListPools handles GET /v1/pools, optionally filtered by ?node=
func (h *Handler) ListPools(c *fiber.Ctx) error {
	nodeFilter := c.Query("node")

	views := make([]PoolView, 0)
	for _, pool := range h.registry.ListPools() {
		if nodeFilter != "" && pool.Node != nodeFilter {
			continue
		}
		views = append(views, PoolView{
			Node:     pool.Node,
			Name:     pool.Name,
			Disks:    pool.Disks,
			State:    string(pool.State),
			Capacity: pool.Capacity,
			Used:     pool.Used,
		})
	}
	return c.JSON(views)
}

// ListReplicas handles GET /v1/replicas, optionally filtered by ?node=
func (h *Handler) ListReplicas(c *fiber.Ctx) error {
	nodeFilter := c.Query("node")

	views := make([]ReplicaView, 0)
	for _, rep := range h.registry.ListReplicas() {
		if nodeFilter != "" && rep.Node != nodeFilter {
			continue
		}
		views = append(views, replicaView(rep))
	}
	return c.JSON(views)
}

// GetReplica handles GET /v1/replicas/:uuid
func (h *Handler) GetReplica(c *fiber.Ctx) error {
	rep, err := h.registry.GetReplica(c.Params("uuid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(replicaView(rep))
}

// ListNexus handles GET /v1/nexus
func (h *Handler) ListNexus(c *fiber.Ctx) error {
	views := make([]NexusView, 0)
	for _, snap := range h.registry.ListNexus() {
		views = append(views, nexusView(snap))
	}
	return c.JSON(views)
}

// GetNexus handles GET /v1/nexus/:uuid
func (h *Handler) GetNexus(c *fiber.Ctx) error {
	nx, err := h.registry.GetNexus(c.Params("uuid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(nexusView(nx.Snapshot()))
}

// ListVolumes handles GET /v1/volumes
func (h *Handler) ListVolumes(c *fiber.Ctx) error {
	specs, err := h.volumes.List(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if specs == nil {
		specs = []*store.VolumeSpec{}
	}
	return c.JSON(specs)
}

// GetVolume handles GET /v1/volumes/:uuid
func (h *Handler) GetVolume(c *fiber.Ctx) error {
	spec, err := h.volumes.Get(c.UserContext(), c.Params("uuid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(spec)
}

func replicaView(rep registry.Replica) ReplicaView {
	return ReplicaView{
		Node:  rep.Node,
		Pool:  rep.Pool,
		UUID:  rep.UUID,
		Size:  rep.Size,
		Thin:  rep.Thin,
		Share: string(rep.Share),
		URI:   rep.URI,
	}
}

func nexusView(snap registry.NexusSnapshot) NexusView {
	children := make([]ChildView, 0, len(snap.Children))
	for _, child := range snap.Children {
		children = append(children, ChildView{
			URI:             child.URI,
			State:           string(child.State),
			RebuildProgress: child.RebuildProgress,
		})
	}
	return NexusView{
		UUID:      snap.UUID,
		Node:      snap.Node,
		Size:      snap.Size,
		State:     string(snap.State),
		DeviceURI: snap.DeviceURI,
		Children:  children,
	}
}

// respondError maps domain error codes onto HTTP statuses
func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "INTERNAL"

	switch errs.CodeOf(err) {
	case errs.NotFound:
		status = fiber.StatusNotFound
		code = "NOT_FOUND"
	case errs.InvalidArgument:
		status = fiber.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errs.Unavailable:
		status = fiber.StatusServiceUnavailable
		code = "UNAVAILABLE"
	}

	return c.Status(status).JSON(middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}
