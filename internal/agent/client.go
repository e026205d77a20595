package agent

import (
	"context"
	"time"

	"github.com/blockplane/blockplane/internal/errs"
	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/utils"
)

// gRPC method paths exposed by the data-plane agent
const (
	methodCreatePool       = "/mayastor.Mayastor/CreatePool"
	methodDestroyPool      = "/mayastor.Mayastor/DestroyPool"
	methodListPools        = "/mayastor.Mayastor/ListPools"
	methodCreateReplica    = "/mayastor.Mayastor/CreateReplica"
	methodDestroyReplica   = "/mayastor.Mayastor/DestroyReplica"
	methodShareReplica     = "/mayastor.Mayastor/ShareReplica"
	methodListReplicas     = "/mayastor.Mayastor/ListReplicas"
	methodCreateNexus      = "/mayastor.Mayastor/CreateNexus"
	methodDestroyNexus     = "/mayastor.Mayastor/DestroyNexus"
	methodListNexus        = "/mayastor.Mayastor/ListNexus"
	methodPublishNexus     = "/mayastor.Mayastor/PublishNexus"
	methodUnpublishNexus   = "/mayastor.Mayastor/UnpublishNexus"
	methodAddChildNexus    = "/mayastor.Mayastor/AddChildNexus"
	methodRemoveChildNexus = "/mayastor.Mayastor/RemoveChildNexus"
)

// API is the RPC surface consumed from one data-plane agent. The registry and
// the reconciler depend on this interface; the gRPC client below is the
// production implementation and agenttest.Fake the in-memory one.
type API interface {
	CreatePool(ctx context.Context, endpoint string, req CreatePoolRequest) (*PoolInfo, error)
	DestroyPool(ctx context.Context, endpoint string, req DestroyPoolRequest) error
	ListPools(ctx context.Context, endpoint string) ([]PoolInfo, error)

	CreateReplica(ctx context.Context, endpoint string, req CreateReplicaRequest) (*ReplicaInfo, error)
	DestroyReplica(ctx context.Context, endpoint string, req DestroyReplicaRequest) error
	ShareReplica(ctx context.Context, endpoint string, req ShareReplicaRequest) (*ShareReplicaReply, error)
	ListReplicas(ctx context.Context, endpoint string) ([]ReplicaInfo, error)

	CreateNexus(ctx context.Context, endpoint string, req CreateNexusRequest) (*NexusInfo, error)
	DestroyNexus(ctx context.Context, endpoint string, req DestroyNexusRequest) error
	ListNexus(ctx context.Context, endpoint string) ([]NexusInfo, error)
	PublishNexus(ctx context.Context, endpoint string, req PublishNexusRequest) (*PublishNexusReply, error)
	UnpublishNexus(ctx context.Context, endpoint string, req UnpublishNexusRequest) error
	AddChildNexus(ctx context.Context, endpoint string, req AddChildNexusRequest) (*ChildInfo, error)
	RemoveChildNexus(ctx context.Context, endpoint string, req RemoveChildNexusRequest) error
}

// Client is the gRPC implementation of API
type Client struct {
	pool    *ConnPool
	timeout time.Duration
	logger  *logging.Logger
}

// NewClient creates an agent client backed by a connection pool
func NewClient(pool *ConnPool, timeout time.Duration, logger *logging.Logger) *Client {
	if timeout <= 0 {
		timeout = utils.AgentRequestTimeout
	}
	return &Client{
		pool:    pool,
		timeout: timeout,
		logger:  logger,
	}
}

// invoke issues one unary call with the client timeout applied. Transport and
// agent errors are mapped into the control-plane taxonomy.
func (c *Client) invoke(ctx context.Context, endpoint, method string, req, reply interface{}) error {
	conn, err := c.pool.Get(endpoint)
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "no connection to agent at %s", endpoint)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := conn.Invoke(callCtx, method, req, reply); err != nil {
		return errs.FromGRPC(err, "agent call "+method+" to "+endpoint+" failed")
	}
	return nil
}

// CreatePool creates a storage pool on the agent
func (c *Client) CreatePool(ctx context.Context, endpoint string, req CreatePoolRequest) (*PoolInfo, error) {
	var reply PoolInfo
	if err := c.invoke(ctx, endpoint, methodCreatePool, req, &reply); err != nil {
		return nil, err
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

// DestroyPool destroys a storage pool on the agent
func (c *Client) DestroyPool(ctx context.Context, endpoint string, req DestroyPoolRequest) error {
	var reply Null
	return c.invoke(ctx, endpoint, methodDestroyPool, req, &reply)
}

// ListPools pulls a full pool state dump
func (c *Client) ListPools(ctx context.Context, endpoint string) ([]PoolInfo, error) {
	var reply ListPoolsReply
	if err := c.invoke(ctx, endpoint, methodListPools, Null{}, &reply); err != nil {
		return nil, err
	}
	for i := range reply.Pools {
		if err := reply.Pools[i].Validate(); err != nil {
			return nil, err
		}
	}
	return reply.Pools, nil
}

// CreateReplica creates a replica on the agent
func (c *Client) CreateReplica(ctx context.Context, endpoint string, req CreateReplicaRequest) (*ReplicaInfo, error) {
	var reply ReplicaInfo
	if err := c.invoke(ctx, endpoint, methodCreateReplica, req, &reply); err != nil {
		return nil, err
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

// DestroyReplica destroys a replica on the agent
func (c *Client) DestroyReplica(ctx context.Context, endpoint string, req DestroyReplicaRequest) error {
	var reply Null
	return c.invoke(ctx, endpoint, methodDestroyReplica, req, &reply)
}

// ShareReplica exports a replica over the requested protocol
func (c *Client) ShareReplica(ctx context.Context, endpoint string, req ShareReplicaRequest) (*ShareReplicaReply, error) {
	var reply ShareReplicaReply
	if err := c.invoke(ctx, endpoint, methodShareReplica, req, &reply); err != nil {
		return nil, err
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ListReplicas pulls a full replica state dump
func (c *Client) ListReplicas(ctx context.Context, endpoint string) ([]ReplicaInfo, error) {
	var reply ListReplicasReply
	if err := c.invoke(ctx, endpoint, methodListReplicas, Null{}, &reply); err != nil {
		return nil, err
	}
	for i := range reply.Replicas {
		if err := reply.Replicas[i].Validate(); err != nil {
			return nil, err
		}
	}
	return reply.Replicas, nil
}

// CreateNexus assembles a nexus from replica URIs
func (c *Client) CreateNexus(ctx context.Context, endpoint string, req CreateNexusRequest) (*NexusInfo, error) {
	var reply NexusInfo
	if err := c.invoke(ctx, endpoint, methodCreateNexus, req, &reply); err != nil {
		return nil, err
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

// DestroyNexus tears down a nexus on the agent
func (c *Client) DestroyNexus(ctx context.Context, endpoint string, req DestroyNexusRequest) error {
	var reply Null
	return c.invoke(ctx, endpoint, methodDestroyNexus, req, &reply)
}

// ListNexus pulls a full nexus state dump
func (c *Client) ListNexus(ctx context.Context, endpoint string) ([]NexusInfo, error) {
	var reply ListNexusReply
	if err := c.invoke(ctx, endpoint, methodListNexus, Null{}, &reply); err != nil {
		return nil, err
	}
	for i := range reply.NexusList {
		if err := reply.NexusList[i].Validate(); err != nil {
			return nil, err
		}
	}
	return reply.NexusList, nil
}

// PublishNexus exposes a nexus over a block protocol
func (c *Client) PublishNexus(ctx context.Context, endpoint string, req PublishNexusRequest) (*PublishNexusReply, error) {
	var reply PublishNexusReply
	if err := c.invoke(ctx, endpoint, methodPublishNexus, req, &reply); err != nil {
		return nil, err
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

// UnpublishNexus withdraws a nexus device
func (c *Client) UnpublishNexus(ctx context.Context, endpoint string, req UnpublishNexusRequest) error {
	var reply Null
	return c.invoke(ctx, endpoint, methodUnpublishNexus, req, &reply)
}

// AddChildNexus attaches a replica URI to a nexus
func (c *Client) AddChildNexus(ctx context.Context, endpoint string, req AddChildNexusRequest) (*ChildInfo, error) {
	var reply ChildInfo
	if err := c.invoke(ctx, endpoint, methodAddChildNexus, req, &reply); err != nil {
		return nil, err
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

// RemoveChildNexus detaches a replica URI from a nexus
func (c *Client) RemoveChildNexus(ctx context.Context, endpoint string, req RemoveChildNexusRequest) error {
	var reply Null
	return c.invoke(ctx, endpoint, methodRemoveChildNexus, req, &reply)
}
