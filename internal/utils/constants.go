package utils

import "time"

// Agent RPC timeouts
const (
	// AgentDialTimeout is the timeout for establishing agent connections
	AgentDialTimeout = 10 * time.Second

	// AgentRequestTimeout is the default timeout for agent RPCs
	AgentRequestTimeout = 5 * time.Second

	// AgentHealthCheckInterval is the interval between health checks for agent connections
	AgentHealthCheckInterval = 30 * time.Second
)

// Node liveness
const (
	// NodeRefreshInterval is how often a node pulls a full state dump from its agent
	NodeRefreshInterval = 10 * time.Second

	// NodeOfflineThreshold is the number of consecutive refresh failures before
	// a node is considered offline
	NodeOfflineThreshold = 3
)

// Retry and backoff
const (
	// DefaultMaxRetries is the default number of retry attempts for corrective actions
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the default backoff duration between retries
	DefaultRetryBackoff = 100 * time.Millisecond

	// MaxRetryBackoff is the maximum backoff duration
	MaxRetryBackoff = 5 * time.Second
)

// Message bus subjects
const (
	// SubjectRegister carries node registration announcements
	SubjectRegister = "register"

	// SubjectDeregister carries node deregistration announcements
	SubjectDeregister = "deregister"
)

// BusType represents the type of message bus
type BusType string

const (
	// BusTypeNATS represents a NATS bus (default)
	BusTypeNATS BusType = "nats"

	// BusTypeRedis represents a Redis Streams bus
	BusTypeRedis BusType = "redis"

	// BusTypeKafka represents an Apache Kafka bus
	BusTypeKafka BusType = "kafka"

	// BusTypeMemory represents an in-memory bus (for testing)
	BusTypeMemory BusType = "memory"
)
