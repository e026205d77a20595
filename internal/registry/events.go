package registry

// EventType classifies a registry mutation
type EventType string

const (
	// EventNew signals an object appeared
	EventNew EventType = "new"

	// EventMod signals an object changed
	EventMod EventType = "mod"

	// EventDel signals an object disappeared
	EventDel EventType = "del"
)

// ObjectKind names the kind of object an event refers to
type ObjectKind string

const (
	KindNode    ObjectKind = "node"
	KindPool    ObjectKind = "pool"
	KindReplica ObjectKind = "replica"
	KindNexus   ObjectKind = "nexus"
)

// Event describes one registry mutation. Object is always a snapshot copy
// (NodeSnapshot, Pool, Replica or NexusSnapshot), never a live pointer, so
// handlers can hold it without racing the registry.
type Event struct {
	Type   EventType
	Kind   ObjectKind
	Object interface{}
}

// EventHandler consumes registry events. Handlers run synchronously after the
// mutation that produced the event has been committed and the registry lock
// released; they must not block for long.
type EventHandler func(Event)
