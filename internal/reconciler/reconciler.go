package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/blockplane/blockplane/internal/errs"
	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/registry"
	"github.com/blockplane/blockplane/internal/store"
	"github.com/blockplane/blockplane/internal/utils"
)

// SpecSource lists the persisted volume specs to converge toward
type SpecSource interface {
	List(ctx context.Context) ([]*store.VolumeSpec, error)
}

// Config tunes the reconciliation loop
type Config struct {
	// Interval between periodic passes
	Interval time.Duration

	// MaxRetries bounds attempts per corrective action within one pass
	MaxRetries int
}

// Manager runs the reconciliation loop: a periodic full pass over all volume
// specs plus nudged passes when the registry reports a relevant change. One
// volume's failure never halts the others; its corrective actions are retried
// with doubling backoff and then left for the next pass.
type Manager struct {
	specs     SpecSource
	registry  *registry.Registry
	placement PlacementPolicy
	logger    *logging.Logger

	interval   time.Duration
	maxRetries int

	nudge  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a reconciliation manager
func NewManager(specs SpecSource, reg *registry.Registry, placement PlacementPolicy, cfg Config, logger *logging.Logger) *Manager {
	if placement == nil {
		placement = CapacityPolicy{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = utils.DefaultMaxRetries
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Manager{
		specs:      specs,
		registry:   reg,
		placement:  placement,
		logger:     logger.With("component", "reconciler"),
		interval:   cfg.Interval,
		maxRetries: cfg.MaxRetries,
		nudge:      make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Nudge requests a reconciliation pass soon. Safe to call from registry event
// handlers; a pending nudge coalesces with new ones.
func (m *Manager) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Start runs the loop until Stop is called or ctx ends. Registry events that
// can invalidate convergence (child faults, node transitions, disappearing
// objects) trigger an early pass.
func (m *Manager) Start(ctx context.Context) {
	m.registry.OnEvent(func(ev registry.Event) {
		switch ev.Type {
		case registry.EventDel, registry.EventMod:
			m.Nudge()
		}
	})

	m.wg.Add(1)
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.ReconcileAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ReconcileAll(ctx)
		case <-m.nudge:
			m.ReconcileAll(ctx)
		}
	}
}

// Stop halts the loop
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("Reconciler stopped")
}

// ReconcileAll runs one pass over every persisted volume spec
func (m *Manager) ReconcileAll(ctx context.Context) {
	specs, err := m.specs.List(ctx)
	if err != nil {
		m.logger.Error("Failed to list volume specs", "error", err)
		return
	}

	for _, spec := range specs {
		if err := m.ReconcileVolume(ctx, spec); err != nil {
			m.logger.Warn("Volume not converged, will retry next pass",
				"volume", spec.UUID, "error", err)
		}
	}
}

// ReconcileVolume converges one volume: replace faulted children, create
// missing replicas, assemble the nexus, attach unattached replicas.
func (m *Manager) ReconcileVolume(ctx context.Context, spec *store.VolumeSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	if err := m.replaceFaultedChildren(ctx, spec); err != nil {
		return err
	}
	replicas, err := m.ensureReplicas(ctx, spec)
	if err != nil {
		return err
	}
	return m.ensureNexus(ctx, spec, replicas)
}

// DestroyVolume tears down everything belonging to a volume whose spec was
// deleted: the nexus first, then every replica.
func (m *Manager) DestroyVolume(ctx context.Context, uuid string) error {
	if nx, err := m.registry.GetNexus(uuid); err == nil {
		if err := m.withRetry(ctx, func() error { return nx.Destroy(ctx) }); err != nil {
			return err
		}
	}

	for _, rep := range m.volumeReplicas(uuid) {
		node, err := m.registry.GetNode(rep.Node)
		if err != nil {
			continue
		}
		if err := m.withRetry(ctx, func() error { return node.DestroyReplica(ctx, uuid) }); err != nil {
			return err
		}
	}

	m.logger.Info("Volume destroyed", "volume", uuid)
	return nil
}

// replaceFaultedChildren detaches faulted nexus children and destroys the
// replicas behind them so the top-up step places fresh ones elsewhere
func (m *Manager) replaceFaultedChildren(ctx context.Context, spec *store.VolumeSpec) error {
	nx, err := m.registry.GetNexus(spec.UUID)
	if err != nil {
		return nil // no nexus yet, nothing to replace
	}
	snap := nx.Snapshot()
	if snap.State == registry.NexusOffline {
		return errs.New(errs.Unavailable, "nexus for volume %s is on an offline node", spec.UUID)
	}

	byURI := make(map[string]registry.Replica)
	for _, rep := range m.volumeReplicas(spec.UUID) {
		byURI[rep.URI] = rep
	}

	for _, child := range snap.Children {
		if child.State != registry.ChildFaulted {
			continue
		}
		uri := child.URI
		m.logger.Info("Replacing faulted child", "volume", spec.UUID, "uri", uri)
		if err := m.withRetry(ctx, func() error { return nx.RemoveChild(ctx, uri) }); err != nil {
			return err
		}
		rep, ok := byURI[uri]
		if !ok {
			continue
		}
		node, err := m.registry.GetNode(rep.Node)
		if err != nil {
			continue
		}
		if err := m.withRetry(ctx, func() error { return node.DestroyReplica(ctx, spec.UUID) }); err != nil {
			return err
		}
	}
	return nil
}

// ensureReplicas tops the replica set up to the spec's count and returns the
// current set
func (m *Manager) ensureReplicas(ctx context.Context, spec *store.VolumeSpec) ([]registry.Replica, error) {
	replicas := m.volumeReplicas(spec.UUID)
	missing := spec.ReplicaCount - len(replicas)
	if missing <= 0 {
		return replicas, nil
	}

	exclude := make(map[string]bool, len(replicas))
	for _, rep := range replicas {
		exclude[rep.Node] = true
	}

	pools := m.placement.SelectPools(m.onlinePools(), spec, exclude, missing)
	if len(pools) < missing {
		m.logger.Warn("Not enough eligible pools",
			"volume", spec.UUID, "missing", missing, "eligible", len(pools))
	}

	for _, pool := range pools {
		node, err := m.registry.GetNode(pool.Node)
		if err != nil {
			continue
		}
		poolName := pool.Name
		err = m.withRetry(ctx, func() error {
			_, err := node.CreateReplica(ctx, spec.UUID, poolName, spec.Size, false)
			return err
		})
		if err != nil {
			return nil, err
		}
		m.logger.Info("Replica created", "volume", spec.UUID, "node", pool.Node, "pool", poolName)
	}

	replicas = m.volumeReplicas(spec.UUID)
	if len(replicas) == 0 {
		return nil, errs.New(errs.Unavailable, "no replicas could be placed for volume %s", spec.UUID)
	}
	return replicas, nil
}

// ensureNexus assembles the volume nexus if missing and attaches every
// replica that is not yet a child
func (m *Manager) ensureNexus(ctx context.Context, spec *store.VolumeSpec, replicas []registry.Replica) error {
	nx, err := m.registry.GetNexus(spec.UUID)
	if errs.IsNotFound(err) {
		nexusNode := m.pickNexusNode(spec, replicas)
		if nexusNode == "" {
			return errs.New(errs.Unavailable, "no online node to host nexus for volume %s", spec.UUID)
		}

		uris, err := m.childURIs(ctx, nexusNode, spec.UUID, replicas)
		if err != nil {
			return err
		}
		node, err := m.registry.GetNode(nexusNode)
		if err != nil {
			return err
		}
		err = m.withRetry(ctx, func() error {
			_, err := node.CreateNexus(ctx, spec.UUID, spec.Size, uris)
			return err
		})
		if err != nil {
			return err
		}
		m.logger.Info("Nexus created", "volume", spec.UUID, "node", nexusNode, "children", len(uris))
		return nil
	}
	if err != nil {
		return err
	}

	snap := nx.Snapshot()
	if snap.State == registry.NexusOffline {
		return errs.New(errs.Unavailable, "nexus for volume %s is on an offline node", spec.UUID)
	}

	attached := make(map[string]bool, len(snap.Children))
	for _, child := range snap.Children {
		attached[child.URI] = true
	}

	uris, err := m.childURIs(ctx, snap.Node, spec.UUID, replicas)
	if err != nil {
		return err
	}
	for _, uri := range uris {
		if attached[uri] {
			continue
		}
		u := uri
		if err := m.withRetry(ctx, func() error { return nx.AddChild(ctx, u) }); err != nil {
			return err
		}
		m.logger.Info("Child attached", "volume", spec.UUID, "uri", u)
	}
	return nil
}

// childURIs resolves the URI each replica is reachable at from the nexus
// node. Local replicas are used directly; remote ones are exported over nvmf
// first.
func (m *Manager) childURIs(ctx context.Context, nexusNode, uuid string, replicas []registry.Replica) ([]string, error) {
	uris := make([]string, 0, len(replicas))
	for _, rep := range replicas {
		if rep.Node == nexusNode {
			uris = append(uris, rep.URI)
			continue
		}
		if rep.Share == registry.ShareNvmf && rep.URI != "" {
			uris = append(uris, rep.URI)
			continue
		}

		node, err := m.registry.GetNode(rep.Node)
		if err != nil {
			continue
		}
		var uri string
		err = m.withRetry(ctx, func() error {
			var err error
			uri, err = node.ShareReplica(ctx, uuid, registry.ShareNvmf)
			return err
		})
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// pickNexusNode chooses the node to host a new nexus: a hinted node holding
// a replica, else any replica node, so one child stays local
func (m *Manager) pickNexusNode(spec *store.VolumeSpec, replicas []registry.Replica) string {
	online := make(map[string]bool)
	for _, node := range m.registry.OnlineNodes() {
		online[node.Name()] = true
	}

	for _, hint := range spec.PreferNodes {
		for _, rep := range replicas {
			if rep.Node == hint && online[hint] {
				return hint
			}
		}
	}
	for _, rep := range replicas {
		if online[rep.Node] {
			return rep.Node
		}
	}
	return ""
}

// volumeReplicas returns the cluster-wide replicas of one volume
func (m *Manager) volumeReplicas(uuid string) []registry.Replica {
	var out []registry.Replica
	for _, rep := range m.registry.ListReplicas() {
		if rep.UUID == uuid {
			out = append(out, rep)
		}
	}
	return out
}

// onlinePools returns pools hosted on online nodes
func (m *Manager) onlinePools() []registry.Pool {
	online := make(map[string]bool)
	for _, node := range m.registry.OnlineNodes() {
		online[node.Name()] = true
	}

	var out []registry.Pool
	for _, p := range m.registry.ListPools() {
		if online[p.Node] {
			out = append(out, p)
		}
	}
	return out
}

// withRetry runs fn with bounded retries and doubling backoff. Errors that
// retrying cannot fix fail immediately.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	backoff := utils.DefaultRetryBackoff
	var err error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		switch errs.CodeOf(err) {
		case errs.AlreadyExists, errs.InvalidArgument:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > utils.MaxRetryBackoff {
			backoff = utils.MaxRetryBackoff
		}
	}
	return err
}
