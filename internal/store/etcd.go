// Package store persists desired volume state in etcd. The registry holds
// observed state only; what SHOULD exist survives control plane restarts
// through this store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/blockplane/blockplane/internal/config"
	"github.com/blockplane/blockplane/internal/errs"
)

const volumePrefix = "/blockplane/volumes"

// VolumeSpec is the desired state of one volume: how many replicas of what
// size should exist, and where placement is constrained to.
type VolumeSpec struct {
	UUID         string    `json:"uuid"`
	Size         uint64    `json:"size"`
	ReplicaCount int       `json:"replicaCount"`
	PreferNodes  []string  `json:"preferNodes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Validate checks spec fields before persisting
func (v *VolumeSpec) Validate() error {
	if v.UUID == "" {
		return errs.New(errs.InvalidArgument, "volume spec requires a uuid")
	}
	if v.Size == 0 {
		return errs.New(errs.InvalidArgument, "volume %s requires a non-zero size", v.UUID)
	}
	if v.ReplicaCount < 1 {
		return errs.New(errs.InvalidArgument, "volume %s requires at least one replica", v.UUID)
	}
	return nil
}

// VolumeEvent is one change to the persisted volume set
type VolumeEvent struct {
	Deleted bool
	UUID    string
	Spec    *VolumeSpec // nil when Deleted
}

// VolumeStore keeps volume specs in etcd under a common prefix
type VolumeStore struct {
	client *clientv3.Client
}

// NewVolumeStore connects to etcd
func NewVolumeStore(cfg config.EtcdConfig) (*VolumeStore, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &VolumeStore{client: client}, nil
}

// NewVolumeStoreWithClient wraps an existing etcd client, used by tests with
// an embedded server
func NewVolumeStoreWithClient(client *clientv3.Client) *VolumeStore {
	return &VolumeStore{client: client}
}

func volumeKey(uuid string) string {
	return path.Join(volumePrefix, uuid)
}

// Put stores or replaces a volume spec
func (s *VolumeStore) Put(ctx context.Context, spec *VolumeSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now

	data, err := json.Marshal(spec)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "failed to marshal volume %s", spec.UUID)
	}
	if _, err := s.client.Put(ctx, volumeKey(spec.UUID), string(data)); err != nil {
		return errs.Wrap(errs.Unavailable, err, "failed to store volume %s", spec.UUID)
	}
	return nil
}

// Get returns the spec of one volume
func (s *VolumeStore) Get(ctx context.Context, uuid string) (*VolumeSpec, error) {
	resp, err := s.client.Get(ctx, volumeKey(uuid))
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to get volume %s", uuid)
	}
	if len(resp.Kvs) == 0 {
		return nil, errs.New(errs.NotFound, "volume %s not found", uuid)
	}

	var spec VolumeSpec
	if err := json.Unmarshal(resp.Kvs[0].Value, &spec); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to unmarshal volume %s", uuid)
	}
	return &spec, nil
}

// List returns all persisted volume specs
func (s *VolumeStore) List(ctx context.Context) ([]*VolumeSpec, error) {
	resp, err := s.client.Get(ctx, volumePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to list volumes")
	}

	specs := make([]*VolumeSpec, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var spec VolumeSpec
		if err := json.Unmarshal(kv.Value, &spec); err != nil {
			// Skip unreadable records rather than failing the whole list.
			continue
		}
		specs = append(specs, &spec)
	}
	return specs, nil
}

// Delete removes a volume spec. Deleting an absent volume is a no-op.
func (s *VolumeStore) Delete(ctx context.Context, uuid string) error {
	if _, err := s.client.Delete(ctx, volumeKey(uuid)); err != nil {
		return errs.Wrap(errs.Unavailable, err, "failed to delete volume %s", uuid)
	}
	return nil
}

// Watch streams changes to the volume set until the context ends
func (s *VolumeStore) Watch(ctx context.Context) <-chan VolumeEvent {
	out := make(chan VolumeEvent)

	go func() {
		defer close(out)
		wch := s.client.Watch(ctx, volumePrefix, clientv3.WithPrefix())
		for resp := range wch {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				uuid := path.Base(string(ev.Kv.Key))
				if ev.Type == clientv3.EventTypeDelete {
					select {
					case out <- VolumeEvent{Deleted: true, UUID: uuid}:
					case <-ctx.Done():
						return
					}
					continue
				}

				var spec VolumeSpec
				if err := json.Unmarshal(ev.Kv.Value, &spec); err != nil {
					continue
				}
				select {
				case out <- VolumeEvent{UUID: uuid, Spec: &spec}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Close closes the etcd client
func (s *VolumeStore) Close() error {
	return s.client.Close()
}
