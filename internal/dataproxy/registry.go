package dataproxy

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultPollInterval is the wait between stat attempts after access to a
// dataset has been requested.
const DefaultPollInterval = 5 * time.Second

// Registry resolves container names into Containers and keeps the last
// listing of visible containers.
type Registry struct {
	store Store
	poll  time.Duration

	mu        sync.Mutex
	available []ContainerSummary
}

type RegistryOption func(*Registry)

// WithPollInterval sets the dataset access polling interval.
func WithPollInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.poll = d
		}
	}
}

func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, poll: DefaultPollInterval}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve stats a bucket by name.
func (r *Registry) Resolve(ctx context.Context, name string) (*Container, error) {
	c, err := r.store.Stat(ctx, BucketRef(name))
	if err != nil {
		return nil, fmt.Errorf("resolve bucket %q: %w", name, err)
	}
	return c, nil
}

// ResolveDataset stats a dataset. When the store denies access and
// requestAccess is set, access is requested once and the stat is retried on
// a constant interval until it succeeds, fails for another reason, or ctx ends.
func (r *Registry) ResolveDataset(ctx context.Context, id string, requestAccess bool) (*Container, error) {
	ref := DatasetRef(id)
	c, err := r.store.Stat(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !IsAccessDenied(err) {
		return nil, fmt.Errorf("resolve dataset %q: %w", id, err)
	}
	if !requestAccess {
		return nil, fmt.Errorf("resolve dataset %q: %w (retry with request_access to ask for access)", id, err)
	}
	if err := r.store.RequestAccess(ctx, id); err != nil {
		return nil, fmt.Errorf("request access to dataset %q: %w", id, err)
	}

	op := func() (*Container, error) {
		c, err := r.store.Stat(ctx, ref)
		if err == nil {
			return c, nil
		}
		if IsAccessDenied(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(r.poll), ctx)
	c, err = backoff.RetryWithData(op, b)
	if err != nil {
		return nil, fmt.Errorf("resolve dataset %q: %w", id, err)
	}
	return c, nil
}

// ResolveRef dispatches on ref.Kind.
func (r *Registry) ResolveRef(ctx context.Context, ref ContainerRef, requestAccess bool) (*Container, error) {
	if ref.Kind == KindDataset {
		return r.ResolveDataset(ctx, ref.ID, requestAccess)
	}
	return r.Resolve(ctx, ref.ID)
}

// ListContainers fetches the visible containers and replaces the snapshot.
func (r *Registry) ListContainers(ctx context.Context) ([]ContainerSummary, error) {
	list, err := r.store.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.available = slices.Clone(list)
	r.mu.Unlock()
	return list, nil
}

// Available returns a copy of the last ListContainers result.
func (r *Registry) Available() []ContainerSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.available)
}
