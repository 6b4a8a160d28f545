package tenant

import (
	"context"
	"sort"
	"sync"
)

// Opener creates the backing handle for a partition the first time it is
// used.
type Opener[H any] func(ctx context.Context, name string) (H, error)

// Registry lazily opens partition handles and caches them by name. It is safe
// for concurrent use; concurrent first use of a name runs the opener once and
// every caller receives the same handle.
type Registry[H any] struct {
	open    Opener[H]
	handles sync.Map // name -> *registryEntry[H]
}

type registryEntry[H any] struct {
	once   sync.Once
	handle H
	err    error
}

func NewRegistry[H any](open Opener[H]) *Registry[H] {
	return &Registry[H]{open: open}
}

// Open returns the handle for name, creating it on first use. A failed open
// is not cached so a later call can retry.
func (r *Registry[H]) Open(ctx context.Context, name string) (H, error) {
	value, _ := r.handles.LoadOrStore(name, &registryEntry[H]{})
	entry := value.(*registryEntry[H])
	entry.once.Do(func() {
		entry.handle, entry.err = r.open(ctx, name)
	})
	if entry.err != nil {
		r.handles.CompareAndDelete(name, entry)
		var zero H
		return zero, entry.err
	}
	return entry.handle, nil
}

// Forget drops a cached handle, typically after its partition was dropped.
func (r *Registry[H]) Forget(name string) {
	r.handles.Delete(name)
}

// Names lists the cached partition names in sorted order.
func (r *Registry[H]) Names() []string {
	var names []string
	r.handles.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}
