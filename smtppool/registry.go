package smtppool

import (
	"context"
	"errors"
	"sync"

	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

// DefaultPoolName is the pool name used when none is given.
const DefaultPoolName = "DEFAULT_POOL"

// Registry shares named pools between clients in one process.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*shared
}

type shared struct {
	pool *Pool
	refs int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*shared)}
}

// Shared is a reference to a registry pool. Every handle must be closed;
// the pool itself closes with the last one.
type Shared struct {
	*Pool
	reg  *Registry
	name string
	once sync.Once
}

// Open returns a handle to the pool called name, creating it from cfg if
// the registry has none. An existing pool keeps the configuration it was
// created with.
func (r *Registry) Open(name string, cfg smtpconfig.Config, opts ...Option) (*Shared, error) {
	if name == "" {
		name = DefaultPoolName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.pools[name]
	if !ok {
		pool, err := New(cfg, append([]Option{WithName(name)}, opts...)...)
		if err != nil {
			return nil, err
		}
		sp = &shared{pool: pool}
		r.pools[name] = sp
	}
	sp.refs++
	return &Shared{Pool: sp.pool, reg: r, name: name}, nil
}

// Len returns the number of open pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close releases the handle. The last handle to close closes the pool and
// removes it from the registry. Further calls are no-ops.
func (s *Shared) Close(ctx context.Context) error {
	var last *Pool
	s.once.Do(func() {
		s.reg.mu.Lock()
		defer s.reg.mu.Unlock()

		sp, ok := s.reg.pools[s.name]
		if !ok || sp.pool != s.Pool {
			return
		}
		sp.refs--
		if sp.refs == 0 {
			delete(s.reg.pools, s.name)
			last = sp.pool
		}
	})
	if last == nil {
		return nil
	}
	return last.Close(ctx)
}

// Close closes every pool regardless of open handles and empties the
// registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*shared)
	r.mu.Unlock()

	var errs []error
	for _, sp := range pools {
		if err := sp.pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
