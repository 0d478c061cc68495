// Package tenant resolves the tenant scope a request runs under.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

var ErrNotFound = errors.New("tenant not found")

// Context is the tenant scope of a single request.
type Context struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Resolver resolves the tenant for a user.  A nil Context with a nil error
// means the user belongs to no tenant.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (*Context, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, userID string) (*Context, error)

func (f ResolverFunc) Resolve(ctx context.Context, userID string) (*Context, error) {
	return f(ctx, userID)
}

// Directory is an in-memory user to tenant mapping.
type Directory struct {
	mu      sync.RWMutex
	tenants map[string]string
}

// NewDirectory copies the given user id to tenant id mapping.
func NewDirectory(users map[string]string) *Directory {
	d := &Directory{tenants: make(map[string]string, len(users))}
	for u, t := range users {
		d.tenants[u] = t
	}
	return d
}

// Set assigns a user to a tenant.
func (d *Directory) Set(userID, tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[userID] = tenantID
}

func (d *Directory) Resolve(ctx context.Context, userID string) (*Context, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, userID)
	}
	return &Context{TenantID: t, UserID: userID}, nil
}

// CachedResolver caches successful lookups of another Resolver.  Failures are
// never cached.
type CachedResolver struct {
	next  Resolver
	ttl   time.Duration
	cache *ccache.Cache[*Context]
}

func NewCachedResolver(next Resolver, size int64, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:  next,
		ttl:   ttl,
		cache: ccache.New(ccache.Configure[*Context]().MaxSize(size)),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, userID string) (*Context, error) {
	item, err := c.cache.Fetch(userID, c.ttl, func() (*Context, error) {
		return c.next.Resolve(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return item.Value(), nil
}

// Invalidate drops a cached lookup.
func (c *CachedResolver) Invalidate(userID string) {
	c.cache.Delete(userID)
}

// Stop stops the cache's background worker.
func (c *CachedResolver) Stop() {
	c.cache.Stop()
}
