package config

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cached wraps a Query with a short-TTL, singleflight-deduplicated cache
// in front of Device and TrustedClientCerts, the two lookups on the TLS
// accept hot path. It trims the usual stale-while-revalidate behavior of
// this pattern: a stale device record on the accept path is a correctness
// risk, not just a latency one.
type Cached struct {
	inner Query
	ttl   time.Duration

	group singleflight.Group

	mu      sync.RWMutex
	devices map[DeviceID]cachedDevice
	trust   *cachedTrust
}

type cachedDevice struct {
	device    *Device
	err       error
	expiresAt time.Time
}

type cachedTrust struct {
	certs     [][]byte
	err       error
	expiresAt time.Time
}

// NewCached wraps inner with a cache of the given TTL.
func NewCached(inner Query, ttl time.Duration) *Cached {
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		devices: make(map[DeviceID]cachedDevice),
	}
}

func (c *Cached) Device(ctx context.Context, id DeviceID) (*Device, error) {
	now := time.Now()
	c.mu.RLock()
	if e, ok := c.devices[id]; ok && now.Before(e.expiresAt) {
		c.mu.RUnlock()
		return e.device, e.err
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("device:"+string(id), func() (interface{}, error) {
		d, derr := c.inner.Device(ctx, id)
		c.mu.Lock()
		c.devices[id] = cachedDevice{device: d, err: derr, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return d, derr
	})
	if err != nil {
		return nil, err
	}
	return v.(*Device), nil
}

func (c *Cached) TrustedClientCerts(ctx context.Context) ([][]byte, error) {
	now := time.Now()
	c.mu.RLock()
	if c.trust != nil && now.Before(c.trust.expiresAt) {
		certs, err := c.trust.certs, c.trust.err
		c.mu.RUnlock()
		return certs, err
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("trust", func() (interface{}, error) {
		certs, cerr := c.inner.TrustedClientCerts(ctx)
		c.mu.Lock()
		c.trust = &cachedTrust{certs: certs, err: cerr, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return certs, cerr
	})
	if err != nil {
		return nil, err
	}
	return v.([][]byte), nil
}

func (c *Cached) Sources(ctx context.Context, id DeviceID) ([]Source, error) {
	d, err := c.Device(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Sources, nil
}

func (c *Cached) User(ctx context.Context, name UserName) (*User, error) {
	return c.inner.User(ctx, name)
}

func (c *Cached) Authorized(ctx context.Context, name UserName, device DeviceID, source SourceID) (bool, error) {
	return c.inner.Authorized(ctx, name, device, source)
}

func (c *Cached) ServerEndpoint(ctx context.Context) (string, error) {
	return c.inner.ServerEndpoint(ctx)
}

func (c *Cached) ServerTLS(ctx context.Context) (*ServerTLS, error) {
	return c.inner.ServerTLS(ctx)
}
