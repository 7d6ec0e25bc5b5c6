package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tenantgate.org/internal/obs"
)

const (
	defaultDenylistSize = 100_000
	denylistKeyPrefix   = "tenantgate:denylist:"
)

// Denylist is an expiring set of revoked token ids.
type Denylist interface {
	Add(ctx context.Context, tokenID string, until time.Time) error
	Contains(ctx context.Context, tokenID string) (bool, error)
	// Claim adds tokenID unless it is already present. Of concurrent claims
	// for the same id exactly one reports true.
	Claim(ctx context.Context, tokenID string, until time.Time) (bool, error)
}

// LRUDenylist keeps revoked ids in process memory. Entries live at most
// maxTTL; each also carries its own expiry which Contains honours. Once size
// ids are held the oldest is dropped even if its token is still live; such
// evictions are logged and counted.
type LRUDenylist struct {
	mu      sync.Mutex
	cache   *expirable.LRU[string, time.Time]
	now     func() time.Time
	evicted atomic.Int64
}

var _ Denylist = (*LRUDenylist)(nil)

// NewLRUDenylist creates a deny-list holding up to size ids.
func NewLRUDenylist(size int, maxTTL time.Duration) *LRUDenylist {
	if size <= 0 {
		size = defaultDenylistSize
	}
	d := &LRUDenylist{now: time.Now}
	d.cache = expirable.NewLRU[string, time.Time](size, d.onEvict, maxTTL)
	return d
}

func (d *LRUDenylist) onEvict(tokenID string, until time.Time) {
	if !until.After(d.now()) {
		return
	}
	d.evicted.Add(1)
	obs.ObserveDenylistEviction()
	obs.Logger().Warn("denylist full, revoked token dropped before expiry",
		zap.String("token_id", tokenID),
		zap.Time("expires_at", until))
}

// Evicted returns how many live revocations were dropped for capacity.
func (d *LRUDenylist) Evicted() int64 { return d.evicted.Load() }

func (d *LRUDenylist) Add(_ context.Context, tokenID string, until time.Time) error {
	if tokenID == "" || !until.After(d.now()) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Add(tokenID, until)
	return nil
}

func (d *LRUDenylist) Contains(_ context.Context, tokenID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containsLocked(tokenID), nil
}

func (d *LRUDenylist) Claim(_ context.Context, tokenID string, until time.Time) (bool, error) {
	if tokenID == "" || !until.After(d.now()) {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.containsLocked(tokenID) {
		return false, nil
	}
	d.cache.Add(tokenID, until)
	return true, nil
}

func (d *LRUDenylist) containsLocked(tokenID string) bool {
	until, ok := d.cache.Get(tokenID)
	if !ok {
		return false
	}
	if !until.After(d.now()) {
		d.cache.Remove(tokenID)
		return false
	}
	return true
}

// RedisDenylist shares revoked ids between replicas. Keys expire with the
// token so the set never outgrows the live token population.
type RedisDenylist struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Denylist = (*RedisDenylist)(nil)

// NewRedisDenylist wraps client.
func NewRedisDenylist(client redis.UniversalClient) *RedisDenylist {
	return &RedisDenylist{client: client, prefix: denylistKeyPrefix, now: time.Now}
}

func (d *RedisDenylist) Add(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(d.now())
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	return d.client.Set(ctx, d.prefix+tokenID, 1, ttl).Err()
}

func (d *RedisDenylist) Contains(ctx context.Context, tokenID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDenylist) Claim(ctx context.Context, tokenID string, until time.Time) (bool, error) {
	ttl := until.Sub(d.now())
	if tokenID == "" || ttl <= 0 {
		return false, nil
	}
	return d.client.SetNX(ctx, d.prefix+tokenID, 1, ttl).Result()
}
