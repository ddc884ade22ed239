// Package permcache shares permission lookups across every interested caller:
// one fetch and one TTL-bounded cache entry per email, fanned out to
// subscribers.
package permcache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a cached permission bundle stays fresh.
const DefaultTTL = 5 * time.Minute

// Result is the permission bundle for one email. Role is nil when the user
// has no role at all.
type Result struct {
	IsAllowed bool    `json:"isAllowed"`
	CanEdit   bool    `json:"canEdit"`
	IsAdmin   bool    `json:"isAdmin"`
	Role      *string `json:"role"`
}

// Denied is the zero-access bundle cached for unknown users and failed
// fetches.
func Denied() Result {
	return Result{}
}

// Entry is what subscribers receive: the bundle plus cache bookkeeping. A
// failed fetch is delivered as a denied Entry with Err set, never as an
// error.
type Entry struct {
	Email string `json:"email"`
	Result
	Timestamp time.Time `json:"timestamp"`
	Loading   bool      `json:"loading"`
	Err       string    `json:"error,omitempty"`
}

// Fetcher resolves an email to its permission bundle, usually over the perm
// records service.
type Fetcher interface {
	FetchPermissions(ctx context.Context, email string) (Result, error)
}

// SharedTier is an optional second cache level (Redis) shared between API
// replicas.
type SharedTier interface {
	Get(ctx context.Context, email string) (Result, bool)
	Set(ctx context.Context, email string, result Result)
	Invalidate(ctx context.Context, email string)
}

// Cache de-duplicates permission fetches. Construct one per process and
// inject it; there is no package-level instance, so tests get isolation for
// free.
type Cache struct {
	fetcher Fetcher
	tier    SharedTier
	ttl     time.Duration
	clock   func() time.Time

	mu       sync.Mutex
	entries  map[string]Entry
	subs     map[string]map[int]func(Entry)
	nextSub  int
	inflight map[string]bool
}

// Option tweaks a Cache at construction.
type Option func(*Cache)

// WithTTL overrides the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithSharedTier adds a replica-shared cache level consulted before the
// fetcher.
func WithSharedTier(tier SharedTier) Option {
	return func(c *Cache) { c.tier = tier }
}

// WithClock overrides the time source. Test hook.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		ttl:      DefaultTTL,
		clock:    time.Now,
		entries:  make(map[string]Entry),
		subs:     make(map[string]map[int]func(Entry)),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn for permission updates for email and returns an
// unsubscribe func. An empty email is answered synchronously with a denied
// entry and a no-op unsubscribe. A fresh cache entry is delivered
// synchronously; otherwise fn first sees a loading placeholder, then the
// fetched result.
func (c *Cache) Subscribe(email string, fn func(Entry)) func() {
	if email == "" {
		fn(Entry{Result: Denied(), Timestamp: c.clock()})
		return func() {}
	}

	c.mu.Lock()
	if c.subs[email] == nil {
		c.subs[email] = make(map[int]func(Entry))
	}
	key := c.nextSub
	c.nextSub++
	c.subs[email][key] = fn

	now := c.clock()
	entry, ok := c.entries[email]
	fresh := ok && !entry.Loading && now.Sub(entry.Timestamp) < c.ttl

	var deliver Entry
	startFetch := false
	if fresh {
		deliver = entry
	} else {
		deliver = Entry{Email: email, Result: Denied(), Timestamp: now, Loading: true}
		c.entries[email] = deliver
		if !c.inflight[email] {
			c.inflight[email] = true
			startFetch = true
		}
	}
	c.mu.Unlock()

	fn(deliver)
	if startFetch {
		go c.fetch(email)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[email], key)
			if len(c.subs[email]) == 0 {
				delete(c.subs, email)
			}
			c.mu.Unlock()
		})
	}
}

// InvalidateUser drops the cached entry, both local and shared; if anyone is
// still subscribed, a fresh fetch starts immediately. The shared tier must go
// first or the re-fetch would resurrect the stale bundle.
func (c *Cache) InvalidateUser(email string) {
	if c.tier != nil {
		c.tier.Invalidate(context.Background(), email)
	}

	c.mu.Lock()
	delete(c.entries, email)
	refetch := len(c.subs[email]) > 0 && !c.inflight[email]
	if refetch {
		c.inflight[email] = true
	}
	c.mu.Unlock()

	if refetch {
		go c.fetch(email)
	}
}

// Clear drops every entry and in-flight tracker, along with the shared-tier
// entries this process knows about. Nothing is re-fetched until the next
// Subscribe.
func (c *Cache) Clear() {
	c.mu.Lock()
	emails := make([]string, 0, len(c.entries))
	for email := range c.entries {
		emails = append(emails, email)
	}
	c.entries = make(map[string]Entry)
	c.inflight = make(map[string]bool)
	c.mu.Unlock()

	if c.tier != nil {
		ctx := context.Background()
		for _, email := range emails {
			c.tier.Invalidate(ctx, email)
		}
	}
}

// Peek returns the current entry without triggering a fetch.
func (c *Cache) Peek(email string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[email]
	return entry, ok
}

func (c *Cache) fetch(email string) {
	ctx := context.Background()

	if c.tier != nil {
		if result, ok := c.tier.Get(ctx, email); ok {
			c.resolve(email, result, nil, false)
			return
		}
	}

	result, err := c.fetcher.FetchPermissions(ctx, email)
	if err != nil {
		// A failed fetch caches a denied bundle tagged with the error; it is
		// delivered as data and not retried until invalidated or expired.
		c.resolve(email, Denied(), err, false)
		return
	}
	c.resolve(email, result, nil, true)
}

func (c *Cache) resolve(email string, result Result, err error, share bool) {
	c.mu.Lock()
	entry := Entry{Email: email, Result: result, Timestamp: c.clock()}
	if err != nil {
		entry.Err = err.Error()
	}
	c.entries[email] = entry
	delete(c.inflight, email)
	fns := make([]func(Entry), 0, len(c.subs[email]))
	for _, fn := range c.subs[email] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	if share && c.tier != nil {
		c.tier.Set(context.Background(), email, result)
	}
	for _, fn := range fns {
		fn(entry)
	}
}
