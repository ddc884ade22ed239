package permcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	mu      sync.Mutex
	calls   int
	results map[string]Result
	err     error
	block   chan struct{} // if non-nil, fetches wait on it
}

func (f *countingFetcher) FetchPermissions(ctx context.Context, email string) (Result, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return Result{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.results[email]; ok {
		return r, nil
	}
	return Result{}, nil
}

func (f *countingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func editorResult() Result {
	role := "editor"
	return Result{IsAllowed: true, CanEdit: true, Role: &role}
}

func collect(t *testing.T) (func(Entry), func() Entry) {
	t.Helper()
	ch := make(chan Entry, 8)
	deliver := func(e Entry) { ch <- e }
	next := func() Entry {
		select {
		case e := <-ch:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for entry")
			return Entry{}
		}
	}
	return deliver, next
}

func TestSubscribeDeliversLoadingThenResult(t *testing.T) {
	fetcher := &countingFetcher{results: map[string]Result{"dm@example.com": editorResult()}}
	cache := New(fetcher)

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	defer unsub()

	first := next()
	assert.True(t, first.Loading)
	assert.False(t, first.IsAllowed)

	second := next()
	assert.False(t, second.Loading)
	assert.True(t, second.IsAllowed)
	assert.True(t, second.CanEdit)
	require.NotNil(t, second.Role)
	assert.Equal(t, "editor", *second.Role)
}

func TestSubscribeEmptyEmailDenied(t *testing.T) {
	fetcher := &countingFetcher{}
	cache := New(fetcher)

	var got Entry
	unsub := cache.Subscribe("", func(e Entry) { got = e })
	unsub()

	assert.False(t, got.IsAllowed)
	assert.False(t, got.Loading)
	assert.Equal(t, 0, fetcher.callCount())
}

func TestSimultaneousSubscribesShareOneFetch(t *testing.T) {
	fetcher := &countingFetcher{
		results: map[string]Result{"dm@example.com": editorResult()},
		block:   make(chan struct{}),
	}
	cache := New(fetcher)

	chA := make(chan Entry, 4)
	chB := make(chan Entry, 4)
	unsubA := cache.Subscribe("dm@example.com", func(e Entry) { chA <- e })
	unsubB := cache.Subscribe("dm@example.com", func(e Entry) { chB <- e })
	defer unsubA()
	defer unsubB()

	// Both see the loading placeholder while exactly one fetch is in flight.
	assert.True(t, (<-chA).Loading)
	assert.True(t, (<-chB).Loading)

	close(fetcher.block)

	for _, ch := range []chan Entry{chA, chB} {
		select {
		case e := <-ch:
			assert.True(t, e.IsAllowed)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for resolved entry")
		}
	}
	assert.Equal(t, 1, fetcher.callCount())
}

func TestSubscribeFreshEntryIsSynchronous(t *testing.T) {
	fetcher := &countingFetcher{results: map[string]Result{"dm@example.com": editorResult()}}
	cache := New(fetcher)

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	next() // loading
	next() // resolved
	unsub()
	require.Equal(t, 1, fetcher.callCount())

	// Second subscriber within the TTL: synchronous delivery, no new fetch.
	var got Entry
	unsub2 := cache.Subscribe("dm@example.com", func(e Entry) { got = e })
	defer unsub2()
	assert.True(t, got.IsAllowed)
	assert.False(t, got.Loading)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestExpiredEntryTriggersRefetch(t *testing.T) {
	now := time.Now()
	fetcher := &countingFetcher{results: map[string]Result{"dm@example.com": editorResult()}}
	cache := New(fetcher, WithClock(func() time.Time { return now }))

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	next()
	next()
	unsub()
	require.Equal(t, 1, fetcher.callCount())

	// One tick past the TTL the entry is stale and a new fetch runs.
	now = now.Add(DefaultTTL + time.Millisecond)

	deliver2, next2 := collect(t)
	unsub2 := cache.Subscribe("dm@example.com", deliver2)
	defer unsub2()
	assert.True(t, next2().Loading)
	next2()
	assert.Equal(t, 2, fetcher.callCount())
}

func TestFailedFetchCachesDenied(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("backend down")}
	cache := New(fetcher)

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	next() // loading
	resolved := next()
	unsub()

	assert.False(t, resolved.IsAllowed)
	assert.Equal(t, "backend down", resolved.Err)
	require.Equal(t, 1, fetcher.callCount())

	// The failure is cached: a second subscribe inside the TTL does not retry.
	var got Entry
	unsub2 := cache.Subscribe("dm@example.com", func(e Entry) { got = e })
	defer unsub2()
	assert.Equal(t, "backend down", got.Err)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestInvalidateUserRefetchesForSubscribers(t *testing.T) {
	fetcher := &countingFetcher{results: map[string]Result{"dm@example.com": editorResult()}}
	cache := New(fetcher)

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	defer unsub()
	next()
	next()
	require.Equal(t, 1, fetcher.callCount())

	cache.InvalidateUser("dm@example.com")
	resolved := next()
	assert.True(t, resolved.IsAllowed)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestInvalidateUserWithoutSubscribersDoesNotFetch(t *testing.T) {
	fetcher := &countingFetcher{results: map[string]Result{"dm@example.com": editorResult()}}
	cache := New(fetcher)

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	next()
	next()
	unsub()

	cache.InvalidateUser("dm@example.com")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetcher.callCount())

	_, ok := cache.Peek("dm@example.com")
	assert.False(t, ok)
}

func TestClearDropsEverything(t *testing.T) {
	fetcher := &countingFetcher{results: map[string]Result{"dm@example.com": editorResult()}}
	cache := New(fetcher)

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	defer unsub()
	next()
	next()

	cache.Clear()
	_, ok := cache.Peek("dm@example.com")
	assert.False(t, ok)

	// Nothing re-fetches until the next Subscribe.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetcher.callCount())
}

type stubTier struct {
	mu   sync.Mutex
	data map[string]Result
	sets int
	dels int
}

func (s *stubTier) Get(ctx context.Context, email string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[email]
	return r, ok
}

func (s *stubTier) Set(ctx context.Context, email string, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]Result)
	}
	s.data[email] = result
	s.sets++
}

func (s *stubTier) Invalidate(ctx context.Context, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, email)
	s.dels++
}

func TestSharedTierHitSkipsFetcher(t *testing.T) {
	fetcher := &countingFetcher{}
	tier := &stubTier{data: map[string]Result{"dm@example.com": editorResult()}}
	cache := New(fetcher, WithSharedTier(tier))

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	defer unsub()
	next() // loading
	resolved := next()

	assert.True(t, resolved.IsAllowed)
	assert.Equal(t, 0, fetcher.callCount())
}

func TestInvalidateUserDropsSharedTierEntry(t *testing.T) {
	adminRole := "admin"
	fetcher := &countingFetcher{results: map[string]Result{
		"dm@example.com": {IsAllowed: true, CanEdit: true, IsAdmin: true, Role: &adminRole},
	}}
	// The tier still holds the pre-promotion bundle.
	tier := &stubTier{data: map[string]Result{"dm@example.com": editorResult()}}
	cache := New(fetcher, WithSharedTier(tier))

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	defer unsub()
	next() // loading
	stale := next()
	require.NotNil(t, stale.Role)
	require.Equal(t, "editor", *stale.Role)

	// Invalidation must reach the tier, or the re-fetch resurrects the
	// stale bundle.
	cache.InvalidateUser("dm@example.com")
	fresh := next()
	assert.True(t, fresh.IsAdmin)
	require.NotNil(t, fresh.Role)
	assert.Equal(t, "admin", *fresh.Role)

	tier.mu.Lock()
	defer tier.mu.Unlock()
	assert.Equal(t, 1, tier.dels)
	assert.True(t, tier.data["dm@example.com"].IsAdmin, "tier re-populated with the fresh bundle")
}

func TestClearDropsSharedTierEntries(t *testing.T) {
	fetcher := &countingFetcher{results: map[string]Result{"dm@example.com": editorResult()}}
	tier := &stubTier{}
	cache := New(fetcher, WithSharedTier(tier))

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	defer unsub()
	next()
	next()

	cache.Clear()
	tier.mu.Lock()
	defer tier.mu.Unlock()
	assert.Equal(t, 1, tier.dels)
	assert.Empty(t, tier.data)
}

func TestSharedTierPopulatedOnFetch(t *testing.T) {
	fetcher := &countingFetcher{results: map[string]Result{"dm@example.com": editorResult()}}
	tier := &stubTier{}
	cache := New(fetcher, WithSharedTier(tier))

	deliver, next := collect(t)
	unsub := cache.Subscribe("dm@example.com", deliver)
	defer unsub()
	next()
	next()

	tier.mu.Lock()
	defer tier.mu.Unlock()
	assert.Equal(t, 1, tier.sets)
	assert.True(t, tier.data["dm@example.com"].IsAllowed)
}
