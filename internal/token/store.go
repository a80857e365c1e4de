// Package token implements TokenStore[T]: caches up to one token per
// document, refreshes proactively ahead of expiry, bounds concurrent
// refreshes, and deduplicates concurrent callers.
//
// The expirable-LRU bounded-cache shape follows the same pattern used
// elsewhere in this codebase for auth caches. Refreshes beyond the
// concurrency bound wait on a buffered-channel semaphore; internal/queue
// stages the refreshes a sweep discovers, and
// golang.org/x/sync/singleflight deduplicates concurrent callers refreshing
// the same guid into a single in-flight future.
package token

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"golang.org/x/sync/singleflight"

	"github.com/relaynotes/mergecore/internal/clock"
	"github.com/relaynotes/mergecore/internal/queue"
)

const (
	// ExpiryMargin is how far ahead of expiry a token is proactively
	// refreshed.
	ExpiryMargin = 5 * time.Minute
	// DefaultMaxConnections bounds concurrent in-flight refreshes.
	DefaultMaxConnections = 5
	// MaxFailedAttempts is the number of consecutive refresh failures
	// before an entry is evicted.
	MaxFailedAttempts = 3
	// sweepInterval is how often the background timer walks the cache.
	sweepInterval = 60 * time.Second
	// cacheCeiling bounds the expirable LRU itself; entries also expire on
	// their own token expiry via ExpireTime below, this is a backstop
	// against unbounded growth from guids that are never swept.
	cacheCeiling = 4096
)

// RefreshFunc performs the actual network refresh for one guid. On
// success it returns the new token; on failure a non-nil error.
type RefreshFunc[T any] func(ctx context.Context, guid string) (T, error)

// ExpiryFunc extracts a token's expiry time in epoch milliseconds.
// DefaultJWTExpiry is used when the caller doesn't supply one.
type ExpiryFunc[T any] func(token T) (int64, error)

type entry[T any] struct {
	guid         string
	friendlyName string
	token        T
	hasToken     bool
	expiryMs     int64
	attempts     int
	onRefreshed  func(T)
}

// Store is a bounded, proactively-refreshing token cache for one token
// type T (e.g. a provider.ClientToken).
type Store[T any] struct {
	clock   clock.Provider
	refresh RefreshFunc[T]
	expiry  ExpiryFunc[T]

	cache *lru.LRU[string, *entry[T]]
	sf    singleflight.Group

	slots   chan struct{} // bounds concurrent refreshes to maxConnections
	waiters *queue.PriorityQueue[string]

	// refreshLimiter caps how often any single guid may attempt a refresh,
	// independent of the maxConnections concurrency bound: it protects
	// against a flapping connection hammering doRefresh with back-to-back
	// failing attempts well within MaxFailedAttempts's own window.
	refreshLimiter *limiter.Limiter

	timerID int
	running bool
	mu      sync.Mutex
}

// refreshRate bounds a single guid to 10 refresh attempts per minute.
var refreshRate = limiter.Rate{Period: time.Minute, Limit: 10}

// New creates a TokenStore. maxConnections <= 0 uses DefaultMaxConnections.
func New[T any](cp clock.Provider, refresh RefreshFunc[T], expiry ExpiryFunc[T], maxConnections int) *Store[T] {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	if expiry == nil {
		expiry = func(token T) (int64, error) { return DefaultJWTExpiry(token), nil }
	}
	return &Store[T]{
		clock:          cp,
		refresh:        refresh,
		expiry:         expiry,
		cache:          lru.NewLRU[string, *entry[T]](cacheCeiling, nil, 0),
		slots:          make(chan struct{}, maxConnections),
		waiters:        queue.NewPriorityQueue[string](),
		refreshLimiter: limiter.New(memory.NewStore(), refreshRate),
	}
}

// Start enables the 60s sweep timer.
func (s *Store[T]) Start() {
	s.mu.Lock()
	already := s.running
	s.running = true
	s.mu.Unlock()
	if already {
		return
	}
	s.timerID = s.clock.SetInterval(s.sweep, sweepInterval)
}

// Stop disables the sweep timer.
func (s *Store[T]) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if running {
		s.clock.ClearInterval(s.timerID)
	}
}

// shouldRefresh reports whether now + margin > expiry.
func shouldRefresh(now, expiry int64) bool {
	return now+ExpiryMargin.Milliseconds() > expiry
}

// Get returns a valid cached token if present and not within the expiry
// margin; otherwise it schedules a refresh (bounded by maxConnections,
// FIFO beyond that) and returns once that refresh (or an already in-flight
// one for this guid) completes. onRefreshed, if non-nil, is retained and
// invoked on every future refresh of this guid (e.g. to push a fresh
// ClientToken to an open provider connection).
func (s *Store[T]) Get(ctx context.Context, guid, friendlyName string, onRefreshed func(T)) (T, error) {
	s.mu.Lock()
	e, ok := s.cache.Get(guid)
	now := s.clock.Now()
	if ok && e.hasToken && !shouldRefresh(now, e.expiryMs) {
		if onRefreshed != nil {
			e.onRefreshed = onRefreshed
		}
		s.mu.Unlock()
		return e.token, nil
	}
	if !ok {
		e = &entry[T]{guid: guid, friendlyName: friendlyName}
	}
	if onRefreshed != nil {
		e.onRefreshed = onRefreshed
	}
	s.cache.Add(guid, e)
	s.mu.Unlock()

	token, err, _ := s.sf.Do(guid, func() (any, error) {
		return s.doRefresh(ctx, guid)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return token.(T), nil
}

// GetSync is a non-blocking peek: returns the cached token (even if stale)
// or the zero value if nothing is cached.
func (s *Store[T]) GetSync(guid string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Get(guid)
	if !ok || !e.hasToken {
		var zero T
		return zero, false
	}
	return e.token, true
}

// RemoveFromRefreshQueue drops guid from the FIFO overflow queue if it is
// waiting there (it may still be actively refreshing).
func (s *Store[T]) RemoveFromRefreshQueue(guid string) {
	remaining := s.waiters.DequeueAll()
	for i, g := range remaining {
		if g != guid {
			s.waiters.Enqueue(g, i)
		}
	}
}

// Clear removes entries matching filter (or all entries if filter is nil).
func (s *Store[T]) Clear(filter func(guid string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, guid := range s.cache.Keys() {
		if filter == nil || filter(guid) {
			s.cache.Remove(guid)
		}
	}
}

// ClearState drops tokens whose expiry is already past and resets attempts
// on the rest, without evicting not-yet-expired entries.
func (s *Store[T]) ClearState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, guid := range s.cache.Keys() {
		e, ok := s.cache.Peek(guid)
		if !ok {
			continue
		}
		if e.hasToken && e.expiryMs <= now {
			s.cache.Remove(guid)
			continue
		}
		e.attempts = 0
	}
}

// Report returns a human-readable summary sorted by expiry, soonest first.
func (s *Store[T]) Report() string {
	s.mu.Lock()
	entries := make([]*entry[T], 0, s.cache.Len())
	for _, guid := range s.cache.Keys() {
		if e, ok := s.cache.Peek(guid); ok {
			entries = append(entries, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].expiryMs < entries[j].expiryMs })

	now := s.clock.Now()
	var b strings.Builder
	for _, e := range entries {
		status := "no token"
		if e.hasToken {
			d := time.Duration(e.expiryMs-now) * time.Millisecond
			if d > 0 {
				status = fmt.Sprintf("expires in %s", humanize.RelTime(time.Now(), time.Now().Add(d), "", ""))
			} else {
				status = fmt.Sprintf("expired %s ago", humanize.RelTime(time.Now().Add(d), time.Now(), "", ""))
			}
		}
		fmt.Fprintf(&b, "%s (%s): %s, attempts=%d\n", e.friendlyName, e.guid, status, e.attempts)
	}
	return b.String()
}

func (s *Store[T]) doRefresh(ctx context.Context, guid string) (T, error) {
	if lc, err := s.refreshLimiter.Get(ctx, guid); err == nil && lc.Reached {
		var zero T
		return zero, fmt.Errorf("refresh token for %s: rate limit exceeded, retry after %s", guid, time.Unix(lc.Reset, 0).Format(time.RFC3339))
	}

	s.acquireSlot()
	defer s.releaseSlot()

	token, err := s.refresh(ctx, guid)

	s.mu.Lock()
	e, ok := s.cache.Peek(guid)
	if !ok {
		e = &entry[T]{guid: guid}
	}
	if err != nil {
		e.attempts++
		if e.attempts >= MaxFailedAttempts {
			s.cache.Remove(guid)
		} else {
			s.cache.Add(guid, e)
		}
		s.mu.Unlock()
		var zero T
		return zero, fmt.Errorf("refresh token for %s: %w", guid, err)
	}

	expiryMs, expErr := s.expiry(token)
	if expErr != nil {
		expiryMs = DefaultJWTExpiry(token)
	}
	e.token = token
	e.hasToken = true
	e.expiryMs = expiryMs
	e.attempts = 0
	cb := e.onRefreshed
	s.cache.Add(guid, e)
	s.mu.Unlock()

	if cb != nil {
		cb(token)
	}
	return token, nil
}

// acquireSlot blocks until fewer than maxConnections refreshes are
// in-flight; the channel's own FIFO wakeup order satisfies the "overflow
// is queued FIFO" requirement.
func (s *Store[T]) acquireSlot() {
	s.slots <- struct{}{}
}

func (s *Store[T]) releaseSlot() {
	<-s.slots
}

// sweep is the periodic cache walk: evicts expired-with-no-callback
// tokens, and schedules a refresh for any token (that has a callback) due
// within the expiry margin.
func (s *Store[T]) sweep() {
	now := s.clock.Now()

	s.mu.Lock()
	var dueForRefresh []string
	for _, guid := range s.cache.Keys() {
		e, ok := s.cache.Peek(guid)
		if !ok {
			continue
		}
		if e.hasToken && e.expiryMs <= now && e.onRefreshed == nil {
			s.cache.Remove(guid)
			continue
		}
		if e.onRefreshed != nil && e.hasToken && shouldRefresh(now, e.expiryMs) {
			dueForRefresh = append(dueForRefresh, guid)
		}
	}
	s.mu.Unlock()

	// Queue sweep-discovered refreshes FIFO rather than firing one goroutine
	// per candidate; acquireSlot still bounds how many run at once, this
	// just makes the wait order visible/cancelable via
	// RemoveFromRefreshQueue before a worker has picked a guid up.
	for i, guid := range dueForRefresh {
		s.waiters.Enqueue(guid, i)
	}
	for range dueForRefresh {
		guid, ok := s.waiters.Dequeue()
		if !ok {
			break
		}
		go func(g string) {
			_, _ = s.sf.Do(g, func() (any, error) {
				return s.doRefresh(context.Background(), g)
			})
		}(guid)
	}
}
