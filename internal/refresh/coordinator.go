// Package refresh keeps derived views of server state fresh. Each
// distinct query key is one logical subscription with at most one fetch
// in flight per generation.
package refresh

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nhle/incidentwatch/internal/logging"
	"github.com/nhle/incidentwatch/internal/metrics"
	"github.com/nhle/incidentwatch/internal/model"
)

// Key identifies a cached view.
type Key string

const listKey Key = "incidents"

// ListKey is shared by the incident list and the dashboard aggregates.
func ListKey() Key { return listKey }

// IncidentKey identifies the detail view of one incident.
func IncidentKey(id model.ID) Key { return Key("incident:" + string(id)) }

// Fetcher loads the current value for a key.
type Fetcher func(ctx context.Context) (any, error)

// Clock abstracts time retrieval so freshness checks are deterministic
// in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ErrUnknownKey is returned by Refresh for a key nobody has subscribed
// to or seeded with a fetcher.
var ErrUnknownKey = errors.New("refresh: unknown key")

// ErrClosed is returned once the coordinator has been closed.
var ErrClosed = errors.New("refresh: coordinator closed")

// errSuperseded marks a fetch whose generation was overtaken by an
// invalidation before it completed.
var errSuperseded = errors.New("refresh: superseded")

// Snapshot is the observable state of one cache entry.
type Snapshot struct {
	Key        Key
	Value      any
	HasValue   bool
	FetchedAt  time.Time
	Loading    bool
	Err        error
	Stale      bool
	Generation uint64
}

// Value extracts a typed value from a snapshot.
func Value[T any](s Snapshot) (T, bool) {
	v, ok := s.Value.(T)
	return v, ok && s.HasValue
}

// Config tunes a Coordinator. Zero values select defaults.
type Config struct {
	// FetchTimeout bounds each fetch. Default 30s.
	FetchTimeout time.Duration

	// RetainFor keeps an entry after its last observer leaves. Zero
	// discards immediately.
	RetainFor time.Duration

	Clock  Clock
	Logger logging.Logger
}

// Coordinator owns the cache entries and their pollers.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	flight singleflight.Group
	wg     gosync.WaitGroup

	mu      gosync.Mutex
	entries map[Key]*entry
	nextSub uint64
	closed  bool
}

type entry struct {
	key      Key
	fetch    Fetcher
	interval time.Duration

	value     any
	hasValue  bool
	fetchedAt time.Time
	err       error
	stale     bool

	// gen is bumped by every invalidation; results tagged with an older
	// generation are dropped.
	gen         uint64
	settledGen  uint64
	inflight    bool
	inflightGen uint64

	subs       map[uint64]*Subscription
	pollCancel context.CancelFunc
	discard    *time.Timer
}

// New creates a Coordinator whose fetches derive from ctx.
func New(ctx context.Context, cfg Config) *Coordinator {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		entries: make(map[Key]*entry),
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	interval time.Duration
}

// WithInterval re-fetches the key at most once per d while observed.
func WithInterval(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) { o.interval = d }
}

// Subscribe registers an observer for key. The first fetcher registered
// for a key is the one used; later subscribers share it. A fetch starts
// at once when the key is new, stale or older than its interval.
func (c *Coordinator) Subscribe(key Key, fetch Fetcher, opts ...SubscribeOption) *Subscription {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	sub := &Subscription{
		c:       c,
		key:     key,
		id:      c.nextSub,
		updates: make(chan Snapshot, 1),
	}

	if c.closed {
		sub.closed = true
		close(sub.updates)
		return sub
	}

	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, subs: make(map[uint64]*Subscription)}
		c.entries[key] = e
	}
	if e.fetch == nil {
		e.fetch = fetch
	}
	if e.discard != nil {
		e.discard.Stop()
		e.discard = nil
	}

	e.subs[sub.id] = sub
	metrics.Subscriptions.Inc()

	if o.interval > 0 && (e.interval == 0 || o.interval < e.interval) {
		e.interval = o.interval
		c.stopPoller(e)
	}
	if e.interval > 0 && e.pollCancel == nil {
		c.startPoller(e)
	}

	if c.needsFetch(e) && e.fetch != nil {
		c.start(e)
	}
	sub.deliver(e.snapshot())

	return sub
}

// needsFetch reports whether e is missing, invalidated or past its
// interval. Caller holds c.mu.
func (c *Coordinator) needsFetch(e *entry) bool {
	if e.fetching() {
		return false
	}
	if !e.hasValue || e.stale {
		return true
	}
	return e.interval > 0 && c.cfg.Clock.Now().Sub(e.fetchedAt) >= e.interval
}

// Invalidate marks key stale and starts a fetch for a new generation if
// the key has observers. Without observers the fetch happens on the next
// Subscribe. It reports whether a fetch was started.
func (c *Coordinator) Invalidate(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.closed {
		return false
	}

	e.gen++
	e.stale = true
	c.cfg.Logger.Debug("cache invalidated", "key", key, "generation", e.gen)

	if len(e.subs) == 0 || e.fetch == nil {
		return false
	}
	c.start(e)
	return true
}

// Refresh triggers a fetch for key (or joins the one in flight) and
// waits for its result.
func (c *Coordinator) Refresh(ctx context.Context, key Key) (Snapshot, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if !ok || e.fetch == nil {
		c.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	ch := c.start(e)
	c.mu.Unlock()

	return c.await(ctx, e, ch)
}

// Peek returns the current snapshot for key without triggering a fetch.
func (c *Coordinator) Peek(key Key) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Seed installs a previously persisted value for key. The entry stays
// stale, so the first Subscribe still fetches.
func (c *Coordinator) Seed(key Key, value any, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, subs: make(map[uint64]*Subscription)}
		c.entries[key] = e
	}
	if e.hasValue && !e.stale {
		return
	}
	e.value = value
	e.hasValue = true
	e.fetchedAt = fetchedAt
	e.stale = true
	c.broadcast(e)
}

// Close stops every poller and in-flight fetch and closes all
// subscription channels.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	for key, e := range c.entries {
		c.stopPoller(e)
		if e.discard != nil {
			e.discard.Stop()
		}
		for id, sub := range e.subs {
			sub.closed = true
			close(sub.updates)
			delete(e.subs, id)
			metrics.Subscriptions.Dec()
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func flightKey(key Key, gen uint64) string {
	return fmt.Sprintf("%s#%d", key, gen)
}

// start begins a fetch for e's current generation, or joins the one
// already in flight for it. Caller holds c.mu.
func (c *Coordinator) start(e *entry) <-chan singleflight.Result {
	gen := e.gen
	if e.inflight && e.inflightGen == gen {
		metrics.RefreshCoalesced.Inc()
	} else {
		e.inflight = true
		e.inflightGen = gen
		c.broadcast(e)
	}
	return c.flight.DoChan(flightKey(e.key, gen), func() (any, error) {
		return c.run(e, gen)
	})
}

// run performs one fetch and applies its result if its generation is
// still current.
func (c *Coordinator) run(e *entry, gen uint64) (any, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
	value, err := e.fetch(ctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Later triggers for this generation must start a new fetch rather
	// than join this finished one.
	c.flight.Forget(flightKey(e.key, gen))
	if e.inflight && e.inflightGen == gen {
		e.inflight = false
	}

	if gen != e.gen {
		metrics.RefreshFetches.WithLabelValues("discarded").Inc()
		c.cfg.Logger.Debug("discarding superseded fetch", "key", e.key, "generation", gen, "current", e.gen)
		return e.snapshot(), errSuperseded
	}

	e.settledGen = gen
	if err != nil {
		metrics.RefreshFetches.WithLabelValues("error").Inc()
		c.cfg.Logger.Warn("refresh failed", "key", e.key, "err", err)
		e.err = err
	} else {
		metrics.RefreshFetches.WithLabelValues("ok").Inc()
		e.value = value
		e.hasValue = true
		e.fetchedAt = c.cfg.Clock.Now()
		e.err = nil
		e.stale = false
	}

	snap := e.snapshot()
	c.broadcast(e)
	return snap, err
}

// await waits for a fetch result, following superseded fetches to the
// generation that replaced them.
func (c *Coordinator) await(ctx context.Context, e *entry, ch <-chan singleflight.Result) (Snapshot, error) {
	for {
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case res := <-ch:
			snap, _ := res.Val.(Snapshot)
			if !errors.Is(res.Err, errSuperseded) {
				return snap, res.Err
			}

			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return snap, ErrClosed
			}
			// The replacing generation already settled, successfully or
			// not; report its outcome instead of fetching again.
			if !e.fetching() && e.settledGen == e.gen {
				snap = e.snapshot()
				c.mu.Unlock()
				return snap, snap.Err
			}
			ch = c.start(e)
			c.mu.Unlock()
		}
	}
}

// startPoller runs the per-key refresh loop. Caller holds c.mu.
func (c *Coordinator) startPoller(e *entry) {
	ctx, cancel := context.WithCancel(c.ctx)
	e.pollCancel = cancel
	interval := e.interval

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				// The ticker is the interval; fetchedAt trails it by the
				// fetch duration and must not skip a tick.
				if !c.closed && len(e.subs) > 0 && !e.fetching() {
					c.start(e)
				}
				c.mu.Unlock()
			}
		}
	}()
}

// stopPoller cancels e's refresh loop. Caller holds c.mu.
func (c *Coordinator) stopPoller(e *entry) {
	if e.pollCancel != nil {
		e.pollCancel()
		e.pollCancel = nil
	}
}

// unsubscribe removes sub; the last observer stops polling and starts
// the retention countdown.
func (c *Coordinator) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.updates)
	metrics.Subscriptions.Dec()

	e, ok := c.entries[sub.key]
	if !ok {
		return
	}
	delete(e.subs, sub.id)
	if len(e.subs) > 0 {
		return
	}

	c.stopPoller(e)
	if c.cfg.RetainFor <= 0 {
		delete(c.entries, e.key)
		return
	}
	e.discard = time.AfterFunc(c.cfg.RetainFor, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.entries[e.key]; ok && cur == e && len(e.subs) == 0 {
			delete(c.entries, e.key)
		}
	})
}

// broadcast delivers e's snapshot to every observer. Caller holds c.mu.
func (c *Coordinator) broadcast(e *entry) {
	snap := e.snapshot()
	for _, sub := range e.subs {
		sub.deliver(snap)
	}
}

// fetching reports whether a fetch for the current generation is in
// flight.
func (e *entry) fetching() bool {
	return e.inflight && e.inflightGen == e.gen
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Key:        e.key,
		Value:      e.value,
		HasValue:   e.hasValue,
		FetchedAt:  e.fetchedAt,
		Loading:    e.fetching(),
		Err:        e.err,
		Stale:      e.stale,
		Generation: e.gen,
	}
}

// Subscription is one observer of a key.
type Subscription struct {
	c       *Coordinator
	key     Key
	id      uint64
	updates chan Snapshot
	closed  bool
}

// Key returns the observed key.
func (s *Subscription) Key() Key { return s.key }

// Snapshot returns the entry's current state.
func (s *Subscription) Snapshot() Snapshot {
	snap, _ := s.c.Peek(s.key)
	return snap
}

// Updates delivers the latest snapshot whenever it changes. Only the
// most recent undelivered snapshot is kept. The channel is closed by
// Close.
func (s *Subscription) Updates() <-chan Snapshot { return s.updates }

// Refresh triggers (or joins) a fetch for the key and waits for it.
func (s *Subscription) Refresh(ctx context.Context) (Snapshot, error) {
	return s.c.Refresh(ctx, s.key)
}

// Close stops observing the key.
func (s *Subscription) Close() { s.c.unsubscribe(s) }

// deliver replaces any pending snapshot with snap. Caller holds c.mu.
func (s *Subscription) deliver(snap Snapshot) {
	if s.closed {
		return
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}
