package refresh

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/tests/testutil"
)

// gatedFetcher blocks each call until released and returns the value
// supplied with the release.
type gatedFetcher struct {
	calls   atomic.Int32
	started chan int
	release []chan result
	mu      gosync.Mutex
}

type result struct {
	value any
	err   error
}

func newGatedFetcher(n int) *gatedFetcher {
	g := &gatedFetcher{started: make(chan int, n)}
	for i := 0; i < n; i++ {
		g.release = append(g.release, make(chan result, 1))
	}
	return g
}

func (g *gatedFetcher) fetch(ctx context.Context) (any, error) {
	n := int(g.calls.Add(1)) - 1
	g.mu.Lock()
	if n >= len(g.release) {
		g.mu.Unlock()
		return nil, errors.New("unexpected fetch")
	}
	ch := g.release[n]
	g.mu.Unlock()

	g.started <- n
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedFetcher) waitStarted(t *testing.T, want int) {
	t.Helper()
	select {
	case n := <-g.started:
		if n != want {
			t.Fatalf("started fetch %d, want %d", n, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch %d never started", want)
	}
}

func (g *gatedFetcher) finish(n int, value any, err error) {
	g.release[n] <- result{value: value, err: err}
}

// waitFor polls the subscription until cond holds.
func waitFor(t *testing.T, sub *Subscription, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				t.Fatal("subscription closed")
			}
			if cond(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("condition not met; last snapshot %+v", sub.Snapshot())
		}
	}
}

// assertClosed drains sub and fails unless its channel is closed.
func assertClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Updates():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("updates channel not closed")
		}
	}
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c := New(context.Background(), cfg)
	t.Cleanup(c.Close)
	return c
}

func TestKeys(t *testing.T) {
	if ListKey() != "incidents" {
		t.Errorf("ListKey = %q", ListKey())
	}
	if IncidentKey(model.ID("42")) != "incident:42" {
		t.Errorf("IncidentKey = %q", IncidentKey("42"))
	}
	if IncidentKey("1") == IncidentKey("2") {
		t.Error("distinct ids share a key")
	}
}

func TestSubscribe_FetchesNewKey(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	g := newGatedFetcher(1)

	sub := c.Subscribe(ListKey(), g.fetch)
	defer sub.Close()

	g.waitStarted(t, 0)
	g.finish(0, []string{"a"}, nil)

	snap := waitFor(t, sub, func(s Snapshot) bool { return s.HasValue })
	got, ok := Value[[]string](snap)
	if !ok || len(got) != 1 || got[0] != "a" {
		t.Fatalf("value = %v, %v", snap.Value, ok)
	}
	if snap.Stale || snap.Loading || snap.Err != nil {
		t.Errorf("unexpected snapshot state: %+v", snap)
	}
}

func TestRefresh_CoalescesConcurrentTriggers(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	g := newGatedFetcher(1)

	sub := c.Subscribe(ListKey(), g.fetch)
	defer sub.Close()
	g.waitStarted(t, 0)

	// Two more triggers while the first fetch is in flight.
	var wg gosync.WaitGroup
	snaps := make([]Snapshot, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = c.Refresh(context.Background(), ListKey())
		}(i)
	}

	// Give the refreshers time to join.
	time.Sleep(50 * time.Millisecond)
	g.finish(0, "v1", nil)
	wg.Wait()

	if n := g.calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d, want 1", n)
	}
	for i := range snaps {
		if errs[i] != nil {
			t.Fatalf("refresh %d: %v", i, errs[i])
		}
		if snaps[i].Value != "v1" {
			t.Errorf("refresh %d value = %v, want v1", i, snaps[i].Value)
		}
	}
}

func TestSubscribe_SecondObserverSharesFetch(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	g := newGatedFetcher(1)

	first := c.Subscribe(ListKey(), g.fetch)
	defer first.Close()
	g.waitStarted(t, 0)

	var otherCalls atomic.Int32
	second := c.Subscribe(ListKey(), func(ctx context.Context) (any, error) {
		otherCalls.Add(1)
		return "other", nil
	})
	defer second.Close()

	g.finish(0, "shared", nil)
	snap := waitFor(t, second, func(s Snapshot) bool { return s.HasValue })

	if snap.Value != "shared" {
		t.Errorf("value = %v, want shared", snap.Value)
	}
	if otherCalls.Load() != 0 {
		t.Errorf("second fetcher called %d times", otherCalls.Load())
	}
	if g.calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", g.calls.Load())
	}
}

func TestInvalidate_DiscardsSupersededGeneration(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	g := newGatedFetcher(2)

	sub := c.Subscribe(ListKey(), g.fetch)
	defer sub.Close()
	g.waitStarted(t, 0) // generation 0 in flight

	if !c.Invalidate(ListKey()) {
		t.Fatal("Invalidate with an observer did not start a fetch")
	}
	g.waitStarted(t, 1) // generation 1 in flight

	// The newer fetch completes first, then the older one.
	g.finish(1, "new", nil)
	waitFor(t, sub, func(s Snapshot) bool { return s.Value == "new" })

	g.finish(0, "old", nil)

	// Let the stale result land, then confirm it was dropped.
	time.Sleep(50 * time.Millisecond)
	snap := sub.Snapshot()
	if snap.Value != "new" {
		t.Fatalf("value = %v, want new", snap.Value)
	}
	if snap.Stale {
		t.Error("entry still stale after current generation resolved")
	}
	if snap.Generation != 1 {
		t.Errorf("generation = %d, want 1", snap.Generation)
	}
}

func TestRefresh_WaiterFollowsNewGeneration(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	g := newGatedFetcher(2)

	sub := c.Subscribe(ListKey(), g.fetch)
	defer sub.Close()
	g.waitStarted(t, 0)

	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := c.Refresh(context.Background(), ListKey())
		done <- snap
	}()
	time.Sleep(20 * time.Millisecond)

	c.Invalidate(ListKey())
	g.waitStarted(t, 1)

	g.finish(0, "old", nil)
	g.finish(1, "new", nil)

	select {
	case snap := <-done:
		if snap.Value != "new" {
			t.Errorf("waiter got %v, want new", snap.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned")
	}
}

func TestRefresh_WaiterTakesFailedNewGeneration(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	g := newGatedFetcher(2)

	sub := c.Subscribe(ListKey(), g.fetch)
	defer sub.Close()
	g.waitStarted(t, 0)

	type outcome struct {
		snap Snapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		snap, err := c.Refresh(context.Background(), ListKey())
		done <- outcome{snap, err}
	}()
	time.Sleep(20 * time.Millisecond)

	c.Invalidate(ListKey())
	g.waitStarted(t, 1)

	boom := errors.New("backend down")
	g.finish(1, nil, boom)
	waitFor(t, sub, func(s Snapshot) bool { return s.Err != nil })
	g.finish(0, "old", nil)

	select {
	case got := <-done:
		if !errors.Is(got.err, boom) {
			t.Errorf("waiter err = %v, want %v", got.err, boom)
		}
		if got.snap.Generation != 1 {
			t.Errorf("generation = %d, want 1", got.snap.Generation)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned")
	}
	if n := g.calls.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestFetchError_RetainsPreviousValue(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	g := newGatedFetcher(2)

	sub := c.Subscribe(ListKey(), g.fetch)
	defer sub.Close()
	g.waitStarted(t, 0)
	g.finish(0, "good", nil)
	waitFor(t, sub, func(s Snapshot) bool { return s.HasValue })

	boom := errors.New("backend down")
	go func() {
		<-g.started
		g.finish(1, nil, boom)
	}()
	snap, err := c.Refresh(context.Background(), ListKey())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if snap.Value != "good" || !snap.HasValue {
		t.Errorf("value = %v, want previous value kept", snap.Value)
	}
	if !errors.Is(snap.Err, boom) {
		t.Errorf("snapshot err = %v", snap.Err)
	}
}

func TestInvalidate_UnobservedIsLazy(t *testing.T) {
	c := newTestCoordinator(t, Config{RetainFor: time.Minute})
	g := newGatedFetcher(2)

	sub := c.Subscribe(ListKey(), g.fetch)
	g.waitStarted(t, 0)
	g.finish(0, "v1", nil)
	waitFor(t, sub, func(s Snapshot) bool { return s.HasValue })
	sub.Close()

	if c.Invalidate(ListKey()) {
		t.Fatal("Invalidate without observers started a fetch")
	}
	if n := g.calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d, want 1", n)
	}
	snap, ok := c.Peek(ListKey())
	if !ok || !snap.Stale || snap.Value != "v1" {
		t.Fatalf("peek = %+v, %v", snap, ok)
	}

	next := c.Subscribe(ListKey(), g.fetch)
	defer next.Close()
	g.waitStarted(t, 1)
	g.finish(1, "v2", nil)
	waitFor(t, next, func(s Snapshot) bool { return s.Value == "v2" })
}

func TestInvalidate_UnknownKey(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	if c.Invalidate(IncidentKey("missing")) {
		t.Error("Invalidate on unknown key reported a fetch")
	}
}

func TestRefresh_UnknownKey(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	_, err := c.Refresh(context.Background(), IncidentKey("7"))
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestClose_DiscardsWithoutRetention(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	g := newGatedFetcher(1)

	sub := c.Subscribe(IncidentKey("3"), g.fetch)
	g.waitStarted(t, 0)
	g.finish(0, "x", nil)
	waitFor(t, sub, func(s Snapshot) bool { return s.HasValue })
	sub.Close()

	if _, ok := c.Peek(IncidentKey("3")); ok {
		t.Error("entry retained with RetainFor = 0")
	}
	assertClosed(t, sub)
}

func TestRetention_ExpiresUnobservedEntry(t *testing.T) {
	c := newTestCoordinator(t, Config{RetainFor: 30 * time.Millisecond})
	g := newGatedFetcher(1)

	sub := c.Subscribe(ListKey(), g.fetch)
	g.waitStarted(t, 0)
	g.finish(0, "x", nil)
	waitFor(t, sub, func(s Snapshot) bool { return s.HasValue })
	sub.Close()

	if _, ok := c.Peek(ListKey()); !ok {
		t.Fatal("entry discarded before retention elapsed")
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := c.Peek(ListKey()); ok {
		t.Error("entry kept after retention elapsed")
	}
}

func TestPolling_RefetchesAndStopsOnClose(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		return int(calls.Add(1)), nil
	}

	sub := c.Subscribe(ListKey(), fetch, WithInterval(20*time.Millisecond))
	waitFor(t, sub, func(s Snapshot) bool {
		n, _ := Value[int](s)
		return n >= 3
	})
	sub.Close()

	time.Sleep(30 * time.Millisecond)
	stopped := calls.Load()
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != stopped {
		t.Errorf("polling continued after close: %d -> %d calls", stopped, n)
	}
}

func TestPolling_FetchesOncePerInterval(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return int(calls.Add(1)), nil
	}

	sub := c.Subscribe(ListKey(), fetch, WithInterval(100*time.Millisecond))
	time.Sleep(1050 * time.Millisecond)
	sub.Close()

	// One initial fetch plus ten ticks; a poller that measured age from
	// completion would manage about half.
	if n := calls.Load(); n < 8 {
		t.Errorf("fetches in 1.05s at 100ms = %d, want at least 8", n)
	}
}

func TestSubscribe_RefetchesOnlyPastInterval(t *testing.T) {
	clk := testutil.FixedClock()
	c := newTestCoordinator(t, Config{Clock: clk})
	g := newGatedFetcher(2)

	first := c.Subscribe(ListKey(), g.fetch, WithInterval(time.Hour))
	defer first.Close()
	g.waitStarted(t, 0)
	g.finish(0, "v1", nil)
	snap := waitFor(t, first, func(s Snapshot) bool { return s.Value == "v1" })
	if !snap.FetchedAt.Equal(clk.Now()) {
		t.Errorf("FetchedAt = %v, want %v", snap.FetchedAt, clk.Now())
	}

	fresh := c.Subscribe(ListKey(), g.fetch, WithInterval(time.Hour))
	defer fresh.Close()
	if n := g.calls.Load(); n != 1 {
		t.Fatalf("fresh entry refetched: %d calls", n)
	}

	clk.Advance(2 * time.Hour)
	aged := c.Subscribe(ListKey(), g.fetch, WithInterval(time.Hour))
	defer aged.Close()
	g.waitStarted(t, 1)
	g.finish(1, "v2", nil)
	waitFor(t, aged, func(s Snapshot) bool { return s.Value == "v2" })
}

func TestSeed_IsStaleUntilFetched(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	seededAt := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	c.Seed(ListKey(), "cached", seededAt)

	snap, ok := c.Peek(ListKey())
	if !ok || !snap.Stale || snap.Value != "cached" || !snap.FetchedAt.Equal(seededAt) {
		t.Fatalf("seeded snapshot = %+v", snap)
	}

	g := newGatedFetcher(1)
	sub := c.Subscribe(ListKey(), g.fetch)
	defer sub.Close()

	first := waitFor(t, sub, func(Snapshot) bool { return true })
	if first.Value != "cached" {
		t.Errorf("first snapshot value = %v, want seeded value", first.Value)
	}

	g.waitStarted(t, 0)
	g.finish(0, "live", nil)
	waitFor(t, sub, func(s Snapshot) bool { return s.Value == "live" && !s.Stale })
}

func TestCoordinatorClose_ClosesSubscriptions(t *testing.T) {
	c := New(context.Background(), Config{})
	g := newGatedFetcher(1)

	sub := c.Subscribe(ListKey(), g.fetch, WithInterval(time.Hour))
	g.waitStarted(t, 0)

	c.Close()

	assertClosed(t, sub)
	if _, err := c.Refresh(context.Background(), ListKey()); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh after Close err = %v, want ErrClosed", err)
	}
	sub.Close()
}
