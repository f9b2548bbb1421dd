package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/zonestore"
)

// source answers each FetchZones call with the function registered for its
// call number, falling back to the current zones.
type source struct {
	mu    sync.Mutex
	calls int
	zones []territory.Zone
	fetch map[int]func(ctx context.Context) ([]territory.Zone, error)

	hub        *changefeed.Hub
	subscribes int
	subs       []*changefeed.Subscription
}

func newSource() *source {
	return &source{hub: changefeed.NewHub(), fetch: map[int]func(context.Context) ([]territory.Zone, error){}}
}

func (s *source) setZones(zs ...territory.Zone) {
	s.mu.Lock()
	s.zones = zs
	s.mu.Unlock()
}

func (s *source) FetchZones(ctx context.Context) ([]territory.Zone, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fetch[s.calls]
	zs := s.zones
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return zs, nil
}

func (s *source) Subscribe(ctx context.Context) (*changefeed.Subscription, error) {
	sub := s.hub.Subscribe()
	s.mu.Lock()
	s.subscribes++
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *source) fetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *source) subscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

func zone(id, owner string) territory.Zone { return territory.Zone{ID: id, OwnerID: owner} }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestResync_ReplacesStore(t *testing.T) {
	src := newSource()
	zones := zonestore.New()
	zones.Upsert(zone("aaaaaaaa09", "stale").Patch())
	src.setZones(zone("aaaaaaaa01", "p1"))
	r := New(src, zones, Options{})

	if err := r.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if zones.Len() != 1 || zones.Owner("aaaaaaaa01") != "p1" {
		t.Fatalf("unexpected store: %+v", zones.All())
	}
}

func TestResync_OlderResultNeverOverwritesNewer(t *testing.T) {
	src := newSource()
	zones := zonestore.New()
	r := New(src, zones, Options{})

	release := make(chan struct{})
	started := make(chan struct{})
	src.fetch[1] = func(ctx context.Context) ([]territory.Zone, error) {
		close(started)
		<-release
		return []territory.Zone{zone("aaaaaaaa01", "old")}, nil
	}
	src.fetch[2] = func(ctx context.Context) ([]territory.Zone, error) {
		return []territory.Zone{zone("aaaaaaaa01", "new")}, nil
	}

	done := make(chan error, 1)
	go func() { done <- r.Resync(context.Background()) }()
	<-started
	if err := r.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if got := zones.Owner("aaaaaaaa01"); got != "new" {
		t.Fatalf("older resync applied over newer: owner %q", got)
	}
	if r.Applied() != 1 {
		t.Fatalf("applied %d snapshots", r.Applied())
	}
}

func TestResync_ErrorKeepsStore(t *testing.T) {
	src := newSource()
	zones := zonestore.New()
	zones.ReplaceAll([]territory.Zone{zone("aaaaaaaa01", "p1")})
	boom := errors.New("boom")
	src.fetch[1] = func(context.Context) ([]territory.Zone, error) { return nil, boom }
	r := New(src, zones, Options{})

	if err := r.Resync(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if zones.Owner("aaaaaaaa01") != "p1" || !errors.Is(r.LastError(), boom) {
		t.Fatalf("failed resync changed state")
	}
}

func TestRun_ResyncsOnChange(t *testing.T) {
	src := newSource()
	zones := zonestore.New()
	src.setZones(zone("aaaaaaaa01", "p1"))
	r := New(src, zones, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, "initial resync", func() bool { return zones.Owner("aaaaaaaa01") == "p1" })
	waitFor(t, "subscription", func() bool { return src.hub.Len() == 1 })

	src.setZones(zone("aaaaaaaa01", "p2"), zone("aaaaaaaa02", "p2"))
	src.hub.Publish(changefeed.Event{Table: changefeed.TableZones, Event: changefeed.EventUpdate})
	waitFor(t, "resync after change", func() bool { return zones.Len() == 2 && zones.Owner("aaaaaaaa01") == "p2" })

	// Profile inserts do not change rendered ownership.
	before := src.fetchCalls()
	src.hub.Publish(changefeed.Event{Table: changefeed.TableProfiles, Event: changefeed.EventInsert})
	time.Sleep(50 * time.Millisecond)
	if src.fetchCalls() != before {
		t.Fatalf("profile insert triggered a resync")
	}
}

func TestRun_CoalescesBursts(t *testing.T) {
	src := newSource()
	zones := zonestore.New()
	r := New(src, zones, Options{})

	gate := make(chan struct{})
	blocking := func(ctx context.Context) ([]territory.Zone, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []territory.Zone{zone("aaaaaaaa01", "final")}, nil
	}
	for i := 2; i <= 200; i++ {
		src.fetch[i] = blocking
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, "initial resync", func() bool { return r.Applied() == 1 })
	waitFor(t, "subscription", func() bool { return src.hub.Len() == 1 })

	for i := 0; i < 50; i++ {
		src.hub.Publish(changefeed.Event{Table: changefeed.TableZones, Event: changefeed.EventUpdate})
	}
	time.Sleep(50 * time.Millisecond)
	if n := r.Applied(); n != 1 {
		t.Fatalf("superseded fetches applied: %d", n)
	}
	close(gate)
	waitFor(t, "settle", func() bool { return zones.Owner("aaaaaaaa01") == "final" })
	time.Sleep(50 * time.Millisecond)
	if n := r.Applied(); n > 3 {
		t.Fatalf("burst of 50 events applied %d snapshots", n)
	}
}

func TestRun_NewerTriggerCancelsInFlightFetch(t *testing.T) {
	src := newSource()
	zones := zonestore.New()
	r := New(src, zones, Options{})

	cancelled := make(chan struct{})
	src.fetch[1] = func(ctx context.Context) ([]territory.Zone, error) {
		<-ctx.Done()
		close(cancelled)
		return []territory.Zone{zone("aaaaaaaa01", "stale")}, nil
	}
	src.setZones(zone("aaaaaaaa01", "fresh"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, "first fetch", func() bool { return src.fetchCalls() == 1 })
	r.Trigger()

	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatalf("in-flight fetch not cancelled")
	}
	waitFor(t, "fresh snapshot", func() bool { return zones.Owner("aaaaaaaa01") == "fresh" })
	time.Sleep(20 * time.Millisecond)
	if zones.Owner("aaaaaaaa01") != "fresh" {
		t.Fatalf("superseded fetch applied")
	}
}

func TestRun_ResubscribesAfterLoss(t *testing.T) {
	src := newSource()
	zones := zonestore.New()
	r := New(src, zones, Options{RetryDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, "subscription", func() bool { return src.subscribeCalls() == 1 })
	src.mu.Lock()
	first := src.subs[0]
	src.mu.Unlock()
	first.Close()
	waitFor(t, "resubscribe", func() bool { return src.subscribeCalls() == 2 })
	waitFor(t, "gap resync", func() bool { return src.fetchCalls() >= 2 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

// closedSource hands out subscriptions that are already closed, like a server
// that accepts the socket and drops it at once.
type closedSource struct {
	mu         sync.Mutex
	subscribes int
	fetches    int
}

func (s *closedSource) FetchZones(ctx context.Context) ([]territory.Zone, error) {
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
	return nil, nil
}

func (s *closedSource) Subscribe(ctx context.Context) (*changefeed.Subscription, error) {
	s.mu.Lock()
	s.subscribes++
	s.mu.Unlock()
	sub := changefeed.NewSubscription(nil)
	sub.Close()
	return sub, nil
}

func TestRun_BacksOffWhenFeedDropsImmediately(t *testing.T) {
	src := &closedSource{}
	r := New(src, zonestore.New(), Options{RetryDelay: 20 * time.Millisecond, MaxRetryDelay: 40 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v", err)
	}
	src.mu.Lock()
	subs, fetches := src.subscribes, src.fetches
	src.mu.Unlock()
	if subs < 2 || subs > 15 {
		t.Fatalf("expected a handful of resubscribes in 300ms, got %d (fetches %d)", subs, fetches)
	}
}

func TestRelevant(t *testing.T) {
	cases := []struct {
		ev   changefeed.Event
		want bool
	}{
		{changefeed.Event{Table: "zones", Event: "insert"}, true},
		{changefeed.Event{Table: "zones", Event: "delete"}, true},
		{changefeed.Event{Table: "profiles", Event: "update"}, true},
		{changefeed.Event{Table: "profiles", Event: "*"}, true},
		{changefeed.Event{Table: "profiles", Event: "insert"}, false},
		{changefeed.Event{Table: "other", Event: "update"}, false},
	}
	for _, c := range cases {
		if got := Relevant(c.ev); got != c.want {
			t.Fatalf("Relevant(%+v) = %v", c.ev, got)
		}
	}
}
