// Package reconcile keeps a ZoneStore in step with the persistent store.
//
// Every relevant change notification triggers a full re-fetch that replaces
// the store. Triggers coalesce, a newer trigger cancels the fetch in flight,
// and a fetch result is only applied if nothing newer has been applied since.
package reconcile

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/zonestore"
)

// stableFeed is how long a subscription must last before a loss resets the
// resubscribe backoff.
const stableFeed = 10 * time.Second

// Source is the part of territory.Backend the reconciler reads.
type Source interface {
	FetchZones(ctx context.Context) ([]territory.Zone, error)
	Subscribe(ctx context.Context) (*changefeed.Subscription, error)
}

type Options struct {
	// RetryDelay is the first wait before resubscribing; it doubles up to
	// MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Logger        *log.Logger
}

type Reconciler struct {
	src   Source
	zones *zonestore.Store
	log   *log.Logger

	retry    time.Duration
	maxRetry time.Duration

	trigger chan struct{}

	gen atomic.Uint64

	mu      sync.Mutex
	applied uint64
	resyncs uint64
	lastErr error
}

func New(src Source, zones *zonestore.Store, opts Options) *Reconciler {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Reconciler{
		src:      src,
		zones:    zones,
		log:      opts.Logger,
		retry:    opts.RetryDelay,
		maxRetry: opts.MaxRetryDelay,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger asks for a resync. It never blocks; pending triggers coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Resync fetches and applies a snapshot now, unless a newer one lands first.
func (r *Reconciler) Resync(ctx context.Context) error {
	gen := r.gen.Add(1)
	zones, err := r.src.FetchZones(ctx)
	if err != nil {
		r.fail(err)
		return err
	}
	r.apply(gen, zones)
	return nil
}

// Applied returns how many snapshots have been written to the store.
func (r *Reconciler) Applied() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resyncs
}

func (r *Reconciler) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Reconciler) apply(gen uint64, zones []territory.Zone) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen <= r.applied {
		return false
	}
	r.zones.ReplaceAll(zones)
	r.applied = gen
	r.resyncs++
	r.lastErr = nil
	return true
}

func (r *Reconciler) fail(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.log.Printf("resync: %v", err)
}

// Run subscribes to the change feed and resyncs on every relevant event until
// ctx ends. A lost subscription is re-established with backoff, followed by a
// resync to cover the gap.
func (r *Reconciler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.worker(ctx)
	}()
	defer wg.Wait()

	delay := r.retry
	for {
		sub, err := r.src.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Printf("subscribe: %v (retry in %s)", err, delay)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = minDuration(delay*2, r.maxRetry)
			continue
		}
		r.Trigger()
		started := time.Now()
		delivered, err := r.consume(ctx, sub)
		if err != nil {
			return err
		}
		// A feed that dies before proving itself keeps backing off.
		if delivered || time.Since(started) >= stableFeed {
			delay = r.retry
		}
		r.log.Printf("change feed lost, resubscribing in %s", delay)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = minDuration(delay*2, r.maxRetry)
	}
}

// consume reports whether the subscription delivered any event before it ended.
func (r *Reconciler) consume(ctx context.Context, sub *changefeed.Subscription) (bool, error) {
	defer sub.Close()
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case <-sub.Done():
			return delivered, nil
		case ev := <-sub.Events():
			delivered = true
			if Relevant(ev) {
				r.Trigger()
			}
		}
	}
}

// Relevant reports whether ev can change what the store renders: any zone
// change, or a profile update (owner names and colours are joined into zones).
func Relevant(ev changefeed.Event) bool {
	switch ev.Table {
	case changefeed.TableZones:
		return true
	case changefeed.TableProfiles:
		return ev.Event == changefeed.EventUpdate || ev.Event == changefeed.EventAny
	}
	return false
}

type fetched struct {
	gen   uint64
	zones []territory.Zone
	err   error
}

func (r *Reconciler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
		}
		r.resyncLatest(ctx)
	}
}

// resyncLatest fetches until one fetch completes without being superseded.
func (r *Reconciler) resyncLatest(ctx context.Context) {
	for {
		fctx, cancel := context.WithCancel(ctx)
		gen := r.gen.Add(1)
		done := make(chan fetched, 1)
		go func() {
			zones, err := r.src.FetchZones(fctx)
			done <- fetched{gen: gen, zones: zones, err: err}
		}()

		select {
		case res := <-done:
			cancel()
			if res.err != nil {
				r.fail(res.err)
				return
			}
			r.apply(res.gen, res.zones)
			return
		case <-r.trigger:
			cancel()
		case <-ctx.Done():
			cancel()
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
