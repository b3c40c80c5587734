// Package reflector implements the list-then-watch loop that keeps a cache
// store eventually consistent with a server-side resource collection.
//
// A reflector owns the resource-version cursor for its collection. It obtains
// a full snapshot through the pager, hands it to the store as a replace, then
// follows the server's change stream, routing each delta to the store. On
// failure the outer loop restarts after a backoff delay; resource-version
// semantics decide whether the restart may read from the server's watch cache
// or must hit the authoritative store.
package reflector

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"mirror/internal/backoff"
	"mirror/internal/cache"
	"mirror/internal/listwatch"
	"mirror/internal/object"
	"mirror/internal/pager"
	"mirror/pkg/logging"
)

const (
	// DefaultMinWatchTimeout is the lower bound of the randomized server-side
	// watch timeout. The actual timeout is uniform over [min, 2*min) so that
	// reconnects spread out instead of stampeding.
	DefaultMinWatchTimeout = 5 * time.Minute

	// DefaultRetryPeriod is the base delay between watch retries after a
	// connection refusal, jittered the same way.
	DefaultRetryPeriod = time.Second
)

const logSubsystem = "reflector"

// Reflector drives one store from one resource collection. It runs the
// list-then-watch state machine sequentially in a single goroutine; multiple
// reflectors for different collections share no state.
type Reflector struct {
	lw   listwatch.ListWatcher
	sink cache.Sink

	expected schema.GroupVersionKind

	backoff         *backoff.Manager
	discriminators  listwatch.Discriminators
	minWatchTimeout time.Duration
	retryPeriod     time.Duration
	pageSize        int64

	// mu guards the cursor fields, which are read concurrently by observers.
	mu sync.RWMutex

	// lastSyncResourceVersion only advances to values observed in list
	// metadata or watch-event objects; it is never invented.
	lastSyncResourceVersion string

	// lastSyncResourceVersionUnavailable forces the next list to bypass the
	// server's watch cache with a consistent read.
	lastSyncResourceVersionUnavailable bool

	// paginatedResult latches whether the initial list (issued with resource
	// version "0") came back paginated. It gates whether future relists keep
	// paging on.
	paginatedResult bool

	stopOnce sync.Once
	stopCh   chan struct{}

	// rnd returns a uniform value in [0, 1). Replaceable in tests.
	rnd func() float64

	// now and since are replaceable in tests of watch-lifetime checks.
	now   func() time.Time
	since func(time.Time) time.Duration
}

// Option configures a Reflector.
type Option func(*Reflector)

// WithBackoff replaces the restart backoff manager.
func WithBackoff(m *backoff.Manager) Option {
	return func(r *Reflector) {
		r.backoff = m
	}
}

// WithDiscriminators replaces the error classification predicates.
func WithDiscriminators(d listwatch.Discriminators) Option {
	return func(r *Reflector) {
		r.discriminators = d
	}
}

// WithMinWatchTimeout sets the lower bound of the randomized watch timeout.
func WithMinWatchTimeout(d time.Duration) Option {
	return func(r *Reflector) {
		if d > 0 {
			r.minWatchTimeout = d
		}
	}
}

// WithRetryPeriod sets the base delay between watch retries after a
// connection refusal.
func WithRetryPeriod(d time.Duration) Option {
	return func(r *Reflector) {
		if d > 0 {
			r.retryPeriod = d
		}
	}
}

// WithPageSize sets the page limit for paginated lists; zero disables paging.
func WithPageSize(n int64) Option {
	return func(r *Reflector) {
		r.pageSize = n
	}
}

// New creates a Reflector that mirrors lw's collection into sink. Watch events
// whose apiVersion/kind do not match lw's resource are dropped.
func New(lw listwatch.ListWatcher, sink cache.Sink, opts ...Option) *Reflector {
	r := &Reflector{
		lw:              lw,
		sink:            sink,
		expected:        lw.Resource().GroupVersionKind(),
		backoff:         backoff.New(),
		discriminators:  listwatch.DefaultDiscriminators(),
		minWatchTimeout: DefaultMinWatchTimeout,
		retryPeriod:     DefaultRetryPeriod,
		pageSize:        pager.DefaultPageSize,
		stopCh:          make(chan struct{}),
		rnd:             rand.Float64,
		now:             time.Now,
		since:           time.Since,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// LastSyncResourceVersion returns the cursor: the resource version most
// recently observed in list metadata or a watch event.
func (r *Reflector) LastSyncResourceVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSyncResourceVersion
}

func (r *Reflector) setLastSyncResourceVersion(rv string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSyncResourceVersion = rv
}

// PaginatedResult reports whether the initial list came back paginated.
func (r *Reflector) PaginatedResult() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paginatedResult
}

// relistResourceVersion derives the resource version for the next list.
func (r *Reflector) relistResourceVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.lastSyncResourceVersionUnavailable {
		// The cursor is no longer served by this server; only a consistent
		// read from the authoritative store can recover.
		return ""
	}
	if r.lastSyncResourceVersion == "" {
		// First sync: a stale read from the server's watch cache is fine.
		return "0"
	}
	return r.lastSyncResourceVersion
}

func (r *Reflector) setUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSyncResourceVersionUnavailable = v
}

func (r *Reflector) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Stop requests cancellation: it closes the stop channel, force-closes
// in-flight streams through the list watcher's Destroy, and clears the
// backoff idle timer. Stop is idempotent and safe to call concurrently with
// Run from any state of the machine.
func (r *Reflector) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if d, ok := r.lw.(listwatch.Destroyer); ok {
			d.Destroy()
		}
		r.backoff.ClearTimeout()
	})
}

// Run drives the list-then-watch loop until Stop is called or ctx is
// cancelled. Transient failures never terminate the loop; every restart is
// gated by the backoff manager.
func (r *Reflector) Run(ctx context.Context) {
	logging.Debug(logSubsystem, "starting reflector for %s", r.lw.Resource())
	defer logging.Debug(logSubsystem, "stopping reflector for %s", r.lw.Resource())

	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	for {
		if r.stopped() {
			return
		}

		if err := r.ListAndWatch(ctx); err != nil {
			logging.Error(logSubsystem, err, "list and watch of %s failed", r.lw.Resource())
		}

		if r.stopped() {
			return
		}

		select {
		case <-time.After(r.backoff.Duration()):
		case <-r.stopCh:
			return
		}
	}
}

// ListAndWatch performs one full pass of the state machine: list the
// collection, replace the store, then follow the watch stream until it fails
// or expires. Many failure paths return nil after logging; the caller retries
// either way.
func (r *Reflector) ListAndWatch(ctx context.Context) error {
	if err := r.list(ctx); err != nil {
		// Expired cursors already got their one retry inside list; whatever
		// error is left shares this log path, and the outer loop owns the
		// backoff and relist.
		logging.Error(logSubsystem, err, "paginated list of %s failed", r.lw.Resource())
		return nil
	}
	return r.watchLoop(ctx)
}

// list obtains a snapshot and replaces the store contents with it.
func (r *Reflector) list(ctx context.Context) error {
	relistRV := r.relistResourceVersion()

	pg := pager.New(r.lw, r.discriminators.IsExpired)
	pg.PageSize = r.pageSize
	if !r.PaginatedResult() && relistRV != "" && relistRV != "0" {
		// The initial list was not paginated and the cursor is a real
		// resource version, so an unpaginated list steers the server to its
		// watch cache instead of stampeding the authoritative store.
		pg.PageSize = 0
	}

	r.sink.SetRefreshing()

	usedRV := relistRV
	list, err := pg.List(ctx, listwatch.ListOptions{ResourceVersion: relistRV})
	if err != nil {
		if r.discriminators.IsExpired(err) || r.discriminators.IsTooLargeResourceVersion(err) {
			// The cursor is gone from (or ahead of) this server's change
			// log. Retry once against the authoritative store.
			r.setUnavailable(true)
			usedRV = r.relistResourceVersion()
			list, err = pg.List(ctx, listwatch.ListOptions{ResourceVersion: usedRV})
		}
		if err != nil {
			return err
		}
	}

	if usedRV == "0" && list.Metadata.Paginated {
		// Only the initial watch-cache list latches pagination; a recovery
		// list with resource version "" does not.
		r.mu.Lock()
		r.paginatedResult = true
		r.mu.Unlock()
	}

	r.setUnavailable(false)
	r.sink.Replace(list.Items)
	r.setLastSyncResourceVersion(list.Metadata.ResourceVersion)

	logging.Debug(logSubsystem, "listed %d %s at resource version %q", len(list.Items), r.lw.Resource(), list.Metadata.ResourceVersion)
	return nil
}

// watchLoop opens watch streams until one fails in a way that requires a
// relist, or the reflector stops.
func (r *Reflector) watchLoop(ctx context.Context) error {
	for {
		if r.stopped() {
			return nil
		}

		timeout := r.randomize(r.minWatchTimeout)
		events, err := r.lw.Watch(ctx, listwatch.WatchOptions{
			ResourceVersion:     r.LastSyncResourceVersion(),
			AllowWatchBookmarks: true,
			TimeoutSeconds:      int64(timeout / time.Second),
		})
		if err != nil {
			if !r.handleWatchError("open", err) {
				return nil
			}
			if !r.sleep(r.randomize(r.retryPeriod)) {
				return nil
			}
			continue
		}

		err = r.watchHandler(events)
		if err != nil {
			switch {
			case r.discriminators.IsConnectionRefused(err):
				logging.Debug(logSubsystem, "watch of %s refused, retrying: %v", r.lw.Resource(), err)
				if !r.sleep(r.randomize(r.retryPeriod)) {
					return nil
				}
				continue
			case r.discriminators.IsExpired(err):
				// A relist with the current cursor returns data at least
				// as fresh, so the unavailable flag stays off.
				logging.Info(logSubsystem, "watch of %s expired at resource version %q, relisting", r.lw.Resource(), r.LastSyncResourceVersion())
				return nil
			default:
				return err
			}
		}
	}
}

// handleWatchError classifies an error from opening a watch stream. It
// returns true when the watch should be retried locally after a short sleep.
func (r *Reflector) handleWatchError(stage string, err error) bool {
	switch {
	case r.discriminators.IsConnectionRefused(err):
		logging.Debug(logSubsystem, "watch %s of %s refused, retrying: %v", stage, r.lw.Resource(), err)
		return true
	case r.discriminators.IsExpired(err):
		logging.Info(logSubsystem, "watch of %s expired at resource version %q, relisting", r.lw.Resource(), r.LastSyncResourceVersion())
		return false
	default:
		logging.Warn(logSubsystem, "watch %s of %s failed: %v", stage, r.lw.Resource(), err)
		return false
	}
}

// watchHandler drains one watch stream, routing each event to the store and
// advancing the cursor. A stream that ends in under a second without a single
// event signals a misbehaving server or edge and is reported as an error.
func (r *Reflector) watchHandler(events <-chan listwatch.Event) error {
	start := r.now()
	eventCount := 0

	for {
		var ev listwatch.Event
		var ok bool
		select {
		case <-r.stopCh:
			return nil
		case ev, ok = <-events:
		}
		if !ok {
			break
		}

		if ev.Err != nil {
			return ev.Err
		}
		if ev.Type == listwatch.Error {
			return listwatch.StatusError(ev.Object)
		}

		apiVersion := object.APIVersion(ev.Object)
		kind := object.Kind(ev.Object)
		rv := object.ResourceVersion(ev.Object)

		if apiVersion != r.lw.Resource().APIVersion() || kind != r.expected.Kind {
			logging.Error(logSubsystem, nil, "expected %s %s, got %s %s event, dropping", r.lw.Resource().APIVersion(), r.expected.Kind, apiVersion, kind)
			continue
		}

		switch ev.Type {
		case listwatch.Added:
			r.sink.Add(ev.Object)
		case listwatch.Modified:
			r.sink.Update(ev.Object)
		case listwatch.Deleted:
			r.sink.Delete(ev.Object)
		case listwatch.Bookmark:
			// Only advances the cursor.
		default:
			logging.Error(logSubsystem, nil, "unable to understand watch event type %q, dropping", ev.Type)
			continue
		}

		if rv == "" {
			logging.Error(logSubsystem, nil, "%s watch event carries no resource version: %v", ev.Type, ev.Object)
		} else {
			r.setLastSyncResourceVersion(rv)
		}
		eventCount++
	}

	if elapsed := r.since(start); elapsed < time.Second && eventCount == 0 {
		return fmt.Errorf("very short watch: %s ended after %v with no items received", r.lw.Resource(), elapsed)
	}

	logging.Debug(logSubsystem, "watch of %s closed after %d events", r.lw.Resource(), eventCount)
	return nil
}

// randomize returns a duration uniform over [d, 2d).
func (r *Reflector) randomize(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (1 + r.rnd()))
}

// sleep waits for d, returning false if the reflector stopped first.
func (r *Reflector) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-r.stopCh:
		return false
	}
}
