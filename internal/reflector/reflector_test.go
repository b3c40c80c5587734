package reflector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirror/internal/backoff"
	"mirror/internal/cache"
	"mirror/internal/listwatch"
	"mirror/internal/object"
)

var (
	errExpired     = errors.New("resource version expired")
	errTooLargeRV  = errors.New("resource version too large")
	errConnRefused = errors.New("connection refused")
)

func testDiscriminators() listwatch.Discriminators {
	return listwatch.Discriminators{
		IsExpired:                 func(err error) bool { return errors.Is(err, errExpired) },
		IsTooLargeResourceVersion: func(err error) bool { return errors.Is(err, errTooLargeRV) },
		IsConnectionRefused:       func(err error) bool { return errors.Is(err, errConnRefused) },
	}
}

type listResponse func(listwatch.ListOptions) (*listwatch.List, error)

type watchResponse func(listwatch.WatchOptions) (<-chan listwatch.Event, error)

// fakeListWatcher replays scripted list and watch responses and records every
// call. Exhausted scripts answer with a terminal error so a test's
// ListAndWatch pass always ends.
type fakeListWatcher struct {
	mu sync.Mutex

	resource listwatch.Resource

	listResponses  []listResponse
	watchResponses []watchResponse

	listCalls  []listwatch.ListOptions
	watchCalls []listwatch.WatchOptions

	destroyed bool
}

var errScriptExhausted = errors.New("scripted responses exhausted")

func newFakeLW() *fakeListWatcher {
	return &fakeListWatcher{
		resource: listwatch.Resource{
			Group:    "example.io",
			Version:  "v1",
			Kind:     "Widget",
			Resource: "widgets",
			Scope:    listwatch.ClusterScoped,
		},
	}
}

func (f *fakeListWatcher) Resource() listwatch.Resource {
	return f.resource
}

func (f *fakeListWatcher) List(ctx context.Context, opts listwatch.ListOptions) (*listwatch.List, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, opts)
	if len(f.listResponses) == 0 {
		f.mu.Unlock()
		return nil, errScriptExhausted
	}
	resp := f.listResponses[0]
	f.listResponses = f.listResponses[1:]
	// Release before invoking so a blocking scripted response does not hold
	// up call-count reads.
	f.mu.Unlock()
	return resp(opts)
}

func (f *fakeListWatcher) Watch(ctx context.Context, opts listwatch.WatchOptions) (<-chan listwatch.Event, error) {
	f.mu.Lock()
	f.watchCalls = append(f.watchCalls, opts)
	if len(f.watchResponses) == 0 {
		f.mu.Unlock()
		return nil, errScriptExhausted
	}
	resp := f.watchResponses[0]
	f.watchResponses = f.watchResponses[1:]
	f.mu.Unlock()
	return resp(opts)
}

func (f *fakeListWatcher) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}

func (f *fakeListWatcher) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listCalls)
}

func (f *fakeListWatcher) watchCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchCalls)
}

func staticList(rv string, items ...object.Object) listResponse {
	return func(listwatch.ListOptions) (*listwatch.List, error) {
		return &listwatch.List{
			Metadata: listwatch.ListMeta{ResourceVersion: rv},
			Items:    items,
		}, nil
	}
}

func failedList(err error) listResponse {
	return func(listwatch.ListOptions) (*listwatch.List, error) {
		return nil, err
	}
}

func eventStream(events ...listwatch.Event) watchResponse {
	return func(listwatch.WatchOptions) (<-chan listwatch.Event, error) {
		ch := make(chan listwatch.Event, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}
}

func failedWatch(err error) watchResponse {
	return func(listwatch.WatchOptions) (<-chan listwatch.Event, error) {
		return nil, err
	}
}

func widget(uid, rv string) object.Object {
	return object.Object{
		"apiVersion": "example.io/v1",
		"kind":       "Widget",
		"metadata": map[string]interface{}{
			"uid":             uid,
			"resourceVersion": rv,
		},
	}
}

func added(obj object.Object) listwatch.Event {
	return listwatch.Event{Type: listwatch.Added, Object: obj}
}

func modified(obj object.Object) listwatch.Event {
	return listwatch.Event{Type: listwatch.Modified, Object: obj}
}

func deleted(obj object.Object) listwatch.Event {
	return listwatch.Event{Type: listwatch.Deleted, Object: obj}
}

func newTestReflector(lw listwatch.ListWatcher, sink cache.Sink, opts ...Option) *Reflector {
	base := []Option{
		WithDiscriminators(testDiscriminators()),
		WithRetryPeriod(time.Millisecond),
		WithBackoff(backoff.New(backoff.WithMin(time.Millisecond), backoff.WithJitter(0))),
	}
	r := New(lw, sink, append(base, opts...)...)
	// Watch streams in tests close instantly; pretend they lasted long
	// enough not to trip the very-short-watch check unless a test opts in.
	r.since = func(time.Time) time.Duration { return 2 * time.Second }
	return r
}

func TestListAndWatch_HappyPath(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("100", widget("a", "99"), widget("b", "100")),
	}
	lw.watchResponses = []watchResponse{
		eventStream(
			added(widget("c", "101")),
			deleted(widget("a", "102")),
		),
		failedWatch(errors.New("stream closed by test")),
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)

	require.NoError(t, r.ListAndWatch(context.Background()))

	assert.ElementsMatch(t, []string{"b", "c"}, store.ListKeys())
	assert.Equal(t, "102", r.LastSyncResourceVersion())
	assert.True(t, store.Synced())

	require.Equal(t, 1, lw.listCallCount())
	assert.Equal(t, "0", lw.listCalls[0].ResourceVersion, "first list permits a stale watch-cache read")

	require.Equal(t, 2, lw.watchCallCount())
	first := lw.watchCalls[0]
	assert.Equal(t, "100", first.ResourceVersion)
	assert.True(t, first.AllowWatchBookmarks)
	second := lw.watchCalls[1]
	assert.Equal(t, "102", second.ResourceVersion, "reopened watch resumes from the advanced cursor")
}

func TestListAndWatch_WatchTimeoutIsRandomized(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{staticList("1")}
	lw.watchResponses = []watchResponse{
		failedWatch(errors.New("stream closed by test")),
	}

	r := newTestReflector(lw, cache.NewStore(), WithMinWatchTimeout(5*time.Minute))
	r.rnd = func() float64 { return 0.5 }

	require.NoError(t, r.ListAndWatch(context.Background()))

	require.Equal(t, 1, lw.watchCallCount())
	// 5 minutes * 1.5 = 450 seconds.
	assert.Equal(t, int64(450), lw.watchCalls[0].TimeoutSeconds)
}

func TestListAndWatch_ExpiredListRecovery(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		failedList(errExpired),
		staticList("200"),
	}
	lw.watchResponses = []watchResponse{
		failedWatch(errors.New("stream closed by test")),
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)

	require.NoError(t, r.ListAndWatch(context.Background()))

	require.Equal(t, 2, lw.listCallCount())
	assert.Equal(t, "0", lw.listCalls[0].ResourceVersion)
	assert.Equal(t, "", lw.listCalls[1].ResourceVersion, "recovery list forces a consistent read")

	assert.True(t, store.Synced())
	assert.Empty(t, store.List())
	assert.Equal(t, "200", r.LastSyncResourceVersion())

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.False(t, r.lastSyncResourceVersionUnavailable, "unavailable flag clears on list success")
}

func TestListAndWatch_TooLargeResourceVersionRecovery(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		failedList(errTooLargeRV),
		staticList("5"),
	}
	lw.watchResponses = []watchResponse{
		failedWatch(errors.New("stream closed by test")),
	}

	r := newTestReflector(lw, cache.NewStore())
	require.NoError(t, r.ListAndWatch(context.Background()))

	require.Equal(t, 2, lw.listCallCount())
	assert.Equal(t, "", lw.listCalls[1].ResourceVersion)
}

func TestListAndWatch_ListFailureIsRetriedByOuterLoop(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		failedList(errors.New("transport broke")),
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)

	// A failed list is logged and swallowed; the outer loop owns the retry.
	require.NoError(t, r.ListAndWatch(context.Background()))
	assert.False(t, store.Synced())
	assert.Equal(t, 0, lw.watchCallCount())
}

func TestListAndWatch_ExpiredRecoveryDoesNotLatchPagination(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		failedList(errExpired),
		// The recovery list is paginated: two pages joined by a token.
		func(listwatch.ListOptions) (*listwatch.List, error) {
			return &listwatch.List{
				Metadata: listwatch.ListMeta{ResourceVersion: "200", Continue: "tok"},
			}, nil
		},
		staticList("200"),
	}
	lw.watchResponses = []watchResponse{
		failedWatch(errors.New("stream closed by test")),
	}

	r := newTestReflector(lw, cache.NewStore())
	require.NoError(t, r.ListAndWatch(context.Background()))

	// The recovery list used resource version "", not "0", so pagination is
	// not latched.
	assert.False(t, r.PaginatedResult())
}

func TestListAndWatch_InitialPaginatedListLatches(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		func(listwatch.ListOptions) (*listwatch.List, error) {
			return &listwatch.List{
				Metadata: listwatch.ListMeta{ResourceVersion: "10", Continue: "tok"},
				Items:    []object.Object{widget("a", "9")},
			}, nil
		},
		staticList("10", widget("b", "10")),
	}
	lw.watchResponses = []watchResponse{
		failedWatch(errors.New("stream closed by test")),
	}

	r := newTestReflector(lw, cache.NewStore())
	require.NoError(t, r.ListAndWatch(context.Background()))
	assert.True(t, r.PaginatedResult())
}

func TestList_EstablishedCursorDisablesPaging(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("100", widget("a", "99")),
		staticList("110", widget("a", "99")),
	}
	lw.watchResponses = []watchResponse{
		failedWatch(errors.New("stream closed by test")),
		failedWatch(errors.New("stream closed by test")),
	}

	r := newTestReflector(lw, cache.NewStore())

	// Initial list at "0" pages by default.
	require.NoError(t, r.ListAndWatch(context.Background()))
	require.Equal(t, 1, lw.listCallCount())
	assert.NotZero(t, lw.listCalls[0].Limit)

	// The initial list was not paginated and the cursor is now a real
	// resource version, so the relist goes unpaginated to stay on the
	// server's watch cache.
	require.NoError(t, r.ListAndWatch(context.Background()))
	require.Equal(t, 2, lw.listCallCount())
	assert.Equal(t, "100", lw.listCalls[1].ResourceVersion)
	assert.Zero(t, lw.listCalls[1].Limit)
}

func TestListAndWatch_WatchExpiredMidStream(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("50", widget("a", "50")),
	}
	lw.watchResponses = []watchResponse{
		eventStream(
			modified(widget("a", "51")),
			{Err: errExpired},
		),
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)

	// An expired watch returns control to the outer loop without an error.
	require.NoError(t, r.ListAndWatch(context.Background()))

	assert.Equal(t, "51", r.LastSyncResourceVersion())
	// The unavailable flag is only for expired lists; a relist proceeds with
	// the current cursor.
	assert.Equal(t, "51", r.relistResourceVersion())
}

func TestWatchLoop_ConnectionRefusedRetriesWithoutRelist(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("60"),
	}
	lw.watchResponses = []watchResponse{
		failedWatch(errConnRefused),
		failedWatch(errors.New("stream closed by test")),
	}

	r := newTestReflector(lw, cache.NewStore())
	require.NoError(t, r.ListAndWatch(context.Background()))

	assert.Equal(t, 1, lw.listCallCount(), "connection refusal must not trigger a relist")
	assert.Equal(t, 2, lw.watchCallCount())
}

func TestWatchHandler_ServerErrorEventIsThrown(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("70"),
	}
	lw.watchResponses = []watchResponse{
		eventStream(listwatch.Event{
			Type: listwatch.Error,
			Object: object.Object{
				"kind":    "Status",
				"code":    int64(410),
				"reason":  "Expired",
				"message": "too old resource version",
			},
		}),
	}

	r := newTestReflector(lw, cache.NewStore())
	err := r.ListAndWatch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too old resource version")
}

func TestWatchHandler_MismatchedKindIsDropped(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("50", widget("a", "50")),
	}
	other := object.Object{
		"apiVersion": "example.io/v1",
		"kind":       "Gadget",
		"metadata": map[string]interface{}{
			"uid":             "z",
			"resourceVersion": "103",
		},
	}
	lw.watchResponses = []watchResponse{
		eventStream(added(other)),
		failedWatch(errors.New("stream closed by test")),
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)
	require.NoError(t, r.ListAndWatch(context.Background()))

	assert.ElementsMatch(t, []string{"a"}, store.ListKeys(), "mismatched kinds never reach the store")
	assert.Equal(t, "50", r.LastSyncResourceVersion(), "mismatched kinds never advance the cursor")
}

func TestWatchHandler_EventWithoutResourceVersion(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("50"),
	}
	noRV := object.Object{
		"apiVersion": "example.io/v1",
		"kind":       "Widget",
		"metadata":   map[string]interface{}{"uid": "n"},
	}
	lw.watchResponses = []watchResponse{
		eventStream(added(noRV)),
		failedWatch(errors.New("stream closed by test")),
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)
	require.NoError(t, r.ListAndWatch(context.Background()))

	// The mutation is still applied; only the cursor stays put.
	assert.True(t, store.HasByKey("n"))
	assert.Equal(t, "50", r.LastSyncResourceVersion())
}

func TestWatchHandler_BookmarkAdvancesCursorOnly(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("50"),
	}
	bookmark := listwatch.Event{
		Type: listwatch.Bookmark,
		Object: object.Object{
			"apiVersion": "example.io/v1",
			"kind":       "Widget",
			"metadata":   map[string]interface{}{"resourceVersion": "90"},
		},
	}
	lw.watchResponses = []watchResponse{
		eventStream(bookmark),
		failedWatch(errors.New("stream closed by test")),
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)
	require.NoError(t, r.ListAndWatch(context.Background()))

	assert.Empty(t, store.List())
	assert.Equal(t, "90", r.LastSyncResourceVersion())
}

func TestWatchHandler_VeryShortEmptyWatch(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("80"),
	}
	lw.watchResponses = []watchResponse{
		eventStream(),
	}

	r := newTestReflector(lw, cache.NewStore())
	r.since = time.Since

	err := r.ListAndWatch(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "very short watch"), "got: %v", err)
}

func TestStop_Idempotent(t *testing.T) {
	lw := newFakeLW()
	r := newTestReflector(lw, cache.NewStore())

	r.Stop()
	r.Stop()

	assert.True(t, lw.destroyed)
}

func TestStop_DuringWatchUnblocksRun(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("10", widget("a", "10")),
	}
	// A watch stream that never delivers and never closes.
	hung := make(chan listwatch.Event)
	lw.watchResponses = []watchResponse{
		func(listwatch.WatchOptions) (<-chan listwatch.Event, error) {
			return hung, nil
		},
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-store.HasSynced():
	case <-time.After(5 * time.Second):
		t.Fatal("store never synced")
	}

	r.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.True(t, lw.destroyed)

	// No mutation may originate from the reflector after stop.
	before := store.ListKeys()
	time.Sleep(20 * time.Millisecond)
	assert.ElementsMatch(t, before, store.ListKeys())
}

func TestStop_DuringListUnblocksRun(t *testing.T) {
	lw := newFakeLW()
	release := make(chan struct{})
	lw.listResponses = []listResponse{
		func(listwatch.ListOptions) (*listwatch.List, error) {
			// Simulate an in-flight list aborted when Stop destroys the
			// connection agent.
			<-release
			return nil, errors.New("transport destroyed")
		},
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	// Let the run loop enter the list call, then stop.
	for lw.listCallCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	r.Stop()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop during list")
	}

	assert.True(t, lw.destroyed)
	assert.False(t, store.Synced(), "no store mutation after stop")
	assert.Empty(t, store.List())
}

func TestRun_ContextCancellationStops(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		staticList("10"),
	}
	hung := make(chan listwatch.Event)
	lw.watchResponses = []watchResponse{
		func(listwatch.WatchOptions) (<-chan listwatch.Event, error) {
			return hung, nil
		},
	}

	r := newTestReflector(lw, cache.NewStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.True(t, lw.destroyed, "cancellation destroys the connection agent")
}

func TestRun_RetriesAfterFailure(t *testing.T) {
	lw := newFakeLW()
	lw.listResponses = []listResponse{
		failedList(errors.New("transport broke")),
		staticList("10", widget("a", "10")),
	}
	hung := make(chan listwatch.Event)
	lw.watchResponses = []watchResponse{
		func(listwatch.WatchOptions) (<-chan listwatch.Event, error) {
			return hung, nil
		},
	}

	store := cache.NewStore()
	r := newTestReflector(lw, store)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-store.HasSynced():
	case <-time.After(5 * time.Second):
		t.Fatal("store never synced after retry")
	}

	r.Stop()
	<-done

	assert.GreaterOrEqual(t, lw.listCallCount(), 2)
}
