package cache

import (
	"sync"

	"mirror/internal/object"
)

// DefaultKeyPath is the dotted metadata path used to derive store keys when no
// other path is configured. Objects missing a uid all map to the empty key and
// overwrite each other; the store does not guard against that.
const DefaultKeyPath = "metadata.uid"

// Sink is the mutation surface the reflector drives. A Store implements it
// directly; the informer wraps a Store with an event-emitting implementation.
type Sink interface {
	// Replace swaps the entire collection for items.
	Replace(items []object.Object)

	// Add inserts or overwrites one object.
	Add(obj object.Object)

	// Update inserts or overwrites one object. The server's ADDED/MODIFIED
	// distinction is advisory, so Add and Update are deliberately
	// indistinguishable.
	Update(obj object.Object)

	// Delete removes one object; absent keys are a silent no-op.
	Delete(obj object.Object)

	// SetRefreshing marks the collection as mid-relist. Purely a hint for
	// readers; no store semantics change.
	SetRefreshing()
}

// Store is a flat key-to-object mapping over one resource collection. All
// operations are synchronous. The first Replace closes the synced latch, which
// never reopens.
type Store struct {
	mu sync.RWMutex

	keyPath []string
	items   map[string]object.Object

	refreshing bool

	syncedOnce sync.Once
	synced     chan struct{}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithKeyPath sets the dotted field path keys are derived from.
func WithKeyPath(path string) StoreOption {
	return func(s *Store) {
		if path != "" {
			s.keyPath = object.SplitPath(path)
		}
	}
}

// NewStore creates an empty Store keyed by DefaultKeyPath unless overridden.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		keyPath: object.SplitPath(DefaultKeyPath),
		items:   make(map[string]object.Object),
		synced:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Key derives the store key for obj. A missing key field yields "".
func (s *Store) Key(obj object.Object) string {
	v, found, _ := nestedString(obj, s.keyPath)
	if !found {
		return ""
	}
	return v
}

// Add inserts or overwrites obj under its derived key.
func (s *Store) Add(obj object.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[s.Key(obj)] = obj
}

// Update inserts or overwrites obj under its derived key.
func (s *Store) Update(obj object.Object) {
	s.Add(obj)
}

// Delete removes obj's key from the store. Absent keys are a no-op.
func (s *Store) Delete(obj object.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, s.Key(obj))
}

// Replace clears the store, inserts every item, and fulfills the synced latch.
// Keys absent from items are gone afterwards.
func (s *Store) Replace(items []object.Object) {
	s.mu.Lock()
	next := make(map[string]object.Object, len(items))
	for _, item := range items {
		next[s.Key(item)] = item
	}
	s.items = next
	s.refreshing = false
	s.mu.Unlock()

	s.syncedOnce.Do(func() {
		close(s.synced)
	})
}

// SetRefreshing marks the store as mid-relist until the next Replace.
func (s *Store) SetRefreshing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshing = true
}

// IsRefreshing reports whether a relist is in flight.
func (s *Store) IsRefreshing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshing
}

// Get returns the stored object sharing obj's key.
func (s *Store) Get(obj object.Object) (object.Object, bool) {
	return s.GetByKey(s.Key(obj))
}

// GetByKey returns the object stored under key.
func (s *Store) GetByKey(key string) (object.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	return item, ok
}

// Has reports whether an object sharing obj's key is stored.
func (s *Store) Has(obj object.Object) bool {
	return s.HasByKey(s.Key(obj))
}

// HasByKey reports whether key is stored.
func (s *Store) HasByKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

// List returns all stored objects in unspecified order.
func (s *Store) List() []object.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]object.Object, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out
}

// ListKeys returns all stored keys in unspecified order.
func (s *Store) ListKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for key := range s.items {
		out = append(out, key)
	}
	return out
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// HasSynced returns a channel that is closed once the first Replace has been
// applied. It reports the same terminal state forever after.
func (s *Store) HasSynced() <-chan struct{} {
	return s.synced
}

// Synced reports whether the first Replace has already happened.
func (s *Store) Synced() bool {
	select {
	case <-s.synced:
		return true
	default:
		return false
	}
}
