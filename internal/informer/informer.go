// Package informer couples a cache store with a reflector and fans every
// store mutation out to subscribers as a named event.
//
// The informer inserts itself between the reflector and the store: it
// implements the store's mutation surface, delegates to the real store, then
// emits the corresponding event. Subscribers therefore observe mutations in
// exactly the order the store observed them, and the one-shot REPLACE of a run
// precedes any ADD, UPDATE, or DELETE from the same run.
package informer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"mirror/internal/cache"
	"mirror/internal/listwatch"
	"mirror/internal/object"
	"mirror/internal/reflector"
	"mirror/pkg/logging"
)

// EventType names an informer event.
type EventType string

const (
	// Replace fires once per successful list, carrying the full snapshot.
	Replace EventType = "REPLACE"

	// Add fires for every ADDED watch event.
	Add EventType = "ADD"

	// Update fires for every MODIFIED watch event.
	Update EventType = "UPDATE"

	// Delete fires for every DELETED watch event.
	Delete EventType = "DELETE"
)

// Event is the payload delivered to subscribers. Object is set for Add,
// Update, and Delete; Objects is set for Replace.
type Event struct {
	Type    EventType
	Object  object.Object
	Objects []object.Object
}

// Handler receives events. Handlers run synchronously on the reflector
// goroutine; slow handlers slow the cache down.
type Handler func(Event)

// Subscription identifies one registered handler.
type Subscription struct {
	id uuid.UUID
}

// Informer owns one store and one reflector over a single resource
// collection.
type Informer struct {
	lw        listwatch.ListWatcher
	store     *cache.Store
	reflector *reflector.Reflector

	mu       sync.RWMutex
	handlers map[uuid.UUID]registration
}

type registration struct {
	types   map[EventType]bool
	handler Handler
}

// Option configures an Informer.
type Option func(*informerConfig)

type informerConfig struct {
	storeOpts     []cache.StoreOption
	reflectorOpts []reflector.Option
}

// WithStoreOptions forwards options to the underlying store.
func WithStoreOptions(opts ...cache.StoreOption) Option {
	return func(c *informerConfig) {
		c.storeOpts = append(c.storeOpts, opts...)
	}
}

// WithReflectorOptions forwards options to the underlying reflector.
func WithReflectorOptions(opts ...reflector.Option) Option {
	return func(c *informerConfig) {
		c.reflectorOpts = append(c.reflectorOpts, opts...)
	}
}

// New creates an Informer mirroring lw's collection.
func New(lw listwatch.ListWatcher, opts ...Option) *Informer {
	var cfg informerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	inf := &Informer{
		lw:       lw,
		store:    cache.NewStore(cfg.storeOpts...),
		handlers: make(map[uuid.UUID]registration),
	}
	// The informer, not the bare store, is the reflector's sink: every
	// mutation passes through the event fan-out.
	inf.reflector = reflector.New(lw, inf, cfg.reflectorOpts...)
	return inf
}

// Store returns the underlying store for synchronous lookups. Callers observe
// but never mutate.
func (i *Informer) Store() *cache.Store {
	return i.store
}

// HasSynced returns a channel closed after the first successful list.
func (i *Informer) HasSynced() <-chan struct{} {
	return i.store.HasSynced()
}

// Synced reports whether the first successful list has happened.
func (i *Informer) Synced() bool {
	return i.store.Synced()
}

// LastSyncResourceVersion returns the reflector's cursor.
func (i *Informer) LastSyncResourceVersion() string {
	return i.reflector.LastSyncResourceVersion()
}

// Subscribe registers handler for the given event types, or for all four when
// none are named. The returned subscription cancels the registration when
// passed to Unsubscribe.
func (i *Informer) Subscribe(handler Handler, types ...EventType) Subscription {
	reg := registration{handler: handler}
	if len(types) > 0 {
		reg.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			reg.types[t] = true
		}
	}

	id := uuid.New()

	i.mu.Lock()
	i.handlers[id] = reg
	i.mu.Unlock()

	return Subscription{id: id}
}

// Unsubscribe removes a subscription. Unknown subscriptions are a no-op.
func (i *Informer) Unsubscribe(sub Subscription) {
	i.mu.Lock()
	delete(i.handlers, sub.id)
	i.mu.Unlock()
}

func (i *Informer) emit(ev Event) {
	i.mu.RLock()
	regs := make([]registration, 0, len(i.handlers))
	for _, reg := range i.handlers {
		regs = append(regs, reg)
	}
	i.mu.RUnlock()

	for _, reg := range regs {
		if reg.types != nil && !reg.types[ev.Type] {
			continue
		}
		reg.handler(ev)
	}
}

// Replace implements cache.Sink.
func (i *Informer) Replace(items []object.Object) {
	i.store.Replace(items)
	i.emit(Event{Type: Replace, Objects: items})
}

// Add implements cache.Sink.
func (i *Informer) Add(obj object.Object) {
	i.store.Add(obj)
	i.emit(Event{Type: Add, Object: obj})
}

// Update implements cache.Sink.
func (i *Informer) Update(obj object.Object) {
	i.store.Update(obj)
	i.emit(Event{Type: Update, Object: obj})
}

// Delete implements cache.Sink.
func (i *Informer) Delete(obj object.Object) {
	i.store.Delete(obj)
	i.emit(Event{Type: Delete, Object: obj})
}

// SetRefreshing implements cache.Sink.
func (i *Informer) SetRefreshing() {
	i.store.SetRefreshing()
}

// Run drives the reflector until ctx is cancelled or Stop is called. It
// returns once the loop has fully wound down.
func (i *Informer) Run(ctx context.Context) {
	logging.Info("informer", "starting informer for %s", i.lw.Resource())
	i.reflector.Run(ctx)
	logging.Info("informer", "informer for %s stopped", i.lw.Resource())
}

// Stop cancels the reflector, force-closing in-flight streams. Idempotent.
func (i *Informer) Stop() {
	i.reflector.Stop()
}
