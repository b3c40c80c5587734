// Package listwatch defines the capability the cache core consumes to talk to
// a control-plane API server, and provides an HTTP implementation of it.
//
// The reflector only ever sees the ListWatcher interface: one list call that
// returns a keyed snapshot with a resource version, and one watch call that
// returns a finite stream of change events. Error classification happens
// through the Discriminators predicates, never by payload parsing inside the
// core.
package listwatch
