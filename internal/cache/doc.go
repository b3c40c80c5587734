// Package cache holds the in-memory keyed replica of a server-side resource
// collection. A Store is created empty, mutated exclusively by its owning
// reflector, and read concurrently by application code.
//
// The reflector drives the store through the narrow Sink interface so that the
// informer can decorate every mutation with an event fan-out without the
// reflector knowing.
package cache
