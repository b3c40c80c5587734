package listwatch

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"mirror/internal/object"
)

// Scope distinguishes cluster-scoped resource collections from namespaced
// ones. It selects the URL form every verb uses.
type Scope string

const (
	// ClusterScoped resources live directly under the group/version path.
	ClusterScoped Scope = "Cluster"

	// NamespaceScoped resources live under a namespaces/<ns> segment.
	NamespaceScoped Scope = "Namespaced"
)

// Resource describes one typed resource collection on the server. It is a
// plain record; the verbs that apply to it are selected by Scope rather than
// composed through a type hierarchy.
type Resource struct {
	// Group is the API group; empty for the core group.
	Group string

	// Version is the API version within the group.
	Version string

	// Kind is the object kind watch events are expected to carry.
	Kind string

	// Resource is the plural resource name used in URLs.
	Resource string

	// Scope selects cluster-scoped or namespaced URL forms.
	Scope Scope

	// Namespace restricts a namespaced resource to one namespace. Ignored
	// for cluster-scoped resources.
	Namespace string
}

// APIVersion returns the apiVersion string objects of this resource carry.
func (r Resource) APIVersion() string {
	if r.Group == "" {
		return r.Version
	}
	return r.Group + "/" + r.Version
}

// GroupVersionKind returns the schema identifier for this resource.
func (r Resource) GroupVersionKind() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: r.Group, Version: r.Version, Kind: r.Kind}
}

// String renders the resource for log lines.
func (r Resource) String() string {
	if r.Scope == NamespaceScoped && r.Namespace != "" {
		return fmt.Sprintf("%s/%s (%s)", r.APIVersion(), r.Resource, r.Namespace)
	}
	return fmt.Sprintf("%s/%s", r.APIVersion(), r.Resource)
}

// ListOptions carries the query parameters of a list call.
type ListOptions struct {
	// ResourceVersion is echoed to the server: "" forces a consistent read
	// from the authoritative store, "0" permits a stale read from the
	// server's watch cache, any other value asks for data at least as fresh.
	ResourceVersion string

	// Limit caps the page size; zero requests an unpaginated list.
	Limit int64

	// Continue is the continuation token of a paginated list.
	Continue string
}

// WatchOptions carries the query parameters of a watch call.
type WatchOptions struct {
	// ResourceVersion is the point in the change log to start from.
	ResourceVersion string

	// AllowWatchBookmarks asks the server for BOOKMARK events.
	AllowWatchBookmarks bool

	// TimeoutSeconds bounds the server side of the stream.
	TimeoutSeconds int64
}

// ListMeta is the envelope metadata of a list result.
type ListMeta struct {
	// ResourceVersion is the collection's version at list time.
	ResourceVersion string `json:"resourceVersion"`

	// Continue is the continuation token; empty on the final page.
	Continue string `json:"continue,omitempty"`

	// Paginated reports whether the result was assembled from more than one
	// page. Set by the pager, not by the server.
	Paginated bool `json:"-"`
}

// List is a snapshot of a resource collection.
type List struct {
	Metadata ListMeta        `json:"metadata"`
	Items    []object.Object `json:"items"`
}

// EventType tags a watch event.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	Bookmark EventType = "BOOKMARK"
	Error    EventType = "ERROR"
)

// Event is one entry of a watch stream. Exactly one of the following holds:
// Err is non-nil (the stream failed and is about to end), or Type and Object
// describe a server-sent event. An ERROR event's Object is a status payload,
// not a resource.
type Event struct {
	Type   EventType
	Object object.Object
	Err    error
}

// ListWatcher is the capability the reflector consumes for one resource type.
// Implementations may additionally implement Destroyer to support forced
// cancellation of in-flight streams.
type ListWatcher interface {
	// Resource describes the collection this capability serves.
	Resource() Resource

	// List fetches one page (or, with Limit zero, the whole collection).
	List(ctx context.Context, opts ListOptions) (*List, error)

	// Watch opens a change stream. The returned channel is closed when the
	// server ends the stream, the context is cancelled, or the watcher is
	// destroyed. A stream-level failure is delivered as a final Event with
	// Err set.
	Watch(ctx context.Context, opts WatchOptions) (<-chan Event, error)
}

// Destroyer force-closes every in-flight call of a ListWatcher. It is the
// cancellation lever the reflector pulls on Stop.
type Destroyer interface {
	Destroy()
}
