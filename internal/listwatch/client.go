package listwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"k8s.io/client-go/rest"

	"mirror/internal/object"
	"mirror/pkg/logging"
)

// Client is the HTTP ListWatcher implementation. One Client serves one
// resource collection; clients for different resources may share the same
// underlying http.Client.
//
// Destroy cancels every in-flight call, including open watch streams, and is
// safe to call concurrently with them.
type Client struct {
	resource   Resource
	base       *url.URL
	httpClient *http.Client

	// baseCtx is cancelled by Destroy; every request context is linked to it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewClient builds a Client from a rest.Config. The config supplies the server
// URL, TLS material, and authentication; the resulting transport is shared by
// list, watch, and the item verbs.
func NewClient(cfg *rest.Config, res Resource) (*Client, error) {
	httpClient, err := rest.HTTPClientFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("building http client: %w", err)
	}

	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parsing server url %q: %w", cfg.Host, err)
	}

	return NewClientWith(httpClient, base, res), nil
}

// NewClientWith builds a Client around an existing http.Client and base URL.
func NewClientWith(httpClient *http.Client, base *url.URL, res Resource) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		resource:   res,
		base:       base,
		httpClient: httpClient,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Resource implements ListWatcher.
func (c *Client) Resource() Resource {
	return c.resource
}

// Destroy cancels all in-flight calls and closes idle connections. Subsequent
// calls fail immediately.
func (c *Client) Destroy() {
	c.cancel()
	c.httpClient.CloseIdleConnections()
}

// collectionPath builds the URL path of the resource collection, honoring the
// resource's scope.
func (c *Client) collectionPath() string {
	var b strings.Builder
	if c.resource.Group == "" {
		b.WriteString("/api/")
	} else {
		b.WriteString("/apis/")
		b.WriteString(c.resource.Group)
		b.WriteString("/")
	}
	b.WriteString(c.resource.Version)
	if c.resource.Scope == NamespaceScoped && c.resource.Namespace != "" {
		b.WriteString("/namespaces/")
		b.WriteString(c.resource.Namespace)
	}
	b.WriteString("/")
	b.WriteString(c.resource.Resource)
	return b.String()
}

func (c *Client) itemPath(name string) string {
	return c.collectionPath() + "/" + name
}

// requestContext links the caller's context to the client's lifetime so that
// Destroy aborts the request.
func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do issues a request and decodes a 2xx JSON body into out. Non-2xx responses
// come back as status errors.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusFromResponse(resp, body)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// List implements ListWatcher.
func (c *Client) List(ctx context.Context, opts ListOptions) (*List, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	query := url.Values{}
	if opts.ResourceVersion != "" {
		query.Set("resourceVersion", opts.ResourceVersion)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.FormatInt(opts.Limit, 10))
	}
	if opts.Continue != "" {
		query.Set("continue", opts.Continue)
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.collectionPath(), query, nil)
	if err != nil {
		return nil, err
	}

	var list List
	if err := c.do(req, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Watch implements ListWatcher. The stream is decoded in a producer goroutine;
// the returned channel is closed when the server ends the stream, ctx is
// cancelled, or the client is destroyed.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) (<-chan Event, error) {
	ctx, cancel := c.requestContext(ctx)

	query := url.Values{}
	query.Set("watch", "true")
	if opts.ResourceVersion != "" {
		query.Set("resourceVersion", opts.ResourceVersion)
	}
	if opts.AllowWatchBookmarks {
		query.Set("allowWatchBookmarks", "true")
	}
	if opts.TimeoutSeconds > 0 {
		query.Set("timeoutSeconds", strconv.FormatInt(opts.TimeoutSeconds, 10))
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.collectionPath(), query, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if readErr != nil {
			return nil, readErr
		}
		return nil, statusFromResponse(resp, body)
	}

	events := make(chan Event)
	go c.readWatchStream(ctx, cancel, resp.Body, events)
	return events, nil
}

// wireEvent is the JSON frame of a watch stream entry.
type wireEvent struct {
	Type   EventType     `json:"type"`
	Object object.Object `json:"object"`
}

func (c *Client) readWatchStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer cancel()
	defer body.Close()

	decoder := json.NewDecoder(body)
	for {
		var frame wireEvent
		err := decoder.Decode(&frame)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				// Server closed the stream or the caller went away; a
				// plain end-of-stream, not an error.
				return
			}
			select {
			case events <- Event{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case events <- Event{Type: frame.Type, Object: frame.Object}:
		case <-ctx.Done():
			return
		}
	}
}

// Get fetches one object by name.
func (c *Client) Get(ctx context.Context, name string) (object.Object, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.itemPath(name), nil, nil)
	if err != nil {
		return nil, err
	}

	var obj object.Object
	if err := c.do(req, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Create posts a new object to the collection and returns the stored form.
func (c *Client) Create(ctx context.Context, obj object.Object) (object.Object, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.collectionPath(), nil, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	var out object.Object
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces the named object and returns the stored form.
func (c *Client) Update(ctx context.Context, name string, obj object.Object) (object.Object, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.itemPath(name), nil, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	var out object.Object
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the named object.
func (c *Client) Delete(ctx context.Context, name string) error {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodDelete, c.itemPath(name), nil, nil)
	if err != nil {
		return err
	}

	if err := c.do(req, nil); err != nil {
		return err
	}
	logging.Debug("listwatch", "deleted %s %q", c.resource, name)
	return nil
}
