// Package pager wraps a ListWatcher's list capability with client-side paging
// and a fallback to a full list when a continuation token expires between
// pages.
package pager

import (
	"context"

	"mirror/internal/listwatch"
	"mirror/internal/object"
	"mirror/pkg/logging"
)

// DefaultPageSize is the page limit used when paging is enabled and the caller
// did not choose one.
const DefaultPageSize = 500

// PageFn fetches one page of a collection.
type PageFn func(ctx context.Context, opts listwatch.ListOptions) (*listwatch.List, error)

// ListPager assembles a full collection snapshot from one or more list calls.
//
// With PageSize zero a single unpaginated list is issued. Otherwise pages are
// requested with the configured limit and concatenated; the result's
// Metadata.Paginated reports whether more than one page was actually fetched.
// Continuation tokens can expire between pages, at which point only a fresh
// full read can recover; FullListIfExpired controls that fallback.
type ListPager struct {
	// PageSize is the per-page limit; zero disables paging.
	PageSize int64

	// PageFn fetches one page.
	PageFn PageFn

	// FullListIfExpired falls back to a single full list when a
	// continuation page fails with an expired error.
	FullListIfExpired bool

	// IsExpired classifies expired-continuation errors.
	IsExpired func(error) bool
}

// New creates a pager over lw's list capability with the default page size and
// expired-continuation fallback enabled.
func New(lw listwatch.ListWatcher, isExpired func(error) bool) *ListPager {
	return &ListPager{
		PageSize:          DefaultPageSize,
		PageFn:            lw.List,
		FullListIfExpired: true,
		IsExpired:         isExpired,
	}
}

// List fetches the collection snapshot. The caller's resource version is
// forwarded on the first request; continuation requests clear it, as the token
// already pins the snapshot.
func (p *ListPager) List(ctx context.Context, opts listwatch.ListOptions) (*listwatch.List, error) {
	if opts.Limit == 0 {
		opts.Limit = p.PageSize
	}
	requestedRV := opts.ResourceVersion

	var items []object.Object
	var snapshotRV string
	var paginated bool

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, err := p.PageFn(ctx, opts)
		if err != nil {
			if p.IsExpired == nil || !p.IsExpired(err) || !p.FullListIfExpired || opts.Continue == "" {
				return nil, err
			}

			// The continuation token expired mid-pagination. The only
			// recovery is a fresh full read: no paging, no resource
			// version.
			logging.Info("pager", "continuation token expired, falling back to full list (requested resource version %q)", requestedRV)
			full, err := p.PageFn(ctx, listwatch.ListOptions{})
			if err != nil {
				return nil, err
			}
			full.Metadata.Paginated = paginated
			return full, nil
		}

		// First page complete with no continuation: hand it back untouched.
		if page.Metadata.Continue == "" && items == nil {
			page.Metadata.Paginated = paginated
			return page, nil
		}

		if items == nil {
			// The continuation pins every later page to the first page's
			// snapshot, so its resource version names the whole result.
			snapshotRV = page.Metadata.ResourceVersion
		}
		items = append(items, page.Items...)

		if page.Metadata.Continue == "" {
			return &listwatch.List{
				Metadata: listwatch.ListMeta{
					ResourceVersion: snapshotRV,
					Paginated:       paginated,
				},
				Items: items,
			}, nil
		}

		opts.Continue = page.Metadata.Continue
		opts.ResourceVersion = ""
		paginated = true
	}
}
