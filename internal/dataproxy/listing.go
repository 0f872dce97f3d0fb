package dataproxy

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// PageLimit is the page size requested from the store.
const PageLimit = 100

// Entries lists every entry of c whose name starts with prefix, following the
// store's marker pagination. Each range over the returned sequence starts a
// new traversal. A name seen twice within one traversal yields
// ErrDuplicateEntry and ends the sequence instead of looping forever.
func Entries(ctx context.Context, store Store, c *Container, prefix string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		marker := ""
		visited := make(map[string]struct{})
		for {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			page, err := store.ListPage(ctx, c, PageRequest{Limit: PageLimit, Marker: marker, Prefix: prefix})
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, e := range page {
				if _, seen := visited[e.Name]; seen {
					yield(Entry{}, fmt.Errorf("%w: %q in %s", ErrDuplicateEntry, e.Name, c.ID()))
					return
				}
				visited[e.Name] = struct{}{}
				if !yield(e, nil) {
					return
				}
				marker = e.Name
			}
		}
	}
}

// FindEntry returns the entry named exactly name, using a prefix listing.
func FindEntry(ctx context.Context, store Store, c *Container, name string) (Entry, error) {
	name = strings.TrimPrefix(name, "/")
	for e, err := range Entries(ctx, store, c, name) {
		if err != nil {
			return Entry{}, err
		}
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %q in %s", ErrEntryNotFound, name, c.ID())
}

// ScanEntry walks the full unfiltered listing looking for name.
func ScanEntry(ctx context.Context, store Store, c *Container, name string) (Entry, bool, error) {
	name = strings.TrimPrefix(name, "/")
	for e, err := range Entries(ctx, store, c, "") {
		if err != nil {
			return Entry{}, false, err
		}
		if e.Name == name {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}
