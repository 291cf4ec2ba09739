// Package tree walks a remote folder hierarchy through a provider.Client.
package tree

import (
	"context"
	"path"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rolledback/onedrive-sync/internal/provider"
)

// Entry is one item found by Walk.
type Entry struct {
	Path  string // Slash-separated, relative to the walk's root
	Depth int    // 1 for direct children of the root
	Item  provider.Item
}

// Options controls a walk.
type Options struct {
	Threads  int // Concurrent listings; values below 1 mean one
	MaxDepth int // Zero means unlimited
}

// Walk lists every item below root, running up to opts.Threads Children
// calls at once. Each listing is all-or-nothing; the first failure cancels
// the walk and is returned. Entries come back sorted by path.
func Walk(ctx context.Context, client provider.Client, root provider.Item, opts Options) ([]Entry, error) {
	if err := provider.RequireFolder(root, "root"); err != nil {
		return nil, err
	}

	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)

	var (
		mu      sync.Mutex
		entries []Entry
	)

	var visit func(folder provider.Item, prefix string, depth int) func() error
	visit = func(folder provider.Item, prefix string, depth int) func() error {
		return func() error {
			children, err := client.Children(ctx, folder)
			if err != nil {
				return err
			}

			found := make([]Entry, 0, len(children))
			for _, child := range children {
				found = append(found, Entry{Path: path.Join(prefix, child.Name), Depth: depth, Item: child})
			}

			mu.Lock()
			entries = append(entries, found...)
			mu.Unlock()

			if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
				return nil
			}
			for _, e := range found {
				if !e.Item.IsFolder() {
					continue
				}
				task := visit(e.Item, e.Path, depth+1)
				// A full group runs the listing inline so that
				// workers never block waiting on each other.
				if !g.TryGo(task) {
					if err := task(); err != nil {
						return err
					}
				}
			}
			return nil
		}
	}

	g.Go(visit(root, "", 1))
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
