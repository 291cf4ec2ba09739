package provider

import (
	"context"
	"time"
)

// Client defines the storage operations the synchronization engine issues
// against the remote drive. The engine holds one Client, wired at startup to
// either the live Graph implementation or the dry-run implementation, and
// never learns which one it has.
//
// Implementations hold no per-call state and are safe for concurrent use on
// disjoint items.
type Client interface {
	// Reads
	DefaultDrive(ctx context.Context) (Drive, error)
	Root(ctx context.Context) (Item, error)
	// Children returns every child of parent, all pages merged in the order
	// received. Any page failure fails the whole call with no partial result.
	Children(ctx context.Context, parent Item) ([]Item, error)
	// ItemByPath resolves a slash-separated path relative to the drive root,
	// with Children populated.
	ItemByPath(ctx context.Context, path string) (Item, error)

	// Mutations
	Upload(ctx context.Context, parent Item, file LocalFile) (Item, error)
	Replace(ctx context.Context, parent Item, file LocalFile) (Item, error)
	UpdateTimes(ctx context.Context, item Item, created, modified time.Time) (Item, error)
	CreateFolder(ctx context.Context, parent Item, name string) (Item, error)
	Download(ctx context.Context, item Item, target string) error
	Delete(ctx context.Context, item Item) error
}

// Authoriser supplies a valid access token for each request. Refreshing an
// expired credential is the Authoriser's job; its errors surface unchanged.
type Authoriser interface {
	AccessToken(ctx context.Context) (string, error)
}

// AuthoriserFunc adapts a function to the Authoriser interface.
type AuthoriserFunc func(ctx context.Context) (string, error)

func (f AuthoriserFunc) AccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken returns an Authoriser that always hands out token.
func StaticToken(token string) Authoriser {
	return AuthoriserFunc(func(context.Context) (string, error) {
		return token, nil
	})
}
