package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// retryingClient repeats operations that failed with a retryable error.
// Listings restart from the first page on every attempt.
type retryingClient struct {
	next       Client
	retries    uint64
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// WithRetries wraps next so that each operation is retried up to retries
// extra times with exponential backoff. Only IsRetryable failures are
// retried. A non-positive count returns next unchanged.
func WithRetries(next Client, retries int, logger *zap.Logger) Client {
	if retries <= 0 {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &retryingClient{
		next:    next,
		retries: uint64(retries),
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

func (c *retryingClient) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.retries), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("retrying remote operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func (c *retryingClient) DefaultDrive(ctx context.Context) (Drive, error) {
	var drive Drive
	err := c.do(ctx, "default_drive", func() (err error) {
		drive, err = c.next.DefaultDrive(ctx)
		return err
	})
	return drive, err
}

func (c *retryingClient) Root(ctx context.Context) (Item, error) {
	var item Item
	err := c.do(ctx, "root", func() (err error) {
		item, err = c.next.Root(ctx)
		return err
	})
	return item, err
}

func (c *retryingClient) Children(ctx context.Context, parent Item) ([]Item, error) {
	var items []Item
	err := c.do(ctx, "children", func() (err error) {
		items, err = c.next.Children(ctx, parent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (c *retryingClient) ItemByPath(ctx context.Context, path string) (Item, error) {
	var item Item
	err := c.do(ctx, "item_by_path", func() (err error) {
		item, err = c.next.ItemByPath(ctx, path)
		return err
	})
	return item, err
}

// Upload retries as a Replace: a failed attempt may still have stored
// the file, and a second Upload would then fail with a conflict.
func (c *retryingClient) Upload(ctx context.Context, parent Item, file LocalFile) (Item, error) {
	var item Item
	first := true
	err := c.do(ctx, "upload", func() (err error) {
		if first {
			first = false
			item, err = c.next.Upload(ctx, parent, file)
		} else {
			item, err = c.next.Replace(ctx, parent, file)
		}
		return err
	})
	return item, err
}

func (c *retryingClient) Replace(ctx context.Context, parent Item, file LocalFile) (Item, error) {
	var item Item
	err := c.do(ctx, "replace", func() (err error) {
		item, err = c.next.Replace(ctx, parent, file)
		return err
	})
	return item, err
}

func (c *retryingClient) UpdateTimes(ctx context.Context, item Item, created, modified time.Time) (Item, error) {
	var updated Item
	err := c.do(ctx, "update_times", func() (err error) {
		updated, err = c.next.UpdateTimes(ctx, item, created, modified)
		return err
	})
	return updated, err
}

func (c *retryingClient) CreateFolder(ctx context.Context, parent Item, name string) (Item, error) {
	var item Item
	err := c.do(ctx, "create_folder", func() (err error) {
		item, err = c.next.CreateFolder(ctx, parent, name)
		return err
	})
	return item, err
}

func (c *retryingClient) Download(ctx context.Context, item Item, target string) error {
	return c.do(ctx, "download", func() error {
		return c.next.Download(ctx, item, target)
	})
}

func (c *retryingClient) Delete(ctx context.Context, item Item) error {
	return c.do(ctx, "delete", func() error {
		return c.next.Delete(ctx, item)
	})
}
