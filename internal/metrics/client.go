package metrics

import (
	"context"
	"time"

	"github.com/rolledback/onedrive-sync/internal/provider"
)

// instrumentedClient counts every operation by mode and outcome.
type instrumentedClient struct {
	next provider.Client
	mode string
}

// Instrument wraps next so that each operation is counted under mode.
func Instrument(next provider.Client, mode provider.Mode) provider.Client {
	return &instrumentedClient{next: next, mode: string(mode)}
}

func (c *instrumentedClient) observe(op string, err error) {
	operationsTotal.WithLabelValues(c.mode, op, Result(err)).Inc()
}

func (c *instrumentedClient) DefaultDrive(ctx context.Context) (provider.Drive, error) {
	drive, err := c.next.DefaultDrive(ctx)
	c.observe("default_drive", err)
	return drive, err
}

func (c *instrumentedClient) Root(ctx context.Context) (provider.Item, error) {
	item, err := c.next.Root(ctx)
	c.observe("root", err)
	return item, err
}

func (c *instrumentedClient) Children(ctx context.Context, parent provider.Item) ([]provider.Item, error) {
	items, err := c.next.Children(ctx, parent)
	c.observe("children", err)
	return items, err
}

func (c *instrumentedClient) ItemByPath(ctx context.Context, path string) (provider.Item, error) {
	item, err := c.next.ItemByPath(ctx, path)
	c.observe("item_by_path", err)
	return item, err
}

func (c *instrumentedClient) Upload(ctx context.Context, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	item, err := c.next.Upload(ctx, parent, file)
	c.observe("upload", err)
	if err == nil {
		uploadedBytes.WithLabelValues(c.mode).Add(float64(item.Size))
	}
	return item, err
}

func (c *instrumentedClient) Replace(ctx context.Context, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	item, err := c.next.Replace(ctx, parent, file)
	c.observe("replace", err)
	if err == nil {
		uploadedBytes.WithLabelValues(c.mode).Add(float64(item.Size))
	}
	return item, err
}

func (c *instrumentedClient) UpdateTimes(ctx context.Context, item provider.Item, created, modified time.Time) (provider.Item, error) {
	updated, err := c.next.UpdateTimes(ctx, item, created, modified)
	c.observe("update_times", err)
	return updated, err
}

func (c *instrumentedClient) CreateFolder(ctx context.Context, parent provider.Item, name string) (provider.Item, error) {
	item, err := c.next.CreateFolder(ctx, parent, name)
	c.observe("create_folder", err)
	return item, err
}

func (c *instrumentedClient) Download(ctx context.Context, item provider.Item, target string) error {
	err := c.next.Download(ctx, item, target)
	c.observe("download", err)
	return err
}

func (c *instrumentedClient) Delete(ctx context.Context, item provider.Item) error {
	err := c.next.Delete(ctx, item)
	c.observe("delete", err)
	return err
}
