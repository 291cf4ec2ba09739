// Package dryrun provides a provider.Client that performs no mutations.
// Reads are answered by a wrapped client or from fixed data; mutations are
// validated like the live client's, logged, counted and answered with a
// plausible result.
package dryrun

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rolledback/onedrive-sync/internal/metrics"
	"github.com/rolledback/onedrive-sync/internal/provider"
)

// IDPrefix marks ids the dry-run client made up.
const IDPrefix = "dryrun-"

// RootID is the id of the synthetic root folder served offline.
const RootID = IDPrefix + "root"

// Reads selects where a dry run's reads come from.
type Reads int

const (
	// ReadsDelegate forwards reads to the wrapped client.
	ReadsDelegate Reads = iota
	// ReadsOffline answers reads from fixed data without any network access.
	ReadsOffline
)

func (r Reads) String() string {
	if r == ReadsOffline {
		return "offline"
	}
	return "delegate"
}

type Options struct {
	Reads  Reads
	Logger *zap.Logger
}

// Client implements provider.Client without changing the remote drive.
type Client struct {
	reads  provider.Client
	logger *zap.Logger
}

// Factory builds a dry run whose reads go to a live client.
func Factory(r *provider.Registry, s provider.Settings) (provider.Client, error) {
	live, err := r.New(provider.ModeLive, s)
	if err != nil {
		return nil, err
	}
	return New(live, Options{Logger: s.Logger}), nil
}

// OfflineFactory builds a dry run that never touches the network.
func OfflineFactory(_ *provider.Registry, s provider.Settings) (provider.Client, error) {
	return New(nil, Options{Reads: ReadsOffline, Logger: s.Logger}), nil
}

// New creates a dry-run client. A nil reads client forces ReadsOffline.
func New(reads provider.Client, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if reads == nil {
		opts.Reads = ReadsOffline
	}

	c := &Client{logger: opts.Logger.Named("dryrun")}
	if opts.Reads == ReadsDelegate {
		c.reads = reads
	}

	c.logger.Debug("dry run enabled", zap.Stringer("reads", opts.Reads))
	return c
}

func (c *Client) offline() bool {
	return c.reads == nil
}

func (c *Client) absorb(op string, fields ...zap.Field) {
	metrics.RecordAbsorbed(op)
	c.logger.Info("dry run: skipped "+op, fields...)
}

func newID() string {
	return IDPrefix + uuid.NewString()
}

// pathID derives a stable id for a path served offline.
func pathID(p string) string {
	if p == "" {
		return RootID
	}
	return IDPrefix + uuid.NewSHA1(uuid.NameSpaceURL, []byte("onedrive:/"+p)).String()
}

// ============ READS ============

func (c *Client) DefaultDrive(ctx context.Context) (provider.Drive, error) {
	if !c.offline() {
		return c.reads.DefaultDrive(ctx)
	}
	return provider.Drive{
		ID:        IDPrefix + "drive",
		DriveType: "personal",
		Owner:     "dry run",
		Quota:     provider.Quota{State: "normal"},
	}, nil
}

func (c *Client) Root(ctx context.Context) (provider.Item, error) {
	if !c.offline() {
		return c.reads.Root(ctx)
	}
	return provider.Item{ID: RootID, Name: "root", Folder: true}, nil
}

// Children of a folder this client made up are always empty; the remote
// drive has never heard of it.
func (c *Client) Children(ctx context.Context, parent provider.Item) ([]provider.Item, error) {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return nil, err
	}
	if !c.offline() && !strings.HasPrefix(parent.ID, IDPrefix) {
		return c.reads.Children(ctx, parent)
	}
	return []provider.Item{}, nil
}

// ItemByPath serves every path offline as an existing empty folder.
func (c *Client) ItemByPath(ctx context.Context, p string) (provider.Item, error) {
	if !c.offline() {
		return c.reads.ItemByPath(ctx, p)
	}

	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "" {
		return provider.Item{ID: RootID, Name: "root", Folder: true, Children: []provider.Item{}}, nil
	}

	parent := path.Dir(clean)
	if parent == "." {
		parent = ""
	}
	return provider.Item{
		ID:       pathID(clean),
		Name:     path.Base(clean),
		ParentID: pathID(parent),
		Folder:   true,
		Children: []provider.Item{},
	}, nil
}

// ============ MUTATIONS ============

func (c *Client) Upload(ctx context.Context, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	return c.put("upload", parent, file)
}

func (c *Client) Replace(ctx context.Context, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	return c.put("replace", parent, file)
}

func (c *Client) put(op string, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return provider.Item{}, err
	}
	if err := provider.RequireName(file.Name); err != nil {
		return provider.Item{}, err
	}

	c.absorb(op,
		zap.String("name", file.Name),
		zap.String("parent", parent.Name),
		zap.Int64("size", file.Size),
	)

	return provider.Item{
		ID:       newID(),
		Name:     file.Name,
		ParentID: parent.ID,
		Size:     file.Size,
		Created:  file.Created,
		Modified: file.Modified,
	}, nil
}

// UpdateTimes hands back item unchanged.
func (c *Client) UpdateTimes(ctx context.Context, item provider.Item, created, modified time.Time) (provider.Item, error) {
	c.absorb("update_times",
		zap.String("name", item.Name),
		zap.Time("created", created),
		zap.Time("modified", modified),
	)
	return item, nil
}

func (c *Client) CreateFolder(ctx context.Context, parent provider.Item, name string) (provider.Item, error) {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return provider.Item{}, err
	}
	if err := provider.RequireName(name); err != nil {
		return provider.Item{}, err
	}

	c.absorb("create_folder", zap.String("name", name), zap.String("parent", parent.Name))

	return provider.Item{
		ID:       newID(),
		Name:     name,
		ParentID: parent.ID,
		Folder:   true,
	}, nil
}

func (c *Client) Download(ctx context.Context, item provider.Item, target string) error {
	if err := provider.RequireFile(item); err != nil {
		return err
	}
	c.absorb("download", zap.String("name", item.Name), zap.String("target", target))
	return nil
}

func (c *Client) Delete(ctx context.Context, item provider.Item) error {
	c.absorb("delete", zap.String("name", item.Name), zap.String("id", item.ID))
	return nil
}
