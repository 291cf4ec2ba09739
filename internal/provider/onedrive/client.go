package onedrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rolledback/onedrive-sync/internal/provider"
)

const (
	// GraphURL is the personal drive endpoint of Microsoft Graph.
	GraphURL = "https://graph.microsoft.com/v1.0/me"

	conflictFail    = "fail"
	conflictReplace = "replace"
)

// Options configures a Client.
type Options struct {
	BaseURL    string // Defaults to GraphURL
	Authoriser provider.Authoriser
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements provider.Client against Microsoft Graph. Every
// operation maps onto one request, except Children which follows the
// listing's pages.
type Client struct {
	baseURL string
	auth    provider.Authoriser
	http    *http.Client
	logger  *zap.Logger
}

// Factory builds a live client from registry settings.
func Factory(_ *provider.Registry, s provider.Settings) (provider.Client, error) {
	return New(Options{
		BaseURL:    s.APIURL,
		Authoriser: s.Authoriser,
		HTTPClient: s.HTTPClient,
		Logger:     s.Logger,
	})
}

// New creates a live client
func New(opts Options) (*Client, error) {
	if opts.Authoriser == nil {
		return nil, fmt.Errorf("%w: an authoriser is required", provider.ErrInvalidArgument)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = GraphURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		auth:    opts.Authoriser,
		http:    opts.HTTPClient,
		logger:  opts.Logger.Named("onedrive"),
	}, nil
}

func itemRoute(id string) string {
	return "/drive/items/" + url.PathEscape(id)
}

// escapePath escapes each segment of a slash-separated drive path.
func escapePath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// ============ READS ============

func (c *Client) DefaultDrive(ctx context.Context) (provider.Drive, error) {
	var drive graphDrive
	if err := c.newRequest().path("/drive").do(ctx, &drive); err != nil {
		return provider.Drive{}, err
	}
	return drive.toDrive(), nil
}

func (c *Client) Root(ctx context.Context) (provider.Item, error) {
	var root driveItem
	if err := c.newRequest().path("/drive/root").do(ctx, &root); err != nil {
		return provider.Item{}, err
	}
	return root.toItem(), nil
}

func (c *Client) ItemByPath(ctx context.Context, path string) (provider.Item, error) {
	route := "/drive/root"
	if p := strings.Trim(path, "/"); p != "" {
		route = "/drive/root:/" + escapePath(p) + ":"
	}

	var item driveItem
	if err := c.newRequest().path(route).expandChildren().do(ctx, &item); err != nil {
		return provider.Item{}, fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	return item.toItem(), nil
}

// Pages lists the children of parent one page at a time, calling fn for
// each page in the order received. It stops at the first error from the
// remote side or from fn. A page repeating an earlier token fails the
// listing with provider.ErrRemote.
func (c *Client) Pages(ctx context.Context, parent provider.Item, fn func(provider.ItemSet) error) error {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	token := ""
	for {
		set, err := c.page(ctx, parent.ID, token)
		if err != nil {
			return err
		}
		if err := fn(set); err != nil {
			return err
		}
		if set.NextToken == "" {
			return nil
		}
		if _, dup := seen[set.NextToken]; dup {
			return fmt.Errorf("%w: listing of %s repeated page token", provider.ErrRemote, parent.ID)
		}
		seen[set.NextToken] = struct{}{}
		token = set.NextToken
	}
}

func (c *Client) page(ctx context.Context, parentID, token string) (provider.ItemSet, error) {
	var page driveItemPage
	err := c.newRequest().
		path(itemRoute(parentID) + "/children").
		skipToken(token).
		do(ctx, &page)
	if err != nil {
		return provider.ItemSet{}, err
	}

	next, err := page.nextToken()
	if err != nil {
		return provider.ItemSet{}, err
	}

	set := provider.ItemSet{
		Items:     make([]provider.Item, 0, len(page.Value)),
		NextToken: next,
	}
	for _, d := range page.Value {
		set.Items = append(set.Items, d.toItem())
	}
	return set, nil
}

// Children collects every page of the listing. Any page failure discards
// what was gathered so far. An id already seen on an earlier page is
// dropped, keeping its first position.
func (c *Client) Children(ctx context.Context, parent provider.Item) ([]provider.Item, error) {
	var items []provider.Item
	seen := make(map[string]struct{})
	err := c.Pages(ctx, parent, func(set provider.ItemSet) error {
		for _, item := range set.Items {
			if _, dup := seen[item.ID]; dup {
				c.logger.Debug("dropped repeated item",
					zap.String("parent", parent.ID),
					zap.String("id", item.ID),
				)
				continue
			}
			seen[item.ID] = struct{}{}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []provider.Item{}
	}
	return items, nil
}

// ============ MUTATIONS ============

func (c *Client) Upload(ctx context.Context, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	return c.put(ctx, parent, file, conflictFail)
}

func (c *Client) Replace(ctx context.Context, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	return c.put(ctx, parent, file, conflictReplace)
}

// put streams the local file into parent, then stamps the remote item with
// the local file system times read at call time.
func (c *Client) put(ctx context.Context, parent provider.Item, file provider.LocalFile, behavior string) (provider.Item, error) {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return provider.Item{}, err
	}
	if err := provider.RequireName(file.Name); err != nil {
		return provider.Item{}, err
	}

	local, err := provider.StatLocalFile(file.Path)
	if err != nil {
		return provider.Item{}, fmt.Errorf("%w: %v", provider.ErrIO, err)
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return provider.Item{}, fmt.Errorf("%w: %v", provider.ErrIO, err)
	}
	defer f.Close()

	var uploaded driveItem
	err = c.newRequest().
		method(http.MethodPut).
		path(itemRoute(parent.ID)+":/"+url.PathEscape(file.Name)+":/content").
		param("@microsoft.graph.conflictBehavior", behavior).
		content(f, local.Size).
		do(ctx, &uploaded)
	if err != nil {
		return provider.Item{}, fmt.Errorf("failed to upload %s: %w", file.Name, err)
	}

	c.logger.Debug("uploaded file",
		zap.String("name", file.Name),
		zap.String("parent", parent.ID),
		zap.Int64("size", local.Size),
		zap.String("conflict", behavior),
	)

	return c.UpdateTimes(ctx, uploaded.toItem(), local.Created, local.Modified)
}

func (c *Client) UpdateTimes(ctx context.Context, item provider.Item, created, modified time.Time) (provider.Item, error) {
	body := updateTimesBody{FileSystemInfo: fileSystemInfo{
		CreatedDateTime:      created.UTC(),
		LastModifiedDateTime: modified.UTC(),
	}}

	var updated driveItem
	err := c.newRequest().
		method(http.MethodPatch).
		path(itemRoute(item.ID)).
		jsonBody(body).
		do(ctx, &updated)
	if err != nil {
		return provider.Item{}, fmt.Errorf("failed to update times of %s: %w", item.Name, err)
	}
	return updated.toItem(), nil
}

func (c *Client) CreateFolder(ctx context.Context, parent provider.Item, name string) (provider.Item, error) {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return provider.Item{}, err
	}
	if err := provider.RequireName(name); err != nil {
		return provider.Item{}, err
	}

	var folder driveItem
	err := c.newRequest().
		method(http.MethodPost).
		path(itemRoute(parent.ID) + "/children").
		jsonBody(createFolderBody{Name: name, ConflictBehavior: conflictFail}).
		do(ctx, &folder)
	if err != nil {
		return provider.Item{}, fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	return folder.toItem(), nil
}

// Download writes the file's content to target through a temporary
// sibling, renamed into place once complete, and applies the remote
// modification time.
func (c *Client) Download(ctx context.Context, item provider.Item, target string) error {
	if err := provider.RequireFile(item); err != nil {
		return err
	}

	resp, err := c.newRequest().path(itemRoute(item.ID) + "/content").send(ctx)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", item.Name, err)
	}
	defer resp.Body.Close()

	tmpPath := target + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", provider.ErrIO, err)
	}

	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(tmpPath)
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return fmt.Errorf("%w: failed to write file: %v", provider.ErrIO, err)
		}
		return fmt.Errorf("%w: download of %s interrupted: %w", provider.ErrRemote, item.Name, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to write file: %v", provider.ErrIO, err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to finalize file: %v", provider.ErrIO, err)
	}

	if !item.Modified.IsZero() {
		if err := os.Chtimes(target, item.Modified, item.Modified); err != nil {
			return fmt.Errorf("%w: failed to set file times: %v", provider.ErrIO, err)
		}
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, item provider.Item) error {
	if err := c.newRequest().method(http.MethodDelete).path(itemRoute(item.ID)).do(ctx, nil); err != nil {
		return fmt.Errorf("failed to delete %s: %w", item.Name, err)
	}
	return nil
}
