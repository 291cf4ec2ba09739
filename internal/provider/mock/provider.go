package mock

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rolledback/onedrive-sync/internal/provider"
)

// RootID is the id of the mock drive's root folder.
const RootID = "root"

// Provider implements provider.Client over an in-memory drive for testing.
// It is safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	drive    provider.Drive
	items    map[string]provider.Item // id -> item, Children never set
	children map[string][]string      // parent id -> child ids in insertion order
	content  map[string][]byte        // file id -> content
	nextID   int

	// Error simulation
	DriveError        error
	ListError         error
	UploadError       error
	UpdateError       error
	CreateFolderError error
	DownloadError     error
	DeleteError       error

	// Call tracking
	ListedFolders   []string
	UploadedFiles   []string
	ReplacedFiles   []string
	UpdatedItems    []string
	CreatedFolders  []string
	DownloadedFiles []string
	DeletedItems    []string
}

// NewProvider creates a mock drive holding only an empty root folder
func NewProvider() *Provider {
	p := &Provider{
		drive: provider.Drive{
			ID:        "mock-drive",
			DriveType: "personal",
			Owner:     "Mock User",
			Quota:     provider.Quota{Total: 5 << 30, Remaining: 5 << 30, State: "normal"},
		},
		items:    make(map[string]provider.Item),
		children: make(map[string][]string),
		content:  make(map[string][]byte),
	}
	p.items[RootID] = provider.Item{ID: RootID, Name: "root", Folder: true}
	return p
}

// SetDrive sets the drive returned by DefaultDrive
func (p *Provider) SetDrive(drive provider.Drive) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drive = drive
}

// AddFolder creates a folder under parentID and returns it
func (p *Provider) AddFolder(parentID, name string) provider.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insert(provider.Item{Name: name, ParentID: parentID, Folder: true})
}

// AddFile creates a file with content under parentID and returns it
func (p *Provider) AddFile(parentID, name string, content []byte, modified time.Time) provider.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	item := p.insert(provider.Item{
		Name:     name,
		ParentID: parentID,
		Size:     int64(len(content)),
		Created:  modified,
		Modified: modified,
	})
	p.content[item.ID] = content
	return item
}

// Content returns the stored content of a file
func (p *Provider) Content(id string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.content[id]
	return c, ok
}

// Item returns the stored item with id
func (p *Provider) Item(id string) (provider.Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[id]
	return item, ok
}

func (p *Provider) insert(item provider.Item) provider.Item {
	p.nextID++
	item.ID = fmt.Sprintf("item-%d", p.nextID)
	p.items[item.ID] = item
	p.children[item.ParentID] = append(p.children[item.ParentID], item.ID)
	return item
}

func (p *Provider) childNamed(parentID, name string) (provider.Item, bool) {
	for _, id := range p.children[parentID] {
		if item := p.items[id]; item.Name == name {
			return item, true
		}
	}
	return provider.Item{}, false
}

func (p *Provider) listChildren(parentID string) []provider.Item {
	ids := p.children[parentID]
	items := make([]provider.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, p.items[id])
	}
	return items
}

func (p *Provider) remove(id string) {
	for _, child := range p.children[id] {
		p.remove(child)
	}
	delete(p.children, id)
	delete(p.content, id)

	item := p.items[id]
	delete(p.items, id)

	siblings := p.children[item.ParentID]
	for i, sib := range siblings {
		if sib == id {
			p.children[item.ParentID] = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
}

// ============ READS ============

func (p *Provider) DefaultDrive(ctx context.Context) (provider.Drive, error) {
	if p.DriveError != nil {
		return provider.Drive{}, p.DriveError
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drive, nil
}

func (p *Provider) Root(ctx context.Context) (provider.Item, error) {
	if p.DriveError != nil {
		return provider.Item{}, p.DriveError
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items[RootID], nil
}

func (p *Provider) Children(ctx context.Context, parent provider.Item) ([]provider.Item, error) {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return nil, err
	}
	if p.ListError != nil {
		return nil, p.ListError
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.ListedFolders = append(p.ListedFolders, parent.ID)
	if _, ok := p.items[parent.ID]; !ok {
		return nil, fmt.Errorf("%w: folder %s", provider.ErrNotFound, parent.ID)
	}
	return p.listChildren(parent.ID), nil
}

func (p *Provider) ItemByPath(ctx context.Context, path string) (provider.Item, error) {
	if p.ListError != nil {
		return provider.Item{}, p.ListError
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.items[RootID]
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		next, ok := p.childNamed(current.ID, name)
		if !ok {
			return provider.Item{}, fmt.Errorf("%w: %s", provider.ErrNotFound, path)
		}
		current = next
	}

	if current.IsFolder() {
		current.Children = p.listChildren(current.ID)
	}
	return current, nil
}

// ============ MUTATIONS ============

func (p *Provider) Upload(ctx context.Context, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	return p.put(parent, file, false)
}

func (p *Provider) Replace(ctx context.Context, parent provider.Item, file provider.LocalFile) (provider.Item, error) {
	return p.put(parent, file, true)
}

func (p *Provider) put(parent provider.Item, file provider.LocalFile, replace bool) (provider.Item, error) {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return provider.Item{}, err
	}
	if err := provider.RequireName(file.Name); err != nil {
		return provider.Item{}, err
	}
	if p.UploadError != nil {
		return provider.Item{}, p.UploadError
	}

	content, err := os.ReadFile(file.Path)
	if err != nil {
		return provider.Item{}, fmt.Errorf("%w: %v", provider.ErrIO, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, exists := p.childNamed(parent.ID, file.Name)
	if exists && !replace {
		return provider.Item{}, &provider.APIError{StatusCode: 409, Code: "nameAlreadyExists", Message: file.Name}
	}

	updated := provider.Item{
		Name:     file.Name,
		ParentID: parent.ID,
		Size:     int64(len(content)),
		Created:  file.Created,
		Modified: file.Modified,
	}
	if exists {
		updated.ID = existing.ID
		p.items[existing.ID] = updated
	} else {
		updated = p.insert(updated)
	}
	p.content[updated.ID] = content

	if replace {
		p.ReplacedFiles = append(p.ReplacedFiles, file.Name)
	} else {
		p.UploadedFiles = append(p.UploadedFiles, file.Name)
	}
	return updated, nil
}

func (p *Provider) UpdateTimes(ctx context.Context, item provider.Item, created, modified time.Time) (provider.Item, error) {
	if p.UpdateError != nil {
		return provider.Item{}, p.UpdateError
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.items[item.ID]
	if !ok {
		return provider.Item{}, fmt.Errorf("%w: %s", provider.ErrNotFound, item.ID)
	}
	stored.Created = created
	stored.Modified = modified
	p.items[item.ID] = stored
	p.UpdatedItems = append(p.UpdatedItems, item.ID)
	return stored, nil
}

func (p *Provider) CreateFolder(ctx context.Context, parent provider.Item, name string) (provider.Item, error) {
	if err := provider.RequireFolder(parent, "parent"); err != nil {
		return provider.Item{}, err
	}
	if err := provider.RequireName(name); err != nil {
		return provider.Item{}, err
	}
	if p.CreateFolderError != nil {
		return provider.Item{}, p.CreateFolderError
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.childNamed(parent.ID, name); exists {
		return provider.Item{}, &provider.APIError{StatusCode: 409, Code: "nameAlreadyExists", Message: name}
	}
	p.CreatedFolders = append(p.CreatedFolders, name)
	return p.insert(provider.Item{Name: name, ParentID: parent.ID, Folder: true}), nil
}

func (p *Provider) Download(ctx context.Context, item provider.Item, target string) error {
	if err := provider.RequireFile(item); err != nil {
		return err
	}
	if p.DownloadError != nil {
		return p.DownloadError
	}

	p.mu.Lock()
	content, ok := p.content[item.ID]
	if ok {
		p.DownloadedFiles = append(p.DownloadedFiles, item.ID)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrNotFound, item.ID)
	}
	if err := os.WriteFile(target, content, 0644); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrIO, err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, item provider.Item) error {
	if p.DeleteError != nil {
		return p.DeleteError
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.items[item.ID]; !ok {
		return &provider.APIError{StatusCode: 404, Code: "itemNotFound", Message: item.ID}
	}
	p.remove(item.ID)
	p.DeletedItems = append(p.DeletedItems, item.ID)
	return nil
}
