package provider

import (
	"path/filepath"
	"time"
)

// Item represents a file or folder on the remote drive.
// Items are returned by value; a change goes through Client.UpdateTimes,
// which hands back a new Item.
type Item struct {
	ID       string    // Opaque, unique per drive, stable for the item's lifetime
	Name     string    // Display name (e.g., "report.pdf")
	ParentID string    // Weak reference to the parent folder, empty for the root
	Folder   bool      // True for folders
	Size     int64     // Bytes for files, total content size for folders
	Created  time.Time // File system created time
	Modified time.Time // File system last modified time
	Children []Item    // Only populated by ItemByPath
}

// IsFolder reports whether the item is a folder.
func (i Item) IsFolder() bool {
	return i.Folder
}

// LocalFile describes a file on the local file system that is about to be
// uploaded. It is read-only input to Upload and Replace.
type LocalFile struct {
	Path     string
	Name     string
	Size     int64
	Created  time.Time
	Modified time.Time
}

// StatLocalFile builds a LocalFile from the file at path.
// Created falls back to the modification time where the platform does not
// expose a birth time.
func StatLocalFile(path string) (LocalFile, error) {
	st, err := statTimes(path)
	if err != nil {
		return LocalFile{}, err
	}

	return LocalFile{
		Path:     path,
		Name:     filepath.Base(path),
		Size:     st.size,
		Created:  st.created,
		Modified: st.modified,
	}, nil
}

// ItemSet is a single page of a folder listing.
// NextToken is non-empty iff more pages remain.
type ItemSet struct {
	Items     []Item
	NextToken string
}

// Quota holds the storage quota of a drive
type Quota struct {
	Total     int64
	Used      int64
	Remaining int64
	Deleted   int64
	State     string // "normal", "nearing", "critical", "exceeded"
}

// Drive represents the remote account's drive metadata
type Drive struct {
	ID        string
	DriveType string // "personal", "business", "documentLibrary"
	Owner     string
	Quota     Quota
}
