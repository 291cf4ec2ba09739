package onedrive

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rolledback/onedrive-sync/internal/provider"
)

// driveItem is the subset of a Graph driveItem the client reads.
type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	CreatedDateTime      time.Time `json:"createdDateTime"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	ParentReference      struct {
		DriveID string `json:"driveId"`
		ID      string `json:"id"`
		Path    string `json:"path"`
	} `json:"parentReference"`
	FileSystemInfo *fileSystemInfo `json:"fileSystemInfo,omitempty"`
	Folder         *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
	Children []driveItem `json:"children,omitempty"`
}

type fileSystemInfo struct {
	CreatedDateTime      time.Time `json:"createdDateTime"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
}

// driveItemPage is one page of a children listing.
type driveItemPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

type graphDrive struct {
	ID        string `json:"id"`
	DriveType string `json:"driveType"`
	Owner     struct {
		User struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"owner"`
	Quota struct {
		Total     int64  `json:"total"`
		Used      int64  `json:"used"`
		Remaining int64  `json:"remaining"`
		Deleted   int64  `json:"deleted"`
		State     string `json:"state"`
	} `json:"quota"`
}

// graphError is the body of a non-2xx Graph response.
type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type updateTimesBody struct {
	FileSystemInfo fileSystemInfo `json:"fileSystemInfo"`
}

type createFolderBody struct {
	Name             string   `json:"name"`
	Folder           struct{} `json:"folder"`
	ConflictBehavior string   `json:"@microsoft.graph.conflictBehavior"`
}

// toItem converts the wire form. File system times win over the service's
// own timestamps since those are what a sync compares against.
func (d driveItem) toItem() provider.Item {
	item := provider.Item{
		ID:       d.ID,
		Name:     d.Name,
		ParentID: d.ParentReference.ID,
		Folder:   d.Folder != nil,
		Size:     d.Size,
		Created:  d.CreatedDateTime,
		Modified: d.LastModifiedDateTime,
	}
	if d.FileSystemInfo != nil {
		item.Created = d.FileSystemInfo.CreatedDateTime
		item.Modified = d.FileSystemInfo.LastModifiedDateTime
	}
	if len(d.Children) > 0 {
		item.Children = make([]provider.Item, 0, len(d.Children))
		for _, child := range d.Children {
			item.Children = append(item.Children, child.toItem())
		}
	}
	return item
}

func (g graphDrive) toDrive() provider.Drive {
	return provider.Drive{
		ID:        g.ID,
		DriveType: g.DriveType,
		Owner:     g.Owner.User.DisplayName,
		Quota: provider.Quota{
			Total:     g.Quota.Total,
			Used:      g.Quota.Used,
			Remaining: g.Quota.Remaining,
			Deleted:   g.Quota.Deleted,
			State:     g.Quota.State,
		},
	}
}

// nextToken extracts the $skiptoken query value from an @odata.nextLink.
func (p driveItemPage) nextToken() (string, error) {
	if p.NextLink == "" {
		return "", nil
	}
	u, err := url.Parse(p.NextLink)
	if err != nil {
		return "", fmt.Errorf("%w: malformed next link %q: %v", provider.ErrRemote, p.NextLink, err)
	}
	token := u.Query().Get("$skiptoken")
	if token == "" {
		return "", fmt.Errorf("%w: next link %q carries no skip token", provider.ErrRemote, p.NextLink)
	}
	return token, nil
}
