package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolledback/onedrive-sync/internal/provider"
)

var _ provider.Client = (*Client)(nil)

// fakeGraph serves canned responses keyed by "METHOD path" and records
// every request it receives.
type fakeGraph struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []*http.Request
	bodies   [][]byte
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	g := &fakeGraph{t: t, routes: make(map[string]http.HandlerFunc)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		g.mu.Lock()
		g.requests = append(g.requests, r)
		g.bodies = append(g.bodies, body)
		handler, ok := g.routes[r.Method+" "+r.URL.Path]
		g.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "itemNotFound", "message": "no route " + r.URL.Path},
			})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGraph) handle(method, path string, h http.HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[method+" "+path] = h
}

func (g *fakeGraph) client() *Client {
	c, err := New(Options{BaseURL: g.srv.URL, Authoriser: provider.StaticToken("test-token")})
	require.NoError(g.t, err)
	return c
}

func (g *fakeGraph) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonHandler(status int, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { writeJSON(w, status, v) }
}

func graphErr(status int, code string) http.HandlerFunc {
	return jsonHandler(status, map[string]any{"error": map[string]string{"code": code, "message": code}})
}

func fileJSON(id, name string) map[string]any {
	return map[string]any{"id": id, "name": name, "size": 10, "parentReference": map[string]string{"id": "root"}}
}

func folderJSON(id, name string) map[string]any {
	return map[string]any{"id": id, "name": name, "folder": map[string]int{"childCount": 0}}
}

var rootFolder = provider.Item{ID: "root", Name: "root", Folder: true}

func TestNew_RequiresAuthoriser(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, provider.ErrInvalidArgument)
}

func TestChildren_FollowsPagesInOrder(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/root/children", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("$skiptoken") {
		case "":
			writeJSON(w, 200, map[string]any{
				"value":           []any{fileJSON("A", "a.txt"), folderJSON("B", "Docs")},
				"@odata.nextLink": g.srv.URL + "/drive/items/root/children?$skiptoken=T2",
			})
		case "T2":
			writeJSON(w, 200, map[string]any{"value": []any{fileJSON("C", "c.txt")}})
		default:
			t.Errorf("unexpected token %q", r.URL.Query().Get("$skiptoken"))
		}
	})

	items, err := g.client().Children(context.Background(), rootFolder)
	require.NoError(t, err)

	require.Len(t, items, 3)
	assert.Equal(t, "A", items[0].ID)
	assert.Equal(t, "B", items[1].ID)
	assert.True(t, items[1].IsFolder())
	assert.Equal(t, "C", items[2].ID)
	assert.Equal(t, "root", items[0].ParentID)
	assert.Equal(t, 2, g.count())
}

func TestChildren_EmptyFolder(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/root/children", jsonHandler(200, map[string]any{"value": []any{}}))

	items, err := g.client().Children(context.Background(), rootFolder)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestChildren_SecondPageFailureDiscardsEverything(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/root/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$skiptoken") == "" {
			writeJSON(w, 200, map[string]any{
				"value":           []any{fileJSON("A", "a.txt"), fileJSON("B", "b.txt")},
				"@odata.nextLink": g.srv.URL + "/drive/items/root/children?$skiptoken=T2",
			})
			return
		}
		graphErr(http.StatusInternalServerError, "generalException")(w, r)
	})

	items, err := g.client().Children(context.Background(), rootFolder)
	require.ErrorIs(t, err, provider.ErrRemote)
	assert.Nil(t, items)
	assert.True(t, provider.IsRetryable(err))
}

func TestChildren_RepeatedTokenTerminates(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/root/children", jsonHandler(200, map[string]any{
		"value":           []any{fileJSON("A", "a.txt")},
		"@odata.nextLink": "https://graph.test/drive/items/root/children?$skiptoken=SAME",
	}))

	items, err := g.client().Children(context.Background(), rootFolder)
	require.ErrorIs(t, err, provider.ErrRemote)
	assert.Nil(t, items)
	assert.Equal(t, 2, g.count())
}

func TestChildren_DropsRepeatedIDs(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/root/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$skiptoken") == "" {
			writeJSON(w, 200, map[string]any{
				"value":           []any{fileJSON("A", "a.txt"), fileJSON("B", "b.txt")},
				"@odata.nextLink": g.srv.URL + "/drive/items/root/children?$skiptoken=T2",
			})
			return
		}
		writeJSON(w, 200, map[string]any{"value": []any{fileJSON("B", "b.txt"), fileJSON("C", "c.txt")}})
	})

	items, err := g.client().Children(context.Background(), rootFolder)
	require.NoError(t, err)

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
}

func TestChildren_NotFolder(t *testing.T) {
	g := newFakeGraph(t)

	items, err := g.client().Children(context.Background(), provider.Item{ID: "A", Name: "a.txt"})
	require.ErrorIs(t, err, provider.ErrInvalidArgument)
	assert.Nil(t, items)
	assert.Equal(t, 0, g.count())
}

func TestPages_StopsOnCallbackError(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/root/children", jsonHandler(200, map[string]any{
		"value":           []any{fileJSON("A", "a.txt")},
		"@odata.nextLink": "https://graph.test/children?$skiptoken=T2",
	}))

	stop := errors.New("enough")
	pages := 0
	err := g.client().Pages(context.Background(), rootFolder, func(set provider.ItemSet) error {
		pages++
		assert.Equal(t, "T2", set.NextToken)
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, pages)
}

func TestItemByPath(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/root:/Docs/My Notes:", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "children", r.URL.Query().Get("$expand"))
		writeJSON(w, 200, map[string]any{
			"id":       "N",
			"name":     "My Notes",
			"folder":   map[string]int{"childCount": 1},
			"children": []any{fileJSON("X", "x.md")},
		})
	})

	item, err := g.client().ItemByPath(context.Background(), "/Docs/My Notes")
	require.NoError(t, err)
	assert.Equal(t, "N", item.ID)
	assert.True(t, item.IsFolder())
	require.Len(t, item.Children, 1)
	assert.Equal(t, "x.md", item.Children[0].Name)
}

func TestItemByPath_Root(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/root", jsonHandler(200, folderJSON("root", "root")))

	for _, p := range []string{"", "/"} {
		item, err := g.client().ItemByPath(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, "root", item.ID)
	}
}

func TestItemByPath_NotFound(t *testing.T) {
	g := newFakeGraph(t)

	_, err := g.client().ItemByPath(context.Background(), "missing")
	require.ErrorIs(t, err, provider.ErrNotFound)
	assert.False(t, provider.IsRetryable(err))
}

func TestDefaultDrive(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive", jsonHandler(200, map[string]any{
		"id":        "drive-1",
		"driveType": "personal",
		"owner":     map[string]any{"user": map[string]string{"displayName": "Ada"}},
		"quota":     map[string]any{"total": 100, "used": 40, "remaining": 60, "deleted": 5, "state": "normal"},
	}))

	drive, err := g.client().DefaultDrive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, provider.Drive{
		ID:        "drive-1",
		DriveType: "personal",
		Owner:     "Ada",
		Quota:     provider.Quota{Total: 100, Used: 40, Remaining: 60, Deleted: 5, State: "normal"},
	}, drive)
}

func TestRoot(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/root", jsonHandler(200, folderJSON("root", "root")))

	root, err := g.client().Root(context.Background())
	require.NoError(t, err)
	assert.True(t, root.IsFolder())
	assert.Equal(t, "root", root.ID)
}

func TestAuthorization(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/root", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeJSON(w, 200, folderJSON("root", "root"))
	})

	_, err := g.client().Root(context.Background())
	require.NoError(t, err)
}

func TestAuthoriserFailure(t *testing.T) {
	g := newFakeGraph(t)
	expired := errors.New("refresh token revoked")
	c, err := New(Options{
		BaseURL: g.srv.URL,
		Authoriser: provider.AuthoriserFunc(func(context.Context) (string, error) {
			return "", expired
		}),
	})
	require.NoError(t, err)

	_, err = c.Root(context.Background())
	require.ErrorIs(t, err, expired)
	assert.ErrorIs(t, err, provider.ErrRemote)
	assert.Equal(t, 0, g.count())
}

func TestUnauthorizedIsRemote(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/root", graphErr(http.StatusUnauthorized, "InvalidAuthenticationToken"))

	_, err := g.client().Root(context.Background())
	require.ErrorIs(t, err, provider.ErrRemote)

	ae, ok := provider.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
	assert.Equal(t, "InvalidAuthenticationToken", ae.Code)
}

func TestRequestExecutesOnce(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/root", jsonHandler(200, folderJSON("root", "root")))

	req := g.client().newRequest().path("/drive/root")
	var out driveItem
	require.NoError(t, req.do(context.Background(), &out))
	require.ErrorIs(t, req.do(context.Background(), &out), errRequestSent)
	assert.Equal(t, 1, g.count())
}

func TestCreateFolder(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("POST", "/drive/items/root/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, folderJSON("F", "Photos"))
	})

	folder, err := g.client().CreateFolder(context.Background(), rootFolder, "Photos")
	require.NoError(t, err)
	assert.Equal(t, "F", folder.ID)
	assert.True(t, folder.IsFolder())

	var body map[string]any
	require.NoError(t, json.Unmarshal(g.bodies[0], &body))
	assert.Equal(t, "Photos", body["name"])
	assert.Equal(t, map[string]any{}, body["folder"])
	assert.Equal(t, "fail", body["@microsoft.graph.conflictBehavior"])
}

func TestCreateFolder_Conflict(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("POST", "/drive/items/root/children", graphErr(http.StatusConflict, "nameAlreadyExists"))

	_, err := g.client().CreateFolder(context.Background(), rootFolder, "Photos")
	require.ErrorIs(t, err, provider.ErrConflict)
	assert.False(t, provider.IsRetryable(err))
}

func TestCreateFolder_InvalidArguments(t *testing.T) {
	g := newFakeGraph(t)
	c := g.client()

	_, err := c.CreateFolder(context.Background(), provider.Item{ID: "A", Name: "a.txt"}, "Photos")
	require.ErrorIs(t, err, provider.ErrInvalidArgument)

	_, err = c.CreateFolder(context.Background(), rootFolder, "")
	require.ErrorIs(t, err, provider.ErrInvalidArgument)
	assert.Equal(t, 0, g.count())
}

func TestDelete(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("DELETE", "/drive/items/A", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, g.client().Delete(context.Background(), provider.Item{ID: "A", Name: "a.txt"}))
}

func TestDelete_NotFound(t *testing.T) {
	g := newFakeGraph(t)

	err := g.client().Delete(context.Background(), provider.Item{ID: "gone", Name: "gone.txt"})
	require.ErrorIs(t, err, provider.ErrNotFound)
}

func writeLocalFile(t *testing.T, name, content string, created, modified time.Time) provider.LocalFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, modified, modified))
	return provider.LocalFile{Path: path, Name: name, Size: int64(len(content)), Created: created, Modified: modified}
}

func uploadRoutes(t *testing.T, g *fakeGraph, wantBehavior string) {
	g.handle("PUT", "/drive/items/root:/a.txt:/content", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantBehavior, r.URL.Query().Get("@microsoft.graph.conflictBehavior"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		writeJSON(w, http.StatusCreated, fileJSON("U", "a.txt"))
	})
	g.handle("PATCH", "/drive/items/U", func(w http.ResponseWriter, r *http.Request) {
		var body updateTimesBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		item := fileJSON("U", "a.txt")
		item["fileSystemInfo"] = body.FileSystemInfo
		writeJSON(w, 200, item)
	})
}

func TestUpload_StreamsContentAndStampsTimes(t *testing.T) {
	g := newFakeGraph(t)
	uploadRoutes(t, g, "fail")

	modified := time.Date(2023, 6, 1, 8, 30, 0, 0, time.UTC)
	file := writeLocalFile(t, "a.txt", "hello world", modified, modified)

	item, err := g.client().Upload(context.Background(), rootFolder, file)
	require.NoError(t, err)

	assert.Equal(t, "U", item.ID)
	assert.Equal(t, "a.txt", item.Name)
	assert.False(t, item.IsFolder())
	assert.True(t, item.Modified.Equal(modified), "modified = %v", item.Modified)

	require.Equal(t, 2, g.count())
	assert.Equal(t, "hello world", string(g.bodies[0]))
	assert.Equal(t, int64(11), g.requests[0].ContentLength)
}

func TestUpload_RestatsAtCallTime(t *testing.T) {
	g := newFakeGraph(t)
	uploadRoutes(t, g, "fail")

	stale := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	file := writeLocalFile(t, "a.txt", "v1", stale, stale)

	// The file changes after the descriptor was taken.
	current := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.WriteFile(file.Path, []byte("version two"), 0644))
	require.NoError(t, os.Chtimes(file.Path, current, current))

	item, err := g.client().Upload(context.Background(), rootFolder, file)
	require.NoError(t, err)
	assert.True(t, item.Modified.Equal(current), "modified = %v", item.Modified)
	assert.Equal(t, "version two", string(g.bodies[0]))
}

func TestUpload_RetriedAfterTimestampFailure(t *testing.T) {
	g := newFakeGraph(t)

	var mu sync.Mutex
	stored := false
	var behaviors []string
	g.handle("PUT", "/drive/items/root:/a.txt:/content", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		behavior := r.URL.Query().Get("@microsoft.graph.conflictBehavior")
		behaviors = append(behaviors, behavior)
		if stored && behavior == "fail" {
			graphErr(http.StatusConflict, "nameAlreadyExists")(w, r)
			return
		}
		stored = true
		writeJSON(w, http.StatusCreated, fileJSON("U", "a.txt"))
	})
	patches := 0
	g.handle("PATCH", "/drive/items/U", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		patches++
		first := patches == 1
		mu.Unlock()
		if first {
			graphErr(http.StatusServiceUnavailable, "serviceNotAvailable")(w, r)
			return
		}
		writeJSON(w, 200, fileJSON("U", "a.txt"))
	})

	now := time.Now().Truncate(time.Second)
	client := provider.WithRetries(g.client(), 3, nil)

	item, err := client.Upload(context.Background(), rootFolder, writeLocalFile(t, "a.txt", "x", now, now))
	require.NoError(t, err)
	assert.Equal(t, "U", item.ID)
	assert.Equal(t, []string{"fail", "replace"}, behaviors)
	assert.Equal(t, 2, patches)
}

func TestReplace_UsesReplaceBehavior(t *testing.T) {
	g := newFakeGraph(t)
	uploadRoutes(t, g, "replace")

	now := time.Now().Truncate(time.Second)
	_, err := g.client().Replace(context.Background(), rootFolder, writeLocalFile(t, "a.txt", "x", now, now))
	require.NoError(t, err)
}

func TestUpload_ParentNotFolder(t *testing.T) {
	g := newFakeGraph(t)
	now := time.Now()

	_, err := g.client().Upload(context.Background(), provider.Item{ID: "A", Name: "a.txt"}, writeLocalFile(t, "a.txt", "x", now, now))
	require.ErrorIs(t, err, provider.ErrInvalidArgument)
	assert.Equal(t, 0, g.count())
}

func TestUpload_MissingLocalFile(t *testing.T) {
	g := newFakeGraph(t)

	_, err := g.client().Upload(context.Background(), rootFolder, provider.LocalFile{
		Path: filepath.Join(t.TempDir(), "absent.txt"),
		Name: "absent.txt",
	})
	require.ErrorIs(t, err, provider.ErrIO)
	assert.Equal(t, 0, g.count())
}

func TestUpdateTimes(t *testing.T) {
	g := newFakeGraph(t)
	created := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	modified := time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)

	g.handle("PATCH", "/drive/items/A", func(w http.ResponseWriter, r *http.Request) {
		var body updateTimesBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.FileSystemInfo.CreatedDateTime.Equal(created))
		assert.True(t, body.FileSystemInfo.LastModifiedDateTime.Equal(modified))

		item := fileJSON("A", "a.txt")
		item["fileSystemInfo"] = body.FileSystemInfo
		writeJSON(w, 200, item)
	})

	item, err := g.client().UpdateTimes(context.Background(), provider.Item{ID: "A", Name: "a.txt"}, created, modified)
	require.NoError(t, err)
	assert.True(t, item.Created.Equal(created))
	assert.True(t, item.Modified.Equal(modified))
}

func TestDownload(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/A/content", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "remote bytes")
	})

	modified := time.Date(2022, 5, 5, 5, 5, 5, 0, time.UTC)
	target := filepath.Join(t.TempDir(), "a.txt")

	err := g.client().Download(context.Background(), provider.Item{ID: "A", Name: "a.txt", Modified: modified}, target)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(data))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(modified), "mtime = %v", info.ModTime())

	_, err = os.Stat(target + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_FollowsRedirect(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/A/content", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/blob/A", http.StatusFound)
	})
	g.handle("GET", "/blob/A", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "from blob store")
	})

	target := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, g.client().Download(context.Background(), provider.Item{ID: "A", Name: "a.txt"}, target))

	data, _ := os.ReadFile(target)
	assert.Equal(t, "from blob store", string(data))
}

func TestDownload_Folder(t *testing.T) {
	g := newFakeGraph(t)

	err := g.client().Download(context.Background(), rootFolder, filepath.Join(t.TempDir(), "x"))
	require.ErrorIs(t, err, provider.ErrInvalidArgument)
	assert.Equal(t, 0, g.count())
}

func TestDownload_LocalFailure(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("GET", "/drive/items/A/content", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data")
	})

	target := filepath.Join(t.TempDir(), "no-such-dir", "a.txt")
	err := g.client().Download(context.Background(), provider.Item{ID: "A", Name: "a.txt"}, target)
	require.ErrorIs(t, err, provider.ErrIO)
	assert.False(t, provider.IsRetryable(err))
}

func TestDownload_NotFound(t *testing.T) {
	g := newFakeGraph(t)

	err := g.client().Download(context.Background(), provider.Item{ID: "gone", Name: "gone"}, filepath.Join(t.TempDir(), "x"))
	require.ErrorIs(t, err, provider.ErrNotFound)
}
