package browser

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docbox/pkg/cache"
	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
	"github.com/fruitsalade/docbox/pkg/tree"
)

type fakeGateway struct {
	mu       sync.Mutex
	children map[int64][]models.Node
	paths    map[int64]models.Path
	docs     map[int64]models.Node
	content  map[int64]string
	failures map[int64]string
	calls    map[string]int
	gate     chan struct{}

	// Moves and deletes wait on editGate when set and fail with editFail
	// when it is not empty.
	editGate chan struct{}
	editFail string
}

func folder(id int64, name string) models.Node {
	return models.Node{ID: id, Name: name, Kind: models.KindFolder}
}

func document(id int64, name string) models.Node {
	return models.Node{ID: id, Name: name, Kind: models.KindDocument, MimeType: "text/plain", Version: 2}
}

// newFakeGateway serves DMS(1) = [A(2), f.txt(3), B(5)], A = [C(6)],
// C = [deep.pdf(7)], B = [].
func newFakeGateway() *fakeGateway {
	dms := models.PathElement{ID: 1, Name: "DMS"}
	a := models.PathElement{ID: 2, Name: "A"}
	return &fakeGateway{
		children: map[int64][]models.Node{
			1: {folder(2, "A"), document(3, "f.txt"), folder(5, "B")},
			2: {folder(6, "C")},
			6: {document(7, "deep.pdf")},
			5: {},
		},
		paths: map[int64]models.Path{
			1: {dms},
			2: {dms, a},
			5: {dms, {ID: 5, Name: "B"}},
			6: {dms, a, {ID: 6, Name: "C"}},
		},
		docs:     map[int64]models.Node{3: document(3, "f.txt")},
		content:  map[int64]string{3: "hello"},
		failures: map[int64]string{},
		calls:    map[string]int{},
	}
}

func (f *fakeGateway) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call]
}

func (f *fakeGateway) hit(call string) {
	f.mu.Lock()
	f.calls[call]++
	f.mu.Unlock()
}

func (f *fakeGateway) setChildren(id int64, nodes ...models.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[id] = nodes
}

func (f *fakeGateway) ListChildren(_ context.Context, id int64) (protocol.Result[[]models.Node], error) {
	f.hit("children")
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.failures[id]; ok {
		return protocol.Fail[[]models.Node](msg), nil
	}
	out := make([]models.Node, len(f.children[id]))
	for i, n := range f.children[id] {
		out[i] = n.WithParent(id)
	}
	return protocol.OK(out, ""), nil
}

func (f *fakeGateway) GetPath(_ context.Context, id int64) (protocol.Result[models.Path], error) {
	f.hit("path")
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.paths[id]
	if !ok {
		return protocol.Fail[models.Path]("no such folder"), nil
	}
	return protocol.OK(p, ""), nil
}

func (f *fakeGateway) GetDocumentInfo(_ context.Context, id int64) (protocol.Result[*models.Node], error) {
	f.hit("document")
	n, ok := f.docs[id]
	if !ok {
		return protocol.Fail[*models.Node]("no such document"), nil
	}
	return protocol.OK(&n, ""), nil
}

func (f *fakeGateway) GetDocumentContent(_ context.Context, id int64) (protocol.Result[*client.Content], error) {
	f.hit("content")
	body := f.content[id]
	return protocol.OK(&client.Content{
		Body:        io.NopCloser(strings.NewReader(body)),
		ContentType: "text/plain",
		Size:        int64(len(body)),
	}, ""), nil
}

func (f *fakeGateway) Login(_ context.Context, username, _ string) (protocol.Result[*models.User], error) {
	f.hit("login")
	return protocol.OK(&models.User{ID: 1, Login: username}, ""), nil
}

func (f *fakeGateway) Logout(context.Context) (protocol.Result[struct{}], error) {
	f.hit("logout")
	return protocol.OK(struct{}{}, ""), nil
}

func (f *fakeGateway) Account(context.Context) (protocol.Result[*models.User], error) {
	f.hit("account")
	return protocol.OK(&models.User{ID: 1, Login: "admin"}, ""), nil
}

func (f *fakeGateway) CreateFolder(_ context.Context, parentID int64, name string, _ client.FolderOptions) (protocol.Result[*models.Node], error) {
	f.hit("create")
	n := folder(100, name).WithParent(parentID)
	return protocol.OK(&n, ""), nil
}

func (f *fakeGateway) edit(call string) (protocol.Result[struct{}], error) {
	f.hit(call)
	f.mu.Lock()
	gate, fail := f.editGate, f.editFail
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fail != "" {
		return protocol.Fail[struct{}](fail), nil
	}
	return protocol.OK(struct{}{}, ""), nil
}

func (f *fakeGateway) MoveFolder(context.Context, int64, int64) (protocol.Result[struct{}], error) {
	return f.edit("move_folder")
}

func (f *fakeGateway) MoveDocument(context.Context, int64, int64) (protocol.Result[struct{}], error) {
	return f.edit("move_document")
}

func (f *fakeGateway) DeleteFolder(context.Context, int64) (protocol.Result[struct{}], error) {
	return f.edit("delete_folder")
}

func (f *fakeGateway) DeleteDocument(context.Context, int64) (protocol.Result[struct{}], error) {
	return f.edit("delete_document")
}

func (f *fakeGateway) UploadDocument(_ context.Context, folderID int64, r io.Reader, _ int64,
	meta protocol.UploadMetadata, _ func(protocol.Progress)) (protocol.Result[*models.Node], error) {
	f.hit("upload")
	io.Copy(io.Discard, r)
	n := document(200, meta.Name).WithParent(folderID)
	return protocol.OK(&n, ""), nil
}

func newBrowser(t *testing.T, gw *fakeGateway, opts Options) *Browser {
	t.Helper()
	b := New(gw, cache.Default(), tree.New(), opts)
	t.Cleanup(b.Close)
	return b
}

func names(entries []tree.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestExpand_FirstLoadThenCached(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()

	children, err := b.Expand(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "f.txt", "B"}, names(children))
	assert.Equal(t, 1, gw.count("children"))

	require.NoError(t, b.Collapse(1))
	children, err = b.Expand(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "f.txt", "B"}, names(children))
	b.Wait()
	assert.Equal(t, 1, gw.count("children"))
}

func TestExpand_StaleServesCacheThenRevalidates(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()

	_, err := b.Expand(ctx, 1)
	require.NoError(t, err)

	gw.setChildren(1, folder(2, "A"), document(4, "new.txt"))
	b.Cache().Invalidate(cache.Exact(cache.FolderChildren(1)))

	children, err := b.Expand(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "f.txt", "B"}, names(children))

	b.Wait()
	v, err := b.Tree(ctx, 0)
	require.NoError(t, err)
	require.Len(t, v.Children, 2)
	assert.Equal(t, "new.txt", v.Children[1].Name)
	assert.Equal(t, 2, gw.count("children"))
}

func TestCollapseDuringLoadDoesNotReexpand(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()
	_, err := b.Expand(ctx, 1)
	require.NoError(t, err)

	gw.mu.Lock()
	gw.gate = make(chan struct{})
	gw.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := b.Expand(ctx, 2)
		done <- err
	}()
	require.Eventually(t, func() bool { return gw.count("children") == 2 }, time.Second, time.Millisecond)
	require.NoError(t, b.Collapse(2))
	close(gw.gate)
	require.NoError(t, <-done)

	e, ok := b.tree.Entry(models.FolderRef(2))
	require.True(t, ok)
	assert.False(t, e.Expanded)
	assert.True(t, e.ChildrenLoaded)
}

func TestResponseAfterReloadIsDiscarded(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()
	_, err := b.Expand(ctx, 1)
	require.NoError(t, err)

	gw.mu.Lock()
	gw.gate = make(chan struct{})
	gw.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := b.Expand(ctx, 2)
		done <- err
	}()
	require.Eventually(t, func() bool { return gw.count("children") == 2 }, time.Second, time.Millisecond)
	b.Reload()
	close(gw.gate)
	require.NoError(t, <-done)

	assert.Equal(t, 0, b.tree.Len())
	_, ok := b.Cache().Get(cache.FolderChildren(2))
	assert.False(t, ok)
}

func TestRevalidationStartedBeforeMoveDoesNotUndoIt(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()
	_, err := b.Expand(ctx, 1)
	require.NoError(t, err)
	_, err = b.Expand(ctx, 5)
	require.NoError(t, err)

	// The backend answers with the listing as it was before the move.
	b.Cache().Invalidate(cache.Exact(cache.FolderChildren(1)))
	gw.mu.Lock()
	gw.gate = make(chan struct{})
	gw.mu.Unlock()
	children, err := b.Expand(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "f.txt", "B"}, names(children))
	require.Eventually(t, func() bool { return gw.count("children") == 3 }, time.Second, time.Millisecond)

	res, err := b.MoveDocument(ctx, 3, 5)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	close(gw.gate)
	b.Wait()

	root, _ := b.tree.Children(1)
	assert.Equal(t, []string{"A", "B"}, names(root))
	dest, _ := b.tree.Children(5)
	assert.Equal(t, []string{"f.txt"}, names(dest))
	parent, ok := b.tree.Parent(models.DocumentRef(3))
	require.True(t, ok)
	assert.Equal(t, int64(5), parent)
}

func TestRevalidationDuringFailedDeleteIsDropped(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()
	_, err := b.Expand(ctx, 1)
	require.NoError(t, err)

	gw.mu.Lock()
	gw.editGate = make(chan struct{})
	gw.editFail = "locked"
	gw.mu.Unlock()

	done := make(chan protocol.Result[struct{}], 1)
	go func() {
		res, err := b.DeleteDocument(ctx, 3)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool {
		return b.Coordinator().Busy(models.DocumentRef(3))
	}, time.Second, time.Millisecond)

	// A listing without A arrives while the delete is pending.
	gw.setChildren(1, document(3, "f.txt"), folder(5, "B"))
	b.Cache().Invalidate(cache.Exact(cache.FolderChildren(1)))
	children, err := b.Expand(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names(children))
	b.Wait()
	assert.Equal(t, 2, gw.count("children"))
	_, ok := b.tree.Entry(models.FolderRef(2))
	assert.True(t, ok)

	close(gw.editGate)
	res := <-done
	assert.False(t, res.Success)
	assert.Equal(t, "locked", res.Message)

	children, loaded := b.tree.Children(1)
	require.True(t, loaded)
	assert.Equal(t, []string{"A", "f.txt", "B"}, names(children))
	v, err := b.Tree(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, v.Children, 3)
}

func TestOpenFolder(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})

	view, err := b.OpenFolder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "DMS", view.Folder.Name)
	assert.Len(t, view.Path, 1)
	require.Len(t, view.Folders, 2)
	assert.Equal(t, "A", view.Folders[0].Name)
	assert.Equal(t, "B", view.Folders[1].Name)
	require.Len(t, view.Documents, 1)
	assert.Equal(t, "f.txt", view.Documents[0].Name)

	view, err = b.OpenFolder(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, view.Folders)
	assert.Empty(t, view.Documents)
	require.NotNil(t, view.Folder.ParentID)
	assert.Equal(t, int64(1), *view.Folder.ParentID)
}

func TestFailureIsSurfaced(t *testing.T) {
	gw := newFakeGateway()
	gw.failures[2] = "access denied"
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()

	_, err := b.Expand(ctx, 1)
	require.NoError(t, err)
	_, err = b.Expand(ctx, 2)
	require.Error(t, err)
	assert.True(t, IsFailure(err))
	assert.Contains(t, err.Error(), "access denied")

	e, _ := b.Cache().Get(cache.FolderChildren(2))
	assert.Equal(t, cache.StateError, e.State)

	// A folder that never loaded is not left expanded.
	entry, ok := b.tree.Entry(models.FolderRef(2))
	require.True(t, ok)
	assert.False(t, entry.Expanded)
	assert.False(t, entry.ChildrenLoaded)
	v, err := b.Tree(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, v.Children)
}

func TestLocateFromColdTree(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})

	e, err := b.Locate(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, "C", e.Name)
	parent, ok := b.tree.Parent(models.FolderRef(6))
	require.True(t, ok)
	assert.Equal(t, int64(2), parent)
}

func TestDeleteFolderFromColdTree(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})

	res, err := b.DeleteFolder(context.Background(), 6)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, gw.count("delete_folder"))

	_, ok := b.tree.Entry(models.FolderRef(6))
	assert.False(t, ok)
	e, _ := b.Cache().Get(cache.FolderChildren(2))
	assert.True(t, e.Stale)
}

func TestDeleteDocumentIn(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})

	res, err := b.DeleteDocumentIn(context.Background(), 6, 7)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	children, _ := b.tree.Children(6)
	assert.Empty(t, children)

	res, err = b.DeleteDocument(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestDocumentContentUsesContentCache(t *testing.T) {
	gw := newFakeGateway()
	cc, err := cache.NewContentCache(t.TempDir(), 1<<20)
	require.NoError(t, err)
	b := newBrowser(t, gw, Options{Content: cc})
	ctx := context.Background()

	d, err := b.DocumentContent(ctx, 3)
	require.NoError(t, err)
	assert.False(t, d.Cached)
	data, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	d.Body.Close()
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "f.txt", d.FileName)

	d, err = b.DocumentContent(ctx, 3)
	require.NoError(t, err)
	assert.True(t, d.Cached)
	assert.Equal(t, int64(5), d.Size)
	d.Body.Close()

	assert.Equal(t, 1, gw.count("content"))
	assert.Equal(t, 1, gw.count("document"))
}

func TestLoginLogoutResetState(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()

	_, err := b.Expand(ctx, 1)
	require.NoError(t, err)
	u, err := b.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Login)

	res, err := b.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 0, b.Cache().Len())
	assert.Equal(t, 0, b.tree.Len())

	_, err = b.Logout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.count("logout"))
}

func TestUploadAndCreateThroughBrowser(t *testing.T) {
	gw := newFakeGateway()
	b := newBrowser(t, gw, Options{})
	ctx := context.Background()
	_, err := b.Expand(ctx, 1)
	require.NoError(t, err)
	_, err = b.Expand(ctx, 5)
	require.NoError(t, err)

	up, err := b.Upload(ctx, 5, strings.NewReader("data"), 4, protocol.UploadMetadata{Name: "r.txt"}, nil)
	require.NoError(t, err)
	require.True(t, up.Success)

	cr, err := b.CreateFolder(ctx, 5, "Sub", client.FolderOptions{})
	require.NoError(t, err)
	require.True(t, cr.Success)

	children, _ := b.tree.Children(5)
	assert.Equal(t, []string{"r.txt", "Sub"}, names(children))
}
