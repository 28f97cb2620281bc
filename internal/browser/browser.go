// Package browser ties the gateway, entity cache, tree projection and
// mutation coordinator together: a read goes cache first, loads through the
// gateway on a miss, and lands in the tree if it is still relevant.
package browser

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/docbox/internal/events"
	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/internal/metrics"
	"github.com/fruitsalade/docbox/internal/mutation"
	"github.com/fruitsalade/docbox/pkg/cache"
	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
	"github.com/fruitsalade/docbox/pkg/tree"
)

// Gateway is the backend surface the browser uses.
type Gateway interface {
	mutation.Gateway
	ListChildren(ctx context.Context, folderID int64) (protocol.Result[[]models.Node], error)
	GetPath(ctx context.Context, folderID int64) (protocol.Result[models.Path], error)
	GetDocumentInfo(ctx context.Context, id int64) (protocol.Result[*models.Node], error)
	GetDocumentContent(ctx context.Context, id int64) (protocol.Result[*client.Content], error)
	Login(ctx context.Context, username, password string) (protocol.Result[*models.User], error)
	Logout(ctx context.Context) (protocol.Result[struct{}], error)
	Account(ctx context.Context) (protocol.Result[*models.User], error)
}

// Options configures a Browser.
type Options struct {
	RootID  int64               // root folder of the tree, 1 if zero
	Content *cache.ContentCache // optional on-disk content cache
	Events  events.Publisher    // optional
}

// Browser is safe for concurrent use.
type Browser struct {
	gw      Gateway
	cache   *cache.Cache
	tree    *tree.Tree
	coord   *mutation.Coordinator
	content *cache.ContentCache
	events  events.Publisher
	rootID  int64

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a browser over an explicitly constructed cache and tree.
func New(gw Gateway, c *cache.Cache, t *tree.Tree, opts Options) *Browser {
	if opts.RootID == 0 {
		opts.RootID = 1
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Browser{
		gw:      gw,
		cache:   c,
		tree:    t,
		coord:   mutation.New(gw, c, t, opts.Events),
		content: opts.Content,
		events:  opts.Events,
		rootID:  opts.RootID,
		bg:      bg,
		cancel:  cancel,
	}
}

// CacheEvents returns a cache option that publishes every cache change.
func CacheEvents(pub events.Publisher) cache.Option {
	return cache.WithNotify(func(key cache.Key, change string) {
		typ := events.EventCached
		if change != cache.ChangeUpdated {
			typ = events.EventInvalidated
		}
		pub.Publish(events.Event{Type: typ, Kind: key.Kind, ID: key.ID, Relation: key.Relation})
	})
}

// Cache returns the entity cache.
func (b *Browser) Cache() *cache.Cache { return b.cache }

// Coordinator returns the mutation coordinator.
func (b *Browser) Coordinator() *mutation.Coordinator { return b.coord }

// RootID returns the id of the root folder.
func (b *Browser) RootID() int64 { return b.rootID }

// Wait blocks until background revalidations have finished.
func (b *Browser) Wait() { b.wg.Wait() }

// Close stops background work and waits for it.
func (b *Browser) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Browser) treeUpdated(id int64) {
	b.events.Publish(events.Event{Type: events.EventTreeUpdated, Kind: cache.KindFolder, ID: id})
}

func (b *Browser) childrenLoader(id int64) func(context.Context) ([]models.Node, error) {
	return func(ctx context.Context) ([]models.Node, error) {
		res, err := b.gw.ListChildren(ctx, id)
		return client.Unwrap("list children", res, err)
	}
}

func (b *Browser) pathLoader(id int64) func(context.Context) (models.Path, error) {
	return func(ctx context.Context) (models.Path, error) {
		res, err := b.gw.GetPath(ctx, id)
		return client.Unwrap("get path", res, err)
	}
}

// children returns the listing of folder id through the cache.
func (b *Browser) children(ctx context.Context, id int64) ([]models.Node, error) {
	return cache.Fetch(ctx, b.cache, cache.FolderChildren(id), b.childrenLoader(id))
}

// ensureRoot installs the root folder on a cold tree.
func (b *Browser) ensureRoot(ctx context.Context) error {
	if _, ok := b.tree.Root(); ok {
		return nil
	}
	node, err := b.Folder(ctx, b.rootID)
	if err != nil {
		return err
	}
	return b.tree.SetRoot(node)
}

// load makes sure folder id's children are in the tree, fetching them on
// first use. It never changes Expanded.
func (b *Browser) load(ctx context.Context, id int64) error {
	if b.tree.Loaded(id) {
		return nil
	}
	tag := b.tree.Tag(id)
	nodes, err := b.children(ctx, id)
	if err != nil {
		return err
	}
	if !b.tree.Relevant(tag) {
		logging.WithContext(ctx).Debug("listing no longer relevant", zap.Int64("folder_id", id))
		metrics.RecordDiscardedResponse()
		return nil
	}
	if b.tree.MergeChildren(id, nodes) {
		b.treeUpdated(id)
	}
	return nil
}

// revalidate refetches a stale listing in the background and reconciles
// the tree when it arrives. The listing is dropped if the cache no longer
// holds it by then or a mutation holds the folder's children; either way
// it predates an edit the tree already shows.
func (b *Browser) revalidate(id int64) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		tag := b.tree.Tag(id)
		key := cache.FolderChildren(id)
		nodes, rev, err := cache.FetchRevision(b.bg, b.cache, key, b.childrenLoader(id))
		if err != nil {
			logging.Warn("revalidating folder failed", zap.Int64("folder_id", id), zap.Error(err))
			return
		}
		if !b.tree.Relevant(tag) {
			metrics.RecordDiscardedResponse()
			return
		}
		current, changed := false, false
		b.coord.WhenListIdle(id, func() {
			if current = b.cache.Current(key, rev); current {
				changed = b.tree.ReplaceChildren(id, nodes)
			}
		})
		if !current {
			logging.Debug("listing superseded by a mutation", zap.Int64("folder_id", id))
			metrics.RecordDiscardedResponse()
			return
		}
		if changed {
			b.treeUpdated(id)
		}
	}()
}

// Expand marks folder id expanded and returns its children. The first
// expansion blocks on the listing. Later expansions return what the tree
// holds at once; if the listing was invalidated meanwhile, fresh data is
// fetched in the background and swapped in when it arrives.
func (b *Browser) Expand(ctx context.Context, id int64) ([]tree.Entry, error) {
	if err := b.ensureRoot(ctx); err != nil {
		return nil, err
	}
	needsFetch, err := b.tree.Expand(id)
	if err != nil {
		return nil, err
	}
	if needsFetch {
		if err := b.load(ctx, id); err != nil {
			b.tree.Collapse(id)
			return nil, err
		}
	} else if e, ok := b.cache.Get(cache.FolderChildren(id)); !ok || e.Stale {
		b.revalidate(id)
	}
	children, _ := b.tree.Children(id)
	return children, nil
}

// Collapse marks folder id collapsed. Its children stay loaded.
func (b *Browser) Collapse(id int64) error {
	return b.tree.Collapse(id)
}

// Tree renders the tree below folder id; id 0 is the root.
func (b *Browser) Tree(ctx context.Context, id int64) (tree.View, error) {
	if err := b.ensureRoot(ctx); err != nil {
		return tree.View{}, err
	}
	if id == 0 {
		id = b.rootID
	}
	v, ok := b.tree.View(id)
	if !ok {
		return tree.View{}, fmt.Errorf("folder %d: %w", id, tree.ErrNotFound)
	}
	return v, nil
}

// Breadcrumbs returns the path from the root to folder id.
func (b *Browser) Breadcrumbs(ctx context.Context, id int64) (models.Path, error) {
	return cache.Fetch(ctx, b.cache, cache.FolderPath(id), b.pathLoader(id))
}

// Folder returns the info of folder id. The backend has no folder lookup,
// so it comes from the tree when the folder is there and from the leaf of
// its breadcrumb path otherwise.
func (b *Browser) Folder(ctx context.Context, id int64) (models.Node, error) {
	return cache.Fetch(ctx, b.cache, cache.FolderInfo(id), func(ctx context.Context) (models.Node, error) {
		if e, ok := b.tree.Entry(models.FolderRef(id)); ok {
			return e.Node.Clone(), nil
		}
		path, err := b.Breadcrumbs(ctx, id)
		if err != nil {
			return models.Node{}, err
		}
		leaf, _ := path.Leaf()
		node := models.Node{ID: id, Name: leaf.Name, Kind: models.KindFolder}
		if parent, ok := path.ParentID(); ok {
			node.ParentID = &parent
		}
		return node, nil
	})
}

// FolderView is everything needed to show one folder.
type FolderView struct {
	Folder    models.Node   `json:"folder"`
	Path      models.Path   `json:"path"`
	Folders   []models.Node `json:"folders"`
	Documents []models.Node `json:"documents"`
}

// OpenFolder loads folder id with its breadcrumbs and children.
func (b *Browser) OpenFolder(ctx context.Context, id int64) (*FolderView, error) {
	path, err := b.Breadcrumbs(ctx, id)
	if err != nil {
		return nil, err
	}
	folder, err := b.Folder(ctx, id)
	if err != nil {
		return nil, err
	}
	nodes, err := b.children(ctx, id)
	if err != nil {
		return nil, err
	}
	folders, documents := models.Partition(nodes)
	if folders == nil {
		folders = []models.Node{}
	}
	if documents == nil {
		documents = []models.Node{}
	}
	return &FolderView{Folder: folder, Path: path, Folders: folders, Documents: documents}, nil
}

// Locate loads every ancestor of folder id into the tree, so the folder
// itself is in the tree afterwards.
func (b *Browser) Locate(ctx context.Context, id int64) (tree.Entry, error) {
	if e, ok := b.tree.Entry(models.FolderRef(id)); ok {
		return e, nil
	}
	if err := b.ensureRoot(ctx); err != nil {
		return tree.Entry{}, err
	}
	path, err := b.Breadcrumbs(ctx, id)
	if err != nil {
		return tree.Entry{}, err
	}
	for _, el := range path[:len(path)-1] {
		if err := b.load(ctx, el.ID); err != nil {
			return tree.Entry{}, err
		}
	}
	e, ok := b.tree.Entry(models.FolderRef(id))
	if !ok {
		return tree.Entry{}, fmt.Errorf("folder %d: %w", id, tree.ErrNotFound)
	}
	return e, nil
}

// Document returns the metadata of document id.
func (b *Browser) Document(ctx context.Context, id int64) (*models.Node, error) {
	return cache.Fetch(ctx, b.cache, cache.DocumentInfo(id), func(ctx context.Context) (*models.Node, error) {
		res, err := b.gw.GetDocumentInfo(ctx, id)
		return client.Unwrap("get document", res, err)
	})
}

// Download is a document's content, possibly served from disk.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	FileName    string
	Cached      bool
}

// DocumentContent returns the content of document id's latest version,
// from the content cache when it holds that version.
func (b *Browser) DocumentContent(ctx context.Context, id int64) (*Download, error) {
	doc, err := b.Document(ctx, id)
	if err != nil {
		return nil, err
	}

	if b.content != nil {
		if path, ok := b.content.Get(id, doc.Version); ok {
			metrics.RecordContentCacheLookup(true)
			if d, err := openCached(path, doc); err == nil {
				return d, nil
			}
		} else {
			metrics.RecordContentCacheLookup(false)
		}
	}

	res, err := b.gw.GetDocumentContent(ctx, id)
	content, err := client.Unwrap("get content", res, err)
	if err != nil {
		return nil, err
	}
	if content.ContentType == "" {
		content.ContentType = doc.MimeType
	}
	if content.FileName == "" {
		content.FileName = doc.Name
	}
	if b.content == nil {
		return &Download{Body: content.Body, ContentType: content.ContentType, Size: content.Size, FileName: content.FileName}, nil
	}

	defer content.Body.Close()
	path, err := b.content.Put(id, doc.Version, content.Body, content.Size)
	if err != nil {
		return nil, fmt.Errorf("caching content of document %d: %w", id, err)
	}
	d, err := openCached(path, doc)
	if err != nil {
		return nil, err
	}
	d.ContentType = content.ContentType
	d.FileName = content.FileName
	d.Cached = false
	return d, nil
}

func openCached(path string, doc *models.Node) (*Download, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Download{Body: f, ContentType: doc.MimeType, Size: info.Size(), FileName: doc.Name, Cached: true}, nil
}

// Account returns the logged-in user.
func (b *Browser) Account(ctx context.Context) (*models.User, error) {
	return cache.Fetch(ctx, b.cache, cache.Account(), func(ctx context.Context) (*models.User, error) {
		res, err := b.gw.Account(ctx)
		return client.Unwrap("account", res, err)
	})
}

// Login starts a backend session. Everything cached belongs to the
// previous session and is dropped.
func (b *Browser) Login(ctx context.Context, username, password string) (protocol.Result[*models.User], error) {
	res, err := b.gw.Login(ctx, username, password)
	if err != nil || !res.Success {
		return res, err
	}
	b.Reload()
	b.events.Publish(events.Event{Type: events.EventLogin, Message: username})
	return res, nil
}

// Logout ends the backend session and drops cache and tree.
func (b *Browser) Logout(ctx context.Context) (protocol.Result[struct{}], error) {
	res, err := b.gw.Logout(ctx)
	b.Reload()
	b.events.Publish(events.Event{Type: events.EventLogout})
	return res, err
}

// Reload tears down all client state; the next read starts from scratch.
func (b *Browser) Reload() {
	b.cache.Clear()
	b.tree.Reset()
	b.treeUpdated(b.rootID)
}

// placeFolder puts folder id into the tree so it can be mutated.
func (b *Browser) placeFolder(ctx context.Context, id int64) {
	if _, err := b.Locate(ctx, id); err != nil {
		logging.WithContext(ctx).Debug("locating folder failed", zap.Int64("folder_id", id), zap.Error(err))
	}
}

// CreateFolder creates folder name under parentID.
func (b *Browser) CreateFolder(ctx context.Context, parentID int64, name string, opts client.FolderOptions) (protocol.Result[*models.Node], error) {
	return b.coord.CreateFolder(ctx, parentID, name, opts)
}

// MoveFolder moves folder id into destID.
func (b *Browser) MoveFolder(ctx context.Context, id, destID int64) (protocol.Result[struct{}], error) {
	b.placeFolder(ctx, id)
	return b.coord.MoveFolder(ctx, id, destID)
}

// MoveDocument moves document id into destID. The document must be in a
// loaded folder.
func (b *Browser) MoveDocument(ctx context.Context, id, destID int64) (protocol.Result[struct{}], error) {
	return b.coord.MoveDocument(ctx, id, destID)
}

// DeleteFolder deletes folder id.
func (b *Browser) DeleteFolder(ctx context.Context, id int64) (protocol.Result[struct{}], error) {
	b.placeFolder(ctx, id)
	return b.coord.DeleteFolder(ctx, id)
}

// DeleteDocument deletes document id. The document must be in a loaded
// folder.
func (b *Browser) DeleteDocument(ctx context.Context, id int64) (protocol.Result[struct{}], error) {
	return b.coord.DeleteDocument(ctx, id)
}

// DeleteDocumentIn loads folderID and deletes document id from it.
func (b *Browser) DeleteDocumentIn(ctx context.Context, folderID, id int64) (protocol.Result[struct{}], error) {
	if err := b.loadPath(ctx, folderID); err != nil {
		return protocol.Result[struct{}]{}, err
	}
	return b.coord.DeleteDocument(ctx, id)
}

// MoveDocumentFrom loads folderID and moves document id out of it.
func (b *Browser) MoveDocumentFrom(ctx context.Context, folderID, id, destID int64) (protocol.Result[struct{}], error) {
	if err := b.loadPath(ctx, folderID); err != nil {
		return protocol.Result[struct{}]{}, err
	}
	return b.coord.MoveDocument(ctx, id, destID)
}

// loadPath locates folder id and loads its children.
func (b *Browser) loadPath(ctx context.Context, id int64) error {
	if _, err := b.Locate(ctx, id); err != nil {
		return err
	}
	return b.load(ctx, id)
}

// Upload sends a document into folderID.
func (b *Browser) Upload(ctx context.Context, folderID int64, r io.Reader, size int64,
	meta protocol.UploadMetadata, onProgress func(protocol.Progress)) (protocol.Result[*models.Node], error) {
	return b.coord.Upload(ctx, folderID, r, size, meta, onProgress)
}

// IsFailure reports whether err is a backend-reported failure rather than
// a malformed response.
func IsFailure(err error) bool {
	_, ok := client.AsFailure(err)
	return ok
}
