// Package mutation applies create, move, delete and upload operations
// optimistically to the tree and entity cache, then confirms or rolls them
// back once the backend answers.
package mutation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/docbox/internal/events"
	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/internal/metrics"
	"github.com/fruitsalade/docbox/pkg/cache"
	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
	"github.com/fruitsalade/docbox/pkg/tree"
)

// Gateway is the part of the backend client the coordinator needs.
type Gateway interface {
	CreateFolder(ctx context.Context, parentID int64, name string, opts client.FolderOptions) (protocol.Result[*models.Node], error)
	MoveFolder(ctx context.Context, id, destID int64) (protocol.Result[struct{}], error)
	MoveDocument(ctx context.Context, id, destID int64) (protocol.Result[struct{}], error)
	DeleteFolder(ctx context.Context, id int64) (protocol.Result[struct{}], error)
	DeleteDocument(ctx context.Context, id int64) (protocol.Result[struct{}], error)
	UploadDocument(ctx context.Context, folderID int64, r io.Reader, size int64,
		meta protocol.UploadMetadata, onProgress func(protocol.Progress)) (protocol.Result[*models.Node], error)
}

// State is where a mutation is in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateApplied    State = "optimistic-applied"
	StateConfirmed  State = "confirmed"
	StateRolledBack State = "rolled-back"
)

// Operation names, also used as metric and event labels.
const (
	OpCreateFolder   = "create_folder"
	OpMoveFolder     = "move_folder"
	OpMoveDocument   = "move_document"
	OpDeleteFolder   = "delete_folder"
	OpDeleteDocument = "delete_document"
	OpUpload         = "upload_document"
)

// lock is something a mutation holds exclusively while in flight: a node,
// or the children list of a folder.
type lock struct {
	ref  models.Ref
	list bool
}

// Coordinator serializes optimistic edits. Mutations touching different
// nodes and folders run concurrently; a mutation that would touch something
// another one holds is rejected.
type Coordinator struct {
	gw     Gateway
	cache  *cache.Cache
	tree   *tree.Tree
	events events.Publisher

	mu     sync.Mutex
	held   map[lock]string
	nextID int64
}

// New creates a coordinator. pub may be nil.
func New(gw Gateway, c *cache.Cache, t *tree.Tree, pub events.Publisher) *Coordinator {
	if pub == nil {
		pub = events.Discard
	}
	return &Coordinator{
		gw:     gw,
		cache:  c,
		tree:   t,
		events: pub,
		held:   make(map[lock]string),
	}
}

// pending is one mutation between apply and confirm/rollback.
type pending struct {
	op        string
	ref       models.Ref
	state     State
	locks     []lock
	treeSnap  *tree.Snapshot
	cacheSnap []cache.Snapshot
}

func nodeLock(ref models.Ref) lock { return lock{ref: ref} }
func listLock(id int64) lock        { return lock{ref: models.FolderRef(id), list: true} }

// acquire takes locks or reports who holds one. Must be called with mu held.
func (c *Coordinator) acquire(op string, locks ...lock) error {
	for _, l := range locks {
		if holder, busy := c.held[l]; busy {
			what := l.ref.String()
			if l.list {
				what = fmt.Sprintf("folder %d", l.ref.ID)
			}
			return fmt.Errorf("%s is busy with %s", what, strings.ReplaceAll(holder, "_", " "))
		}
	}
	for _, l := range locks {
		c.held[l] = op
	}
	return nil
}

func (c *Coordinator) release(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range p.locks {
		delete(c.held, l)
	}
}

// Busy reports whether a mutation on ref is in flight.
func (c *Coordinator) Busy(ref models.Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.held[nodeLock(ref)]
	return busy
}

// WhenListIdle runs fn unless a mutation in flight holds the children list
// of folder id, and reports whether it ran. No mutation starts while fn
// runs.
func (c *Coordinator) WhenListIdle(id int64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.held[listLock(id)]; busy {
		return false
	}
	fn()
	return true
}

// InFlight returns the number of locks held by mutations in flight.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

func (c *Coordinator) publish(p *pending, eventType, message string) {
	c.events.Publish(events.Event{
		Type:      eventType,
		Kind:      string(p.ref.Kind),
		ID:        p.ref.ID,
		Operation: p.op,
		Message:   message,
	})
}

// reject reports a precondition failure; nothing was applied.
func reject[T any](ctx context.Context, op string, ref models.Ref, err error) protocol.Result[T] {
	logging.WithContext(ctx).Info("mutation rejected",
		zap.String("operation", op), zap.Stringer("node", ref), zap.Error(err))
	metrics.RecordMutation(op, "rejected")
	return protocol.Fail[T](err.Error())
}

// updateChildren optimistically rewrites the cached listing of folderID.
func (c *Coordinator) updateChildren(p *pending, folderID int64, fn func([]models.Node) []models.Node) {
	if snap, ok := cache.Update(c.cache, cache.FolderChildren(folderID), fn); ok {
		p.cacheSnap = append(p.cacheSnap, snap)
	}
}

func without(ref models.Ref) func([]models.Node) []models.Node {
	return func(nodes []models.Node) []models.Node {
		out := make([]models.Node, 0, len(nodes))
		for _, n := range nodes {
			if n.Ref() != ref {
				out = append(out, n)
			}
		}
		return out
	}
}

func with(node models.Node) func([]models.Node) []models.Node {
	return func(nodes []models.Node) []models.Node {
		out := make([]models.Node, 0, len(nodes)+1)
		out = append(out, nodes...)
		return append(out, node)
	}
}

func (c *Coordinator) applied(ctx context.Context, p *pending) {
	p.state = StateApplied
	logging.WithContext(ctx).Debug("mutation applied",
		zap.String("operation", p.op), zap.Stringer("node", p.ref))
	c.publish(p, events.EventApplied, "")
}

// rollback restores every snapshot verbatim and surfaces message.
func (c *Coordinator) rollback(ctx context.Context, p *pending, message string) {
	for i := len(p.cacheSnap) - 1; i >= 0; i-- {
		c.cache.Rollback(p.cacheSnap[i])
	}
	if p.treeSnap != nil && !c.tree.Restore(p.treeSnap) {
		logging.WithContext(ctx).Debug("tree was reset, skipping restore", zap.Stringer("node", p.ref))
	}
	p.state = StateRolledBack
	c.release(p)

	logging.WithContext(ctx).Warn("mutation rolled back",
		zap.String("operation", p.op), zap.Stringer("node", p.ref), zap.String("message", message))
	metrics.RecordMutation(p.op, "rolled_back")
	c.publish(p, events.EventRolledBack, message)
}

func (c *Coordinator) confirmed(ctx context.Context, p *pending) {
	p.state = StateConfirmed
	c.release(p)
	logging.WithContext(ctx).Info("mutation confirmed",
		zap.String("operation", p.op), zap.Stringer("node", p.ref))
	metrics.RecordMutation(p.op, "confirmed")
	c.publish(p, events.EventConfirmed, "")
}

// settle rolls back on a malformed response or a failed result and
// reports whether the mutation may be confirmed.
func (c *Coordinator) settle(ctx context.Context, p *pending, success bool, message string, err error) bool {
	if err != nil {
		c.rollback(ctx, p, protocol.FallbackMessage)
		return false
	}
	if !success {
		c.rollback(ctx, p, message)
		return false
	}
	return true
}

// evictNodes drops the cache keys of nodes that are gone from the tree.
func (c *Coordinator) evictNodes(refs []models.Ref) {
	for _, r := range refs {
		c.cache.Evict(cache.Entity(string(r.Kind), r.ID))
	}
}

// DeleteFolder removes folder id from its parent at once, then deletes it
// on the backend.
func (c *Coordinator) DeleteFolder(ctx context.Context, id int64) (protocol.Result[struct{}], error) {
	return c.remove(ctx, OpDeleteFolder, models.FolderRef(id), c.gw.DeleteFolder)
}

// DeleteDocument removes document id from its folder at once, then deletes
// it on the backend.
func (c *Coordinator) DeleteDocument(ctx context.Context, id int64) (protocol.Result[struct{}], error) {
	return c.remove(ctx, OpDeleteDocument, models.DocumentRef(id), c.gw.DeleteDocument)
}

func (c *Coordinator) remove(ctx context.Context, op string, ref models.Ref,
	call func(context.Context, int64) (protocol.Result[struct{}], error)) (protocol.Result[struct{}], error) {

	p := &pending{op: op, ref: ref, state: StateIdle}

	c.mu.Lock()
	parentID, ok := c.tree.Parent(ref)
	if !ok {
		c.mu.Unlock()
		return reject[struct{}](ctx, op, ref, fmt.Errorf("%s has no cached parent", ref)), nil
	}
	p.locks = []lock{nodeLock(ref), listLock(parentID)}
	if err := c.acquire(op, p.locks...); err != nil {
		c.mu.Unlock()
		return reject[struct{}](ctx, op, ref, err), nil
	}
	snap, err := c.tree.Remove(ref)
	if err != nil {
		for _, l := range p.locks {
			delete(c.held, l)
		}
		c.mu.Unlock()
		return reject[struct{}](ctx, op, ref, err), nil
	}
	p.treeSnap = snap
	c.updateChildren(p, parentID, without(ref))
	c.mu.Unlock()
	c.applied(ctx, p)

	res, err := call(ctx, ref.ID)
	if !c.settle(ctx, p, res.Success, res.Message, err) {
		return res, err
	}

	c.evictNodes(c.tree.Evict(ref))
	c.cache.Invalidate(cache.Exact(cache.FolderChildren(parentID)))
	c.confirmed(ctx, p)
	return res, nil
}

// MoveFolder moves folder id into destID.
func (c *Coordinator) MoveFolder(ctx context.Context, id, destID int64) (protocol.Result[struct{}], error) {
	return c.move(ctx, OpMoveFolder, models.FolderRef(id), destID, c.gw.MoveFolder)
}

// MoveDocument moves document id into folder destID.
func (c *Coordinator) MoveDocument(ctx context.Context, id, destID int64) (protocol.Result[struct{}], error) {
	return c.move(ctx, OpMoveDocument, models.DocumentRef(id), destID, c.gw.MoveDocument)
}

func (c *Coordinator) move(ctx context.Context, op string, ref models.Ref, destID int64,
	call func(context.Context, int64, int64) (protocol.Result[struct{}], error)) (protocol.Result[struct{}], error) {

	p := &pending{op: op, ref: ref, state: StateIdle}

	c.mu.Lock()
	srcID, ok := c.tree.Parent(ref)
	if !ok {
		c.mu.Unlock()
		return reject[struct{}](ctx, op, ref, fmt.Errorf("%s has no cached parent", ref)), nil
	}
	p.locks = []lock{nodeLock(ref), listLock(srcID), listLock(destID)}
	if srcID == destID {
		p.locks = p.locks[:2]
	}
	if err := c.acquire(op, p.locks...); err != nil {
		c.mu.Unlock()
		return reject[struct{}](ctx, op, ref, err), nil
	}
	snap, landed, err := c.tree.Move(ref, destID)
	if err != nil {
		for _, l := range p.locks {
			delete(c.held, l)
		}
		c.mu.Unlock()
		return reject[struct{}](ctx, op, ref, err), nil
	}
	p.treeSnap = snap
	var moved models.Node
	if e, ok := c.tree.Entry(ref); ok {
		moved = e.Node
	}
	c.updateChildren(p, srcID, without(ref))
	c.updateChildren(p, destID, with(moved))
	c.mu.Unlock()
	c.applied(ctx, p)

	res, err := call(ctx, ref.ID, destID)
	if !c.settle(ctx, p, res.Success, res.Message, err) {
		return res, err
	}

	// Breadcrumbs of the moved folder and everything below it changed.
	if ref.Kind == models.KindFolder {
		c.cache.Invalidate(cache.Exact(cache.FolderPath(ref.ID)))
		for _, d := range c.tree.Descendants(ref.ID) {
			if d.Kind == models.KindFolder {
				c.cache.Invalidate(cache.Exact(cache.FolderPath(d.ID)))
			}
		}
	}
	if !landed {
		c.tree.Evict(ref)
	}
	c.cache.Invalidate(cache.Exact(cache.FolderChildren(srcID)))
	c.cache.Invalidate(cache.Exact(cache.FolderChildren(destID)))
	c.confirmed(ctx, p)
	return res, nil
}

// CreateFolder creates a folder under parentID. When the parent's children
// are loaded a placeholder shows up at once and is replaced by the server's
// folder on success.
func (c *Coordinator) CreateFolder(ctx context.Context, parentID int64, name string, opts client.FolderOptions) (protocol.Result[*models.Node], error) {
	name = strings.TrimSpace(name)
	c.mu.Lock()
	c.nextID--
	temp := models.Node{ID: c.nextID, Name: name, Kind: models.KindFolder, Comment: opts.Comment}
	p := &pending{op: OpCreateFolder, ref: temp.Ref(), state: StateIdle}

	if name == "" {
		c.mu.Unlock()
		return reject[*models.Node](ctx, p.op, p.ref, fmt.Errorf("folder name is required")), nil
	}
	p.locks = []lock{listLock(parentID)}
	if err := c.acquire(p.op, p.locks...); err != nil {
		c.mu.Unlock()
		return reject[*models.Node](ctx, p.op, p.ref, err), nil
	}
	placed := false
	if c.tree.Loaded(parentID) {
		snap, err := c.tree.Insert(parentID, temp, -1)
		if err == nil {
			p.treeSnap = snap
			placed = true
			c.updateChildren(p, parentID, with(temp.WithParent(parentID)))
		}
	}
	c.mu.Unlock()
	c.applied(ctx, p)

	res, err := c.gw.CreateFolder(ctx, parentID, name, opts)
	if !c.settle(ctx, p, res.Success, res.Message, err) {
		return res, err
	}

	if placed {
		if res.Data == nil {
			c.tree.Evict(p.ref)
		} else if err := c.tree.Rekey(p.ref, *res.Data); err != nil {
			logging.WithContext(ctx).Warn("replacing placeholder failed", zap.Error(err))
			c.tree.Evict(p.ref)
		}
	}
	if res.Data != nil {
		p.ref = res.Data.Ref()
	}
	c.cache.Invalidate(cache.Exact(cache.FolderChildren(parentID)))
	c.confirmed(ctx, p)
	return res, nil
}

// Upload sends a document to folderID. Uploads are not optimistic: the new
// document joins the tree once the backend returns it. onProgress may be nil.
func (c *Coordinator) Upload(ctx context.Context, folderID int64, r io.Reader, size int64,
	meta protocol.UploadMetadata, onProgress func(protocol.Progress)) (protocol.Result[*models.Node], error) {

	ref := models.FolderRef(folderID)
	progress := func(pr protocol.Progress) {
		if onProgress != nil {
			onProgress(pr)
		}
		c.events.Publish(events.Event{
			Type:      events.EventProgress,
			Kind:      string(ref.Kind),
			ID:        folderID,
			Operation: OpUpload,
			Message:   meta.Name,
			Loaded:    pr.LoadedBytes,
			Total:     pr.TotalBytes,
		})
	}

	res, err := c.gw.UploadDocument(ctx, folderID, r, size, meta, progress)
	if err != nil {
		metrics.RecordMutation(OpUpload, "failed")
		return res, err
	}
	if !res.Success {
		logging.WithContext(ctx).Warn("upload failed",
			zap.Int64("folder_id", folderID), zap.String("name", meta.Name), zap.String("message", res.Message))
		metrics.RecordMutation(OpUpload, "failed")
		c.events.Publish(events.Event{Type: events.EventRolledBack, Kind: string(ref.Kind), ID: folderID,
			Operation: OpUpload, Message: res.Message})
		return res, nil
	}

	if res.Data != nil && c.tree.Loaded(folderID) {
		if _, err := c.tree.Insert(folderID, *res.Data, -1); err != nil {
			logging.WithContext(ctx).Debug("uploaded document not inserted", zap.Error(err))
		}
	}
	c.cache.Invalidate(cache.Exact(cache.FolderChildren(folderID)))
	metrics.RecordMutation(OpUpload, "confirmed")
	c.events.Publish(events.Event{Type: events.EventConfirmed, Kind: string(ref.Kind), ID: folderID,
		Operation: OpUpload, Message: meta.Name})
	logging.WithContext(ctx).Info("document uploaded",
		zap.Int64("folder_id", folderID), zap.String("name", meta.Name))
	return res, nil
}
