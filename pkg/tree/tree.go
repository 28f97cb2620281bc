// Package tree is the in-memory projection of the server's folder hierarchy.
//
// Nodes live in a flat arena keyed by Ref with a separate children index, so
// merging a listing or editing a node never walks the tree. Folders are
// loaded lazily: a folder's children are known only after its listing has
// been merged.
package tree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fruitsalade/docbox/internal/metrics"
	"github.com/fruitsalade/docbox/pkg/models"
)

var (
	ErrNotFound    = errors.New("node not in tree")
	ErrNotFolder   = errors.New("not a folder")
	ErrNoParent    = errors.New("node has no parent in tree")
	ErrNotLoaded   = errors.New("folder children not loaded")
	ErrInvalidMove = errors.New("invalid move")
	ErrExists      = errors.New("node already in tree")
)

// Entry is a node plus its UI state.
type Entry struct {
	models.Node
	Expanded       bool `json:"expanded"`
	ChildrenLoaded bool `json:"childrenLoaded"`
}

// View is an entry with its rendered children. Children is non-empty only
// for expanded folders whose children are loaded.
type View struct {
	Entry
	Children []View `json:"children,omitempty"`
}

// Tag marks the context a request was issued for.
type Tag struct {
	FolderID int64
	Epoch    uint64
}

type record struct {
	node     models.Node
	expanded bool
	loaded   bool
}

func (r *record) entry() Entry {
	return Entry{Node: r.node.Clone(), Expanded: r.expanded, ChildrenLoaded: r.loaded}
}

// Tree is safe for concurrent use.
type Tree struct {
	mu         sync.RWMutex
	nodes      map[models.Ref]*record
	childrenOf map[int64][]models.Ref
	parentOf   map[models.Ref]int64
	root       *models.Ref
	epoch      uint64
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{
		nodes:      make(map[models.Ref]*record),
		childrenOf: make(map[int64][]models.Ref),
		parentOf:   make(map[models.Ref]int64),
	}
}

func (t *Tree) changed() {
	metrics.SetTreeNodes(len(t.nodes))
}

// SetRoot installs the root folder, or refreshes its data if present.
func (t *Tree) SetRoot(node models.Node) error {
	if !node.IsFolder() {
		return ErrNotFolder
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ref := node.Ref()
	node = node.Clone()
	node.ParentID = nil
	if r, ok := t.nodes[ref]; ok {
		r.node = node
	} else {
		t.nodes[ref] = &record{node: node}
	}
	t.root = &ref
	t.changed()
	return nil
}

// Root returns the root entry.
func (t *Tree) Root() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == nil {
		return Entry{}, false
	}
	return t.nodes[*t.root].entry(), true
}

func (t *Tree) folder(id int64) (*record, error) {
	r, ok := t.nodes[models.FolderRef(id)]
	if !ok {
		return nil, fmt.Errorf("folder %d: %w", id, ErrNotFound)
	}
	return r, nil
}

// MergeChildren records the first listing of parentID. Once a folder's
// children are loaded, later calls change nothing; use ReplaceChildren to
// reconcile with a newer listing. It returns false if the listing was not
// applied, including when parentID is not in the tree.
func (t *Tree) MergeChildren(parentID int64, children []models.Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.folder(parentID)
	if err != nil {
		metrics.RecordDiscardedResponse()
		return false
	}
	if parent.loaded {
		return false
	}
	t.setChildren(parentID, parent, children)
	return true
}

// ReplaceChildren makes the listing authoritative for parentID: existing
// children keep their UI state, new ones are added, and ones no longer
// listed are evicted with their subtrees.
func (t *Tree) ReplaceChildren(parentID int64, children []models.Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.folder(parentID)
	if err != nil {
		metrics.RecordDiscardedResponse()
		return false
	}

	listed := make(map[models.Ref]bool, len(children))
	for _, c := range children {
		listed[c.Ref()] = true
	}
	for _, ref := range t.childrenOf[parentID] {
		if !listed[ref] {
			t.evictLocked(ref)
		}
	}
	t.setChildren(parentID, parent, children)
	return true
}

// Must be called with lock held.
func (t *Tree) setChildren(parentID int64, parent *record, children []models.Node) {
	refs := make([]models.Ref, 0, len(children))
	for _, c := range children {
		ref := c.Ref()
		node := c.WithParent(parentID)

		if old, ok := t.parentOf[ref]; ok && old != parentID {
			t.unlink(ref)
		}
		if r, ok := t.nodes[ref]; ok {
			r.node = node
		} else {
			t.nodes[ref] = &record{node: node}
		}
		t.parentOf[ref] = parentID
		refs = append(refs, ref)
	}
	t.childrenOf[parentID] = refs
	parent.loaded = true
	t.changed()
}

// unlink removes ref from its parent's children list.
// Must be called with lock held.
func (t *Tree) unlink(ref models.Ref) {
	parentID, ok := t.parentOf[ref]
	if !ok {
		return
	}
	list := t.childrenOf[parentID]
	for i, r := range list {
		if r == ref {
			next := make([]models.Ref, 0, len(list)-1)
			next = append(next, list[:i]...)
			t.childrenOf[parentID] = append(next, list[i+1:]...)
			break
		}
	}
	delete(t.parentOf, ref)
}

// Children returns the children of parentID in server order. loaded is
// false if the folder's listing has not been merged yet.
func (t *Tree) Children(parentID int64) (children []Entry, loaded bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	parent, ok := t.nodes[models.FolderRef(parentID)]
	if !ok || !parent.loaded {
		return nil, false
	}
	refs := t.childrenOf[parentID]
	children = make([]Entry, 0, len(refs))
	for _, ref := range refs {
		if r, ok := t.nodes[ref]; ok {
			children = append(children, r.entry())
		}
	}
	return children, true
}

// Partition returns the children of parentID split into folders and
// documents, each group in server order.
func (t *Tree) Partition(parentID int64) (folders, documents []Entry, loaded bool) {
	children, loaded := t.Children(parentID)
	for _, c := range children {
		if c.IsFolder() {
			folders = append(folders, c)
		} else {
			documents = append(documents, c)
		}
	}
	return folders, documents, loaded
}

// Expand marks folder id expanded and reports whether its children still
// need to be fetched.
func (t *Tree) Expand(id int64) (needsFetch bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.folder(id)
	if err != nil {
		return false, err
	}
	r.expanded = true
	return !r.loaded, nil
}

// Collapse marks folder id collapsed. Its children stay in the tree.
func (t *Tree) Collapse(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.folder(id)
	if err != nil {
		return err
	}
	r.expanded = false
	return nil
}

// Entry returns the entry for ref, linked or not.
func (t *Tree) Entry(ref models.Ref) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.nodes[ref]
	if !ok {
		return Entry{}, false
	}
	return r.entry(), true
}

// Parent returns the folder ref is listed in.
func (t *Tree) Parent(ref models.Ref) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.parentOf[ref]
	return p, ok
}

// Loaded reports whether folder id is in the tree with its children loaded.
func (t *Tree) Loaded(id int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.nodes[models.FolderRef(id)]
	return ok && r.loaded
}

// Descendants returns every node below folder id that is in the tree.
func (t *Tree) Descendants(id int64) []models.Ref {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.descendants(id)
}

// Must be called with lock held.
func (t *Tree) descendants(id int64) []models.Ref {
	var out []models.Ref
	queue := []int64{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, ref := range t.childrenOf[next] {
			out = append(out, ref)
			if ref.Kind == models.KindFolder {
				queue = append(queue, ref.ID)
			}
		}
	}
	return out
}

// View renders the subtree at folder id.
func (t *Tree) View(id int64) (View, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.nodes[models.FolderRef(id)]
	if !ok {
		return View{}, false
	}
	return t.render(models.FolderRef(id), r), true
}

func (t *Tree) render(ref models.Ref, r *record) View {
	v := View{Entry: r.entry()}
	if ref.Kind != models.KindFolder || !r.expanded || !r.loaded {
		return v
	}
	for _, child := range t.childrenOf[ref.ID] {
		if cr, ok := t.nodes[child]; ok {
			v.Children = append(v.Children, t.render(child, cr))
		}
	}
	return v
}

// Tag captures the current context for a request about folder id.
func (t *Tree) Tag(id int64) Tag {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Tag{FolderID: id, Epoch: t.epoch}
}

// Relevant reports whether a response tagged with tag may still be applied:
// the tree has not been reset and the folder is still in it.
func (t *Tree) Relevant(tag Tag) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tag.Epoch != t.epoch {
		return false
	}
	_, ok := t.nodes[models.FolderRef(tag.FolderID)]
	return ok
}

// Reset empties the tree. Tags taken before a reset are no longer relevant.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[models.Ref]*record)
	t.childrenOf = make(map[int64][]models.Ref)
	t.parentOf = make(map[models.Ref]int64)
	t.root = nil
	t.epoch++
	t.changed()
}

// Len returns the number of nodes in the arena.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Evict removes ref and everything below it and returns the removed refs.
func (t *Tree) Evict(ref models.Ref) []models.Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictLocked(ref)
}

// Must be called with lock held.
func (t *Tree) evictLocked(ref models.Ref) []models.Ref {
	if _, ok := t.nodes[ref]; !ok {
		return nil
	}
	removed := []models.Ref{ref}
	if ref.Kind == models.KindFolder {
		removed = append(removed, t.descendants(ref.ID)...)
	}
	t.unlink(ref)
	for _, r := range removed {
		delete(t.nodes, r)
		delete(t.parentOf, r)
		if r.Kind == models.KindFolder {
			delete(t.childrenOf, r.ID)
		}
	}
	if t.root != nil && *t.root == ref {
		t.root = nil
	}
	t.changed()
	return removed
}
