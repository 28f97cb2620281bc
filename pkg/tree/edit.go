package tree

import (
	"fmt"

	"github.com/fruitsalade/docbox/pkg/models"
)

// Snapshot holds the parts of the tree an edit touched, as they were before
// it. Each edit takes its snapshot under the same lock it applies under.
type Snapshot struct {
	epoch   uint64
	lists   map[int64]listState
	parents map[models.Ref]parentState
	records map[models.Ref]recordState
}

type listState struct {
	refs   []models.Ref
	loaded bool
}

type parentState struct {
	id      int64
	present bool
}

type recordState struct {
	rec     record
	present bool
}

func (t *Tree) newSnapshot() *Snapshot {
	return &Snapshot{
		epoch:   t.epoch,
		lists:   make(map[int64]listState),
		parents: make(map[models.Ref]parentState),
		records: make(map[models.Ref]recordState),
	}
}

// Must be called with lock held.
func (t *Tree) saveList(s *Snapshot, folderID int64) {
	if _, done := s.lists[folderID]; done {
		return
	}
	st := listState{refs: append([]models.Ref(nil), t.childrenOf[folderID]...)}
	if r, ok := t.nodes[models.FolderRef(folderID)]; ok {
		st.loaded = r.loaded
	}
	s.lists[folderID] = st
}

// Must be called with lock held.
func (t *Tree) saveNode(s *Snapshot, ref models.Ref) {
	if _, done := s.records[ref]; !done {
		if r, ok := t.nodes[ref]; ok {
			cp := *r
			cp.node = r.node.Clone()
			s.records[ref] = recordState{rec: cp, present: true}
		} else {
			s.records[ref] = recordState{}
		}
	}
	if _, done := s.parents[ref]; !done {
		p, ok := t.parentOf[ref]
		s.parents[ref] = parentState{id: p, present: ok}
	}
}

// Restore puts back everything the snapshot covers. A restored list keeps
// only children still in the arena under that folder, so nodes evicted
// since the snapshot stay gone. It returns false if the tree was reset
// since the snapshot was taken.
func (t *Tree) Restore(s *Snapshot) bool {
	if s == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.epoch != t.epoch {
		return false
	}
	for ref, st := range s.records {
		if st.present {
			rec := st.rec
			rec.node = st.rec.node.Clone()
			t.nodes[ref] = &rec
		} else {
			delete(t.nodes, ref)
		}
	}
	for ref, st := range s.parents {
		if st.present {
			t.parentOf[ref] = st.id
		} else {
			delete(t.parentOf, ref)
		}
	}
	for id, st := range s.lists {
		if len(st.refs) > 0 || st.loaded {
			refs := make([]models.Ref, 0, len(st.refs))
			for _, ref := range st.refs {
				if _, ok := t.nodes[ref]; !ok {
					continue
				}
				if p, ok := t.parentOf[ref]; ok && p != id {
					continue
				}
				refs = append(refs, ref)
			}
			t.childrenOf[id] = refs
		} else {
			delete(t.childrenOf, id)
		}
		if r, ok := t.nodes[models.FolderRef(id)]; ok {
			r.loaded = st.loaded
		}
	}
	t.changed()
	return true
}

// Remove unlinks ref from its parent. The node and its subtree stay in the
// arena until evicted, so a restore brings them back as they were.
func (t *Tree) Remove(ref models.Ref) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[ref]; !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	parentID, ok := t.parentOf[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNoParent)
	}

	s := t.newSnapshot()
	t.saveList(s, parentID)
	t.saveNode(s, ref)
	t.unlink(ref)
	return s, nil
}

// Insert adds node to the loaded folder parentID at index, or at the end if
// index is out of range.
func (t *Tree) Insert(parentID int64, node models.Node, index int) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.folder(parentID)
	if err != nil {
		return nil, err
	}
	if !parent.loaded {
		return nil, fmt.Errorf("folder %d: %w", parentID, ErrNotLoaded)
	}
	ref := node.Ref()
	if _, ok := t.nodes[ref]; ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrExists)
	}

	s := t.newSnapshot()
	t.saveList(s, parentID)
	t.saveNode(s, ref)

	t.nodes[ref] = &record{node: node.WithParent(parentID)}
	t.parentOf[ref] = parentID
	list := t.childrenOf[parentID]
	if index < 0 || index > len(list) {
		index = len(list)
	}
	next := make([]models.Ref, 0, len(list)+1)
	next = append(next, list[:index]...)
	next = append(next, ref)
	t.childrenOf[parentID] = append(next, list[index:]...)
	t.changed()
	return s, nil
}

// Move relocates ref to folder destID. If destID's children are loaded the
// node is appended there; otherwise it is only unlinked from its source.
// landed reports which happened.
func (t *Tree) Move(ref models.Ref, destID int64) (s *Snapshot, landed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.nodes[ref]
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	srcID, ok := t.parentOf[ref]
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", ref, ErrNoParent)
	}
	if srcID == destID {
		return nil, false, fmt.Errorf("%s already in folder %d: %w", ref, destID, ErrInvalidMove)
	}
	if ref.Kind == models.KindFolder && t.isSelfOrDescendant(destID, ref.ID) {
		return nil, false, fmt.Errorf("cannot move folder %d into itself or a descendant: %w", ref.ID, ErrInvalidMove)
	}

	s = t.newSnapshot()
	t.saveList(s, srcID)
	t.saveList(s, destID)
	t.saveNode(s, ref)

	t.unlink(ref)
	rec.node = rec.node.WithParent(destID)
	if dest, ok := t.nodes[models.FolderRef(destID)]; ok && dest.loaded {
		t.childrenOf[destID] = append(append([]models.Ref(nil), t.childrenOf[destID]...), ref)
		t.parentOf[ref] = destID
		landed = true
	}
	t.changed()
	return s, landed, nil
}

// isSelfOrDescendant walks up from folder id looking for ancestor.
// Must be called with lock held.
func (t *Tree) isSelfOrDescendant(id, ancestor int64) bool {
	seen := make(map[int64]bool)
	for {
		if id == ancestor {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		parent, ok := t.parentOf[models.FolderRef(id)]
		if !ok {
			return false
		}
		id = parent
	}
}

// Rekey replaces the node at old with node, keeping its position and UI
// state. Used when a placeholder is confirmed by the server.
func (t *Tree) Rekey(old models.Ref, node models.Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.nodes[old]
	if !ok {
		return fmt.Errorf("%s: %w", old, ErrNotFound)
	}
	ref := node.Ref()
	if ref != old {
		if _, exists := t.nodes[ref]; exists {
			return fmt.Errorf("%s: %w", ref, ErrExists)
		}
	}

	parentID, linked := t.parentOf[old]
	if linked {
		node = node.WithParent(parentID)
	}
	delete(t.nodes, old)
	t.nodes[ref] = &record{node: node, expanded: rec.expanded, loaded: rec.loaded}

	if linked {
		delete(t.parentOf, old)
		t.parentOf[ref] = parentID
		list := append([]models.Ref(nil), t.childrenOf[parentID]...)
		for i, r := range list {
			if r == old {
				list[i] = ref
			}
		}
		t.childrenOf[parentID] = list
	}
	if old.Kind == models.KindFolder && ref.ID != old.ID {
		if kids, ok := t.childrenOf[old.ID]; ok {
			t.childrenOf[ref.ID] = kids
			delete(t.childrenOf, old.ID)
			for _, k := range kids {
				t.parentOf[k] = ref.ID
				if kr, ok := t.nodes[k]; ok {
					kr.node = kr.node.WithParent(ref.ID)
				}
			}
		}
	}
	return nil
}
