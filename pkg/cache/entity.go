// Package cache holds client-side copies of server data: the entity cache
// for listings and metadata, and an on-disk cache for document content.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/internal/metrics"
)

// Entity kinds and relations used in keys.
const (
	KindFolder   = "folder"
	KindDocument = "document"
	KindAccount  = "account"

	RelChildren = "children"
	RelInfo     = "info"
	RelPath     = "path"
	RelContent  = "content"
)

// Key identifies one cached value.
type Key struct {
	Kind     string `json:"kind"`
	ID       int64  `json:"id"`
	Relation string `json:"relation"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Kind, k.ID, k.Relation)
}

func FolderChildren(id int64) Key  { return Key{KindFolder, id, RelChildren} }
func FolderInfo(id int64) Key      { return Key{KindFolder, id, RelInfo} }
func FolderPath(id int64) Key      { return Key{KindFolder, id, RelPath} }
func DocumentInfo(id int64) Key    { return Key{KindDocument, id, RelInfo} }
func DocumentContent(id int64) Key { return Key{KindDocument, id, RelContent} }
func Account() Key                 { return Key{Kind: KindAccount} }

// Pattern selects keys. Empty fields match anything.
type Pattern struct {
	Kind     string
	ID       *int64
	Relation string
}

// Exact matches a single key.
func Exact(k Key) Pattern {
	id := k.ID
	return Pattern{Kind: k.Kind, ID: &id, Relation: k.Relation}
}

// Entity matches every relation of one entity.
func Entity(kind string, id int64) Pattern {
	return Pattern{Kind: kind, ID: &id}
}

// Relation matches one relation of every entity of a kind.
func Relation(kind, relation string) Pattern {
	return Pattern{Kind: kind, Relation: relation}
}

// All matches every key.
func All() Pattern { return Pattern{} }

// Matches reports whether k is selected by p.
func (p Pattern) Matches(k Key) bool {
	if p.Kind != "" && p.Kind != k.Kind {
		return false
	}
	if p.ID != nil && *p.ID != k.ID {
		return false
	}
	if p.Relation != "" && p.Relation != k.Relation {
		return false
	}
	return true
}

// State is the fetch state of an entry.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateError   State = "error"
)

// Entry is a point-in-time copy of a cache entry.
type Entry struct {
	Key       Key
	Data      any
	HasData   bool
	FetchedAt time.Time
	State     State
	Stale     bool
	Err       error
}

// Fresh reports whether the entry can be served without a fetch.
func (e Entry) Fresh() bool { return e.HasData && !e.Stale }

// Change kinds passed to the notify hook.
const (
	ChangeUpdated     = "updated"
	ChangeInvalidated = "invalidated"
	ChangeEvicted     = "evicted"
)

type entry struct {
	Entry
	gen uint64
}

// Cache is the entity cache. Entries stay fresh until invalidated; there is
// no time-based expiry. Construct one per session and pass it around.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	gen     uint64
	coupled map[[2]string][]string
	notify  func(Key, string)

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithCoupled declares two relations of a kind as served by one backend
// call, so invalidating either invalidates both.
func WithCoupled(kind, a, b string) Option {
	return func(c *Cache) {
		c.coupled[[2]string{kind, a}] = append(c.coupled[[2]string{kind, a}], b)
		c.coupled[[2]string{kind, b}] = append(c.coupled[[2]string{kind, b}], a)
	}
}

// WithNotify installs a hook called, outside the lock, for every change.
func WithNotify(fn func(key Key, change string)) Option {
	return func(c *Cache) { c.notify = fn }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Key]*entry),
		coupled: make(map[[2]string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Default returns a cache with folder children and info coupled, since the
// backend serves both from the children listing.
func Default(opts ...Option) *Cache {
	return New(append([]Option{WithCoupled(KindFolder, RelChildren, RelInfo)}, opts...)...)
}

func (c *Cache) nextGen() uint64 {
	c.gen++
	return c.gen
}

// supersede makes any load in flight for e unable to store its result, and
// lets the next Fetch start a fresh load instead of joining it.
// Must be called with lock held.
func (c *Cache) supersede(e *entry) {
	e.gen = c.nextGen()
	if e.State == StateLoading {
		e.State = StateIdle
	}
	c.group.Forget(e.Key.String())
}

func (c *Cache) emit(changes map[Key]string) {
	if c.notify == nil {
		return
	}
	for k, change := range changes {
		c.notify(k, change)
	}
}

// Get returns a copy of the entry for key.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Peek returns the cached data for key if it has type T, fresh or not.
func Peek[T any](c *Cache, key Key) (T, bool) {
	e, ok := c.Get(key)
	if !ok || !e.HasData {
		var zero T
		return zero, false
	}
	v, ok := e.Data.(T)
	return v, ok
}

// Fetch returns the data for key, calling loader only if the entry is
// missing or stale. Concurrent fetches of one key share a single loader
// call. The loader runs detached from ctx so an abandoned waiter does not
// cancel the shared load; each waiter still returns when its own ctx ends.
//
// A load that completes after its key was invalidated, written or evicted
// is handed to its waiters but not stored.
func Fetch[T any](ctx context.Context, c *Cache, key Key, loader func(context.Context) (T, error)) (T, error) {
	v, _, err := FetchRevision(ctx, c, key, loader)
	return v, err
}

// Revision identifies one stored value of an entry. Any write, invalidation
// or eviction of the entry retires it. The zero Revision is never current.
type Revision uint64

// loaded is what a shared load hands its waiters.
type loaded struct {
	v   any
	rev Revision
}

// FetchRevision is Fetch that also returns the revision the data is held
// under, or zero if the load completed too late to be stored.
func FetchRevision[T any](ctx context.Context, c *Cache, key Key, loader func(context.Context) (T, error)) (T, Revision, error) {
	var zero T

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.Fresh() {
		if v, typed := e.Data.(T); typed {
			rev := Revision(e.gen)
			c.mu.Unlock()
			metrics.RecordCacheLookup("hit")
			return v, rev, nil
		}
	}
	outcome := "miss"
	switch {
	case !ok:
		e = &entry{Entry: Entry{Key: key, State: StateIdle}, gen: c.nextGen()}
		c.entries[key] = e
	case e.State == StateLoading:
		outcome = "join"
	case e.Stale:
		outcome = "stale"
	}
	e.State = StateLoading
	gen := e.gen
	n := len(c.entries)
	c.mu.Unlock()

	metrics.RecordCacheLookup(outcome)
	metrics.SetCacheEntries(n)

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		v, err := loader(loadCtx)
		var rev Revision
		if c.store(key, gen, v, err) {
			rev = Revision(gen)
		}
		return loaded{v: v, rev: rev}, err
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, 0, r.Err
		}
		l, _ := r.Val.(loaded)
		v, _ := l.v.(T)
		return v, l.rev, nil
	case <-ctx.Done():
		return zero, 0, ctx.Err()
	}
}

// Current reports whether key still holds fresh data stored as rev.
func (c *Cache) Current(key Key, rev Revision) bool {
	if rev == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.HasData && !e.Stale && Revision(e.gen) == rev
}

// store records the outcome of a load started at gen and reports whether
// data was stored.
func (c *Cache) store(key Key, gen uint64, v any, err error) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		metrics.RecordCacheLookup("discarded")
		logging.Debug("discarding superseded load", zap.Stringer("key", key))
		return false
	}
	if err != nil {
		e.State = StateError
		e.Err = err
		c.mu.Unlock()
		return false
	}
	e.Data = v
	e.HasData = true
	e.Stale = false
	e.FetchedAt = time.Now()
	e.State = StateIdle
	e.Err = nil
	c.mu.Unlock()

	c.emit(map[Key]string{key: ChangeUpdated})
	return true
}

// Invalidate marks every entry selected by p, plus entries coupled to them,
// as stale. The next Fetch reloads them. Loads in flight for those keys will
// not be stored. It returns how many entries became stale; invalidating an
// already stale entry changes nothing observable.
func (c *Cache) Invalidate(p Pattern) int {
	c.mu.Lock()
	targets := make(map[Key]struct{})
	for k := range c.entries {
		if !p.Matches(k) {
			continue
		}
		targets[k] = struct{}{}
		for _, rel := range c.coupled[[2]string{k.Kind, k.Relation}] {
			other := Key{Kind: k.Kind, ID: k.ID, Relation: rel}
			if _, ok := c.entries[other]; ok {
				targets[other] = struct{}{}
			}
		}
	}

	changes := make(map[Key]string)
	for k := range targets {
		e := c.entries[k]
		c.supersede(e)
		if !e.Stale {
			e.Stale = true
			changes[k] = ChangeInvalidated
		}
	}
	c.mu.Unlock()

	metrics.RecordInvalidations(len(changes))
	c.emit(changes)
	return len(changes)
}

// Snapshot is the state of one key before an optimistic write.
type Snapshot struct {
	key     Key
	existed bool
	entry   Entry
}

// Key returns the snapshotted key.
func (s Snapshot) Key() Key { return s.key }

// SetOptimistic writes value for key ahead of server confirmation and
// returns what was there before.
func (c *Cache) SetOptimistic(key Key, value any) Snapshot {
	c.mu.Lock()
	e, ok := c.entries[key]
	snap := Snapshot{key: key, existed: ok}
	if ok {
		snap.entry = e.Entry
	} else {
		e = &entry{Entry: Entry{Key: key, State: StateIdle}}
		c.entries[key] = e
	}
	c.supersede(e)
	e.Data = value
	e.HasData = true
	c.mu.Unlock()

	c.emit(map[Key]string{key: ChangeUpdated})
	return snap
}

// Update applies fn to the cached value of key if it holds a T, as an
// optimistic write. ok is false, and nothing changes, otherwise.
func Update[T any](c *Cache, key Key, fn func(T) T) (snap Snapshot, ok bool) {
	c.mu.Lock()
	e, exists := c.entries[key]
	if !exists || !e.HasData {
		c.mu.Unlock()
		return Snapshot{}, false
	}
	v, typed := e.Data.(T)
	if !typed {
		c.mu.Unlock()
		return Snapshot{}, false
	}
	snap = Snapshot{key: key, existed: true, entry: e.Entry}
	c.supersede(e)
	e.Data = fn(v)
	c.mu.Unlock()

	c.emit(map[Key]string{key: ChangeUpdated})
	return snap, true
}

// Rollback restores a snapshot verbatim.
func (c *Cache) Rollback(s Snapshot) {
	c.mu.Lock()
	c.group.Forget(s.key.String())
	if !s.existed {
		delete(c.entries, s.key)
	} else {
		restored := s.entry
		if restored.State == StateLoading {
			restored.State = StateIdle
		}
		c.entries[s.key] = &entry{Entry: restored, gen: c.nextGen()}
	}
	c.mu.Unlock()

	c.emit(map[Key]string{s.key: ChangeUpdated})
}

// Evict removes every entry selected by p and returns how many were removed.
func (c *Cache) Evict(p Pattern) int {
	c.mu.Lock()
	changes := make(map[Key]string)
	for k := range c.entries {
		if p.Matches(k) {
			c.group.Forget(k.String())
			delete(c.entries, k)
			changes[k] = ChangeEvicted
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	metrics.SetCacheEntries(n)
	c.emit(changes)
	return len(changes)
}

// Clear drops everything, as on a full reload or logout.
func (c *Cache) Clear() {
	c.Evict(All())
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the keys selected by p.
func (c *Cache) Keys(p Pattern) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []Key
	for k := range c.entries {
		if p.Matches(k) {
			keys = append(keys, k)
		}
	}
	return keys
}
