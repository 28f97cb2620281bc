package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fruitsalade/docbox/internal/metrics"
)

// ContentEntry is one cached document version on disk.
type ContentEntry struct {
	DocumentID int64     `json:"documentId"`
	Version    int       `json:"version"`
	LocalPath  string    `json:"localPath"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"lastAccess"`
	Pinned     bool      `json:"pinned"`
}

type contentKey struct {
	doc     int64
	version int
}

func (k contentKey) fileName() string {
	return fmt.Sprintf("doc-%d-v%d", k.doc, k.version)
}

var contentFileRe = regexp.MustCompile(`^doc-(\d+)-v(\d+)$`)

// ContentCache keeps downloaded document content on disk, evicting the
// least recently used unpinned versions when over its size limit.
type ContentCache struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	entries map[contentKey]*ContentEntry
	size    int64
}

// NewContentCache creates a content cache rooted at dir and indexes any
// files already there.
func NewContentCache(dir string, maxSize int64) (*ContentCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &ContentCache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[contentKey]*ContentEntry),
	}
	if err := c.scan(); err != nil {
		return nil, err
	}
	if err := c.LoadPins(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ContentCache) scan() error {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}
	for _, de := range des {
		m := contentFileRe.FindStringSubmatch(de.Name())
		if m == nil || !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		doc, _ := strconv.ParseInt(m[1], 10, 64)
		version, _ := strconv.Atoi(m[2])
		k := contentKey{doc, version}
		c.entries[k] = &ContentEntry{
			DocumentID: doc,
			Version:    version,
			LocalPath:  filepath.Join(c.dir, de.Name()),
			Size:       info.Size(),
			LastAccess: info.ModTime(),
		}
		c.size += info.Size()
	}
	return nil
}

// Get returns the local path of a cached document version.
func (c *ContentCache) Get(docID int64, version int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[contentKey{docID, version}]
	metrics.RecordContentCacheLookup(ok)
	if !ok {
		return "", false
	}
	entry.LastAccess = time.Now()
	return entry.LocalPath, true
}

// Put stores a document version. sizeHint, if positive, lets eviction make
// room before writing. Content is written atomically (temp file then rename).
func (c *ContentCache) Put(docID int64, version int, r io.Reader, sizeHint int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := contentKey{docID, version}
	if old, ok := c.entries[k]; ok {
		c.size -= old.Size
		delete(c.entries, k)
	}
	if sizeHint > 0 {
		for c.size+sizeHint > c.maxSize {
			if !c.evictOldest() {
				break
			}
		}
	}

	localPath := filepath.Join(c.dir, k.fileName())
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write content: %w", err)
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[k] = &ContentEntry{
		DocumentID: docID,
		Version:    version,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
	}
	c.size += written

	for c.size > c.maxSize {
		if !c.evictOldestExcept(k) {
			break
		}
	}
	return localPath, nil
}

// Evict removes every cached version of a document. Pinned versions stay.
func (c *ContentCache) Evict(docID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pinned bool
	for k, entry := range c.entries {
		if k.doc != docID {
			continue
		}
		if entry.Pinned {
			pinned = true
			continue
		}
		c.remove(k)
	}
	if pinned {
		return fmt.Errorf("cannot evict pinned document: %d", docID)
	}
	return nil
}

// Pin marks a document version to never be evicted.
func (c *ContentCache) Pin(docID int64, version int) error {
	return c.setPinned(docID, version, true)
}

// Unpin allows a document version to be evicted.
func (c *ContentCache) Unpin(docID int64, version int) error {
	return c.setPinned(docID, version, false)
}

func (c *ContentCache) setPinned(docID int64, version int, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[contentKey{docID, version}]
	if !ok {
		return fmt.Errorf("document not cached: %d v%d", docID, version)
	}
	entry.Pinned = pinned
	return nil
}

// remove deletes an entry and its file. Must be called with lock held.
func (c *ContentCache) remove(k contentKey) {
	entry := c.entries[k]
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, k)
}

// evictOldest removes the least recently used unpinned version.
// Must be called with lock held.
func (c *ContentCache) evictOldest() bool {
	return c.evictOldestExcept(contentKey{doc: -1})
}

func (c *ContentCache) evictOldestExcept(keep contentKey) bool {
	var oldest *ContentEntry
	var oldestKey contentKey

	for k, entry := range c.entries {
		if entry.Pinned || k == keep {
			continue
		}
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
			oldestKey = k
		}
	}

	if oldest == nil {
		return false
	}
	c.remove(oldestKey)
	return true
}

// Stats returns cache statistics.
func (c *ContentCache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.entries)
}

// List returns copies of all cached entries, most recently used first.
func (c *ContentCache) List() []ContentEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]ContentEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.After(entries[j].LastAccess)
	})
	return entries
}

// Pinned returns all pinned entries.
func (c *ContentCache) Pinned() []ContentEntry {
	var pinned []ContentEntry
	for _, e := range c.List() {
		if e.Pinned {
			pinned = append(pinned, e)
		}
	}
	return pinned
}

// Clear removes all unpinned content and returns how many versions went.
func (c *ContentCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for k, entry := range c.entries {
		if entry.Pinned {
			continue
		}
		c.remove(k)
		count++
	}
	return count
}

// Dir returns the cache directory path.
func (c *ContentCache) Dir() string {
	return c.dir
}

// IsCached returns true if the document version is cached.
func (c *ContentCache) IsCached(docID int64, version int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[contentKey{docID, version}]
	return ok
}

type pinRecord struct {
	DocumentID int64 `json:"documentId"`
	Version    int   `json:"version"`
}

// SavePins persists the pinned versions to pins.json in the cache directory.
func (c *ContentCache) SavePins() error {
	c.mu.Lock()
	pins := []pinRecord{}
	for k, entry := range c.entries {
		if entry.Pinned {
			pins = append(pins, pinRecord{k.doc, k.version})
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(pins)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, "pins.json"), data, 0644)
}

// LoadPins restores pinned status from the persisted pins file.
func (c *ContentCache) LoadPins() error {
	data, err := os.ReadFile(filepath.Join(c.dir, "pins.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var pins []pinRecord
	if err := json.Unmarshal(data, &pins); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range pins {
		if entry, ok := c.entries[contentKey{p.DocumentID, p.Version}]; ok {
			entry.Pinned = true
		}
	}
	return nil
}
