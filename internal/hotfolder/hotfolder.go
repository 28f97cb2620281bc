// Package hotfolder uploads files dropped into a local directory into a
// folder on the server.
package hotfolder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/internal/metrics"
	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
)

// Uploader sends one document to a folder.
type Uploader interface {
	Upload(ctx context.Context, folderID int64, r io.Reader, size int64,
		meta protocol.UploadMetadata, onProgress func(protocol.Progress)) (protocol.Result[*models.Node], error)
}

// Config configures a Watcher.
type Config struct {
	Dir      string
	FolderID int64
	Debounce time.Duration // quiet time before a changed file is uploaded
}

var tempSuffixes = []string{"~", ".tmp", ".temp", ".part", ".crdownload", ".swp", ".download"}

// skip reports whether name looks hidden or half-written.
func skip(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return true
	}
	lower := strings.ToLower(base)
	for _, s := range tempSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// stamp identifies one content state of a file.
type stamp struct {
	size    int64
	modTime time.Time
}

// Watcher watches Config.Dir. Each file is uploaded once per content
// change, after it has been quiet for Config.Debounce.
type Watcher struct {
	cfg      Config
	uploader Uploader
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	timers   map[string]*time.Timer
	uploaded map[string]stamp

	queue chan string
}

// New creates a watcher. Nothing is watched until Run.
func New(cfg Config, up Uploader) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("hot folder directory is required")
	}
	if cfg.FolderID <= 0 {
		return nil, fmt.Errorf("hot folder target folder is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(cfg.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}
	return &Watcher{
		cfg:      cfg,
		uploader: up,
		watcher:  fw,
		timers:   make(map[string]*time.Timer),
		uploaded: make(map[string]stamp),
		queue:    make(chan string, 64),
	}, nil
}

// Run processes events until ctx is done. Uploads run one at a time.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	log := logging.Named("hotfolder")
	log.Info("watching directory",
		zap.String("dir", w.cfg.Dir), zap.Int64("folder_id", w.cfg.FolderID))

	// The upload worker and pending timers stop with ctx, so they also
	// stop when the watcher closes its channels first.
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-w.queue:
				w.upload(ctx, path)
			}
		}
	}()
	defer wg.Wait()
	defer cancel()
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || skip(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))
		}
	}
}

// schedule (re)starts the quiet period of path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.queue <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

func (w *Watcher) upload(ctx context.Context, path string) {
	log := logging.Named("hotfolder").With(zap.String("file", path))

	f, err := os.Open(path)
	if err != nil {
		log.Debug("file vanished before upload", zap.Error(err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	st := stamp{size: info.Size(), modTime: info.ModTime()}

	w.mu.Lock()
	prev, seen := w.uploaded[path]
	w.mu.Unlock()
	if seen && prev == st {
		return
	}

	name := filepath.Base(path)
	meta := protocol.UploadMetadata{Name: strings.TrimSuffix(name, filepath.Ext(name)), OrigFileName: name}
	var lastLogged int64
	progress := func(p protocol.Progress) {
		// Log every 10MB.
		if p.LoadedBytes-lastLogged >= 10<<20 || p.LoadedBytes == p.TotalBytes {
			lastLogged = p.LoadedBytes
			log.Debug("uploading",
				zap.String("sent", humanize.Bytes(uint64(p.LoadedBytes))),
				zap.String("total", humanize.Bytes(uint64(p.TotalBytes))))
		}
	}

	res, err := w.uploader.Upload(ctx, w.cfg.FolderID, f, st.size, meta, progress)
	if err != nil || !res.Success {
		metrics.RecordHotfolderUpload(false)
		log.Warn("upload failed", zap.String("message", res.Message), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.uploaded[path] = st
	w.mu.Unlock()
	metrics.RecordHotfolderUpload(true)
	log.Info("uploaded", zap.String("size", humanize.Bytes(uint64(st.size))))
}
