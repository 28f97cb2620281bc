package hotfolder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
)

type upload struct {
	folder int64
	meta   protocol.UploadMetadata
	body   string
}

type recordingUploader struct {
	mu      sync.Mutex
	uploads []upload
	fail    bool
}

func (u *recordingUploader) Upload(_ context.Context, folderID int64, r io.Reader, size int64,
	meta protocol.UploadMetadata, onProgress func(protocol.Progress)) (protocol.Result[*models.Node], error) {
	data, _ := io.ReadAll(r)
	onProgress(protocol.Progress{LoadedBytes: int64(len(data)), TotalBytes: size})

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail {
		return protocol.Fail[*models.Node]("quota exceeded"), nil
	}
	u.uploads = append(u.uploads, upload{folder: folderID, meta: meta, body: string(data)})
	return protocol.OK(&models.Node{ID: int64(len(u.uploads)), Name: meta.Name, Kind: models.KindDocument}, ""), nil
}

func (u *recordingUploader) snapshot() []upload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upload(nil), u.uploads...)
}

func startWatcher(t *testing.T, up Uploader) string {
	t.Helper()
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, FolderID: 5, Debounce: 20 * time.Millisecond}, up)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return dir
}

func TestUploadsNewFiles(t *testing.T) {
	up := &recordingUploader{}
	dir := startWatcher(t, up)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("v1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.crdownload"), []byte("x"), 0644))

	require.Eventually(t, func() bool { return len(up.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := up.snapshot()[0]
	assert.Equal(t, int64(5), got.folder)
	assert.Equal(t, "report", got.meta.Name)
	assert.Equal(t, "report.pdf", got.meta.OrigFileName)
	assert.Equal(t, "v1", got.body)

	// Changed content is uploaded again.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("version 2"), 0644))
	require.Eventually(t, func() bool { return len(up.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "version 2", up.snapshot()[1].body)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, up.snapshot(), 2)
}

func TestFailedUploadIsRetriedOnNextChange(t *testing.T) {
	up := &recordingUploader{fail: true}
	dir := startWatcher(t, up)
	path := filepath.Join(dir, "a.txt")

	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, up.snapshot())

	up.mu.Lock()
	up.fail = false
	up.mu.Unlock()
	require.NoError(t, os.WriteFile(path, []byte("two"), 0644))
	require.Eventually(t, func() bool { return len(up.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunReturnsWhenWatcherCloses(t *testing.T) {
	w, err := New(Config{Dir: t.TempDir(), FolderID: 5, Debounce: 20 * time.Millisecond}, &recordingUploader{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.watcher.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the watcher closed")
	}
}

func TestSkip(t *testing.T) {
	for name, want := range map[string]bool{
		"report.pdf":     false,
		".DS_Store":      true,
		"~$budget.xlsx":  true,
		"draft.docx.tmp": true,
		"movie.mkv.part": true,
		"notes.txt~":     true,
		"archive.tar.gz": false,
	} {
		assert.Equal(t, want, skip(name), name)
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{FolderID: 1}, &recordingUploader{})
	assert.Error(t, err)
	_, err = New(Config{Dir: t.TempDir()}, &recordingUploader{})
	assert.Error(t, err)
	_, err = New(Config{Dir: filepath.Join(t.TempDir(), "missing"), FolderID: 1}, &recordingUploader{})
	assert.Error(t, err)
}
