package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshotter struct {
	dbPath string
	data   []byte
}

func (f *fakeSnapshotter) DBPath() string { return f.dbPath }

func (f *fakeSnapshotter) SnapshotTo(_ context.Context, dstPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(dstPath, f.data, 0644); err != nil {
		return 0, err
	}
	return int64(len(f.data)), nil
}

type recordingUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (u *recordingUploader) UploadFile(_ context.Context, localPath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, localPath)
	return u.err
}

func TestNewManager_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeSnapshotter{dbPath: "/tmp/aiemu.duckdb", data: []byte("x")}, Config{})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestNewManager_EnabledRequiresDBPath(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&fakeSnapshotter{dbPath: "", data: []byte("x")}, Config{
		Enabled:  true,
		LocalDir: t.TempDir(),
	})
	assert.ErrorContains(t, err, "in-memory")
}

func TestNewManager_EnabledRequiresLocalDir(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&fakeSnapshotter{dbPath: "/tmp/aiemu.duckdb"}, Config{Enabled: true})
	assert.ErrorContains(t, err, "local-dir")
}

func TestNewManager_TakesStartupSnapshot(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	m, err := NewManager(&fakeSnapshotter{dbPath: "/tmp/aiemu.duckdb", data: []byte("x")}, Config{
		Enabled:  true,
		Interval: time.Hour,
		LocalDir: localDir,
	})
	require.NoError(t, err)
	require.NotNil(t, m)
	m.Stop()
	m.Stop()

	files, err := filepath.Glob(filepath.Join(localDir, "aiemu-*.duckdb"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRunOnce_CreatesUploadsAndPrunesLocalBackups(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	uploader := &recordingUploader{}
	m := newManager(&fakeSnapshotter{dbPath: "/tmp/aiemu.duckdb", data: []byte("snapshot")}, Config{
		Enabled:  true,
		LocalDir: localDir,
		KeepLast: 2,
	}, uploader)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RunOnce(context.Background()), "RunOnce #%d", i+1)
	}

	files, err := filepath.Glob(filepath.Join(localDir, "aiemu-*.duckdb"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Len(t, uploader.paths, 3)
}

func TestRunOnce_UploadFailure(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSnapshotter{dbPath: "/tmp/aiemu.duckdb", data: []byte("x")}, Config{
		LocalDir: t.TempDir(),
		KeepLast: 2,
	}, &recordingUploader{err: errors.New("bucket gone")})

	err := m.RunOnce(context.Background())
	assert.ErrorContains(t, err, "upload: bucket gone")
}

func TestPruneLocalBackups_KeepsNewest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	names := []string{
		"aiemu-20240101-000000-aaaaaaaa.duckdb",
		"aiemu-20240102-000000-bbbbbbbb.duckdb",
		"aiemu-20240103-000000-cccccccc.duckdb",
		"unrelated.duckdb",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644))
	}

	removed, err := pruneLocalBackups(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := filepath.Glob(filepath.Join(dir, "*.duckdb"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "aiemu-20240103-000000-cccccccc.duckdb"),
		filepath.Join(dir, "unrelated.duckdb"),
	}, left)
}

type blockingUploader struct {
	started chan struct{}
	once    sync.Once
}

func (u *blockingUploader) UploadFile(ctx context.Context, _ string) error {
	u.once.Do(func() { close(u.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestStop_CancelsInFlightUpload(t *testing.T) {
	t.Parallel()

	uploader := &blockingUploader{started: make(chan struct{})}
	m := newManager(&fakeSnapshotter{dbPath: "/tmp/aiemu.duckdb", data: []byte("snapshot")}, Config{
		Enabled:  true,
		Interval: 5 * time.Millisecond,
		LocalDir: t.TempDir(),
		KeepLast: 2,
	}, uploader)

	m.wg.Add(1)
	go m.loop()

	select {
	case <-uploader.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload to start")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; upload likely not canceled")
	}
}
