package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwangbowen/simple-scp/internal/history"
	"github.com/iwangbowen/simple-scp/internal/hosts"
	"github.com/iwangbowen/simple-scp/internal/kvstore"
	"github.com/iwangbowen/simple-scp/internal/sshpool"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

type fixture struct {
	svc     *Service
	fs      *memFS
	dialer  *memDialer
	pool    *sshpool.Pool
	tasks   *transfer.Manager
	history *history.Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := kvstore.NewMemory()

	hm := hosts.NewManager(store)
	_, err := hm.AddHost(ctx, hosts.Host{
		ID:                "web1",
		Name:              "Web 1",
		Host:              "web1.example.com",
		Username:          "deploy",
		DefaultRemotePath: "/srv",
		Bookmarks:         []hosts.Bookmark{{Name: "logs", Path: "/var/log"}},
	})
	require.NoError(t, err)
	_, err = hm.AddHost(ctx, hosts.Host{ID: "bare", Name: "Bare", Host: "bare.example.com", Username: "root"})
	require.NoError(t, err)

	hist, err := history.New(ctx, store, history.Options{})
	require.NoError(t, err)

	fsys := newMemFS()
	d := &memDialer{fs: fsys}
	pool := sshpool.New(d, sshpool.Options{ConnectTimeout: 5 * time.Second})
	tasks := transfer.NewManager()

	svc := NewService(hm, hosts.NewStaticCredentials(nil), pool, tasks, hist, opts...)
	t.Cleanup(func() {
		svc.Close()
		pool.CloseAll()
		hist.Dispose()
	})
	return &fixture{svc: svc, fs: fsys, dialer: d, pool: pool, tasks: tasks, history: hist}
}

func names(l Listing) []string {
	out := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Name
	}
	return out
}

func TestBrowse_DefaultPathAndOrdering(t *testing.T) {
	f := newFixture(t)
	f.fs.writeFile("/srv/zeta.txt", "z")
	f.fs.writeFile("/srv/Alpha.txt", "a")
	f.fs.writeFile("/srv/releases/v1/app", "bin")
	f.fs.writeFile("/srv/config/app.yaml", "k: v")

	l, err := f.svc.Browse(context.Background(), "web1", ModeBrowseFiles, "")
	require.NoError(t, err)

	assert.Equal(t, "/srv", l.Path)
	assert.Equal(t, "/", l.Parent)
	assert.Equal(t, []string{"config", "releases", "Alpha.txt", "zeta.txt"}, names(l))
	assert.True(t, l.Entries[0].IsDirectory)
	assert.Equal(t, "/srv/config", l.Entries[0].Path)
	assert.Equal(t, int64(1), l.Entries[3].Size)
	assert.Equal(t, []hosts.Bookmark{{Name: "logs", Path: "/var/log"}}, l.Bookmarks)
}

func TestBrowse_DirectoryOnlyModes(t *testing.T) {
	f := newFixture(t)
	f.fs.writeFile("/srv/readme.md", "#")
	f.fs.writeFile("/srv/www/index.html", "<html>")

	for _, mode := range []Mode{ModeSelectPath, ModeSelectBookmark} {
		l, err := f.svc.Browse(context.Background(), "web1", mode, "/srv")
		require.NoError(t, err)
		assert.Equal(t, []string{"www"}, names(l), "mode %s", mode)
	}
	for _, mode := range []Mode{ModeBrowseFiles, ModeSync} {
		l, err := f.svc.Browse(context.Background(), "web1", mode, "/srv")
		require.NoError(t, err)
		assert.Equal(t, []string{"www", "readme.md"}, names(l), "mode %s", mode)
	}
}

func TestBrowse_FallsBackToRoot(t *testing.T) {
	f := newFixture(t)
	f.fs.writeFile("/root/.bashrc", "")

	l, err := f.svc.Browse(context.Background(), "bare", ModeSelectPath, "")
	require.NoError(t, err)
	assert.Equal(t, "/root", l.Path)
	assert.Empty(t, l.Entries)
	assert.NotNil(t, l.Entries)
}

func TestBrowse_RelativePathAndRoot(t *testing.T) {
	f := newFixture(t)
	f.fs.writeFile("/home/deploy/app/run.sh", "#!/bin/sh")

	l, err := f.svc.Browse(context.Background(), "web1", ModeBrowseFiles, "app/../app")
	require.NoError(t, err)
	assert.Equal(t, "/home/deploy/app", l.Path)
	assert.Equal(t, []string{"run.sh"}, names(l))

	l, err = f.svc.Browse(context.Background(), "web1", ModeSelectPath, "/")
	require.NoError(t, err)
	assert.Empty(t, l.Parent)
}

func TestBrowse_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Browse(ctx, "web1", Mode("explore"), "/")
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = f.svc.Browse(ctx, "missing", ModeBrowseFiles, "/")
	assert.ErrorIs(t, err, hosts.ErrHostNotFound)

	_, err = f.svc.Browse(ctx, "web1", ModeBrowseFiles, "/does/not/exist")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, sshpool.Status{Total: 1, Active: 0, Idle: 1}, f.pool.Status(), "connection released after error")
}

func TestBrowse_ConnectionLostReopensSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fs.writeFile("/srv/a", "1")

	f.fs.setFailure(sftp.ErrSSHFxConnectionLost)
	_, err := f.svc.Browse(ctx, "web1", ModeBrowseFiles, "/srv")
	require.Error(t, err)

	f.fs.setFailure(nil)
	_, err = f.svc.Browse(ctx, "web1", ModeBrowseFiles, "/srv")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.dialer.dials.Load())
	assert.Equal(t, int32(2), f.dialer.opens.Load(), "session reopened on the same transport")
}

func TestUpload_File(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello world"), 0o644))

	rec, err := f.svc.Upload(ctx, Request{HostID: "web1", LocalPath: local, RemotePath: "/srv/app"})
	require.NoError(t, err)

	assert.Equal(t, transfer.StatusCompleted, rec.Status)
	assert.Equal(t, transfer.Upload, rec.Type)
	assert.Equal(t, "hello.txt", rec.FileName)
	assert.Equal(t, "/srv/app/hello.txt", rec.RemotePath)
	assert.Equal(t, "Web 1", rec.HostName)
	assert.Equal(t, int64(11), rec.FileSize)
	assert.Equal(t, int64(11), rec.Transferred)
	assert.Equal(t, float64(100), rec.Progress)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.FinishedAt)

	got, ok := f.fs.readFile("/srv/app/hello.txt")
	require.True(t, ok)
	assert.Equal(t, "hello world", got)

	hist := f.history.History()
	require.Len(t, hist, 1)
	assert.Equal(t, rec.ID, hist[0].ID)
	assert.Equal(t, sshpool.Status{Total: 1, Active: 0, Idle: 1}, f.pool.Status())
	assert.Empty(t, f.tasks.List(), "finished tasks are no longer active")
}

func TestUpload_ReusesConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		_, err := f.svc.Upload(ctx, Request{HostID: "web1", LocalPath: p, RemotePath: "/tmp"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.dialer.dials.Load())
	assert.Len(t, f.history.History(), 3)
}

func TestUpload_Directory(t *testing.T) {
	f := newFixture(t)
	root := filepath.Join(t.TempDir(), "site")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html></html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "main.css"), []byte("body{}"), 0o644))

	var mu sync.Mutex
	var items []string
	unsubscribe := f.tasks.Subscribe(func(r transfer.Record) {
		if r.CurrentItem != "" {
			mu.Lock()
			items = append(items, r.CurrentItem)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	rec, err := f.svc.Upload(context.Background(), Request{HostID: "web1", LocalPath: root, RemotePath: "/var/www"})
	require.NoError(t, err)

	assert.True(t, rec.IsDirectory)
	assert.Equal(t, "site", rec.FileName)
	assert.Equal(t, int64(len("<html></html>")+len("body{}")), rec.FileSize)
	assert.Equal(t, rec.FileSize, rec.Transferred)
	assert.Empty(t, rec.CurrentItem)

	got, _ := f.fs.readFile("/var/www/site/index.html")
	assert.Equal(t, "<html></html>", got)
	got, _ = f.fs.readFile("/var/www/site/css/main.css")
	assert.Equal(t, "body{}", got)

	l, err := f.svc.Browse(context.Background(), "web1", ModeSelectPath, "/var/www/site")
	require.NoError(t, err)
	assert.Equal(t, []string{"css", "empty"}, names(l))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, items, "css/main.css")
	assert.Contains(t, items, "index.html")
}

func TestUpload_MissingLocalFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Upload(context.Background(), Request{
		HostID: "web1", LocalPath: filepath.Join(t.TempDir(), "nope"), RemotePath: "/srv",
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, f.history.History(), "nothing is recorded for a request that never became a task")
	assert.Equal(t, int32(0), f.dialer.dials.Load())
}

func TestDownload_File(t *testing.T) {
	f := newFixture(t)
	f.fs.writeFile("/var/log/app.log", "line1\nline2\n")
	dest := t.TempDir()

	rec, err := f.svc.Download(context.Background(), Request{HostID: "web1", RemotePath: "/var/log/app.log", LocalPath: dest})
	require.NoError(t, err)

	assert.Equal(t, transfer.StatusCompleted, rec.Status)
	assert.Equal(t, filepath.Join(dest, "app.log"), rec.LocalPath)
	assert.Equal(t, int64(12), rec.Transferred)

	b, err := os.ReadFile(filepath.Join(dest, "app.log"))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(b))
}

func TestDownload_Directory(t *testing.T) {
	f := newFixture(t)
	f.fs.writeFile("/srv/data/a.csv", "1,2")
	f.fs.writeFile("/srv/data/nested/b.csv", "3,4,5")
	dest := t.TempDir()

	rec, err := f.svc.Download(context.Background(), Request{
		HostID: "web1", RemotePath: "/srv/data", LocalPath: dest, IsDirectory: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), rec.FileSize)

	b, err := os.ReadFile(filepath.Join(dest, "data", "nested", "b.csv"))
	require.NoError(t, err)
	assert.Equal(t, "3,4,5", string(b))
}

// listingSession serves a fixed directory listing for every ReadDir.
type listingSession struct {
	sshpool.SFTPSession
	entries []os.FileInfo
}

func (s listingSession) ReadDir(string) ([]os.FileInfo, error) { return s.entries, nil }

func TestCollectDownloadJobs_RejectsEscapingNames(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "a", "b", "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	for _, name := range []string{"../../escaped.txt", "..", ".", `..\evil.txt`, "sub/file.txt", ""} {
		sess := listingSession{entries: []os.FileInfo{
			memInfo{name: "ok.txt", size: 1},
			memInfo{name: name, size: 1},
		}}
		var jobs []job
		err := collectDownloadJobs(context.Background(), sess, "/srv/data", dest, "", &jobs)
		assert.ErrorIs(t, err, ErrUnsafeName, "name %q", name)
	}

	_, err := os.Stat(filepath.Join(root, "a", "escaped.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_RejectsDotDotRemoteBase(t *testing.T) {
	f := newFixture(t)
	f.fs.writeFile("/srv/a.txt", "x")

	_, err := f.svc.Download(context.Background(), Request{HostID: "web1", RemotePath: "/srv/data/..", LocalPath: t.TempDir(), IsDirectory: true})
	require.ErrorIs(t, err, ErrUnsafeName)
	assert.Empty(t, f.history.History())
}

func TestDownload_KindMismatchFails(t *testing.T) {
	f := newFixture(t)
	f.fs.writeFile("/srv/data/a.csv", "1,2")

	rec, err := f.svc.Download(context.Background(), Request{HostID: "web1", RemotePath: "/srv/data", LocalPath: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, transfer.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "is a directory")
}

func TestDownload_MissingRemoteRecordsFailure(t *testing.T) {
	f := newFixture(t)
	dest := t.TempDir()

	rec, err := f.svc.Download(context.Background(), Request{HostID: "web1", RemotePath: "/srv/gone.txt", LocalPath: dest})
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, transfer.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)

	failed := f.history.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, rec.ID, failed[0].ID)
	assert.Equal(t, sshpool.Status{Total: 1, Active: 0, Idle: 1}, f.pool.Status())

	_, statErr := os.Stat(filepath.Join(dest, "gone.txt"))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestTransfer_ConnectFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.dialer.err = errors.New("connection refused")
	f.fs.writeFile("/srv/a", "1")

	rec, err := f.svc.Download(context.Background(), Request{HostID: "web1", RemotePath: "/srv/a", LocalPath: t.TempDir()})
	var te *sshpool.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transfer.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "connection refused")
	assert.Len(t, f.history.Failed(), 1)
	assert.Equal(t, sshpool.Status{}, f.pool.Status())
}

func TestTransfer_ConnectionLostInvalidatesSession(t *testing.T) {
	calls := 0
	failing := func(ctx context.Context, sess sshpool.SFTPSession, remotePath, localPath string, p transfer.ProgressFunc) error {
		calls++
		if calls == 1 {
			return sftp.ErrSSHFxConnectionLost
		}
		return CopyDownload(ctx, sess, remotePath, localPath, p)
	}
	f := newFixture(t, WithDownloadHandler(failing))
	f.fs.writeFile("/srv/a", "1")
	req := Request{HostID: "web1", RemotePath: "/srv/a", LocalPath: t.TempDir()}

	rec, err := f.svc.Download(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, transfer.StatusFailed, rec.Status)

	rec, err = f.svc.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, rec.Status)
	assert.Equal(t, int32(1), f.dialer.dials.Load())
	assert.Equal(t, int32(2), f.dialer.opens.Load())
}

func TestStart_CancelRunningTransfer(t *testing.T) {
	started := make(chan struct{})
	blocking := func(ctx context.Context, _ sshpool.SFTPSession, _, _ string, _ transfer.ProgressFunc) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	f := newFixture(t, WithUploadHandler(blocking))
	local := filepath.Join(t.TempDir(), "big.iso")
	require.NoError(t, os.WriteFile(local, []byte("data"), 0o644))

	done := make(chan struct{})
	f.history.OnChange(func() { close(done) })

	rec, err := f.svc.Start(context.Background(), transfer.Upload, Request{HostID: "web1", LocalPath: local, RemotePath: "/srv"})
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPending, rec.Status)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not start")
	}
	active, err := f.tasks.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusRunning, active.Status())

	require.NoError(t, f.tasks.Cancel(rec.ID))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled transfer was not recorded")
	}
	hist := f.history.History()
	require.Len(t, hist, 1)
	assert.Equal(t, transfer.StatusCancelled, hist[0].Status)
	assert.Empty(t, hist[0].ErrorMessage)
}

func TestStart_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, transfer.Type("sideways"), Request{HostID: "web1", LocalPath: "a", RemotePath: "b"})
	assert.Error(t, err)

	_, err = f.svc.Start(ctx, transfer.Download, Request{HostID: "web1", RemotePath: "/srv/a"})
	assert.Error(t, err)

	_, err = f.svc.Start(ctx, transfer.Download, Request{HostID: "ghost", RemotePath: "/srv/a", LocalPath: t.TempDir()})
	assert.ErrorIs(t, err, hosts.ErrHostNotFound)

	f.svc.Close()
	_, err = f.svc.Start(ctx, transfer.Download, Request{HostID: "web1", RemotePath: "/srv/a", LocalPath: t.TempDir()})
	assert.Error(t, err)
}

func TestClose_CancelsBackgroundTransfers(t *testing.T) {
	started := make(chan struct{})
	blocking := func(ctx context.Context, _ sshpool.SFTPSession, _, _ string, _ transfer.ProgressFunc) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	f := newFixture(t, WithDownloadHandler(blocking))
	f.fs.writeFile("/srv/a", "1")

	_, err := f.svc.Start(context.Background(), transfer.Download, Request{HostID: "web1", RemotePath: "/srv/a", LocalPath: t.TempDir()})
	require.NoError(t, err)
	<-started

	f.svc.Close()
	hist := f.history.History()
	require.Len(t, hist, 1)
	assert.Equal(t, transfer.StatusCancelled, hist[0].Status)
}

func TestProgressReader_ReportsFinalByteAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var last int64
	pr := &progressReader{ctx: ctx, r: strings.NewReader("abcdef"), total: 6, progress: func(n, _ int64) { last = n }}

	buf := make([]byte, 6)
	n, err := pr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, int64(6), last)

	cancel()
	_, err = pr.Read(buf)
	assert.ErrorIs(t, err, context.Canceled)
}
