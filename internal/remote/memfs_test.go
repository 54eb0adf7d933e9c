package remote

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iwangbowen/simple-scp/internal/hosts"
	"github.com/iwangbowen/simple-scp/internal/sshpool"
)

// memFS is an in-memory remote filesystem shared by every session a
// memDialer opens.
type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	// failWith, when set, is returned by every operation.
	failWith error
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte), dirs: map[string]bool{"/": true}}
}

func (m *memFS) mkdirAllLocked(p string) {
	for p = path.Clean(p); p != "/" && p != "."; p = path.Dir(p) {
		m.dirs[p] = true
	}
}

func (m *memFS) writeFile(p, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAllLocked(path.Dir(p))
	m.files[p] = []byte(content)
}

func (m *memFS) readFile(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[p]
	return string(b), ok
}

func (m *memFS) setFailure(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

type memInfo struct {
	name string
	size int64
	dir  bool
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) ModTime() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
func (i memInfo) IsDir() bool        { return i.dir }
func (i memInfo) Sys() any           { return nil }
func (i memInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

type memSession struct {
	fs *memFS
}

func (s *memSession) ReadDir(dir string) ([]os.FileInfo, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if s.fs.failWith != nil {
		return nil, s.fs.failWith
	}
	dir = path.Clean(dir)
	if !s.fs.dirs[dir] {
		return nil, os.ErrNotExist
	}
	var out []os.FileInfo
	for d := range s.fs.dirs {
		if d != "/" && path.Dir(d) == dir {
			out = append(out, memInfo{name: path.Base(d), dir: true})
		}
	}
	for f, b := range s.fs.files {
		if path.Dir(f) == dir {
			out = append(out, memInfo{name: path.Base(f), size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (s *memSession) Stat(p string) (os.FileInfo, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if s.fs.failWith != nil {
		return nil, s.fs.failWith
	}
	p = path.Clean(p)
	if s.fs.dirs[p] {
		return memInfo{name: path.Base(p), dir: true}, nil
	}
	if b, ok := s.fs.files[p]; ok {
		return memInfo{name: path.Base(p), size: int64(len(b))}, nil
	}
	return nil, os.ErrNotExist
}

func (s *memSession) Open(p string) (io.ReadCloser, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if s.fs.failWith != nil {
		return nil, s.fs.failWith
	}
	b, ok := s.fs.files[path.Clean(p)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), b...))), nil
}

func (s *memSession) Create(p string) (io.WriteCloser, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if s.fs.failWith != nil {
		return nil, s.fs.failWith
	}
	p = path.Clean(p)
	if !s.fs.dirs[path.Dir(p)] {
		return nil, os.ErrNotExist
	}
	return &memWriter{fs: s.fs, path: p}, nil
}

func (s *memSession) MkdirAll(p string) error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if s.fs.failWith != nil {
		return s.fs.failWith
	}
	s.fs.mkdirAllLocked(p)
	return nil
}

func (s *memSession) RealPath(p string) (string, error) {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p), nil
	}
	return path.Join("/home/deploy", p), nil
}

func (s *memSession) Close() error { return nil }

type memWriter struct {
	fs   *memFS
	path string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.files[w.path] = w.buf.Bytes()
	return nil
}

type memTransport struct {
	fs    *memFS
	opens *atomic.Int32
	done  chan struct{}
	once  sync.Once
}

func (t *memTransport) OpenSFTP() (sshpool.SFTPSession, error) {
	t.opens.Add(1)
	return &memSession{fs: t.fs}, nil
}

func (t *memTransport) Wait() error {
	<-t.done
	return nil
}

func (t *memTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

type memDialer struct {
	fs    *memFS
	dials atomic.Int32
	opens atomic.Int32
	err   error
}

func (d *memDialer) Dial(_ context.Context, _ hosts.Host, _ hosts.AuthConfig) (sshpool.Transport, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return &memTransport{fs: d.fs, opens: &d.opens, done: make(chan struct{})}, nil
}
