package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/iwangbowen/simple-scp/internal/hosts"
)

// ErrInvalidMode is returned for an unknown browse mode.
var ErrInvalidMode = errors.New("invalid browse mode")

// Mode selects what a listing is for.
type Mode string

const (
	// ModeSelectPath picks a destination directory.
	ModeSelectPath Mode = "selectPath"
	// ModeBrowseFiles picks files or directories to download.
	ModeBrowseFiles Mode = "browseFiles"
	// ModeSelectBookmark picks a directory to bookmark.
	ModeSelectBookmark Mode = "selectBookmark"
	// ModeSync picks a directory tree to synchronize.
	ModeSync Mode = "sync"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSelectPath, ModeBrowseFiles, ModeSelectBookmark, ModeSync:
		return true
	}
	return false
}

// DirectoriesOnly reports whether files are hidden in this mode.
func (m Mode) DirectoriesOnly() bool {
	return m == ModeSelectPath || m == ModeSelectBookmark
}

// Entry is one item of a remote directory.
type Entry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDirectory bool      `json:"isDirectory"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"modTime"`
	Permissions string    `json:"permissions"`
}

// Listing is the content of one remote directory.
type Listing struct {
	HostID    string           `json:"hostId"`
	Mode      Mode             `json:"mode"`
	Path      string           `json:"path"`
	Parent    string           `json:"parent,omitempty"`
	Entries   []Entry          `json:"entries"`
	Bookmarks []hosts.Bookmark `json:"bookmarks,omitempty"`
}

// Browse lists dir on the host. An empty dir starts at the host's default
// remote path; relative paths are resolved against the login directory.
// Directories sort before files, each group by name.
func (s *Service) Browse(ctx context.Context, hostID string, mode Mode, dir string) (Listing, error) {
	if mode == "" {
		mode = ModeBrowseFiles
	}
	if !mode.Valid() {
		return Listing{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	host, err := s.hosts.Host(ctx, hostID)
	if err != nil {
		return Listing{}, err
	}
	if dir == "" {
		dir = host.StartPath()
	}

	conn, err := s.connect(ctx, host)
	if err != nil {
		return Listing{}, err
	}
	defer conn.Release()
	sess := conn.SFTP()

	if !path.IsAbs(dir) {
		resolved, err := sess.RealPath(dir)
		if err != nil {
			if connectionLost(err) {
				conn.InvalidateSFTP()
			}
			return Listing{}, fmt.Errorf("resolve %s: %w", dir, err)
		}
		dir = resolved
	}
	dir = path.Clean(dir)

	infos, err := sess.ReadDir(dir)
	if err != nil {
		if connectionLost(err) {
			conn.InvalidateSFTP()
		}
		return Listing{}, fmt.Errorf("list %s: %w", dir, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if mode.DirectoriesOnly() && !fi.IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Name:        fi.Name(),
			Path:        path.Join(dir, fi.Name()),
			IsDirectory: fi.IsDir(),
			Size:        fi.Size(),
			ModTime:     fi.ModTime(),
			Permissions: fi.Mode().String(),
		})
	}
	sortEntries(entries)

	l := Listing{
		HostID:    host.ID,
		Mode:      mode,
		Path:      dir,
		Entries:   entries,
		Bookmarks: host.Bookmarks,
	}
	if dir != "/" {
		l.Parent = path.Dir(dir)
	}
	return l, nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDirectory != b.IsDirectory {
			return a.IsDirectory
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}
