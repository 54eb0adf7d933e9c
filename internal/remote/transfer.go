package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/iwangbowen/simple-scp/internal/hosts"
	"github.com/iwangbowen/simple-scp/internal/logutil"
	"github.com/iwangbowen/simple-scp/internal/observability"
	"github.com/iwangbowen/simple-scp/internal/sshpool"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

// ErrUnsafeName is returned when a remote name would place a downloaded file
// outside its target directory.
var ErrUnsafeName = errors.New("unsafe remote file name")

// Request describes a transfer.
//
// For uploads, LocalPath is the file or directory to send and RemotePath the
// remote directory it is placed in. For downloads, RemotePath is the remote
// file or directory and LocalPath the local directory it is placed in;
// IsDirectory says which kind RemotePath is.
type Request struct {
	HostID      string `json:"hostId"`
	LocalPath   string `json:"localPath"`
	RemotePath  string `json:"remotePath"`
	IsDirectory bool   `json:"isDirectory,omitempty"`
}

// job is one file of a transfer.
type job struct {
	local  string
	remote string
	item   string // path relative to the transfer root, for progress display
	size   int64
}

// Upload runs an upload to completion and returns the task's final record.
// The error is nil only when the task completed.
func (s *Service) Upload(ctx context.Context, req Request) (transfer.Record, error) {
	task, host, err := s.prepare(ctx, transfer.Upload, req)
	if err != nil {
		return transfer.Record{}, err
	}
	return s.execute(ctx, task, host)
}

// Download runs a download to completion and returns the task's final
// record. The error is nil only when the task completed.
func (s *Service) Download(ctx context.Context, req Request) (transfer.Record, error) {
	task, host, err := s.prepare(ctx, transfer.Download, req)
	if err != nil {
		return transfer.Record{}, err
	}
	return s.execute(ctx, task, host)
}

// Start validates req and runs the transfer in the background. It returns
// the pending task; progress is published through the task manager.
func (s *Service) Start(ctx context.Context, typ transfer.Type, req Request) (transfer.Record, error) {
	if !typ.Valid() {
		return transfer.Record{}, fmt.Errorf("unknown transfer type %q", typ)
	}
	if s.ctx.Err() != nil {
		return transfer.Record{}, errors.New("transfer service is shut down")
	}
	task, host, err := s.prepare(ctx, typ, req)
	if err != nil {
		return transfer.Record{}, err
	}
	rec := task.Snapshot()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, task, host)
	}()
	return rec, nil
}

// prepare resolves the host and builds the pending task.
func (s *Service) prepare(ctx context.Context, typ transfer.Type, req Request) (*transfer.Task, hosts.Host, error) {
	if req.LocalPath == "" || req.RemotePath == "" {
		return nil, hosts.Host{}, errors.New("local and remote paths are required")
	}
	host, err := s.hosts.Host(ctx, req.HostID)
	if err != nil {
		return nil, hosts.Host{}, err
	}
	p := transfer.Params{
		Type:     typ,
		HostID:   host.ID,
		HostName: host.Name,
	}

	switch typ {
	case transfer.Upload:
		info, err := os.Stat(req.LocalPath)
		if err != nil {
			return nil, hosts.Host{}, fmt.Errorf("stat local path: %w", err)
		}
		p.FileName = info.Name()
		p.LocalPath = req.LocalPath
		p.RemotePath = path.Join(req.RemotePath, info.Name())
		p.IsDirectory = info.IsDir()
		p.FileSize = info.Size()
		if info.IsDir() {
			jobs, _, err := collectUploadJobs(p.LocalPath, p.RemotePath)
			if err != nil {
				return nil, hosts.Host{}, err
			}
			p.FileSize = totalSize(jobs)
		}
	case transfer.Download:
		p.FileName = path.Base(req.RemotePath)
		if err := checkEntryName(p.FileName); err != nil {
			return nil, hosts.Host{}, err
		}
		p.RemotePath = req.RemotePath
		p.LocalPath = filepath.Join(req.LocalPath, p.FileName)
		p.IsDirectory = req.IsDirectory
	default:
		return nil, hosts.Host{}, fmt.Errorf("unknown transfer type %q", typ)
	}
	return transfer.NewTask(p), host, nil
}

// execute drives task to a terminal state, records it, and only then
// returns the connection to the pool.
func (s *Service) execute(ctx context.Context, task *transfer.Task, host hosts.Host) (transfer.Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.tasks.Track(task, cancel)
	defer s.tasks.Finish(task.ID())

	var conn *sshpool.Conn
	err := task.Start()
	if err != nil {
		// Cancelled while pending.
		err = context.Canceled
	} else {
		conn, err = s.connect(ctx, host)
	}
	if err == nil {
		err = s.run(ctx, task, conn.SFTP())
		if connectionLost(err) {
			conn.InvalidateSFTP()
		}
	}

	rec := s.finish(ctx, task, err)
	if conn != nil {
		conn.Release()
	}
	if rec.Status == transfer.StatusCompleted {
		return rec, nil
	}
	if err == nil {
		err = context.Canceled
	}
	return rec, err
}

// finish moves task to its terminal state for err and records it.
func (s *Service) finish(ctx context.Context, task *transfer.Task, err error) transfer.Record {
	switch {
	case err == nil:
		task.Complete()
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		task.Cancel()
	default:
		task.Fail(err.Error())
	}
	// A concurrent Cancel may have won; the snapshot is authoritative.
	rec := task.Snapshot()

	if s.history != nil && rec.Status.Terminal() {
		if herr := s.history.Add(context.WithoutCancel(ctx), rec); herr != nil {
			log.Printf("[remote] Failed to record transfer %s in history: %v", rec.ID, herr)
		}
	}

	observability.TransfersTotal.WithLabelValues(string(rec.Type), string(rec.Status)).Inc()
	name := logutil.SanitizeForLog(rec.FileName)
	switch rec.Status {
	case transfer.StatusCompleted:
		observability.TransferBytes.WithLabelValues(string(rec.Type)).Add(float64(rec.Transferred))
		log.Printf("[remote] %s of %s on host %s completed (%s in %s)", rec.Type, name, rec.HostID,
			units.HumanSize(float64(rec.Transferred)), rec.Duration().Round(time.Millisecond))
	case transfer.StatusFailed:
		log.Printf("[remote] %s of %s on host %s failed: %s", rec.Type, name, rec.HostID,
			logutil.Truncate(rec.ErrorMessage, 200))
	case transfer.StatusCancelled:
		log.Printf("[remote] %s of %s on host %s cancelled", rec.Type, name, rec.HostID)
	}
	return rec
}

// run moves the bytes of a running task.
func (s *Service) run(ctx context.Context, task *transfer.Task, sess sshpool.SFTPSession) error {
	rec := task.Snapshot()
	if rec.Type == transfer.Upload {
		return s.runUpload(ctx, task, sess, rec)
	}
	return s.runDownload(ctx, task, sess, rec)
}

func (s *Service) runUpload(ctx context.Context, task *transfer.Task, sess sshpool.SFTPSession, rec transfer.Record) error {
	if !rec.IsDirectory {
		if err := sess.MkdirAll(path.Dir(rec.RemotePath)); err != nil {
			return fmt.Errorf("create remote directory: %w", err)
		}
		jobs := []job{{local: rec.LocalPath, remote: rec.RemotePath, item: rec.FileName, size: rec.FileSize}}
		return s.runJobs(ctx, task, jobs, false, func(j job, p transfer.ProgressFunc) error {
			return s.upload(ctx, sess, j.local, j.remote, p)
		})
	}

	jobs, dirs, err := collectUploadJobs(rec.LocalPath, rec.RemotePath)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := sess.MkdirAll(d); err != nil {
			return fmt.Errorf("create remote directory %s: %w", d, err)
		}
	}
	return s.runJobs(ctx, task, jobs, true, func(j job, p transfer.ProgressFunc) error {
		return s.upload(ctx, sess, j.local, j.remote, p)
	})
}

func (s *Service) runDownload(ctx context.Context, task *transfer.Task, sess sshpool.SFTPSession, rec transfer.Record) error {
	info, err := sess.Stat(rec.RemotePath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rec.RemotePath, err)
	}
	if info.IsDir() != rec.IsDirectory {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", rec.RemotePath)
		}
		return fmt.Errorf("%s is not a directory", rec.RemotePath)
	}

	var jobs []job
	if rec.IsDirectory {
		if err := os.MkdirAll(rec.LocalPath, 0o755); err != nil {
			return fmt.Errorf("create local directory: %w", err)
		}
		if err := collectDownloadJobs(ctx, sess, rec.RemotePath, rec.LocalPath, "", &jobs); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(rec.LocalPath), 0o755); err != nil {
			return fmt.Errorf("create local directory: %w", err)
		}
		jobs = []job{{local: rec.LocalPath, remote: rec.RemotePath, item: rec.FileName, size: info.Size()}}
	}

	return s.runJobs(ctx, task, jobs, rec.IsDirectory, func(j job, p transfer.ProgressFunc) error {
		return s.download(ctx, sess, j.remote, j.local, p)
	})
}

// runJobs copies jobs in order, folding per-file progress into the task's
// overall progress.
func (s *Service) runJobs(ctx context.Context, task *transfer.Task, jobs []job, perItem bool, copyFile func(job, transfer.ProgressFunc) error) error {
	total := totalSize(jobs)
	var done int64
	task.UpdateProgress(0, total)

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if perItem {
			task.UpdateItemProgress(j.item, overallPercent(done, total))
		}
		base := done
		err := copyFile(j, func(n, _ int64) {
			task.UpdateProgress(base+n, total)
		})
		if err != nil {
			if perItem {
				return fmt.Errorf("%s: %w", j.item, err)
			}
			return err
		}
		done += j.size
		task.UpdateProgress(done, total)
	}
	return nil
}

// collectUploadJobs walks a local tree. It returns the files to copy and the
// remote directories to create, parents first.
func collectUploadJobs(localRoot, remoteRoot string) ([]job, []string, error) {
	var jobs []job
	var dirs []string
	err := filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return err
		}
		remote := remoteRoot
		if rel != "." {
			remote = path.Join(remoteRoot, filepath.ToSlash(rel))
		}
		if d.IsDir() {
			dirs = append(dirs, remote)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		jobs = append(jobs, job{local: p, remote: remote, item: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", localRoot, err)
	}
	return jobs, dirs, nil
}

// collectDownloadJobs walks a remote tree, creating the matching local
// directories as it goes.
func collectDownloadJobs(ctx context.Context, sess sshpool.SFTPSession, remoteDir, localDir, rel string, jobs *[]job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := sess.ReadDir(remoteDir)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", remoteDir, err)
	}
	for _, fi := range infos {
		if err := checkEntryName(fi.Name()); err != nil {
			return fmt.Errorf("read directory %s: %w", remoteDir, err)
		}
		remote := path.Join(remoteDir, fi.Name())
		local := filepath.Join(localDir, fi.Name())
		item := path.Join(rel, fi.Name())
		if fi.IsDir() {
			if err := os.MkdirAll(local, 0o755); err != nil {
				return fmt.Errorf("create local directory %s: %w", local, err)
			}
			if err := collectDownloadJobs(ctx, sess, remote, local, item, jobs); err != nil {
				return err
			}
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		*jobs = append(*jobs, job{local: local, remote: remote, item: item, size: fi.Size()})
	}
	return nil
}

// checkEntryName rejects names that are not a single path element, so a
// listing from the server cannot steer writes out of the local target.
func checkEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.VolumeName(name) != "" {
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}

func totalSize(jobs []job) int64 {
	var n int64
	for _, j := range jobs {
		n += j.size
	}
	return n
}

func overallPercent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
