package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/iwangbowen/simple-scp/internal/sshpool"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

const (
	copyBufferSize = 32 * 1024
	progressEvery  = 150 * time.Millisecond
)

// progressReader counts bytes read, reports them at most every
// progressEvery (and on the last byte), and stops once ctx is done.
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	total    int64
	n        int64
	last     time.Time
	progress transfer.ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.n += int64(n)
		pr.report()
	}
	return n, err
}

func (pr *progressReader) report() {
	if pr.progress == nil {
		return
	}
	now := time.Now()
	if pr.n == pr.total || now.Sub(pr.last) >= progressEvery {
		pr.progress(pr.n, pr.total)
		pr.last = now
	}
}

// progressWriter is the write-side counterpart of progressReader.
type progressWriter struct {
	progressReader
	w io.Writer
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	if err := pw.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := pw.w.Write(p)
	if n > 0 {
		pw.n += int64(n)
		pw.report()
	}
	return n, err
}

// CopyUpload is the default UploadHandler. It streams the local file into a
// newly created remote file.
func CopyUpload(ctx context.Context, sess sshpool.SFTPSession, localPath, remotePath string, progress transfer.ProgressFunc) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	dst, err := sess.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}

	pr := &progressReader{ctx: ctx, r: src, total: info.Size(), progress: progress}
	if _, err := io.CopyBuffer(dst, pr, make([]byte, copyBufferSize)); err != nil {
		dst.Close()
		return fmt.Errorf("copy to %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote file %s: %w", remotePath, err)
	}
	return nil
}

// CopyDownload is the default DownloadHandler. A partial local file is
// removed when the copy fails or is cancelled.
func CopyDownload(ctx context.Context, sess sshpool.SFTPSession, remotePath, localPath string, progress transfer.ProgressFunc) (err error) {
	info, err := sess.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("stat remote file %s: %w", remotePath, err)
	}
	src, err := sess.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close local file: %w", cerr)
		}
		if err != nil {
			os.Remove(localPath)
		}
	}()

	bw := bufio.NewWriterSize(f, copyBufferSize)
	pw := &progressWriter{
		progressReader: progressReader{ctx: ctx, total: info.Size(), progress: progress},
		w:              bw,
	}
	if _, err = io.CopyBuffer(pw, src, make([]byte, copyBufferSize)); err != nil {
		return fmt.Errorf("copy from %s: %w", remotePath, err)
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("flush local file: %w", err)
	}
	return nil
}
