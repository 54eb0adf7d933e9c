// Package remote browses remote directories and runs uploads and downloads
// over pooled SFTP connections.
package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/pkg/sftp"

	"github.com/iwangbowen/simple-scp/internal/hosts"
	"github.com/iwangbowen/simple-scp/internal/sshpool"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

// HostSource looks up configured hosts.
type HostSource interface {
	Host(ctx context.Context, id string) (hosts.Host, error)
}

// ConnectionPool hands out pooled connections.
type ConnectionPool interface {
	Get(ctx context.Context, host hosts.Host, auth hosts.AuthConfig) (*sshpool.Conn, error)
}

// Recorder stores finished transfers.
type Recorder interface {
	Add(ctx context.Context, rec transfer.Record) error
}

// UploadHandler copies one local file to remotePath, reporting bytes written.
type UploadHandler func(ctx context.Context, sess sshpool.SFTPSession, localPath, remotePath string, progress transfer.ProgressFunc) error

// DownloadHandler copies one remote file to localPath, reporting bytes read.
type DownloadHandler func(ctx context.Context, sess sshpool.SFTPSession, remotePath, localPath string, progress transfer.ProgressFunc) error

// Option customizes a Service.
type Option func(*Service)

// WithUploadHandler replaces the per-file upload routine.
func WithUploadHandler(h UploadHandler) Option {
	return func(s *Service) { s.upload = h }
}

// WithDownloadHandler replaces the per-file download routine.
func WithDownloadHandler(h DownloadHandler) Option {
	return func(s *Service) { s.download = h }
}

// Service ties host lookup, credentials, the connection pool, task tracking
// and history together.
type Service struct {
	hosts   HostSource
	creds   hosts.CredentialSource
	pool    ConnectionPool
	tasks   *transfer.Manager
	history Recorder

	upload   UploadHandler
	download DownloadHandler

	// Background transfers started with Start run under ctx.
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

// NewService creates a Service. history may be nil to skip recording.
func NewService(hs HostSource, creds hosts.CredentialSource, pool ConnectionPool, tasks *transfer.Manager, history Recorder, opts ...Option) *Service {
	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		hosts:    hs,
		creds:    creds,
		pool:     pool,
		tasks:    tasks,
		history:  history,
		upload:   CopyUpload,
		download: CopyDownload,
		ctx:      ctx,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close cancels background transfers and waits for them to record their
// final state.
func (s *Service) Close() {
	s.closed.Do(func() {
		s.stop()
		s.wg.Wait()
	})
}

// connect resolves credentials and checks out a pooled connection.
func (s *Service) connect(ctx context.Context, host hosts.Host) (*sshpool.Conn, error) {
	auth, err := s.creds.Credentials(ctx, host)
	if err != nil {
		return nil, err
	}
	return s.pool.Get(ctx, host, auth)
}

// connectionLost reports whether err means the SFTP session is unusable.
func connectionLost(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection)
}
