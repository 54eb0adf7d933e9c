package sshpool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionTimeout is returned when a new connection is not ready
	// within the connect timeout. Nothing is pooled.
	ErrConnectionTimeout = errors.New("ssh connection timed out")

	// ErrPoolClosed is returned by Get after CloseAll.
	ErrPoolClosed = errors.New("connection pool closed")
)

// TransportError wraps a dial or handshake failure verbatim.
type TransportError struct {
	HostID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connect to host %s: %v", e.HostID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SFTPSessionError is returned when the SFTP subsystem cannot be opened on a
// ready transport. The transport is torn down.
type SFTPSessionError struct {
	HostID string
	Err    error
}

func (e *SFTPSessionError) Error() string {
	return fmt.Sprintf("open sftp session on host %s: %v", e.HostID, e.Err)
}

func (e *SFTPSessionError) Unwrap() error { return e.Err }

// RateLimitedError is returned when a connection attempt is rejected by the
// per-host attempt limiter.
type RateLimitedError struct {
	HostID     string
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for host %s: %s (retry after %s)", e.HostID, e.Reason, e.RetryAfter)
}
