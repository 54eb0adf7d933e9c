package sshpool

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/iwangbowen/simple-scp/internal/hosts"
)

// Dialer establishes SSH transports.
type Dialer interface {
	Dial(ctx context.Context, host hosts.Host, auth hosts.AuthConfig) (Transport, error)
}

// Transport is a live SSH session owned by exactly one pool entry.
type Transport interface {
	// OpenSFTP starts the SFTP subsystem over this transport.
	OpenSFTP() (SFTPSession, error)
	// Wait blocks until the transport ends, locally or remotely.
	Wait() error
	Close() error
}

// SFTPSession is the file API used by consumers of pooled connections.
type SFTPSession interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	MkdirAll(path string) error
	RealPath(path string) (string, error)
	Close() error
}

// SSHDialer dials real hosts over TCP with golang.org/x/crypto/ssh.
type SSHDialer struct {
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string
	// AgentSocket overrides $SSH_AUTH_SOCK for agent authentication.
	AgentSocket string
}

// Dial connects and authenticates. The handshake honours ctx's deadline.
func (d *SSHDialer) Dial(ctx context.Context, host hosts.Host, auth hosts.AuthConfig) (Transport, error) {
	methods, cleanup, err := d.authMethods(auth)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Timeout = time.Until(deadline)
	}

	addr := host.Addr()
	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Bound the handshake by ctx as well; NewClientConn has no context.
	stop := context.AfterFunc(ctx, func() { netConn.SetDeadline(time.Now()) })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	stop()
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	return &sshTransport{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", d.KnownHostsFile, err)
	}
	return cb, nil
}

func (d *SSHDialer) authMethods(auth hosts.AuthConfig) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch auth.AuthType {
	case hosts.AuthPassword:
		password := auth.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, noop, nil

	case hosts.AuthPrivateKey:
		pem, err := os.ReadFile(auth.PrivateKeyPath)
		if err != nil {
			return nil, noop, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if auth.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(auth.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, noop, fmt.Errorf("parse private key %s: %w", auth.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case hosts.AuthAgent, "":
		sock := d.AgentSocket
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock == "" {
			return nil, noop, fmt.Errorf("agent auth requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, noop, fmt.Errorf("connect to ssh agent: %w", err)
		}
		client := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, func() { conn.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unsupported auth type %q", auth.AuthType)
}

type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) OpenSFTP() (SFTPSession, error) {
	c, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, err
	}
	return &sftpSession{c: c}, nil
}

func (t *sshTransport) Wait() error  { return t.client.Wait() }
func (t *sshTransport) Close() error { return t.client.Close() }

// sftpSession adapts *sftp.Client to SFTPSession.
type sftpSession struct {
	c *sftp.Client
}

func (s *sftpSession) ReadDir(p string) ([]os.FileInfo, error) { return s.c.ReadDir(p) }
func (s *sftpSession) Stat(p string) (os.FileInfo, error)      { return s.c.Stat(p) }
func (s *sftpSession) MkdirAll(p string) error                 { return s.c.MkdirAll(p) }
func (s *sftpSession) RealPath(p string) (string, error)       { return s.c.RealPath(p) }
func (s *sftpSession) Close() error                            { return s.c.Close() }

func (s *sftpSession) Open(p string) (io.ReadCloser, error) {
	f, err := s.c.Open(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpSession) Create(p string) (io.WriteCloser, error) {
	f, err := s.c.Create(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}
