package hosts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// AuthType selects how the pool authenticates to a host.
type AuthType string

const (
	AuthPassword   AuthType = "password"
	AuthPrivateKey AuthType = "privateKey"
	AuthAgent      AuthType = "agent"
)

// AuthConfig holds the credentials for one host.
type AuthConfig struct {
	HostID         string   `json:"hostId" yaml:"-"`
	AuthType       AuthType `json:"authType" yaml:"authType"`
	Password       string   `json:"-" yaml:"password,omitempty"`
	PrivateKeyPath string   `json:"privateKeyPath,omitempty" yaml:"privateKeyPath,omitempty"`
	Passphrase     string   `json:"-" yaml:"passphrase,omitempty"`
}

// CredentialSource resolves the credentials for a host. Storage of secrets is
// up to the implementation.
type CredentialSource interface {
	Credentials(ctx context.Context, host Host) (AuthConfig, error)
}

// FileEntry is one host in an inventory file, with optional credentials.
type FileEntry struct {
	Host `yaml:",inline"`
	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// File is the YAML host inventory used to seed the store and supply
// credentials.
type File struct {
	Groups []Group     `yaml:"groups"`
	Hosts  []FileEntry `yaml:"hosts"`
}

// LoadFile parses the inventory at path. Private key paths starting with ~
// are expanded.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", path, err)
	}
	for i := range f.Hosts {
		e := &f.Hosts[i]
		if e.ID == "" {
			return nil, fmt.Errorf("parse hosts file %s: host %d has no id", path, i)
		}
		if e.Auth != nil {
			e.Auth.HostID = e.ID
			e.Auth.PrivateKeyPath = expandHome(e.Auth.PrivateKeyPath)
		}
	}
	return &f, nil
}

// StaticCredentials serves credentials from an inventory file. Hosts without
// an entry fall back to the SSH agent.
type StaticCredentials struct {
	mu   sync.RWMutex
	byID map[string]AuthConfig
}

// NewStaticCredentials indexes the auth blocks in f.
func NewStaticCredentials(f *File) *StaticCredentials {
	c := &StaticCredentials{byID: make(map[string]AuthConfig)}
	if f != nil {
		for _, e := range f.Hosts {
			if e.Auth != nil {
				c.byID[e.ID] = *e.Auth
			}
		}
	}
	return c
}

// Set stores credentials for a host, replacing any existing ones.
func (c *StaticCredentials) Set(auth AuthConfig) {
	c.mu.Lock()
	c.byID[auth.HostID] = auth
	c.mu.Unlock()
}

func (c *StaticCredentials) Credentials(_ context.Context, host Host) (AuthConfig, error) {
	c.mu.RLock()
	auth, ok := c.byID[host.ID]
	c.mu.RUnlock()
	if !ok {
		return AuthConfig{HostID: host.ID, AuthType: AuthAgent}, nil
	}
	switch auth.AuthType {
	case AuthPassword:
		if auth.Password == "" {
			return AuthConfig{}, fmt.Errorf("host %s: password auth without a password", host.ID)
		}
	case AuthPrivateKey:
		if auth.PrivateKeyPath == "" {
			return AuthConfig{}, fmt.Errorf("host %s: key auth without a key path", host.ID)
		}
	case AuthAgent:
	default:
		return AuthConfig{}, fmt.Errorf("host %s: unknown auth type %q", host.ID, auth.AuthType)
	}
	return auth, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
