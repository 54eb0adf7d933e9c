package hosts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwangbowen/simple-scp/internal/kvstore"
)

func newManager(t *testing.T) (*Manager, *kvstore.Memory) {
	t.Helper()
	store := kvstore.NewMemory()
	return NewManager(store), store
}

func addHost(t *testing.T, m *Manager, name string) Host {
	t.Helper()
	h, err := m.AddHost(context.Background(), Host{Name: name, Host: "192.168.1.100", Username: "testuser"})
	require.NoError(t, err)
	return h
}

func TestAddHost_Defaults(t *testing.T) {
	m, _ := newManager(t)
	h := addHost(t, m, "server1")

	assert.NotEmpty(t, h.ID)
	assert.Equal(t, "server1", h.Name)
	assert.Equal(t, 22, h.Port)
	assert.Equal(t, "192.168.1.100:22", h.Addr())
	assert.Equal(t, "/root", h.StartPath())

	hosts, err := m.Hosts(context.Background())
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, h.ID, hosts[0].ID)
}

func TestAddHost_UniqueIDsAndOrder(t *testing.T) {
	m, _ := newManager(t)
	a := addHost(t, m, "server1")
	b := addHost(t, m, "server2")
	assert.NotEqual(t, a.ID, b.ID)

	hosts, err := m.Hosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"server1", "server2"}, []string{hosts[0].Name, hosts[1].Name})
}

func TestAddHost_Validation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.AddHost(ctx, Host{Username: "u"})
	assert.ErrorIs(t, err, ErrInvalidHost)
	_, err = m.AddHost(ctx, Host{Host: "h"})
	assert.ErrorIs(t, err, ErrInvalidHost)
	_, err = m.AddHost(ctx, Host{Host: "h", Username: "u", Port: 70000})
	assert.ErrorIs(t, err, ErrInvalidHost)
	_, err = m.AddHost(ctx, Host{Host: "h", Username: "u", Group: "missing"})
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestAddHost_WithGroup(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	g, err := m.AddGroup(ctx, "Production")
	require.NoError(t, err)

	h, err := m.AddHost(ctx, Host{Host: "10.0.0.1", Username: "root", Group: g.ID})
	require.NoError(t, err)
	assert.Equal(t, g.ID, h.Group)

	inGroup, err := m.HostsInGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, inGroup, 1)
	root, err := m.HostsInGroup(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestUpdateHost_Partial(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	h := addHost(t, m, "server")

	name, port := "updated-server", 2222
	updated, err := m.UpdateHost(ctx, h.ID, HostUpdate{Name: &name, Port: &port})
	require.NoError(t, err)
	assert.Equal(t, "updated-server", updated.Name)
	assert.Equal(t, 2222, updated.Port)
	assert.Equal(t, "192.168.1.100", updated.Host)
	assert.Equal(t, "testuser", updated.Username)

	got, err := m.Host(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	_, err = m.UpdateHost(ctx, "missing", HostUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrHostNotFound)

	bad := 0
	_, err = m.UpdateHost(ctx, h.ID, HostUpdate{Port: &bad})
	assert.ErrorIs(t, err, ErrInvalidHost)
	got, _ = m.Host(ctx, h.ID)
	assert.Equal(t, 2222, got.Port, "invalid update must not be persisted")
}

func TestDeleteHost_OnlyTarget(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	a := addHost(t, m, "server1")
	b := addHost(t, m, "server2")

	require.NoError(t, m.DeleteHost(ctx, a.ID))
	hosts, err := m.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, b.ID, hosts[0].ID)

	assert.ErrorIs(t, m.DeleteHost(ctx, a.ID), ErrHostNotFound)
}

func TestGroups_CRUD(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	for _, name := range []string{"Group1", "Group2", "Group3"} {
		_, err := m.AddGroup(ctx, name)
		require.NoError(t, err)
	}
	groups, err := m.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "Group1", groups[0].Name)

	renamed, err := m.UpdateGroup(ctx, groups[0].ID, "UpdatedName")
	require.NoError(t, err)
	assert.Equal(t, "UpdatedName", renamed.Name)

	_, err = m.UpdateGroup(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrGroupNotFound)

	_, err = m.AddGroup(ctx, "  ")
	assert.Error(t, err)
}

func TestDeleteGroup_ClearsHostReferences(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	g, err := m.AddGroup(ctx, "Temp")
	require.NoError(t, err)
	h, err := m.AddHost(ctx, Host{Host: "10.0.0.1", Username: "root", Group: g.ID})
	require.NoError(t, err)

	require.NoError(t, m.DeleteGroup(ctx, g.ID))

	got, err := m.Host(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Group)
	groups, _ := m.Groups(ctx)
	assert.Empty(t, groups)

	assert.ErrorIs(t, m.DeleteGroup(ctx, g.ID), ErrGroupNotFound)
}

func TestMoveHostToGroup(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	g1, _ := m.AddGroup(ctx, "G1")
	g2, _ := m.AddGroup(ctx, "G2")
	h := addHost(t, m, "server")

	require.NoError(t, m.MoveHostToGroup(ctx, h.ID, g1.ID))
	got, _ := m.Host(ctx, h.ID)
	assert.Equal(t, g1.ID, got.Group)

	require.NoError(t, m.MoveHostToGroup(ctx, h.ID, g2.ID))
	got, _ = m.Host(ctx, h.ID)
	assert.Equal(t, g2.ID, got.Group)

	require.NoError(t, m.MoveHostToGroup(ctx, h.ID, ""))
	got, _ = m.Host(ctx, h.ID)
	assert.Empty(t, got.Group)

	assert.ErrorIs(t, m.MoveHostToGroup(ctx, "missing", g1.ID), ErrHostNotFound)

	err := m.MoveHostToGroup(ctx, h.ID, "missing")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.Contains(t, err.Error(), "target group")
}

func TestPersistence_SharedStore(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	a := addHost(t, m, "a")
	g, _ := m.AddGroup(ctx, "G")

	other := NewManager(store)
	hosts, err := other.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, a.ID, hosts[0].ID)
	groups, err := other.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, g.ID, groups[0].ID)
}

const inventory = `
groups:
  - id: prod
    name: Production
hosts:
  - id: web-1
    name: Web 1
    host: 10.0.0.5
    username: deploy
    defaultRemotePath: /var/www
    group: prod
    bookmarks:
      - name: logs
        path: /var/log/nginx
    auth:
      authType: password
      password: s3cret
  - id: db-1
    host: 10.0.0.6
    port: 2222
    username: postgres
    auth:
      authType: privateKey
      privateKeyPath: ~/.ssh/id_ed25519
  - id: bastion
    host: bastion.example.com
    username: ops
`

func writeInventory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventory), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	f, err := LoadFile(writeInventory(t))
	require.NoError(t, err)

	require.Len(t, f.Groups, 1)
	require.Len(t, f.Hosts, 3)
	web := f.Hosts[0]
	assert.Equal(t, "web-1", web.ID)
	assert.Equal(t, "Web 1", web.Name)
	assert.Equal(t, "/var/www", web.StartPath())
	assert.Equal(t, []Bookmark{{Name: "logs", Path: "/var/log/nginx"}}, web.Bookmarks)
	require.NotNil(t, web.Auth)
	assert.Equal(t, "web-1", web.Auth.HostID)

	db := f.Hosts[1]
	assert.Equal(t, 2222, db.Port)
	assert.NotContains(t, db.Auth.PrivateKeyPath, "~")
	assert.Nil(t, f.Hosts[2].Auth)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts:\n  - host: x\n    username: y\n"), 0o600))
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "has no id")
}

func TestSeed_AddsOnlyMissing(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	f, err := LoadFile(writeInventory(t))
	require.NoError(t, err)

	n, err := m.Seed(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	name := "Renamed"
	_, err = m.UpdateHost(ctx, "web-1", HostUpdate{Name: &name})
	require.NoError(t, err)

	n, err = m.Seed(ctx, f)
	require.NoError(t, err)
	assert.Zero(t, n)

	web, err := m.Host(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", web.Name)
	assert.Equal(t, "prod", web.Group)

	bastion, err := m.Host(ctx, "bastion")
	require.NoError(t, err)
	assert.Equal(t, "bastion.example.com", bastion.Name)
	assert.Equal(t, 22, bastion.Port)
}

func TestStaticCredentials(t *testing.T) {
	f, err := LoadFile(writeInventory(t))
	require.NoError(t, err)
	creds := NewStaticCredentials(f)
	ctx := context.Background()

	auth, err := creds.Credentials(ctx, Host{ID: "web-1"})
	require.NoError(t, err)
	assert.Equal(t, AuthPassword, auth.AuthType)
	assert.Equal(t, "s3cret", auth.Password)

	auth, err = creds.Credentials(ctx, Host{ID: "bastion"})
	require.NoError(t, err)
	assert.Equal(t, AuthAgent, auth.AuthType)

	creds.Set(AuthConfig{HostID: "bastion", AuthType: AuthPassword})
	_, err = creds.Credentials(ctx, Host{ID: "bastion"})
	assert.Error(t, err)

	creds.Set(AuthConfig{HostID: "bastion", AuthType: "kerberos"})
	_, err = creds.Credentials(ctx, Host{ID: "bastion"})
	assert.ErrorContains(t, err, "unknown auth type")
}

func TestSortHosts(t *testing.T) {
	hosts := []Host{{ID: "2", Name: "b"}, {ID: "3", Name: "a"}, {ID: "1", Name: "b"}}
	SortHosts(hosts)
	assert.Equal(t, []string{"3", "1", "2"}, []string{hosts[0].ID, hosts[1].ID, hosts[2].ID})
}
