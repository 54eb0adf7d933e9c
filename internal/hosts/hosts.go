// Package hosts manages the inventory of remote hosts and the groups that
// organize them. Both lists are stored as JSON documents in a kvstore.Store.
package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/iwangbowen/simple-scp/internal/kvstore"
	"github.com/iwangbowen/simple-scp/internal/logutil"
)

const (
	hostsKey  = "hosts"
	groupsKey = "groups"

	DefaultPort       = 22
	DefaultRemotePath = "/root"
)

var (
	ErrHostNotFound  = errors.New("host not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrInvalidHost   = errors.New("invalid host")
)

// Bookmark is a named remote path on a host.
type Bookmark struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Host is one SSH endpoint. ID is the pool key and history index key.
type Host struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	Host              string     `json:"host" yaml:"host"`
	Port              int        `json:"port" yaml:"port"`
	Username          string     `json:"username" yaml:"username"`
	DefaultRemotePath string     `json:"defaultRemotePath,omitempty" yaml:"defaultRemotePath,omitempty"`
	Group             string     `json:"group,omitempty" yaml:"group,omitempty"`
	Bookmarks         []Bookmark `json:"bookmarks,omitempty" yaml:"bookmarks,omitempty"`
}

// Addr returns host:port.
func (h Host) Addr() string {
	port := h.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", h.Host, port)
}

// StartPath is where browsing begins when no path is given.
func (h Host) StartPath() string {
	if h.DefaultRemotePath != "" {
		return h.DefaultRemotePath
	}
	return DefaultRemotePath
}

// Group is a named folder of hosts.
type Group struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// HostUpdate carries the fields to change on a host; nil fields are kept.
type HostUpdate struct {
	Name              *string     `json:"name,omitempty"`
	Host              *string     `json:"host,omitempty"`
	Port              *int        `json:"port,omitempty"`
	Username          *string     `json:"username,omitempty"`
	DefaultRemotePath *string     `json:"defaultRemotePath,omitempty"`
	Bookmarks         *[]Bookmark `json:"bookmarks,omitempty"`
}

// Manager is the host and group inventory. Writes are serialized; reads go
// to the store so several processes sharing a Redis backend see each other.
type Manager struct {
	store kvstore.Store
	mu    sync.Mutex
}

// NewManager returns a Manager over store.
func NewManager(store kvstore.Store) *Manager {
	return &Manager{store: store}
}

// Hosts lists all hosts in insertion order.
func (m *Manager) Hosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	if err := m.load(ctx, hostsKey, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// Host returns the host with the given id.
func (m *Manager) Host(ctx context.Context, id string) (Host, error) {
	hosts, err := m.Hosts(ctx)
	if err != nil {
		return Host{}, err
	}
	for _, h := range hosts {
		if h.ID == id {
			return h, nil
		}
	}
	return Host{}, fmt.Errorf("host %s: %w", id, ErrHostNotFound)
}

// HostsInGroup returns the hosts in groupID; an empty id selects ungrouped hosts.
func (m *Manager) HostsInGroup(ctx context.Context, groupID string) ([]Host, error) {
	hosts, err := m.Hosts(ctx)
	if err != nil {
		return nil, err
	}
	out := hosts[:0]
	for _, h := range hosts {
		if h.Group == groupID {
			out = append(out, h)
		}
	}
	return out, nil
}

// AddHost stores h under a fresh id and returns it.
func (m *Manager) AddHost(ctx context.Context, h Host) (Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.Port == 0 {
		h.Port = DefaultPort
	}
	if h.Name == "" {
		h.Name = h.Host
	}
	if err := validateHost(h); err != nil {
		return Host{}, err
	}

	if h.Group != "" {
		if _, err := m.findGroup(ctx, h.Group); err != nil {
			return Host{}, err
		}
	}

	var hosts []Host
	if err := m.load(ctx, hostsKey, &hosts); err != nil {
		return Host{}, err
	}
	for _, existing := range hosts {
		if existing.ID == h.ID {
			return Host{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidHost, h.ID)
		}
	}
	hosts = append(hosts, h)
	if err := m.save(ctx, hostsKey, hosts); err != nil {
		return Host{}, err
	}
	log.Printf("[hosts] Added host %s (%s@%s)", h.ID, logutil.SanitizeForLog(h.Username), logutil.SanitizeForLog(h.Addr()))
	return h, nil
}

// UpdateHost applies the non-nil fields of upd.
func (m *Manager) UpdateHost(ctx context.Context, id string, upd HostUpdate) (Host, error) {
	var updated Host
	err := m.editHost(ctx, id, func(h *Host) error {
		if upd.Name != nil {
			h.Name = *upd.Name
		}
		if upd.Host != nil {
			h.Host = *upd.Host
		}
		if upd.Port != nil {
			h.Port = *upd.Port
		}
		if upd.Username != nil {
			h.Username = *upd.Username
		}
		if upd.DefaultRemotePath != nil {
			h.DefaultRemotePath = *upd.DefaultRemotePath
		}
		if upd.Bookmarks != nil {
			h.Bookmarks = append([]Bookmark(nil), (*upd.Bookmarks)...)
		}
		if err := validateHost(*h); err != nil {
			return err
		}
		updated = *h
		return nil
	})
	return updated, err
}

// DeleteHost removes the host with the given id.
func (m *Manager) DeleteHost(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hosts []Host
	if err := m.load(ctx, hostsKey, &hosts); err != nil {
		return err
	}
	out := hosts[:0]
	found := false
	for _, h := range hosts {
		if h.ID == id {
			found = true
			continue
		}
		out = append(out, h)
	}
	if !found {
		return fmt.Errorf("delete host %s: %w", id, ErrHostNotFound)
	}
	if err := m.save(ctx, hostsKey, out); err != nil {
		return err
	}
	log.Printf("[hosts] Deleted host %s", id)
	return nil
}

// MoveHostToGroup puts the host in groupID, or at the root when groupID is empty.
func (m *Manager) MoveHostToGroup(ctx context.Context, hostID, groupID string) error {
	if groupID != "" {
		if _, err := m.findGroup(ctx, groupID); err != nil {
			return fmt.Errorf("target %w", err)
		}
	}
	return m.editHost(ctx, hostID, func(h *Host) error {
		h.Group = groupID
		return nil
	})
}

// Groups lists all groups in insertion order.
func (m *Manager) Groups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := m.load(ctx, groupsKey, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// AddGroup creates a group named name.
func (m *Manager) AddGroup(ctx context.Context, name string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, errors.New("group name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []Group
	if err := m.load(ctx, groupsKey, &groups); err != nil {
		return Group{}, err
	}
	g := Group{ID: uuid.New().String(), Name: name}
	groups = append(groups, g)
	if err := m.save(ctx, groupsKey, groups); err != nil {
		return Group{}, err
	}
	log.Printf("[hosts] Added group %s (%s)", g.ID, logutil.SanitizeForLog(name))
	return g, nil
}

// UpdateGroup renames a group.
func (m *Manager) UpdateGroup(ctx context.Context, id, name string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []Group
	if err := m.load(ctx, groupsKey, &groups); err != nil {
		return Group{}, err
	}
	for i := range groups {
		if groups[i].ID == id {
			groups[i].Name = name
			if err := m.save(ctx, groupsKey, groups); err != nil {
				return Group{}, err
			}
			return groups[i], nil
		}
	}
	return Group{}, fmt.Errorf("update group %s: %w", id, ErrGroupNotFound)
}

// DeleteGroup removes a group and moves its hosts to the root.
func (m *Manager) DeleteGroup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []Group
	if err := m.load(ctx, groupsKey, &groups); err != nil {
		return err
	}
	out := groups[:0]
	found := false
	for _, g := range groups {
		if g.ID == id {
			found = true
			continue
		}
		out = append(out, g)
	}
	if !found {
		return fmt.Errorf("delete group %s: %w", id, ErrGroupNotFound)
	}

	var hosts []Host
	if err := m.load(ctx, hostsKey, &hosts); err != nil {
		return err
	}
	moved := 0
	for i := range hosts {
		if hosts[i].Group == id {
			hosts[i].Group = ""
			moved++
		}
	}
	if moved > 0 {
		if err := m.save(ctx, hostsKey, hosts); err != nil {
			return err
		}
	}
	if err := m.save(ctx, groupsKey, out); err != nil {
		return err
	}
	log.Printf("[hosts] Deleted group %s (%d hosts moved to root)", id, moved)
	return nil
}

// Seed adds the groups and hosts from f that are not already present by id.
// Existing entries are left untouched.
func (m *Manager) Seed(ctx context.Context, f *File) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []Group
	if err := m.load(ctx, groupsKey, &groups); err != nil {
		return 0, err
	}
	var hosts []Host
	if err := m.load(ctx, hostsKey, &hosts); err != nil {
		return 0, err
	}

	knownGroups := make(map[string]bool, len(groups))
	for _, g := range groups {
		knownGroups[g.ID] = true
	}
	for _, g := range f.Groups {
		if g.ID == "" || knownGroups[g.ID] {
			continue
		}
		groups = append(groups, g)
		knownGroups[g.ID] = true
	}

	knownHosts := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		knownHosts[h.ID] = true
	}
	added := 0
	for _, e := range f.Hosts {
		h := e.Host
		if h.Port == 0 {
			h.Port = DefaultPort
		}
		if h.Name == "" {
			h.Name = h.Host
		}
		if knownHosts[h.ID] {
			continue
		}
		if err := validateHost(h); err != nil {
			return added, fmt.Errorf("seed host %q: %w", h.ID, err)
		}
		if h.Group != "" && !knownGroups[h.Group] {
			return added, fmt.Errorf("seed host %q: %w", h.ID, ErrGroupNotFound)
		}
		hosts = append(hosts, h)
		knownHosts[h.ID] = true
		added++
	}

	if err := m.save(ctx, groupsKey, groups); err != nil {
		return 0, err
	}
	if err := m.save(ctx, hostsKey, hosts); err != nil {
		return 0, err
	}
	return added, nil
}

func (m *Manager) editHost(ctx context.Context, id string, fn func(h *Host) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hosts []Host
	if err := m.load(ctx, hostsKey, &hosts); err != nil {
		return err
	}
	for i := range hosts {
		if hosts[i].ID != id {
			continue
		}
		if err := fn(&hosts[i]); err != nil {
			return err
		}
		return m.save(ctx, hostsKey, hosts)
	}
	return fmt.Errorf("host %s: %w", id, ErrHostNotFound)
}

func (m *Manager) findGroup(ctx context.Context, id string) (Group, error) {
	var groups []Group
	if err := m.load(ctx, groupsKey, &groups); err != nil {
		return Group{}, err
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("group %s: %w", id, ErrGroupNotFound)
}

func (m *Manager) load(ctx context.Context, key string, v any) error {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (m *Manager) save(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := m.store.Update(ctx, key, string(b)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func validateHost(h Host) error {
	switch {
	case strings.TrimSpace(h.Host) == "":
		return fmt.Errorf("%w: host address is required", ErrInvalidHost)
	case strings.TrimSpace(h.Username) == "":
		return fmt.Errorf("%w: username is required", ErrInvalidHost)
	case h.Port < 1 || h.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidHost, h.Port)
	}
	return nil
}

// SortHosts orders hosts by name, then id, for stable listings.
func SortHosts(hosts []Host) {
	sort.SliceStable(hosts, func(i, j int) bool {
		if hosts[i].Name != hosts[j].Name {
			return hosts[i].Name < hosts[j].Name
		}
		return hosts[i].ID < hosts[j].ID
	})
}
