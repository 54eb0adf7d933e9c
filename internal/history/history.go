// Package history persists terminal transfer records, newest first, and
// answers queries over them. The sequence is capped; the oldest records are
// dropped first.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/iwangbowen/simple-scp/internal/kvstore"
	"github.com/iwangbowen/simple-scp/internal/observability"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

// StorageKey is the key under which the history is persisted.
const StorageKey = "transferHistory"

const (
	DefaultMaxSize     = 100
	DefaultRecentLimit = 20
)

// ErrDisposed is returned by mutations after Dispose.
var ErrDisposed = errors.New("history service disposed")

// ParseError reports a malformed history import. Index is the offending
// element, or -1 when the document itself could not be decoded.
type ParseError struct {
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parse history: %v", e.Err)
	}
	return fmt.Sprintf("parse history entry %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Options tunes a Service.
type Options struct {
	// MaxSize caps the number of stored records. Zero means DefaultMaxSize.
	MaxSize int
}

// Statistics summarizes the stored history.
type Statistics struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Cancelled      int     `json:"cancelled"`
	Uploads        int     `json:"uploads"`
	Downloads      int     `json:"downloads"`
	TotalBytes     int64   `json:"totalBytes"`
	AverageSeconds float64 `json:"averageSeconds"`
}

// Service owns the history sequence. All methods are safe for concurrent use.
type Service struct {
	store   kvstore.Store
	maxSize int

	mu       sync.RWMutex
	entries  []transfer.Record // newest first
	subs     map[int]func()
	nextSub  int
	disposed bool
}

// New creates a Service and loads any history already in store. A stored
// document that cannot be decoded is logged and replaced on the next write.
func New(ctx context.Context, store kvstore.Store, opts Options) (*Service, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	s := &Service{
		store:   store,
		maxSize: opts.MaxSize,
		subs:    make(map[int]func()),
	}

	raw, ok, err := store.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if ok && raw != "" {
		var entries []transfer.Record
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			log.Printf("[history] WARNING: discarding unreadable stored history: %v", err)
		} else {
			s.entries = entries
			if len(s.entries) > s.maxSize {
				s.entries = s.entries[:s.maxSize]
			}
		}
	}
	observability.HistoryEntries.Set(float64(len(s.entries)))
	log.Printf("[history] Loaded %d records", len(s.entries))
	return s, nil
}

// Add records a terminal task. Non-terminal records are ignored. A record
// whose id is already present replaces the earlier one.
func (s *Service) Add(ctx context.Context, rec transfer.Record) error {
	if !rec.Status.Terminal() {
		return nil
	}
	rec = rec.Clone()
	return s.mutate(ctx, func(entries []transfer.Record) []transfer.Record {
		out := make([]transfer.Record, 0, len(entries)+1)
		out = append(out, rec)
		for _, e := range entries {
			if e.ID != rec.ID {
				out = append(out, e)
			}
		}
		return out
	})
}

// History returns a copy of all records, newest first.
func (s *Service) History() []transfer.Record {
	return s.filter(func(transfer.Record) bool { return true })
}

func (s *Service) ByHost(hostID string) []transfer.Record {
	return s.filter(func(r transfer.Record) bool { return r.HostID == hostID })
}

func (s *Service) ByStatus(status transfer.Status) []transfer.Record {
	return s.filter(func(r transfer.Record) bool { return r.Status == status })
}

func (s *Service) ByType(typ transfer.Type) []transfer.Record {
	return s.filter(func(r transfer.Record) bool { return r.Type == typ })
}

// ByDateRange returns records that finished within [from, to].
func (s *Service) ByDateRange(from, to time.Time) []transfer.Record {
	return s.filter(func(r transfer.Record) bool {
		if r.FinishedAt == nil {
			return false
		}
		t := r.FinishedAt.Time
		return !t.Before(from) && !t.After(to)
	})
}

// Recent returns up to limit of the newest records. A non-positive limit
// means DefaultRecentLimit.
func (s *Service) Recent(limit int) []transfer.Record {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	all := s.History()
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (s *Service) Successful() []transfer.Record {
	return s.ByStatus(transfer.StatusCompleted)
}

func (s *Service) Failed() []transfer.Record {
	return s.ByStatus(transfer.StatusFailed)
}

// SearchByFileName matches file names case-insensitively.
func (s *Service) SearchByFileName(query string) []transfer.Record {
	q := strings.ToLower(query)
	return s.filter(func(r transfer.Record) bool {
		return strings.Contains(strings.ToLower(r.FileName), q)
	})
}

// SearchByPath matches either the local or the remote path, case-insensitively.
func (s *Service) SearchByPath(query string) []transfer.Record {
	q := strings.ToLower(query)
	return s.filter(func(r transfer.Record) bool {
		return strings.Contains(strings.ToLower(r.LocalPath), q) ||
			strings.Contains(strings.ToLower(r.RemotePath), q)
	})
}

func (s *Service) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Statistics
	var totalDur time.Duration
	var timed int
	for _, r := range s.entries {
		st.Total++
		switch r.Status {
		case transfer.StatusCompleted:
			st.Completed++
			st.TotalBytes += r.FileSize
			if d := r.Duration(); d > 0 {
				totalDur += d
				timed++
			}
		case transfer.StatusFailed:
			st.Failed++
		case transfer.StatusCancelled:
			st.Cancelled++
		}
		switch r.Type {
		case transfer.Upload:
			st.Uploads++
		case transfer.Download:
			st.Downloads++
		}
	}
	if timed > 0 {
		st.AverageSeconds = (totalDur / time.Duration(timed)).Seconds()
	}
	return st
}

func (s *Service) ClearByHost(ctx context.Context, hostID string) error {
	return s.removeWhere(ctx, func(r transfer.Record) bool { return r.HostID == hostID })
}

func (s *Service) ClearFailed(ctx context.Context) error {
	return s.removeWhere(ctx, func(r transfer.Record) bool { return r.Status == transfer.StatusFailed })
}

func (s *Service) ClearAll(ctx context.Context) error {
	return s.mutate(ctx, func([]transfer.Record) []transfer.Record { return nil })
}

// Remove deletes the record with the given id. Unknown ids are a no-op.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.removeWhere(ctx, func(r transfer.Record) bool { return r.ID == id })
}

// Export renders the history as an indented JSON array.
func (s *Service) Export() (string, error) {
	b, err := json.MarshalIndent(s.History(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("export history: %w", err)
	}
	return string(b), nil
}

// Import merges records from a JSON array produced by Export. Every element
// is validated before anything changes; on failure a *ParseError is returned
// and the history is untouched. Imported records replace stored ones with
// the same id and keep their document order.
func (s *Service) Import(ctx context.Context, text string) error {
	var incoming []transfer.Record
	if err := json.Unmarshal([]byte(text), &incoming); err != nil {
		return &ParseError{Index: -1, Err: err}
	}
	for i, r := range incoming {
		if err := r.Validate(); err != nil {
			return &ParseError{Index: i, Err: err}
		}
	}

	err := s.mutate(ctx, func(entries []transfer.Record) []transfer.Record {
		return mergeImported(entries, incoming)
	})
	if err != nil {
		return err
	}
	log.Printf("[history] Imported %d records", len(incoming))
	return nil
}

// OnChange registers fn to run after every successful mutation and returns
// a function that removes it.
func (s *Service) OnChange(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Dispose drops all subscribers and rejects further mutations. Reads keep
// working. Calling Dispose more than once is a no-op.
func (s *Service) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.subs = make(map[int]func())
}

func (s *Service) filter(keep func(transfer.Record) bool) []transfer.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transfer.Record, 0, len(s.entries))
	for _, r := range s.entries {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (s *Service) removeWhere(ctx context.Context, drop func(transfer.Record) bool) error {
	return s.mutate(ctx, func(entries []transfer.Record) []transfer.Record {
		out := entries[:0:0]
		for _, r := range entries {
			if !drop(r) {
				out = append(out, r)
			}
		}
		return out
	})
}

// mutate applies fn, trims to the cap, persists, and notifies subscribers.
// The lock is held across persistence so writes reach the store in order.
func (s *Service) mutate(ctx context.Context, fn func([]transfer.Record) []transfer.Record) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	next := fn(s.entries)
	if next == nil {
		next = []transfer.Record{}
	}
	if len(next) > s.maxSize {
		next = next[:s.maxSize]
	}

	b, err := json.Marshal(next)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.store.Update(ctx, StorageKey, string(b)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist history: %w", err)
	}
	s.entries = next
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	size := units.HumanSize(float64(len(b)))
	count := len(next)
	s.mu.Unlock()

	observability.HistoryEntries.Set(float64(count))
	log.Printf("[history] Persisted %d records (%s)", count, size)
	for _, fn := range subs {
		fn()
	}
	return nil
}

// mergeImported interleaves incoming into entries, both newest first. Each
// side keeps its own order; on equal times the imported record goes first.
// Stored records whose id is imported are dropped.
func mergeImported(entries, incoming []transfer.Record) []transfer.Record {
	ids := make(map[string]struct{}, len(incoming))
	unique := incoming[:0:0]
	for _, r := range incoming {
		if _, dup := ids[r.ID]; !dup {
			ids[r.ID] = struct{}{}
			unique = append(unique, r)
		}
	}
	incoming = unique
	kept := make([]transfer.Record, 0, len(entries))
	for _, e := range entries {
		if _, ok := ids[e.ID]; !ok {
			kept = append(kept, e)
		}
	}

	out := make([]transfer.Record, 0, len(kept)+len(incoming))
	i, j := 0, 0
	for i < len(incoming) && j < len(kept) {
		if sortTime(incoming[i]).Before(sortTime(kept[j])) {
			out = append(out, kept[j])
			j++
			continue
		}
		out = append(out, incoming[i].Clone())
		i++
	}
	for ; i < len(incoming); i++ {
		out = append(out, incoming[i].Clone())
	}
	return append(out, kept[j:]...)
}

func sortTime(r transfer.Record) time.Time {
	if r.FinishedAt != nil {
		return r.FinishedAt.Time
	}
	return r.CreatedAt.Time
}
