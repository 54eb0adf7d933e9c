// Package sshpool keeps a bounded set of reusable SSH+SFTP connections keyed
// by host id.
//
// At most one connection exists per host. A connection is either in use
// (checked out by exactly one caller) or idle. Get hands out an idle
// connection without a new handshake, dials when none exists, and waits when
// the host's connection is checked out. Concurrent dials for the same host
// are collapsed into one.
//
// Connections leave the pool on Close, when the remote side ends the
// transport, when idle longer than IdleTimeout (periodic sweep), or when a
// new host needs the slot of the least recently used idle connection.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/iwangbowen/simple-scp/internal/hosts"
	"github.com/iwangbowen/simple-scp/internal/observability"
)

const (
	DefaultMaxSize         = 5
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultCleanupInterval = 2 * time.Minute
	DefaultConnectTimeout  = 30 * time.Second
)

// firstCheckout is the checkout number of a freshly dialed entry.
const firstCheckout = 1

// Options configures a Pool. Zero values take the defaults above.
type Options struct {
	MaxSize         int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	ConnectTimeout  time.Duration
	// ConnectRate is the steady-state interval between new connection
	// attempts per host. Zero disables the token bucket.
	ConnectRate  time.Duration
	ConnectBurst int
}

func (o *Options) applyDefaults() {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
}

// Status is a point-in-time count of pooled connections.
type Status struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

// entry is one pooled connection. Fields other than the SFTP session are
// guarded by Pool.mu.
type entry struct {
	hostID     string
	transport  Transport
	lastUsedAt time.Time
	inUse      bool
	// checkout counts hand-outs; a Conn only releases its own checkout.
	checkout uint64
	ready    bool
	removed  bool
	// released is closed when the entry goes idle or is removed, waking
	// callers queued for it. Replaced on every release.
	released chan struct{}

	sftpMu sync.Mutex
	sftp   SFTPSession
}

// session returns the SFTP session, opening it if needed.
func (e *entry) session() (SFTPSession, error) {
	e.sftpMu.Lock()
	defer e.sftpMu.Unlock()
	if e.sftp != nil {
		return e.sftp, nil
	}
	s, err := e.transport.OpenSFTP()
	if err != nil {
		return nil, &SFTPSessionError{HostID: e.hostID, Err: err}
	}
	e.sftp = s
	return s, nil
}

// dropSession closes the SFTP session so the next acquire reopens it.
func (e *entry) dropSession() {
	e.sftpMu.Lock()
	s := e.sftp
	e.sftp = nil
	e.sftpMu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			log.Printf("[sshpool] Error closing sftp session for host %s: %v", e.hostID, err)
		}
	}
}

// Conn is a checked-out pooled connection. Call Release when done.
type Conn struct {
	HostID string

	pool     *Pool
	entry    *entry
	checkout uint64
	once     sync.Once
}

// SFTP returns the connection's SFTP session.
func (c *Conn) SFTP() SFTPSession {
	c.entry.sftpMu.Lock()
	defer c.entry.sftpMu.Unlock()
	return c.entry.sftp
}

// Transport returns the underlying SSH transport.
func (c *Conn) Transport() Transport {
	return c.entry.transport
}

// InvalidateSFTP discards a broken SFTP session while keeping the transport.
// The session is reopened on the next Get for this host.
func (c *Conn) InvalidateSFTP() {
	c.entry.dropSession()
}

// Release returns the connection to the pool. Only the first call has any
// effect, and none once the entry was released some other way and checked
// out again.
func (c *Conn) Release() {
	c.once.Do(func() { c.pool.releaseEntry(c.entry, c.checkout) })
}

// Pool is the connection registry. Create with New and tear down with
// CloseAll.
type Pool struct {
	dialer Dialer
	opts   Options

	mu     sync.Mutex
	conns  map[string]*entry // host ID → connection
	closed bool

	flights singleflight.Group
	sweeper *cron.Cron
	events  *eventLog
	limiter *rateLimiter

	now func() time.Time
}

// New creates a pool and starts its idle sweep.
func New(dialer Dialer, opts Options) *Pool {
	opts.applyDefaults()
	p := &Pool{
		dialer:  dialer,
		opts:    opts,
		conns:   make(map[string]*entry),
		limiter: newRateLimiter(opts.ConnectRate, opts.ConnectBurst),
		now:     time.Now,
	}
	p.events = newEventLog(func() time.Time { return p.now() })

	p.sweeper = cron.New()
	schedule := fmt.Sprintf("@every %s", opts.CleanupInterval)
	if _, err := p.sweeper.AddFunc(schedule, func() { p.CleanupIdle() }); err != nil {
		// The schedule is built from a positive duration and always parses.
		panic(fmt.Sprintf("sshpool: schedule idle sweep: %v", err))
	}
	p.sweeper.Start()

	log.Printf("[sshpool] Pool started (max %d, idle timeout %s, sweep every %s)",
		opts.MaxSize, opts.IdleTimeout, opts.CleanupInterval)
	return p
}

// Get returns a checked-out connection for host, reusing an idle one when
// possible. If the host's connection is in use, Get waits until it is
// released or removed, or until ctx ends.
func (p *Pool) Get(ctx context.Context, host hosts.Host, auth hosts.AuthConfig) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		e, ok := p.conns[host.ID]
		if ok && e.ready {
			if !e.inUse {
				e.inUse = true
				e.checkout++
				checkout := e.checkout
				e.lastUsedAt = p.now()
				p.mu.Unlock()
				return p.claim(e, checkout)
			}
			wait := e.released
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()

		leader := false
		ch := p.flights.DoChan(host.ID, func() (any, error) {
			leader = true
			return p.connect(context.WithoutCancel(ctx), host, auth)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			if e, _ := res.Val.(*entry); e != nil && leader {
				// The dialing caller receives the entry already checked out.
				return &Conn{HostID: host.ID, pool: p, entry: e, checkout: firstCheckout}, nil
			}
			// Followers compete for the new entry like any other caller.
		case <-ctx.Done():
			go func() {
				res := <-ch
				if e, _ := res.Val.(*entry); e != nil && leader {
					p.releaseEntry(e, firstCheckout)
				}
			}()
			return nil, ctx.Err()
		}
	}
}

// claim finishes handing out an idle entry that was just marked in use.
func (p *Pool) claim(e *entry, checkout uint64) (*Conn, error) {
	if _, err := e.session(); err != nil {
		log.Printf("[sshpool] %v; dropping connection", err)
		p.mu.Lock()
		removed := p.removeLocked(e)
		p.mu.Unlock()
		if removed {
			p.teardown(e, EventConnectFailed, err.Error(), "closed")
		}
		observability.PoolConnectFailures.WithLabelValues("sftp").Inc()
		return nil, err
	}
	p.events.log(e.hostID, EventReused, "")
	observability.PoolReuses.Inc()
	p.report()
	return &Conn{HostID: e.hostID, pool: p, entry: e, checkout: checkout}, nil
}

// connect dials host and registers the new entry in use. It runs at most
// once per host at a time.
func (p *Pool) connect(ctx context.Context, host hosts.Host, auth hosts.AuthConfig) (*entry, error) {
	p.mu.Lock()
	_, exists := p.conns[host.ID]
	p.mu.Unlock()
	if exists {
		// An earlier flight registered the host after the caller looked.
		return nil, nil
	}

	if err := p.limiter.allow(host.ID); err != nil {
		p.events.log(host.ID, EventConnectFailed, err.Error())
		observability.PoolConnectFailures.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	p.events.log(host.ID, EventConnecting, host.Addr())
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	type result struct {
		transport Transport
		session   SFTPSession
		err       error
	}
	done := make(chan result, 1)
	go func() {
		t, err := p.dialer.Dial(ctx, host, auth)
		if err != nil {
			done <- result{err: &TransportError{HostID: host.ID, Err: err}}
			return
		}
		s, err := t.OpenSFTP()
		if err != nil {
			t.Close()
			done <- result{err: &SFTPSessionError{HostID: host.ID, Err: err}}
			return
		}
		done <- result{transport: t, session: s}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		// Whatever the dial produces later is discarded.
		go func() {
			late := <-done
			if late.session != nil {
				late.session.Close()
			}
			if late.transport != nil {
				late.transport.Close()
			}
		}()
		r.err = fmt.Errorf("connect to host %s after %s: %w", host.ID, p.opts.ConnectTimeout, ErrConnectionTimeout)
	}
	if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(r.err, ErrConnectionTimeout) {
		// The dialer gave up on the same deadline.
		r.err = fmt.Errorf("connect to host %s after %s: %w", host.ID, p.opts.ConnectTimeout, ErrConnectionTimeout)
	}
	if r.err != nil {
		p.limiter.recordFailure(host.ID)
		p.events.log(host.ID, EventConnectFailed, r.err.Error())
		observability.PoolConnectFailures.WithLabelValues(failureReason(r.err)).Inc()
		log.Printf("[sshpool] Connection to host %s failed: %v", host.ID, r.err)
		return nil, r.err
	}

	p.limiter.recordSuccess(host.ID)
	elapsed := time.Since(start)
	observability.PoolConnectDuration.Observe(elapsed.Seconds())

	e := &entry{
		hostID:     host.ID,
		transport:  r.transport,
		sftp:       r.session,
		lastUsedAt: p.now(),
		inUse:      true,
		checkout:   firstCheckout,
		ready:      true,
		released:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		r.session.Close()
		r.transport.Close()
		return nil, ErrPoolClosed
	}
	if _, exists := p.conns[host.ID]; exists {
		p.mu.Unlock()
		r.session.Close()
		r.transport.Close()
		return nil, nil
	}
	var evicted *entry
	if len(p.conns) >= p.opts.MaxSize {
		if lru := p.lruIdleLocked(); lru != nil {
			p.removeLocked(lru)
			evicted = lru
		} else {
			observability.PoolOverflows.Inc()
			log.Printf("[sshpool] WARNING: all %d connections in use; admitting host %s above capacity",
				len(p.conns), host.ID)
		}
	}
	p.conns[host.ID] = e
	p.mu.Unlock()

	if evicted != nil {
		log.Printf("[sshpool] Evicting least recently used connection %s to make room for %s", evicted.hostID, host.ID)
		p.teardown(evicted, EventEvictedCapacity, "pool at capacity", "capacity")
	}

	go p.watch(e)

	observability.PoolConnectionsOpened.Inc()
	p.events.log(host.ID, EventConnected, fmt.Sprintf("ready in %s", elapsed.Round(time.Millisecond)))
	log.Printf("[sshpool] Connected to host %s (%s) in %s", host.ID, host.Addr(), elapsed.Round(time.Millisecond))
	p.report()
	return e, nil
}

// watch removes the entry as soon as its transport ends.
func (p *Pool) watch(e *entry) {
	err := e.transport.Wait()

	p.mu.Lock()
	removed := p.removeLocked(e)
	p.mu.Unlock()
	if !removed {
		return
	}

	detail := "transport closed by remote"
	if err != nil {
		detail = err.Error()
	}
	log.Printf("[sshpool] Connection to host %s ended: %s", e.hostID, detail)
	p.teardown(e, EventRemoteEnd, detail, "remote_end")
}

// Release marks the host's connection idle. Unknown hosts are a no-op.
func (p *Pool) Release(hostID string) {
	p.mu.Lock()
	e, ok := p.conns[hostID]
	released := ok && p.releaseLocked(e)
	p.mu.Unlock()
	if released {
		p.events.log(hostID, EventReleased, "")
		p.report()
	}
}

func (p *Pool) releaseEntry(e *entry, checkout uint64) {
	p.mu.Lock()
	released := p.conns[e.hostID] == e && e.checkout == checkout && p.releaseLocked(e)
	p.mu.Unlock()
	if released {
		p.events.log(e.hostID, EventReleased, "")
		p.report()
	}
}

// Caller must hold p.mu.
func (p *Pool) releaseLocked(e *entry) bool {
	if !e.inUse || e.removed {
		return false
	}
	e.inUse = false
	e.lastUsedAt = p.now()
	close(e.released)
	e.released = make(chan struct{})
	return true
}

// Close removes and tears down the host's connection, in use or not, and
// lifts any connect block on the host. Unknown hosts are a no-op.
func (p *Pool) Close(hostID string) {
	p.mu.Lock()
	e, ok := p.conns[hostID]
	if ok {
		p.removeLocked(e)
	}
	p.mu.Unlock()
	p.limiter.reset(hostID)
	if ok {
		log.Printf("[sshpool] Closed connection to host %s", hostID)
		p.teardown(e, EventClosed, "closed on request", "closed")
	}
}

// CloseAll tears down every connection and stops the idle sweep. Get fails
// with ErrPoolClosed afterwards. Safe to call more than once.
func (p *Pool) CloseAll() {
	<-p.sweeper.Stop().Done()

	p.mu.Lock()
	wasClosed := p.closed
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*entry)
	for _, e := range conns {
		e.removed = true
		close(e.released)
	}
	p.mu.Unlock()

	for _, e := range conns {
		p.teardown(e, EventClosed, "pool shutdown", "closed")
	}
	if !wasClosed {
		log.Printf("[sshpool] All connections closed (%d total)", len(conns))
	}
	p.report()
}

// CleanupIdle removes idle connections unused for longer than IdleTimeout
// and returns how many were removed. It runs on the sweep schedule and can
// be called directly.
func (p *Pool) CleanupIdle() int {
	now := p.now()
	var stale []*entry

	p.mu.Lock()
	for _, e := range p.conns {
		if !e.inUse && now.Sub(e.lastUsedAt) > p.opts.IdleTimeout {
			p.removeLocked(e)
			stale = append(stale, e)
		}
	}
	p.mu.Unlock()

	for _, e := range stale {
		log.Printf("[sshpool] Closing idle connection to host %s", e.hostID)
		p.teardown(e, EventEvictedIdle, fmt.Sprintf("idle longer than %s", p.opts.IdleTimeout), "idle")
	}
	if len(stale) > 0 {
		p.report()
	}
	return len(stale)
}

// Status returns a snapshot of the pool's size.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Status
	for _, e := range p.conns {
		s.Total++
		if e.inUse {
			s.Active++
		} else {
			s.Idle++
		}
	}
	return s
}

// Events returns the connection log for a host, oldest first.
func (p *Pool) Events(hostID string) []Event {
	return p.events.get(hostID)
}

// AllEvents returns the connection logs of every host seen so far.
func (p *Pool) AllEvents() map[string][]Event {
	return p.events.all()
}

// OnEvent registers fn to receive every event as it is recorded and returns
// a function that removes it.
func (p *Pool) OnEvent(fn func(Event)) (unsubscribe func()) {
	return p.events.subscribe(fn)
}

// Caller must hold p.mu.
func (p *Pool) lruIdleLocked() *entry {
	var lru *entry
	for _, e := range p.conns {
		if e.inUse {
			continue
		}
		if lru == nil || e.lastUsedAt.Before(lru.lastUsedAt) {
			lru = e
		}
	}
	return lru
}

// removeLocked unregisters e and wakes its waiters. It reports false if e
// was already gone. Caller must hold p.mu.
func (p *Pool) removeLocked(e *entry) bool {
	if e.removed {
		return false
	}
	e.removed = true
	if p.conns[e.hostID] == e {
		delete(p.conns, e.hostID)
	}
	close(e.released)
	return true
}

// teardown closes an already unregistered entry, SFTP first. Errors are
// logged and swallowed.
func (p *Pool) teardown(e *entry, typ EventType, details, reason string) {
	e.dropSession()
	if err := e.transport.Close(); err != nil && typ != EventRemoteEnd {
		log.Printf("[sshpool] Error closing transport for host %s: %v", e.hostID, err)
	}
	p.events.log(e.hostID, typ, details)
	observability.PoolRemovals.WithLabelValues(reason).Inc()
	p.report()
}

func (p *Pool) report() {
	s := p.Status()
	observability.PoolConnections.WithLabelValues("active").Set(float64(s.Active))
	observability.PoolConnections.WithLabelValues("idle").Set(float64(s.Idle))
}

func failureReason(err error) string {
	var sftpErr *SFTPSessionError
	switch {
	case errors.Is(err, ErrConnectionTimeout):
		return "timeout"
	case errors.As(err, &sftpErr):
		return "sftp"
	default:
		return "transport"
	}
}
