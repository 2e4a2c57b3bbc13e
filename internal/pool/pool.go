// Package pool bounds the number of live automation sessions and spaces out
// requests to the same target.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"slotwatch/internal/automation"
	"slotwatch/internal/domain"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrPoolExhausted = errors.New("no automation session available")
	ErrSessionCreate = errors.New("create automation session")
	ErrClosed        = errors.New("pool closed")
)

type Options struct {
	MaxSessions    int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	ProxyCacheTTL  time.Duration
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Capacity int `json:"capacity"`
	Active   int `json:"active"`
	Idle     int `json:"idle"`
	Waiting  int `json:"waiting"`
}

type idleSession struct {
	session automation.Session
	since   time.Time
}

type Pool struct {
	factory automation.SessionFactory
	proxies *proxyRotation
	opts    Options
	logger  *zerolog.Logger

	mu       sync.Mutex
	capacity int
	active   int
	waiting  int
	idle     []idleSession
	wake     chan struct{}
	closed   bool

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a pool. provider and cache may be nil: without a provider no
// proxy is attached, without a cache the list is fetched on every miss.
func New(factory automation.SessionFactory, provider ProxyProvider, cache domain.StateStore, opts Options, logger *zerolog.Logger) *Pool {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 4
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.ProxyCacheTTL <= 0 {
		opts.ProxyCacheTTL = 5 * time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "pool").Logger()

	return &Pool{
		factory:  factory,
		proxies:  newProxyRotation(provider, cache, opts.ProxyCacheTTL, &l),
		opts:     opts,
		logger:   &l,
		capacity: opts.MaxSessions,
		wake:     make(chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Lease is exclusive use of one session. Exactly one of Release or Discard
// must be called; later calls are no-ops.
type Lease struct {
	pool    *Pool
	session automation.Session
	limiter *rate.Limiter
	done    atomic.Bool
}

func (l *Lease) Session() automation.Session { return l.session }

// Wait blocks until the target's minimum inter-request delay has passed.
func (l *Lease) Wait(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

func (l *Lease) Release() { l.pool.Release(l) }

func (l *Lease) Discard() { l.pool.Discard(l) }

// Acquire waits for a free slot up to the acquire timeout and returns a
// lease on an idle or new session.
func (p *Pool) Acquire(ctx context.Context, target models.Target) (*Lease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	p.mu.Lock()
	p.waiting++
	for p.active >= p.capacity && !p.closed {
		wake := p.wake
		p.mu.Unlock()
		p.publish()

		select {
		case <-wake:
		case <-waitCtx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			p.publish()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, ErrPoolExhausted
		}
		p.mu.Lock()
	}
	p.waiting--
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.active++
	var session automation.Session
	if n := len(p.idle); n > 0 {
		session = p.idle[n-1].session
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if session == nil {
		proxy := p.proxies.next(ctx)
		s, err := p.factory.NewSession(ctx, proxy)
		if err != nil {
			p.freeSlot()
			return nil, fmt.Errorf("%w: %v", ErrSessionCreate, err)
		}
		session = s
		p.logger.Debug().Str("proxy", proxy).Msg("session created")
	}
	p.publish()

	return &Lease{pool: p, session: session, limiter: p.limiter(target)}, nil
}

// Release returns the lease's session to the idle set.
func (p *Pool) Release(l *Lease) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	keep := !p.closed && len(p.idle) < p.capacity
	if keep {
		p.idle = append(p.idle, idleSession{session: l.session, since: time.Now()})
	}
	p.mu.Unlock()
	if !keep {
		p.closeSession(l.session)
	}
	p.freeSlot()
}

// Discard tears the session down; used when its state is unknown.
func (p *Pool) Discard(l *Lease) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return
	}
	p.closeSession(l.session)
	p.freeSlot()
}

func (p *Pool) freeSlot() {
	p.mu.Lock()
	p.active--
	p.broadcastLocked()
	p.mu.Unlock()
	p.publish()
}

func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// SetCapacity changes the number of concurrent sessions at runtime. Leases
// above a lowered capacity finish normally.
func (p *Pool) SetCapacity(n int) {
	if n <= 0 {
		n = p.opts.MaxSessions
	}
	p.mu.Lock()
	if p.capacity == n {
		p.mu.Unlock()
		return
	}
	p.capacity = n
	var extra []idleSession
	if len(p.idle) > n {
		extra = append(extra, p.idle[n:]...)
		p.idle = p.idle[:n]
	}
	p.broadcastLocked()
	p.mu.Unlock()

	for _, s := range extra {
		p.closeSession(s.session)
	}
	p.logger.Info().Int("capacity", n).Msg("pool capacity changed")
	p.publish()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Capacity: p.capacity, Active: p.active, Idle: len(p.idle), Waiting: p.waiting}
}

func (p *Pool) publish() {
	s := p.Stats()
	metrics.SetPool(s.Capacity, s.Active, s.Idle, s.Waiting)
}

func (p *Pool) limiter(target models.Target) *rate.Limiter {
	delay := target.Recipe.GetDuration(models.RecipeMinRequestDelay)
	if delay <= 0 {
		return nil
	}
	p.limMu.Lock()
	defer p.limMu.Unlock()
	lim, ok := p.limiters[target.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(delay), 1)
		p.limiters[target.ID] = lim
	}
	return lim
}

// Run reaps idle sessions until ctx is done, then closes the pool.
func (p *Pool) Run(ctx context.Context) error {
	interval := p.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return nil
		case now := <-ticker.C:
			if n := p.reap(now); n > 0 {
				p.logger.Debug().Int("sessions", n).Msg("idle sessions reaped")
			}
		}
	}
}

func (p *Pool) reap(now time.Time) int {
	p.mu.Lock()
	var stale []automation.Session
	kept := p.idle[:0]
	for _, s := range p.idle {
		if now.Sub(s.since) >= p.opts.IdleTimeout {
			stale = append(stale, s.session)
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, s := range stale {
		p.closeSession(s)
	}
	if len(stale) > 0 {
		p.publish()
	}
	return len(stale)
}

// Close stops handing out sessions and closes idle ones. Leased sessions are
// closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.broadcastLocked()
	p.mu.Unlock()

	for _, s := range idle {
		p.closeSession(s.session)
	}
}

func (p *Pool) closeSession(s automation.Session) {
	if err := s.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("close session")
	}
}
