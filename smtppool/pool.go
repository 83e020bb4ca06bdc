package smtppool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexisbouchez/smtpmail"
	"github.com/alexisbouchez/smtpmail/internal/metrics"
	"github.com/alexisbouchez/smtpmail/smtpclient"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

const (
	maxSweepInterval = 30 * time.Second
	// DefaultQuitTimeout bounds the QUIT sent to a session leaving the pool.
	DefaultQuitTimeout = 5 * time.Second
)

var lastPool atomic.Uint64

// Pool keeps up to MaxPoolSize sessions to one relay. Idle sessions are
// reused most recently used first; callers that find the pool full wait in
// FIFO order.
type Pool struct {
	name        string
	cfg         smtpconfig.Config
	logger      *slog.Logger
	sessionOpts []smtpclient.Option
	now         func() time.Time
	quitTimeout time.Duration

	mu       sync.Mutex
	entries  map[*smtpclient.Session]*entry // idle and in use
	idle     *list.List                     // of *entry, most recent at the front
	waiters  *list.List                     // of *waiter
	live     int                            // entries plus sessions being connected
	retiring int                            // sessions removed but not yet closed
	closed   bool
	created  uint64
	evicted  uint64

	drained chan struct{}
	stop    chan struct{}
}

type entry struct {
	session  *smtpclient.Session
	lastUsed time.Time
	elem     *list.Element // nil while in use
}

type waiter struct {
	ch   chan grant
	elem *list.Element // nil once served or withdrawn
}

// grant is what a waiter is woken with: an idle session, a free slot to
// connect in, or an error.
type grant struct {
	session *smtpclient.Session
	slot    bool
	err     error
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Live    int // Connected or connecting.
	Idle    int
	InUse   int
	Waiting int
	Created uint64
	Evicted uint64 // Closed for idleness.
}

// New creates a pool. No connection is made until the first Acquire.
func New(cfg smtpconfig.Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		name:        fmt.Sprintf("%s#%d", cfg.Addr(), lastPool.Add(1)),
		logger:      slog.Default(),
		now:         time.Now,
		quitTimeout: DefaultQuitTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool{
		name:        o.name,
		cfg:         cfg,
		logger:      o.logger.With("pool", o.name),
		now:         o.now,
		quitTimeout: o.quitTimeout,
		entries:     make(map[*smtpclient.Session]*entry),
		idle:        list.New(),
		waiters:     list.New(),
		drained:     make(chan struct{}),
		stop:        make(chan struct{}),
	}
	p.sessionOpts = append([]smtpclient.Option{smtpclient.WithLogger(p.logger)}, o.sessionOpts...)

	interval := o.sweepInterval
	if interval == 0 {
		interval = min(cfg.IdleTimeout/2, maxSweepInterval)
	}
	if interval > 0 {
		go p.janitor(interval)
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Config returns the configuration the pool was created with.
func (p *Pool) Config() smtpconfig.Config { return p.cfg }

// Acquire returns a Ready session for the caller's exclusive use. It must be
// handed back with Release.
//
// An idle session is reused if there is one; otherwise a new one is
// connected while the pool is below MaxPoolSize. A full pool queues the
// caller until a session or slot frees up. If ctx ends while queued the
// caller is withdrawn; if it was already served the session is returned
// regardless.
func (p *Pool) Acquire(ctx context.Context) (*smtpclient.Session, error) {
	start := time.Now()
	defer func() {
		metrics.AcquireWait.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, smtp.ErrPoolClosed
	}
	stale := p.sweepLocked()

	if e := p.popIdleLocked(); e != nil {
		p.reportLocked()
		p.mu.Unlock()
		p.retire(ctx, stale, metrics.ReasonIdle)
		return e.session, nil
	}

	if p.live < p.cfg.MaxPoolSize {
		p.live++
		p.reportLocked()
		p.mu.Unlock()
		p.retire(ctx, stale, metrics.ReasonIdle)
		return p.connect(ctx)
	}

	w := &waiter{ch: make(chan grant, 1)}
	w.elem = p.waiters.PushBack(w)
	p.reportLocked()
	p.mu.Unlock()
	p.retire(ctx, stale, metrics.ReasonIdle)

	select {
	case g := <-w.ch:
		return p.redeem(ctx, g)
	case <-ctx.Done():
	}

	p.mu.Lock()
	if w.elem != nil {
		p.waiters.Remove(w.elem)
		w.elem = nil
		p.reportLocked()
		p.mu.Unlock()
		return nil, context.Cause(ctx)
	}
	p.mu.Unlock()
	return p.redeem(context.WithoutCancel(ctx), <-w.ch)
}

func (p *Pool) redeem(ctx context.Context, g grant) (*smtpclient.Session, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.slot:
		return p.connect(ctx)
	default:
		return g.session, nil
	}
}

// connect dials a session in a slot already counted in live.
func (p *Pool) connect(ctx context.Context) (*smtpclient.Session, error) {
	s, err := smtpclient.Dial(ctx, p.cfg, p.sessionOpts...)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.handOffLocked()
		p.reportLocked()
		p.mu.Unlock()
		p.logger.Warn("connect failed", "error", err)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.live--
		p.retiring++
		p.reportLocked()
		p.mu.Unlock()
		p.retire(ctx, []*smtpclient.Session{s}, metrics.ReasonShutdown)
		return nil, smtp.ErrPoolClosed
	}
	p.entries[s] = &entry{session: s}
	p.created++
	p.reportLocked()
	p.mu.Unlock()

	metrics.SessionsCreated.WithLabelValues(p.name).Inc()
	return s, nil
}

// Release hands a session back. A Ready session of a keep-alive pool goes
// to the next waiter or the idle list; anything else is closed and its
// slot handed on.
func (p *Pool) Release(s *smtpclient.Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	e, ok := p.entries[s]
	if !ok || e.elem != nil {
		p.mu.Unlock()
		return
	}

	if !p.closed && p.cfg.KeepAlive && s.Usable() {
		e.lastUsed = p.now()
		if w := p.popWaiterLocked(); w != nil {
			w.ch <- grant{session: s}
		} else {
			e.elem = p.idle.PushFront(e)
		}
		p.reportLocked()
		p.mu.Unlock()
		return
	}

	reason := metrics.ReasonReleased
	switch {
	case p.closed:
		reason = metrics.ReasonShutdown
	case !s.Usable():
		reason = metrics.ReasonFailed
	}
	delete(p.entries, s)
	p.live--
	p.retiring++
	p.handOffLocked()
	p.reportLocked()
	p.mu.Unlock()

	p.retire(context.Background(), []*smtpclient.Session{s}, reason)
}

// Close stops the pool: new and queued Acquire calls fail with
// smtp.ErrPoolClosed, idle sessions are sent QUIT and sessions in use are
// closed as they are released. It returns when no session is left or ctx
// ends. Close may be called more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	var idle []*smtpclient.Session
	if !p.closed {
		p.closed = true
		close(p.stop)

		for p.waiters.Len() > 0 {
			p.popWaiterLocked().ch <- grant{err: smtp.ErrPoolClosed}
		}
		for p.idle.Len() > 0 {
			e := p.idle.Remove(p.idle.Back()).(*entry)
			delete(p.entries, e.session)
			idle = append(idle, e.session)
		}
		p.live -= len(idle)
		p.retiring += len(idle)
		p.reportLocked()
		p.logger.Info("pool closing", "idle", len(idle), "in_use", len(p.entries))
	}
	p.mu.Unlock()

	p.retire(ctx, idle, metrics.ReasonShutdown)

	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Stats reports the pool's current counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Live:    p.live,
		Idle:    p.idle.Len(),
		InUse:   len(p.entries) - p.idle.Len(),
		Waiting: p.waiters.Len(),
		Created: p.created,
		Evicted: p.evicted,
	}
}

func (p *Pool) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			stale := p.sweepLocked()
			p.mu.Unlock()
			p.retire(context.Background(), stale, metrics.ReasonIdle)
		}
	}
}

// sweepLocked removes idle sessions that expired or stopped being Ready.
// The caller closes the returned sessions outside the lock with retire.
func (p *Pool) sweepLocked() []*smtpclient.Session {
	now := p.now()
	var stale []*smtpclient.Session
	for el := p.idle.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if !e.session.Usable() || now.Sub(e.lastUsed) >= p.cfg.IdleTimeout {
			p.idle.Remove(el)
			e.elem = nil
			delete(p.entries, e.session)
			stale = append(stale, e.session)
		}
		el = prev
	}
	if len(stale) == 0 {
		return nil
	}

	p.live -= len(stale)
	p.retiring += len(stale)
	p.evicted += uint64(len(stale))
	p.handOffLocked()
	p.reportLocked()
	p.logger.Debug("evicted idle sessions", "count", len(stale))
	return stale
}

// retire closes sessions already taken out of the pool: QUIT for a Ready
// one, a plain close otherwise. Each QUIT is bounded by the quit timeout.
func (p *Pool) retire(ctx context.Context, sessions []*smtpclient.Session, reason string) {
	if len(sessions) == 0 {
		return
	}
	for _, s := range sessions {
		if s.Usable() {
			qctx, cancel := context.WithTimeout(ctx, p.quitTimeout)
			err := s.Quit(qctx)
			cancel()
			if err != nil {
				p.logger.Debug("quit failed", "session", s.ID(), "error", err)
			}
		} else {
			s.Close()
		}
		metrics.SessionsClosed.WithLabelValues(p.name, reason).Inc()
	}

	p.mu.Lock()
	p.retiring -= len(sessions)
	p.reportLocked()
	p.mu.Unlock()
}

// popIdleLocked takes the most recently used idle session.
func (p *Pool) popIdleLocked() *entry {
	el := p.idle.Front()
	if el == nil {
		return nil
	}
	e := p.idle.Remove(el).(*entry)
	e.elem = nil
	return e
}

func (p *Pool) popWaiterLocked() *waiter {
	el := p.waiters.Front()
	if el == nil {
		return nil
	}
	w := p.waiters.Remove(el).(*waiter)
	w.elem = nil
	return w
}

// handOffLocked serves queued callers from idle sessions, then from free
// slots, strictly in arrival order.
func (p *Pool) handOffLocked() {
	for p.waiters.Len() > 0 {
		if e := p.popIdleLocked(); e != nil {
			p.popWaiterLocked().ch <- grant{session: e.session}
			continue
		}
		if p.closed || p.live >= p.cfg.MaxPoolSize {
			return
		}
		p.live++
		p.popWaiterLocked().ch <- grant{slot: true}
	}
}

// reportLocked publishes the gauges and signals Close once the pool has
// drained.
func (p *Pool) reportLocked() {
	metrics.SessionsLive.WithLabelValues(p.name).Set(float64(p.live))
	metrics.SessionsIdle.WithLabelValues(p.name).Set(float64(p.idle.Len()))
	metrics.WaitQueueLength.WithLabelValues(p.name).Set(float64(p.waiters.Len()))

	if p.closed && p.live == 0 && p.retiring == 0 {
		select {
		case <-p.drained:
		default:
			close(p.drained)
		}
	}
}
