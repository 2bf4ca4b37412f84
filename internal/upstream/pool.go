// Package upstream pools keep-alive connections to the upstream LLM API.
// Released connections are handed directly to the head of the waiter queue
// (FIFO) instead of being returned to the idle set, which avoids the
// thundering-herd wake-up race.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

var (
	// ErrAcquireTimeout is returned when no connection frees up in time.
	ErrAcquireTimeout = errors.New("upstream pool: acquire timeout")
	// ErrPoolClosed is returned to acquirers and waiters during shutdown.
	ErrPoolClosed = errors.New("upstream pool: closed")
)

// Config holds pool sizing and maintenance settings.
type Config struct {
	MinConnections      int
	MaxConnections      int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	KeepAliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	EnableHTTP2         bool
}

// DefaultConfig returns the production pool settings.
func DefaultConfig() Config {
	return Config{
		MinConnections:      2,
		MaxConnections:      10,
		AcquireTimeout:      10 * time.Second,
		IdleTimeout:         5 * time.Minute,
		KeepAliveTimeout:    90 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		EnableHTTP2:         true,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Size      int   `json:"size"`
	Waiting   int   `json:"waiting"`
	MaxConns  int   `json:"max_connections"`
	MinConns  int   `json:"min_connections"`
	Exhausted int64 `json:"pool_exhausted_total"`
}

type waiter struct {
	ch chan *Conn // buffered(1); closed on shutdown
}

// Pool manages connections to a single upstream base URL.
type Pool struct {
	baseURL string
	cfg     Config
	log     *slog.Logger

	mu        sync.Mutex
	idle      []*Conn
	waiters   []*waiter
	size      int // idle + active + being created
	active    int
	exhausted int64
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New validates baseURL and starts the pool: min connections are warmed in
// the background and the health/reap loops begin ticking.
func New(baseURL string, cfg Config, log *slog.Logger) (*Pool, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", baseURL)
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	if cfg.MinConnections < 0 || cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = 0
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}

	p := &Pool{
		baseURL: baseURL,
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.warmUp()
	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return p, nil
}

// BaseURL returns the upstream base URL the pool dials.
func (p *Pool) BaseURL() string { return p.baseURL }

// Acquire returns a healthy connection, creating one if the pool is under
// its limit, otherwise queueing FIFO behind other waiters until a
// connection is released, the deadline passes, or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Newest idle connection first; stale unhealthy ones die here.
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !c.healthy {
			c.close()
			p.size--
			continue
		}
		c.inUse = true
		p.active++
		p.mu.Unlock()
		return c, nil
	}

	if p.size < p.cfg.MaxConnections {
		p.size++
		p.mu.Unlock()
		c := newConn(p.cfg)
		p.mu.Lock()
		if p.closed {
			p.size--
			p.mu.Unlock()
			c.close()
			return nil, ErrPoolClosed
		}
		c.inUse = true
		p.active++
		p.mu.Unlock()
		return c, nil
	}

	w := &waiter{ch: make(chan *Conn, 1)}
	p.waiters = append(p.waiters, w)
	p.exhausted++
	p.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return c, nil
	case <-ctx.Done():
		if c := p.abandonWaiter(w); c != nil {
			return c, nil
		}
		return nil, ctx.Err()
	case <-timer.C:
		if c := p.abandonWaiter(w); c != nil {
			return c, nil
		}
		return nil, fmt.Errorf("%w after %s", ErrAcquireTimeout, p.cfg.AcquireTimeout)
	}
}

// abandonWaiter removes w from the queue. A hand-off racing the timeout may
// already have delivered a connection; in that case the waiter keeps it.
func (p *Pool) abandonWaiter(w *waiter) *Conn {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	select {
	case c, ok := <-w.ch:
		if ok {
			return c
		}
	default:
	}
	return nil
}

// Release returns a connection to the pool. healthy=false flags a
// network-level failure: with no demand queued the connection stays flagged
// and is closed on the next acquire attempt; with waiters queued it is
// closed immediately and a replacement is built for the head waiter, so a
// queued request never times out against a slot a dead connection occupies.
// Healthy connections go straight to the head waiter when one is queued.
func (p *Pool) Release(c *Conn, healthy bool) {
	p.mu.Lock()
	c.inUse = false
	c.lastUsed = time.Now()
	p.active--
	if !healthy {
		c.healthy = false
	}

	if p.closed {
		p.size--
		p.mu.Unlock()
		c.close()
		return
	}

	if len(p.waiters) > 0 {
		if c.healthy {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			c.inUse = true
			p.active++
			w.ch <- c
			p.mu.Unlock()
			return
		}
		// The replacement takes over the dead connection's size slot.
		p.mu.Unlock()
		c.close()
		p.handOffNew()
		return
	}

	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// handOffNew builds a fresh connection for whoever is at the head of the
// waiter queue by then; if every waiter has given up the connection goes
// idle. The caller has already accounted its size slot.
func (p *Pool) handOffNew() {
	nc := newConn(p.cfg)
	p.mu.Lock()
	if p.closed {
		p.size--
		p.mu.Unlock()
		nc.close()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		nc.inUse = true
		p.active++
		w.ch <- nc
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, nc)
	p.mu.Unlock()
}

// Stats snapshots the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    p.active,
		Idle:      len(p.idle),
		Size:      p.size,
		Waiting:   len(p.waiters),
		MaxConns:  p.cfg.MaxConnections,
		MinConns:  p.cfg.MinConnections,
		Exhausted: p.exhausted,
	}
}

// Close shuts the pool down: waiters are failed with ErrPoolClosed, idle
// connections are closed, and the maintenance loops stop. Active
// connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.mu.Unlock()

	for _, c := range idle {
		c.close()
	}
	p.wg.Wait()
}

// warmUp pre-creates min connections and probes each so the TCP+TLS
// handshake cost is paid before traffic arrives.
func (p *Pool) warmUp() {
	defer p.wg.Done()
	for i := 0; i < p.cfg.MinConnections; i++ {
		p.mu.Lock()
		if p.closed || p.size >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.size++
		p.mu.Unlock()

		c := newConn(p.cfg)
		if err := p.probe(c); err != nil {
			p.log.Warn("warm-up probe failed", "conn", c.ID(), "error", err)
		}

		p.mu.Lock()
		if p.closed {
			p.size--
			p.mu.Unlock()
			c.close()
			return
		}
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	p.log.Debug("pool warmed", "connections", p.cfg.MinConnections, "upstream", p.baseURL)
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkIdle()
		case <-p.stopCh:
			return
		}
	}
}

// checkIdle takes the idle set out of rotation, probes each connection, and
// puts them back with updated health flags. A healthy connection goes to the
// head waiter when one queued up during the sweep, so the probe window never
// hides capacity from the queue.
func (p *Pool) checkIdle() {
	p.mu.Lock()
	conns := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range conns {
		if err := p.probe(c); err != nil {
			p.log.Warn("health check failed", "conn", c.ID(), "error", err)
			p.mu.Lock()
			c.healthy = false
			p.idle = append(p.idle, c)
			p.mu.Unlock()
			continue
		}
		p.mu.Lock()
		c.healthy = true
		if !p.closed && len(p.waiters) > 0 {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			c.inUse = true
			p.active++
			w.ch <- c
			p.mu.Unlock()
			continue
		}
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
}

// probe sends a HEAD to the base URL root. Transport errors and 5xx mark
// the connection unhealthy; 4xx means the upstream is alive.
func (p *Pool) probe(c *Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return nil
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle evicts connections idle past the timeout, oldest first, never
// shrinking the pool below min connections.
func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	p.mu.Lock()
	var evicted []*Conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.size-len(evicted) > p.cfg.MinConnections && c.lastUsed.Before(cutoff) {
			evicted = append(evicted, c)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.size -= len(evicted)
	p.mu.Unlock()

	for _, c := range evicted {
		c.close()
	}
	if len(evicted) > 0 {
		p.log.Debug("evicted idle connections", "count", len(evicted))
	}
}
