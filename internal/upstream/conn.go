package upstream

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Conn is one pooled upstream connection. Each Conn owns a dedicated
// transport capped at a single TCP connection, so pool accounting maps
// one-to-one onto real keep-alive connections.
type Conn struct {
	id        string
	client    *http.Client
	transport *http.Transport
	createdAt time.Time

	// guarded by the pool mutex
	lastUsed time.Time
	healthy  bool
	inUse    bool
}

func newConn(cfg Config) *Conn {
	transport := &http.Transport{
		MaxConnsPerHost:     1,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     cfg.KeepAliveTimeout,
		ForceAttemptHTTP2:   cfg.EnableHTTP2,
	}
	now := time.Now()
	return &Conn{
		id:        uuid.NewString(),
		client:    &http.Client{Transport: transport},
		transport: transport,
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}
}

// ID identifies the connection in logs and stats.
func (c *Conn) ID() string { return c.id }

// Do issues a request on this connection. The request context governs the
// deadline; no client-level timeout is set so streaming responses can
// outlive any fixed duration.
func (c *Conn) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

func (c *Conn) close() {
	c.transport.CloseIdleConnections()
}
