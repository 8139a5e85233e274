package ssh

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Pool shares one connection per user@host:port across the actions and
// readiness checks of a deployment.
type Pool struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewPool creates an empty pool.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Get returns a live connection for cfg, dialing one if needed.
func (p *Pool) Get(ctx context.Context, cfg Config) (*Client, error) {
	defaulted := cfg.withDefaults()
	key := defaulted.key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("ssh pool is closed")
	}
	c, ok := p.clients[key]
	p.mu.Unlock()

	if ok {
		if c.Alive() {
			return c, nil
		}
		p.logger.Warn().Str("host", key).Msg("existing connection is dead, reconnecting")
		p.drop(key, c)
	}

	// Dial without the lock so slow hosts do not hold up the others.
	c, err := Dial(ctx, cfg, p.logger)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return nil, errors.New("ssh pool is closed")
	}
	if existing, ok := p.clients[key]; ok {
		_ = c.Close()
		return existing, nil
	}
	p.clients[key] = c
	return c, nil
}

func (p *Pool) drop(key string, c *Client) {
	p.mu.Lock()
	if p.clients[key] == c {
		delete(p.clients, key)
	}
	p.mu.Unlock()
	_ = c.Close()
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every pooled connection. Later calls to Get fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, key)
	}
	p.closed = true
	return errors.Join(errs...)
}
