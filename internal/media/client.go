package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DialFunc opens a new engine connection.
type DialFunc func(ctx context.Context) (Engine, error)

// Client shares a single lazily dialled Engine between all rooms and calls.
//
// Each Acquire that returns an engine must be balanced by exactly one Release.
// The engine is closed when the last reference is released and dialled again
// by the next Acquire.
type Client struct {
	dial DialFunc
	log  *slog.Logger

	mu     sync.Mutex
	engine Engine
	refs   int
	dials  int
}

func NewClient(dial DialFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{dial: dial, log: logger}
}

// Acquire returns the shared engine, dialling it if needed, and takes a
// reference. A failed dial takes no reference.
func (c *Client) Acquire(ctx context.Context) (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		e, err := c.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect media engine: %w", err)
		}
		c.engine = e
		c.dials++
		c.log.Info("media engine connected")
	}
	c.refs++
	return c.engine, nil
}

// Release drops one reference and closes the engine when none remain.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		c.log.Warn("media engine released without a reference")
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	if err := c.engine.Close(); err != nil {
		c.log.Warn("media engine close failed", "err", err)
	}
	c.engine = nil
	c.log.Info("media engine closed")
}

// Refs reports the number of outstanding references.
func (c *Client) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Connected reports whether an engine connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine != nil
}

// Dials reports how many engine connections have been opened so far.
func (c *Client) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}
