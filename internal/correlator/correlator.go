// Package correlator pairs an outbound device command with the reply the
// device later sends on its own passive connection.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout means the device did not reply in time.
	ErrTimeout = errors.New("device did not respond")
	// ErrSuperseded means a newer command for the same device replaced this one.
	ErrSuperseded = errors.New("superseded by a newer command")
)

type result struct {
	text string
	err  error
}

type pending struct {
	prefix string
	done   chan result
}

// Correlator holds at most one outstanding request per device. A second
// request for the same device supersedes the first.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// New creates an empty Correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[string]*pending)}
}

// QueueCommand registers a waiter for deviceID, calls send, and blocks until
// a reply starting with expectedPrefix is delivered for that device, the
// timeout elapses, or ctx is done. The timeout runs from registration.
func (c *Correlator) QueueCommand(ctx context.Context, deviceID, expectedPrefix string, timeout time.Duration, send func(context.Context) error) (string, error) {
	p := &pending{prefix: expectedPrefix, done: make(chan result, 1)}

	c.mu.Lock()
	if old, ok := c.pending[deviceID]; ok {
		old.done <- result{err: ErrSuperseded}
	}
	c.pending[deviceID] = p
	c.mu.Unlock()
	defer c.remove(deviceID, p)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if send != nil {
		if err := send(ctx); err != nil {
			return "", fmt.Errorf("send command to %s: %w", deviceID, err)
		}
	}

	select {
	case r := <-p.done:
		return r.text, r.err
	case <-timer.C:
		return "", fmt.Errorf("%w within %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Deliver routes a normalized inbound frame to the waiter for deviceID. It
// reports whether a waiter took the frame.
func (c *Correlator) Deliver(deviceID, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[deviceID]
	if !ok || !strings.HasPrefix(text, p.prefix) {
		return false
	}
	delete(c.pending, deviceID)
	p.done <- result{text: text}
	return true
}

// Pending reports whether a request for deviceID is outstanding.
func (c *Correlator) Pending(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[deviceID]
	return ok
}

func (c *Correlator) remove(deviceID string, p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[deviceID] == p {
		delete(c.pending, deviceID)
	}
}
