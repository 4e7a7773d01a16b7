// Package broker carries live sandbox output from a run's worker to any
// number of concurrent readers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound indicates no live channel is registered for the run.
	ErrNotFound = errors.New("broker: run not streaming")
	// ErrClosed is returned by Next once the channel is closed and drained.
	ErrClosed = errors.New("broker: channel closed")
	// ErrExists indicates a channel is already registered for the run.
	ErrExists = errors.New("broker: channel already registered")
)

// Registry maps run ids to live channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Register creates the live channel for a run.
func (r *Registry) Register(runID string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, runID)
	}
	ch := newChannel()
	r.channels[runID] = ch
	return ch, nil
}

// Lookup returns the live channel for a run, if any.
func (r *Registry) Lookup(runID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[runID]
	return ch, ok
}

// Deregister closes and removes the run's channel. Subscribers drain what
// was already published and then observe ErrClosed.
func (r *Registry) Deregister(runID string) {
	r.mu.Lock()
	ch, ok := r.channels[runID]
	delete(r.channels, runID)
	r.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// Active reports how many runs are currently streaming.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Channel is an append-only line log with blocking readers.
type Channel struct {
	mu     sync.Mutex
	lines  []string
	closed bool
	// notify is closed and replaced on every publish and on close.
	notify chan struct{}
}

func newChannel() *Channel {
	return &Channel{notify: make(chan struct{})}
}

// Publish appends a line and wakes readers. Lines published after Close are dropped.
func (c *Channel) Publish(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.lines = append(c.lines, line)
	close(c.notify)
	c.notify = make(chan struct{})
}

// Close marks the channel finished.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

// Lines returns a snapshot of everything published so far.
func (c *Channel) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// Subscribe returns a reader positioned at the current tail. Earlier lines are not replayed.
func (c *Channel) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Subscription{ch: c, cursor: len(c.lines)}
}

// Subscription is one reader's cursor into a channel. It is not safe for
// concurrent use; each consumer takes its own.
type Subscription struct {
	ch     *Channel
	cursor int
}

// Next blocks until a line is available, the channel closes or ctx ends.
func (s *Subscription) Next(ctx context.Context) (string, error) {
	for {
		s.ch.mu.Lock()
		if s.cursor < len(s.ch.lines) {
			line := s.ch.lines[s.cursor]
			s.cursor++
			s.ch.mu.Unlock()
			return line, nil
		}
		if s.ch.closed {
			s.ch.mu.Unlock()
			return "", ErrClosed
		}
		wait := s.ch.notify
		s.ch.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
