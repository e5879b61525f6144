package remote

import (
	"context"
	"sync"
)

// DialFunc opens a channel to one host.
type DialFunc func(ctx context.Context, host string) (Channel, error)

// Pool hands out one shared channel per host, dialing lazily. Hosts dial
// independently; a slow handshake to one never blocks another.
//
// Each host also carries a session token. WithSession holds the token
// for the duration of a callback, so command streams to one host never
// interleave: a poll batch owns the session from its first query to its
// last, and a submission conversation (upload, then sbatch) cannot be
// split by another caller.
type Pool struct {
	dial DialFunc

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

type poolEntry struct {
	mu      sync.Mutex
	ch      Channel
	session chan struct{}
}

func NewPool(dial DialFunc) *Pool {
	return &Pool{dial: dial, entries: make(map[string]*poolEntry)}
}

// entryFor returns the entry for host, creating it on first use.
func (p *Pool) entryFor(host string) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, wrapErr("Dial", host, ErrSessionClosed)
	}
	entry, ok := p.entries[host]
	if !ok {
		entry = &poolEntry{session: make(chan struct{}, 1)}
		p.entries[host] = entry
	}
	return entry, nil
}

// Get returns the channel for host, dialing it on first use. Concurrent
// callers for the same host share one dial.
func (p *Pool) Get(ctx context.Context, host string) (Channel, error) {
	entry, err := p.entryFor(host)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.ch != nil {
		return entry.ch, nil
	}
	ch, err := p.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	entry.ch = ch
	return ch, nil
}

// WithSession runs fn with exclusive use of the host's command stream.
// Callers that issue remote commands go through here; fn blocks until
// the current session holder finishes or ctx ends.
func (p *Pool) WithSession(ctx context.Context, host string, fn func(Channel) error) error {
	entry, err := p.entryFor(host)
	if err != nil {
		return err
	}

	select {
	case entry.session <- struct{}{}:
	case <-ctx.Done():
		return wrapErr("Session", host, ctx.Err())
	}
	defer func() { <-entry.session }()

	ch, err := p.Get(ctx, host)
	if err != nil {
		return err
	}
	return fn(ch)
}

// Invalidate closes and forgets the channel for host so the next Get
// redials. Call it after a connection-lost failure.
func (p *Pool) Invalidate(host string) {
	p.mu.Lock()
	entry, ok := p.entries[host]
	p.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.ch != nil {
		_ = entry.ch.Close()
		entry.ch = nil
	}
}

// Close closes every pooled channel. The pool is unusable afterwards.
// A session in flight keeps its channel until its callback returns; its
// commands then fail against the closed transport.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		e.mu.Lock()
		if e.ch != nil {
			if err := e.ch.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			e.ch = nil
		}
		e.mu.Unlock()
	}
	return firstErr
}
