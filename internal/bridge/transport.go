// Package bridge carries the duplex request/response and streaming
// protocol between client connections and the shared backend kernel.
// The client side (Bridge) owns connection state, pre-ready buffering,
// heartbeat supervision and reconnection; the backend side (Kernel)
// serves the request vocabulary over any number of transports.
package bridge

import (
	"context"
	"errors"
	"sync"

	"synapse/internal/protocol"
)

// ErrTransportClosed is returned by a transport whose end was closed.
var ErrTransportClosed = errors.New("transport closed")

// Transport is an ordered, reliable duplex envelope channel. Inbound
// is closed when the peer closes its end.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Inbound() <-chan protocol.Envelope
	Close() error
}

// DialFunc establishes a transport to the backend.
type DialFunc func(ctx context.Context) (Transport, error)

// pipeEnd is one side of an in-memory transport pair. The outgoing
// channel is owned (and closed) exclusively by this end, so Send and
// Close serialize on the same mutex and can never race a close.
type pipeEnd struct {
	mu     sync.Mutex
	out    chan protocol.Envelope
	in     chan protocol.Envelope
	closed bool
}

// Pipe returns two connected in-memory transports. Envelope order is
// preserved per direction. Both hosts and tests use it to run a kernel
// and a bridge inside one process.
func Pipe() (Transport, Transport) {
	forward := make(chan protocol.Envelope, 64)
	backward := make(chan protocol.Envelope, 64)
	return &pipeEnd{out: forward, in: backward},
		&pipeEnd{out: backward, in: forward}
}

func (p *pipeEnd) Send(ctx context.Context, env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrTransportClosed
	}
	select {
	case p.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Inbound() <-chan protocol.Envelope { return p.in }

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
	return nil
}
