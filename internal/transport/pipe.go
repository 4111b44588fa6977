package transport

import (
	"context"
	"sync"
)

// Pipe is an in-memory Conn. The server side is the Conn; the test or
// client side drives it through Send, Frames and Hangup.
type Pipe struct {
	in   chan []byte
	out  chan Frame
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closes int
}

// NewPipe returns a pipe buffering up to buf frames in each direction.
func NewPipe(buf int) *Pipe {
	if buf <= 0 {
		buf = 16
	}
	return &Pipe{
		in:   make(chan []byte, buf),
		out:  make(chan Frame, buf),
		done: make(chan struct{}),
	}
}

func (p *Pipe) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipe) Write(ctx context.Context, f Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

// Send queues an inbound frame as if the client wrote it.
func (p *Pipe) Send(b []byte) { p.in <- b }

// Frames exposes the frames the server wrote.
func (p *Pipe) Frames() <-chan Frame { return p.out }

// Hangup simulates the client going away.
func (p *Pipe) Hangup() { _ = p.Close() }

// Done is closed once the pipe is closed from either side.
func (p *Pipe) Done() <-chan struct{} { return p.done }
