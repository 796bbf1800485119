package transport

import (
	"context"
	"net"
	"sync"
)

// Pipe is an in-memory transport pair for tests: two connected endpoints
// where bytes written on one side come out of the other, with full
// blocking semantics, backed by net.Pipe.
type Pipe struct {
	conn      net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Pipe)(nil)

// NewPipe returns both ends of an in-memory transport.
func NewPipe() (*Pipe, *Pipe) {
	a, b := net.Pipe()
	return &Pipe{conn: a, done: make(chan struct{})},
		&Pipe{conn: b, done: make(chan struct{})}
}

// Connect is a no-op; the pipe is born connected.
func (p *Pipe) Connect(ctx context.Context) error {
	return nil
}

func (p *Pipe) Read(b []byte) (int, error) {
	n, err := p.conn.Read(b)
	if err != nil {
		p.shutdown()
	}
	return n, err
}

func (p *Pipe) Write(b []byte) (int, error) {
	n, err := p.conn.Write(b)
	if err != nil {
		p.shutdown()
	}
	return n, err
}

func (p *Pipe) Close() error {
	p.shutdown()
	return nil
}

func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

func (p *Pipe) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
