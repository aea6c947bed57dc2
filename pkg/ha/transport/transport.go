package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is one logical connection to a peer over which frames are exchanged.
type Conn interface {
	Send(f Frame) error
	Recv() (Frame, error)
	RemoteAddr() string
	Close() error
}

// Transport is the connection-oriented, length-delimited message transport
// the core consumes (spec.md §6). Accept() yields inbound connections from
// peers; Dial() opens an outbound one.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)
	Accept() (Conn, error)
	LocalAddr() string
	Close() error
}

type frameConn struct {
	rwc    io.ReadWriteCloser
	remote string
	mu     sync.Mutex
}

func (c *frameConn) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.rwc, f)
}

func (c *frameConn) Recv() (Frame, error) {
	return ReadFrame(c.rwc)
}

func (c *frameConn) RemoteAddr() string { return c.remote }

func (c *frameConn) Close() error { return c.rwc.Close() }

// TCPTransport is the production Transport: one accept loop over a
// net.Listener, and dial-on-demand for outbound connections. Grounded on the
// teacher's raft.NewTCPTransport usage pattern in pkg/manager/manager.go,
// adapted to our own frame format instead of raft's internal RPC codec.
type TCPTransport struct {
	ln      net.Listener
	dialer  net.Dialer
	timeout time.Duration
}

// NewTCPTransport binds addr and returns a Transport ready to Accept().
func NewTCPTransport(addr string, dialTimeout time.Duration) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &TCPTransport{ln: ln, timeout: dialTimeout}, nil
}

func (t *TCPTransport) LocalAddr() string { return t.ln.Addr().String() }

func (t *TCPTransport) Accept() (Conn, error) {
	c, err := t.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &frameConn{rwc: c, remote: c.RemoteAddr().String()}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := t.dialer
	if t.timeout > 0 {
		dialer.Timeout = t.timeout
	}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &frameConn{rwc: c, remote: addr}, nil
}

func (t *TCPTransport) Close() error { return t.ln.Close() }

// PipeTransport is an in-memory Transport backed by net.Pipe, for
// deterministic tests that wire two or more nodes together without a real
// socket. Peers are linked with LinkPipeTransports; Dial hands the server
// end of a new net.Pipe to the peer's pending queue (16 deep) and blocks
// only while that queue is full, until ctx ends.
type PipeTransport struct {
	name    string
	mu      sync.Mutex
	peers   map[string]*PipeTransport
	pending chan net.Conn
	closed  bool
}

// NewPipeTransport creates a named in-process transport endpoint. Peers must
// be linked with LinkPipeTransports before dialing each other by name.
func NewPipeTransport(name string) *PipeTransport {
	return &PipeTransport{
		name:    name,
		peers:   make(map[string]*PipeTransport),
		pending: make(chan net.Conn, 16),
	}
}

// LinkPipeTransports makes every transport able to Dial every other by name.
func LinkPipeTransports(ts ...*PipeTransport) {
	for _, a := range ts {
		for _, b := range ts {
			if a == b {
				continue
			}
			a.mu.Lock()
			a.peers[b.name] = b
			a.mu.Unlock()
		}
	}
}

func (t *PipeTransport) LocalAddr() string { return t.name }

func (t *PipeTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	peer, ok := t.peers[addr]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no pipe peer named %q linked", addr)
	}

	client, server := net.Pipe()
	select {
	case peer.pending <- server:
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
	return &frameConn{rwc: client, remote: addr}, nil
}

func (t *PipeTransport) Accept() (Conn, error) {
	c, ok := <-t.pending
	if !ok {
		return nil, fmt.Errorf("transport: pipe %q closed", t.name)
	}
	return &frameConn{rwc: c, remote: "pipe:" + t.name}, nil
}

func (t *PipeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.pending)
	return nil
}
