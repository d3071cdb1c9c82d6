package dircon

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/events"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/go_func_utils"
)

const (
	readBufferSize = 1024
	sendQueueLen   = 64
	eventQueueLen  = 4096
)

var ErrSendQueueFull = errors.New("send queue full")

// Conn is one client connection as seen by the polling loop.
type Conn interface {
	ID() string
	RemoteAddr() string
	// Send queues b for writing and never blocks.
	Send(b []byte) error
	Close() error
}

// EventKind tells what happened on a connection.
type EventKind int

const (
	EventAccepted EventKind = iota
	EventData
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventAccepted:
		return "accepted"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is produced by transport goroutines and consumed by Server.Update.
type Event struct {
	Kind EventKind
	Conn Conn
	Data []byte
	Err  error
}

// Transport delivers connection events to the server. Poll must not block.
type Transport interface {
	Poll() []Event
}

// TCPTransport accepts DirCon clients. Accept and read loops run on their
// own goroutines and only hand events over through a queue.
type TCPTransport struct {
	listener net.Listener
	queue    *events.Queue[Event]
	logger   *log.Logger
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]*tcpConn
	closed bool
}

var (
	_ Transport = (*TCPTransport)(nil)
	_ Conn      = (*tcpConn)(nil)
)

// Listen opens the TCP listener. Call Start to begin accepting.
func Listen(addr string, logger *log.Logger) (*TCPTransport, error) {
	if logger == nil {
		panic("DirConTransport: logger cannot be nil")
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dircon listen on %s: %w", addr, err)
	}
	return &TCPTransport{
		listener: l,
		queue:    events.NewQueue[Event](eventQueueLen),
		logger:   logger,
		conns:    make(map[string]*tcpConn),
	}, nil
}

func (t *TCPTransport) Start() {
	go_func_utils.SafeGo(t.logger, "dircon accept loop", &t.wg, t.acceptLoop)
}

// Addr is the bound listener address.
func (t *TCPTransport) Addr() net.Addr {
	return t.listener.Addr()
}

// Port is the bound TCP port.
func (t *TCPTransport) Port() int {
	if a, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func (t *TCPTransport) Poll() []Event {
	return t.queue.Drain()
}

// Close stops accepting, closes every connection and waits for the
// transport goroutines to exit.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	err := t.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	t.wg.Wait()
	return err
}

func (t *TCPTransport) acceptLoop() {
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Printf("DirConTransport: accept failed: %v", err)
			continue
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		c := &tcpConn{
			id:     ulid.Make().String(),
			conn:   nc,
			remote: nc.RemoteAddr().String(),
			out:    make(chan []byte, sendQueueLen),
			done:   make(chan struct{}),
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = nc.Close()
			return
		}
		t.conns[c.id] = c
		t.mu.Unlock()

		t.queue.Push(Event{Kind: EventAccepted, Conn: c})
		go_func_utils.SafeGo(t.logger, "dircon reader "+c.remote, &t.wg, func() { t.readLoop(c) })
		go_func_utils.SafeGo(t.logger, "dircon writer "+c.remote, &t.wg, func() { t.writeLoop(c) })
	}
}

func (t *TCPTransport) readLoop(c *tcpConn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !t.queue.Push(Event{Kind: EventData, Conn: c, Data: data}) {
				// A lost chunk breaks the framing for this client.
				err = fmt.Errorf("event queue full, dropped %d bytes", n)
			}
		}
		if err != nil {
			_ = c.Close()
			t.mu.Lock()
			delete(t.conns, c.id)
			t.mu.Unlock()
			t.queue.Push(Event{Kind: EventClosed, Conn: c, Err: err})
			return
		}
	}
}

func (t *TCPTransport) writeLoop(c *tcpConn) {
	for {
		select {
		case b := <-c.out:
			if _, err := c.conn.Write(b); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

type tcpConn struct {
	id     string
	conn   net.Conn
	remote string
	out    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *tcpConn) ID() string         { return c.id }
func (c *tcpConn) RemoteAddr() string { return c.remote }

func (c *tcpConn) Send(b []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
