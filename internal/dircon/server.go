package dircon

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
)

// ClientState is the lifecycle of one DirCon client.
type ClientState int

const (
	ClientAccepted ClientState = iota
	ClientActive
	ClientClosing
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientAccepted:
		return "Accepted"
	case ClientActive:
		return "Active"
	case ClientClosing:
		return "Closing"
	case ClientClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ClientState(%d)", int(s))
	}
}

// Options configure the server.
type Options struct {
	// Addr is only used in status output.
	Addr                 string
	MaxClients           int
	NotificationInterval time.Duration
	// IdleTimeout closes clients that sent nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	Verbose     bool
}

// ClientInfo describes a connected client for status output.
type ClientInfo struct {
	ID            gatt.ClientID
	RemoteAddr    string
	State         ClientState
	Subscriptions int
	ConnectedAt   time.Time
}

type client struct {
	id          gatt.ClientID
	conn        Conn
	state       ClientState
	buf         []byte
	connectedAt time.Time
	lastSeen    time.Time
}

// Server exposes a gatt.Registry to DirCon clients. It is driven by Update
// from the polling loop and never blocks on I/O.
type Server struct {
	registry  *gatt.Registry
	transport Transport
	opts      Options
	logger    *log.Logger

	clients  map[gatt.ClientID]*client
	order    []gatt.ClientID
	lastTick time.Time
	refused  int
}

func NewServer(registry *gatt.Registry, transport Transport, opts Options, logger *log.Logger) *Server {
	if registry == nil {
		panic("DirConServer: registry cannot be nil")
	}
	if transport == nil {
		panic("DirConServer: transport cannot be nil")
	}
	if logger == nil {
		panic("DirConServer: logger cannot be nil")
	}
	if opts.MaxClients < 1 {
		opts.MaxClients = 1
	}
	return &Server{
		registry:  registry,
		transport: transport,
		opts:      opts,
		logger:    logger,
		clients:   make(map[gatt.ClientID]*client),
	}
}

// Update runs one server cycle: connection events, request parsing, idle
// checks and notification delivery.
func (s *Server) Update(now time.Time) {
	for _, ev := range s.transport.Poll() {
		switch ev.Kind {
		case EventAccepted:
			s.accept(ev.Conn, now)
		case EventData:
			if c, ok := s.clients[gatt.ClientID(ev.Conn.ID())]; ok && c.state == ClientActive {
				c.lastSeen = now
				c.buf = append(c.buf, ev.Data...)
				s.process(c)
			}
		case EventClosed:
			if c, ok := s.clients[gatt.ClientID(ev.Conn.ID())]; ok {
				s.logger.Printf("DirConServer: client %s disconnected: %v", c.conn.RemoteAddr(), ev.Err)
				s.close(c)
			}
		}
	}

	if s.opts.IdleTimeout > 0 {
		for _, id := range s.order {
			c := s.clients[id]
			if c.state == ClientActive && now.Sub(c.lastSeen) >= s.opts.IdleTimeout {
				s.logger.Printf("DirConServer: client %s idle for %s, closing", c.conn.RemoteAddr(), now.Sub(c.lastSeen).Truncate(time.Second))
				c.state = ClientClosing
			}
		}
	}
	s.reap()

	s.deliver(s.registry.CollectDue(gatt.DeliverIndicate))
	if s.lastTick.IsZero() || now.Sub(s.lastTick) >= s.opts.NotificationInterval {
		s.lastTick = now
		s.deliver(s.registry.CollectDue(gatt.DeliverNotify, gatt.DeliverIndicate))
	}
	s.reap()
}

func (s *Server) accept(conn Conn, now time.Time) {
	if len(s.clients) >= s.opts.MaxClients {
		s.refused++
		s.logger.Printf("DirConServer: refusing %s, %d clients connected", conn.RemoteAddr(), len(s.clients))
		_ = conn.Close()
		return
	}
	c := &client{
		id:          gatt.ClientID(conn.ID()),
		conn:        conn,
		state:       ClientAccepted,
		connectedAt: now,
		lastSeen:    now,
	}
	s.clients[c.id] = c
	s.order = append(s.order, c.id)
	c.state = ClientActive
	s.logger.Printf("DirConServer: client %s accepted (%d/%d)", conn.RemoteAddr(), len(s.clients), s.opts.MaxClients)
}

// process handles every complete frame in the client's buffer.
func (s *Server) process(c *client) {
	for c.state == ClientActive {
		m, n, err := Decode(c.buf)
		if err != nil {
			s.logger.Printf("DirConServer: client %s: %v, closing", c.conn.RemoteAddr(), err)
			c.state = ClientClosing
			return
		}
		if n == 0 {
			return
		}
		c.buf = c.buf[n:]
		if s.opts.Verbose {
			s.logger.Printf("DirConServer: %s -> %s seq=%d % X", c.conn.RemoteAddr(), MessageName(m.ID), m.Seq, m.Payload)
		}
		if err := s.handle(c, m); err != nil {
			s.logger.Printf("DirConServer: client %s: %s: %v, closing", c.conn.RemoteAddr(), MessageName(m.ID), err)
			c.state = ClientClosing
			return
		}
	}
	if len(c.buf) == 0 {
		c.buf = nil
	}
}

// handle answers one request. A returned error closes the client; lookup
// and permission failures are answered with a response code instead.
func (s *Server) handle(c *client, m Message) error {
	resp := Message{ID: m.ID, Seq: m.Seq}

	switch m.ID {
	case MsgDiscoverServices:
		for _, svc := range s.registry.Services() {
			resp.Payload = appendUUID(resp.Payload, svc.UUID)
		}

	case MsgDiscoverCharacteristics:
		svcUUID, _, err := readUUID(m.Payload)
		if err != nil {
			return err
		}
		resp.Payload = appendUUID(nil, svcUUID)
		svc, err := s.registry.FindService(svcUUID)
		if err != nil {
			resp.RespCode = RespServiceNotFound
			break
		}
		for _, ch := range s.registry.Characteristics(svc.ID) {
			resp.Payload = appendUUID(resp.Payload, ch.UUID)
			resp.Payload = append(resp.Payload, wireProperties(ch.Properties))
		}

	case MsgReadCharacteristic:
		charUUID, _, err := readUUID(m.Payload)
		if err != nil {
			return err
		}
		resp.Payload = appendUUID(nil, charUUID)
		id, err := s.registry.LookupCharacteristic(charUUID)
		if err != nil {
			resp.RespCode = RespCharacteristicNotFound
			break
		}
		v, err := s.registry.ReadValue(id)
		if err != nil {
			resp.RespCode = responseCode(err)
			break
		}
		if len(v) > MaxValue {
			s.logger.Printf("DirConServer: %s value is %d bytes, too long to send", gatt.DisplayUUID(charUUID), len(v))
			resp.RespCode = RespUnexpectedError
			break
		}
		resp.Payload = append(resp.Payload, v...)

	case MsgWriteCharacteristic:
		charUUID, value, err := readUUID(m.Payload)
		if err != nil {
			return err
		}
		resp.Payload = appendUUID(nil, charUUID)
		id, err := s.registry.LookupCharacteristic(charUUID)
		if err != nil {
			resp.RespCode = RespCharacteristicNotFound
			break
		}
		if err := s.registry.WriteValue(id, value); err != nil {
			resp.RespCode = responseCode(err)
		}

	case MsgEnableNotifications:
		charUUID, rest, err := readUUID(m.Payload)
		if err != nil {
			return err
		}
		if len(rest) != 1 {
			return fmt.Errorf("%w: enable notifications flag missing", ErrMalformedFrame)
		}
		resp.Payload = append(appendUUID(nil, charUUID), rest[0])
		id, err := s.registry.LookupCharacteristic(charUUID)
		if err != nil {
			resp.RespCode = RespCharacteristicNotFound
			break
		}
		if rest[0] != 0 {
			mode, ok := s.registry.Characteristic(id).Properties.DeliveryMode()
			if !ok {
				resp.RespCode = RespOperationNotSupported
				break
			}
			err = s.registry.Subscribe(id, c.id, mode)
		} else {
			err = s.registry.Unsubscribe(id, c.id)
		}
		if err != nil {
			resp.RespCode = responseCode(err)
		} else if s.opts.Verbose {
			s.logger.Printf("DirConServer: client %s notifications %v for %s", c.conn.RemoteAddr(), rest[0] != 0, gatt.DisplayUUID(charUUID))
		}

	default:
		return fmt.Errorf("%w: unknown message id 0x%02X", ErrMalformedFrame, m.ID)
	}

	s.send(c, resp)
	return nil
}

func responseCode(err error) byte {
	switch {
	case errors.Is(err, gatt.ErrPropertyDenied):
		return RespOperationNotSupported
	case errors.Is(err, gatt.ErrServiceNotFound):
		return RespServiceNotFound
	case errors.Is(err, gatt.ErrCharacteristicNotFound):
		return RespCharacteristicNotFound
	default:
		return RespUnexpectedError
	}
}

func (s *Server) deliver(due []gatt.Delivery) {
	for _, d := range due {
		c, ok := s.clients[d.Client]
		if !ok || c.state != ClientActive {
			continue
		}
		if len(d.Value) > MaxValue {
			s.logger.Printf("DirConServer: dropping %d byte notification for %s", len(d.Value), gatt.DisplayUUID(d.UUID))
			continue
		}
		s.send(c, Message{ID: MsgNotification, Payload: append(appendUUID(nil, d.UUID), d.Value...)})
	}
}

func (s *Server) send(c *client, m Message) {
	if s.opts.Verbose {
		s.logger.Printf("DirConServer: %s <- %s seq=%d resp=0x%02X % X", c.conn.RemoteAddr(), MessageName(m.ID), m.Seq, m.RespCode, m.Payload)
	}
	if err := c.conn.Send(m.Encode()); err != nil {
		s.logger.Printf("DirConServer: send to %s failed: %v, closing", c.conn.RemoteAddr(), err)
		c.state = ClientClosing
	}
}

// reap closes every client in the Closing state.
func (s *Server) reap() {
	var closing []*client
	for _, id := range s.order {
		if c := s.clients[id]; c.state == ClientClosing {
			closing = append(closing, c)
		}
	}
	for _, c := range closing {
		s.close(c)
	}
}

// close tears a client down and removes its subscriptions. Deliveries still
// owed to it are dropped with them.
func (s *Server) close(c *client) {
	c.state = ClientClosing
	_ = c.conn.Close()
	removed := s.registry.RemoveClient(c.id)
	c.buf = nil
	c.state = ClientClosed

	delete(s.clients, c.id)
	for i, id := range s.order {
		if id == c.id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.logger.Printf("DirConServer: client %s closed, %d subscriptions removed", c.conn.RemoteAddr(), removed)
}

// Close disconnects every client.
func (s *Server) Close() {
	for len(s.order) > 0 {
		s.close(s.clients[s.order[0]])
	}
}

// ClientCount is the number of connected clients.
func (s *Server) ClientCount() int {
	return len(s.clients)
}

// Refused is the number of connections turned away because the server was full.
func (s *Server) Refused() int {
	return s.refused
}

// Clients lists connected clients, oldest first.
func (s *Server) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, len(s.order))
	for _, id := range s.order {
		c := s.clients[id]
		out = append(out, ClientInfo{
			ID:            c.id,
			RemoteAddr:    c.conn.RemoteAddr(),
			State:         c.state,
			Subscriptions: len(s.registry.ClientSubscriptions(c.id)),
			ConnectedAt:   c.connectedAt,
		})
	}
	return out
}

// StatusMessage summarises the server for status output.
func (s *Server) StatusMessage() string {
	if len(s.clients) == 0 {
		return fmt.Sprintf("Listening on %s, waiting for clients (0/%d)", s.opts.Addr, s.opts.MaxClients)
	}
	return fmt.Sprintf("Listening on %s, %d/%d clients connected", s.opts.Addr, len(s.clients), s.opts.MaxClients)
}
