// Package ipcserver implements the IPC message server (spec §4.4, §6,
// component C5): a length-prefixed TCP transport multiplexing many
// simultaneous clients, each addressable by a stable client ID.
package ipcserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// Message kinds (spec §4.4 table).
const (
	MsgRequestResource         uint32 = 1
	MsgResourceRequestComplete uint32 = 2
	MsgResourceUpdated         uint32 = 3
)

// Message is one frame: a message kind and its schematic payload.
type Message struct {
	ID      uint32
	Payload []byte
}

// Inbound pairs a Message with the client that sent it.
type Inbound struct {
	ClientID uint32
	Message  Message
}

// outboxCapacity bounds per-client buffering. A client slower than this
// is considered unresponsive; further sends to it are dropped rather
// than blocking the scheduler thread (spec §4.4: "must not block
// waiting on any client").
const outboxCapacity = 256

type client struct {
	id uint32
	// connID is a log-correlation identifier, distinct from the u32
	// client_id the wire protocol carries: it lets a connection's whole
	// lifetime (accept, frames, disconnect) be grepped out of the log
	// even across a client_id reuse after reconnect.
	connID uuid.UUID
	conn   net.Conn
	outbox chan Message
	// closed is closed exactly once, by whichever side (read or write
	// loop) first detects the connection is gone.
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *client) disconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Server listens for client connections and multiplexes framed
// messages in both directions.
type Server struct {
	logger arbor.ILogger

	listener net.Listener
	nextID   uint32

	mu      sync.RWMutex
	clients map[uint32]*client

	inbound chan Inbound

	wg sync.WaitGroup
}

// New constructs a Server. Call Serve to begin accepting connections.
func New(logger arbor.ILogger) *Server {
	return &Server{
		logger:  logger,
		clients: make(map[uint32]*client),
		inbound: make(chan Inbound, 1024),
	}
}

// Inbound returns the channel the scheduler drains each tick (§4.8 step 1).
func (s *Server) Inbound() <-chan Inbound {
	return s.inbound
}

// Serve binds addr and accepts connections until Close is called.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ipcserver: listen %s: %w", addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		id := atomic.AddUint32(&s.nextID, 1)
		c := &client{id: id, connID: uuid.New(), conn: conn, outbox: make(chan Message, outboxCapacity), closed: make(chan struct{})}

		s.mu.Lock()
		s.clients[id] = c
		s.mu.Unlock()

		s.logger.Warn().Msg(fmt.Sprintf("ipcserver: client %d connected (conn %s) from %s", id, c.connID, conn.RemoteAddr()))

		s.wg.Add(2)
		go s.readLoop(c)
		go s.writeLoop(c)
	}
}

func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		var header [8]byte
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			return
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		msgID := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				return
			}
		}

		select {
		case s.inbound <- Inbound{ClientID: c.id, Message: Message{ID: msgID, Payload: payload}}:
		case <-c.closed:
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case msg, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := writeFrame(c.conn, msg); err != nil {
				c.disconnect()
				return
			}
		}
	}
}

func writeFrame(w io.Writer, msg Message) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(msg.Payload)))
	binary.LittleEndian.PutUint32(header[4:8], msg.ID)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(msg.Payload) > 0 {
		if _, err := w.Write(msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) removeClient(c *client) {
	c.disconnect()
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.logger.Warn().Msg(fmt.Sprintf("ipcserver: client %d disconnected (conn %s)", c.id, c.connID))
}

// Send enqueues msg for clientID. Returns false if the client has
// disconnected (spec §4.4 send contract) or its outbox is saturated.
func (s *Server) Send(clientID uint32, msg Message) bool {
	if clientID == 0 {
		return false
	}
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case c.outbox <- msg:
		return true
	case <-c.closed:
		return false
	default:
		s.logger.Warn().Msg(fmt.Sprintf("ipcserver: outbox full for client %d, dropping message", clientID))
		return false
	}
}

// Broadcast enqueues msg for every connected client (used for
// ResourceUpdated notifications, §4.4, §4.8 step 4). Best-effort: a
// saturated client's outbox drops the broadcast, and Send logs a
// warning for it.
func (s *Server) Broadcast(msg Message) {
	s.mu.RLock()
	ids := make([]uint32, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Send(id, msg)
	}
}

// Connected reports whether clientID currently has a live connection.
func (s *Server) Connected(clientID uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// Close stops accepting new connections and disconnects all clients.
func (s *Server) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.disconnect()
	}

	s.wg.Wait()
	return nil
}
