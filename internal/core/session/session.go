// Package session holds the per-connection state shared by the server and the
// client: identity, registration state, the inbound frame buffer, and the
// acknowledgment bookkeeping.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dcrodman/switchboard/internal/core/debug"
	"github.com/dcrodman/switchboard/internal/packets"
)

// State of the registration handshake.
type State int

const (
	Pending State = iota
	Registered
	Declined
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Registered:
		return "Registered"
	case Declined:
		return "Declined"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	readBufferSize = 4096
	// Caps the bytes drained per Poll so one busy peer can't starve the others.
	maxReadsPerPoll = 16
)

// ErrClosed is returned when sending on a session whose transport was closed.
var ErrClosed = errors.New("session closed")

// Options configure a Session.
type Options struct {
	// Bound on writing a single frame. Zero disables the deadline.
	WriteTimeout time.Duration
	// Receives a copy of every frame sent and received when non-nil.
	Frames *debug.FrameLogger
}

// Session represents one logical connection between a client and the server.
//
// Poll and Alive must only be called by the goroutine that owns the session;
// every other method is safe for concurrent use.
type Session struct {
	remoteAddr string
	opts       Options

	mu         sync.Mutex
	conn       net.Conn
	closed     bool
	identifier string
	state      State
	ackWait    chan struct{}

	writeMu sync.Mutex

	decoder packets.Decoder
	readBuf []byte
}

func New(conn net.Conn, opts Options) *Session {
	return &Session{
		remoteAddr: conn.RemoteAddr().String(),
		opts:       opts,
		conn:       conn,
		state:      Pending,
		readBuf:    make([]byte, readBufferSize),
	}
}

func (s *Session) RemoteAddr() string { return s.remoteAddr }

func (s *Session) String() string {
	if id := s.Identifier(); id != "" {
		return id + "@" + s.remoteAddr
	}
	return s.remoteAddr
}

func (s *Session) Identifier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifier
}

// SetIdentifier records the name the peer registered with. Only the first
// non-empty identifier is kept.
func (s *Session) SetIdentifier(identifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identifier != "" {
		return false
	}
	s.identifier = identifier
	return true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Send encodes m and writes it to the peer.
func (s *Session) Send(m packets.Message) error {
	data, err := packets.Encode(m)
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return err
	}
	s.opts.Frames.Log(debug.Outbound, s.remoteAddr, m)
	return nil
}

// SendAck confirms receipt of a message that had AckRequested set.
func (s *Session) SendAck() error {
	return s.write(packets.AckFrame)
}

func (s *Session) write(data []byte) error {
	conn, ok := s.transport()
	if !ok {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("failed to send to %s: %w", s.remoteAddr, err)
		}
	}
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return fmt.Errorf("failed to send to %s: %w", s.remoteAddr, err)
		}
		data = data[n:]
	}
	return nil
}

// ExpectAck marks the session as awaiting an acknowledgment and returns a channel
// that is closed once it arrives. Calling it again before the acknowledgment
// arrives returns the same channel.
func (s *Session) ExpectAck() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackWait == nil {
		s.ackWait = make(chan struct{})
	}
	return s.ackWait
}

// AwaitingAck returns whether a message requiring acknowledgment is unconfirmed.
func (s *Session) AwaitingAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackWait != nil
}

// CancelAck clears the awaiting-acknowledgment flag without signaling waiters.
func (s *Session) CancelAck(wait <-chan struct{}) {
	s.mu.Lock()
	if s.ackWait != nil && (<-chan struct{})(s.ackWait) == wait {
		s.ackWait = nil
	}
	s.mu.Unlock()
}

func (s *Session) ackReceived() {
	s.mu.Lock()
	if s.ackWait != nil {
		close(s.ackWait)
		s.ackWait = nil
	}
	s.mu.Unlock()
}

// Poll drains whatever bytes are available without blocking and returns the
// messages they complete, in arrival order. Acknowledgment frames are consumed
// here. io.EOF is returned once the peer has closed the connection.
func (s *Session) Poll() ([]packets.Message, error) {
	conn, ok := s.transport()
	if !ok {
		return nil, io.EOF
	}

	var messages []packets.Message
	for i := 0; i < maxReadsPerPoll; i++ {
		n, err := readAvailable(conn, s.readBuf)
		if n > 0 {
			for _, m := range s.decoder.Feed(s.readBuf[:n]) {
				if m.IsAck() {
					s.ackReceived()
					continue
				}
				s.opts.Frames.Log(debug.Inbound, s.remoteAddr, m)
				messages = append(messages, m)
			}
		}

		if errors.Is(err, errWouldBlock) {
			return messages, nil
		} else if err != nil {
			return messages, err
		}
	}
	return messages, nil
}

// Alive checks without blocking whether the peer is still connected.
func (s *Session) Alive() bool {
	conn, ok := s.transport()
	if !ok {
		return false
	}
	return peerConnected(conn)
}

// Close shuts down the transport. The handle is swapped for a placeholder that
// fails every operation so the Session can still be inspected afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.conn.Close()
	s.conn = closedConn{remote: s.conn.RemoteAddr()}
	s.closed = true
	return err
}

// Closed returns whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) transport() (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, !s.closed
}
