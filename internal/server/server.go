// Package server implements the connection registry: it accepts clients, polls
// every session from a single loop, walks clients through registration, and
// relays messages to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/switchboard/internal/core"
	coredebug "github.com/dcrodman/switchboard/internal/core/debug"
	"github.com/dcrodman/switchboard/internal/core/notify"
	"github.com/dcrodman/switchboard/internal/core/session"
	"github.com/dcrodman/switchboard/internal/packets"
)

// Upper bound on an accept. Where the listener can be polled it is only
// reached when a connection is known to be queued; elsewhere every tick waits
// up to this long for one.
const acceptWait = time.Millisecond

var ErrNotListening = errors.New("server is not listening")

// Config contains the options the Server needs from the application config.
type Config struct {
	Hostname       string
	MaxConnections int
	WelcomeMessage string
	UseAuth        bool
	Password       string
	TickInterval   time.Duration
	WriteTimeout   time.Duration
	PacketLogging  bool
}

// ConfigFrom extracts the server options from the application config.
func ConfigFrom(cfg *core.Config) Config {
	return Config{
		Hostname:       cfg.Hostname,
		MaxConnections: cfg.Server.MaxConnections,
		WelcomeMessage: cfg.Server.WelcomeMessage,
		UseAuth:        cfg.Server.UseAuth,
		Password:       cfg.Server.Password,
		TickInterval:   cfg.Server.TickInterval,
		WriteTimeout:   cfg.Server.WriteTimeout,
		PacketLogging:  cfg.Debugging.PacketLoggingEnabled,
	}
}

type (
	SessionHandler func(*session.Session)
	MessageHandler func(*session.Session, packets.Message)
	UserHandler    func(*session.Session, []byte)
)

// Server owns every connected Session. All of them are serviced by one goroutine
// that wakes up every TickInterval; nothing on that path blocks on a single peer.
type Server struct {
	cfg    Config
	logger *logrus.Logger
	frames *coredebug.FrameLogger

	// Serializes Start and Stop. Never held while waiting on the loop.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Read by hooks on the loop goroutine, so kept off the lifecycle lock.
	listening atomic.Bool
	addr      atomic.Pointer[net.TCPAddr]

	// sessions is only ever modified by the loop goroutine. The lock lets other
	// goroutines take consistent snapshots.
	mu       sync.RWMutex
	sessions []*session.Session

	// Sessions to drop at the start of the next tick.
	removalMu      sync.Mutex
	pendingRemoval []*session.Session

	connectedHooks    notify.List[SessionHandler]
	registeredHooks   notify.List[SessionHandler]
	disconnectedHooks notify.List[SessionHandler]
	messageHooks      notify.List[MessageHandler]

	userMu       sync.RWMutex
	userHandlers map[byte]UserHandler
}

// New returns a Server that isn't listening yet. logger may be nil.
func New(cfg Config, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = core.DiscardLogger()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 32
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		userHandlers: make(map[byte]UserHandler),
	}
	if cfg.PacketLogging {
		s.frames = &coredebug.FrameLogger{Logger: logger}
	}
	return s
}

// OnClientConnected registers fn to be called for every accepted connection.
func (s *Server) OnClientConnected(fn SessionHandler) { s.connectedHooks.Add(fn) }

// OnClientRegistered registers fn to be called when a client completes registration.
func (s *Server) OnClientRegistered(fn SessionHandler) { s.registeredHooks.Add(fn) }

// OnClientDisconnected registers fn to be called once a session has been removed.
func (s *Server) OnClientDisconnected(fn SessionHandler) { s.disconnectedHooks.Add(fn) }

// OnMessageReceived registers fn to be called for every application message.
func (s *Server) OnMessageReceived(fn MessageHandler) { s.messageHooks.Add(fn) }

// RegisterUserHandler routes user payloads of type typ to fn instead of the
// message hooks. Registering a type again replaces the previous handler.
func (s *Server) RegisterUserHandler(typ byte, fn UserHandler) {
	s.userMu.Lock()
	s.userHandlers[typ] = fn
	s.userMu.Unlock()
}

func (s *Server) userHandler(typ byte) UserHandler {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.userHandlers[typ]
}

// Start opens a TCP socket on port and starts the connection loop in its own
// goroutine. It returns once the socket is listening.
func (s *Server) Start(port int) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel != nil {
		return errors.New("server already started")
	}

	listener, err := s.createSocket(port)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.addr.Store(listener.Addr().(*net.TCPAddr))
	s.listening.Store(true)

	s.logger.Infof("waiting for connections on %v", listener.Addr())
	go s.run(ctx, listener, s.done)
	return nil
}

// createSocket opens a TCP socket to listen for client connections.
func (s *Server) createSocket(port int) (*net.TCPListener, error) {
	address := net.JoinHostPort(s.cfg.Hostname, fmt.Sprint(port))
	hostAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s: %w", address, err)
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}
	return socket, nil
}

// Stop closes the listener and every session. It blocks until the connection
// loop has exited, including when another goroutine is already stopping it,
// and returns immediately if the server was never started.
//
// Hooks run on the connection loop, so Stop must not be called from a hook:
// it would wait for the hook to return. Hooks may still use Broadcast and
// Send while the server is stopping; they fail with ErrNotListening or
// session.ErrClosed.
func (s *Server) Stop() {
	s.lifecycle.Lock()
	cancel, done := s.cancel, s.done
	if cancel != nil {
		s.cancel = nil
		s.listening.Store(false)
		s.addr.Store(nil)
	}
	s.lifecycle.Unlock()

	if done == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-done
}

// IsListening returns whether the connection loop is running.
func (s *Server) IsListening() bool {
	return s.listening.Load()
}

// Addr returns the address the server is listening on, or nil.
func (s *Server) Addr() *net.TCPAddr {
	return s.addr.Load()
}

// Sessions returns a snapshot of the connected sessions in connection order.
func (s *Server) Sessions() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*session.Session(nil), s.sessions...)
}

// Len returns the number of connected sessions.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Welcome returns the description of the server sent to new clients and
// published over discovery.
func (s *Server) Welcome() packets.Welcome {
	return packets.Welcome{
		Text:              s.cfg.WelcomeMessage,
		Clients:           s.Len(),
		MaxClients:        s.cfg.MaxConnections,
		PasswordProtected: s.authRequired(),
	}
}

func (s *Server) authRequired() bool {
	return s.cfg.UseAuth && s.cfg.Password != ""
}

// Send writes m to a single session.
func (s *Server) Send(sess *session.Session, m packets.Message) error {
	return sess.Send(m)
}

// Broadcast writes m to every session that has made it past Pending. A failed
// write to one session doesn't affect delivery to the others.
func (s *Server) Broadcast(m packets.Message) error {
	return s.BroadcastExcept(m, nil)
}

// BroadcastExcept is Broadcast without delivering to except.
func (s *Server) BroadcastExcept(m packets.Message, except *session.Session) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if !s.IsListening() {
		return ErrNotListening
	}

	for _, sess := range s.Sessions() {
		if sess == except || sess.State() == session.Pending || sess.Closed() {
			continue
		}
		if err := sess.Send(m); err != nil {
			s.logger.Debugf("broadcast to %s failed: %v", sess, err)
		}
	}
	return nil
}

// SendAndAwaitAck sends m with an acknowledgment request and waits up to timeout
// for the peer to confirm it. It must not be called from a hook since hooks run
// on the goroutine that processes the acknowledgment.
func (s *Server) SendAndAwaitAck(sess *session.Session, m packets.Message, timeout time.Duration) (bool, error) {
	m.AckRequested = true
	if err := m.Validate(); err != nil {
		return false, err
	}

	wait := sess.ExpectAck()
	if err := sess.Send(m); err != nil {
		sess.CancelAck(wait)
		return false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wait:
		return true, nil
	case <-timer.C:
		sess.CancelAck(wait)
		return false, nil
	}
}

// run is the connection loop. It owns the session list until ctx is cancelled.
func (s *Server) run(ctx context.Context, listener *net.TCPListener, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(listener)
			return
		case <-ticker.C:
			s.tick(listener)
		}
	}
}

// tick performs one non-blocking pass: drop dead sessions, accept at most one
// new connection, then service everything that's still connected.
func (s *Server) tick(listener *net.TCPListener) {
	defer s.recoverTick()

	s.flushRemovals()
	s.acceptOne(listener)

	for _, sess := range s.Sessions() {
		if sess.Closed() || !sess.Alive() {
			s.markForRemoval(sess)
			continue
		}

		msgs, err := sess.Poll()
		for _, m := range msgs {
			if sess.Closed() {
				break
			}
			s.dispatch(sess, m)
		}
		if err != nil {
			s.logger.Debugf("read from %s failed: %v", sess, err)
			s.markForRemoval(sess)
		}
	}
}

// recoverTick is the failsafe that keeps one bad callback or peer from taking
// the whole loop down.
func (s *Server) recoverTick() {
	if err := recover(); err != nil {
		s.logger.Errorf("error in connection loop: error=%s, trace: %s", err, debug.Stack())
	}
}

func (s *Server) acceptOne(listener *net.TCPListener) {
	if ready, ok := acceptReady(listener); ok && !ready {
		return
	}
	if err := listener.SetDeadline(time.Now().Add(acceptWait)); err != nil {
		s.logger.Warnf("failed to set accept deadline: %v", err)
		return
	}
	conn, err := listener.AcceptTCP()
	if err != nil {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			s.logger.Warnf("failed to accept connection: %v", err)
		}
		return
	}

	sess := session.New(conn, session.Options{WriteTimeout: s.cfg.WriteTimeout, Frames: s.frames})

	if s.Len() >= s.cfg.MaxConnections {
		s.logger.Infof("rejected connection from %s: server is full", sess.RemoteAddr())
		if err := sess.Send(packets.StatusMessage(packets.ServerIsFull, "")); err != nil {
			s.logger.Debugf("failed to notify %s: %v", sess.RemoteAddr(), err)
		}
		_ = sess.Close()
		return
	}

	if err := sess.Send(packets.WelcomeMessage(s.Welcome())); err != nil {
		s.logger.Warnf("failed to send welcome to %s: %v", sess.RemoteAddr(), err)
		_ = sess.Close()
		return
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	s.logger.Infof("accepted connection from %s", sess.RemoteAddr())
	s.connectedHooks.Each(func(fn SessionHandler) { fn(sess) })
}

// markForRemoval closes sess and queues it to be dropped on the next tick.
// Safe to call more than once and from any goroutine.
func (s *Server) markForRemoval(sess *session.Session) {
	if err := sess.Close(); err != nil {
		s.logger.Debugf("failed to close connection to %s: %v", sess, err)
	}

	s.removalMu.Lock()
	defer s.removalMu.Unlock()
	for _, pending := range s.pendingRemoval {
		if pending == sess {
			return
		}
	}
	s.pendingRemoval = append(s.pendingRemoval, sess)
}

func (s *Server) flushRemovals() {
	s.removalMu.Lock()
	removed := s.pendingRemoval
	s.pendingRemoval = nil
	s.removalMu.Unlock()

	if len(removed) == 0 {
		return
	}

	s.mu.Lock()
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if !containsSession(removed, sess) {
			kept = append(kept, sess)
		}
	}
	// Clear the tail so removed sessions can be collected.
	for i := len(kept); i < len(s.sessions); i++ {
		s.sessions[i] = nil
	}
	s.sessions = kept
	s.mu.Unlock()

	for _, sess := range removed {
		s.logger.Infof("disconnected client %s", sess)
		s.disconnectedHooks.Each(func(fn SessionHandler) { fn(sess) })
	}
}

func (s *Server) shutdown(listener *net.TCPListener) {
	defer s.recoverTick()

	if err := listener.Close(); err != nil {
		s.logger.Warnf("failed to close listener: %v", err)
	}

	for _, sess := range s.Sessions() {
		s.markForRemoval(sess)
	}
	s.flushRemovals()
	s.logger.Info("server stopped")
}

func containsSession(list []*session.Session, sess *session.Session) bool {
	for _, candidate := range list {
		if candidate == sess {
			return true
		}
	}
	return false
}
