// Package client connects to a switchboard server, registers with it, and
// exchanges messages with it from a single polling goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/switchboard/internal/core"
	"github.com/dcrodman/switchboard/internal/core/debug"
	"github.com/dcrodman/switchboard/internal/core/notify"
	"github.com/dcrodman/switchboard/internal/core/session"
	"github.com/dcrodman/switchboard/internal/packets"
)

// Upper bound on how long Disconnect waits for the loop to exit.
const disconnectTimeout = time.Second

var (
	ErrNotConnected      = errors.New("client is not connected")
	ErrAlreadyConnected  = errors.New("client is already connected")
	ErrHandshakeTimeout  = errors.New("timed out waiting for registration")
	ErrConnectionDropped = errors.New("server closed the connection during registration")
)

// RegistrationError is returned by Connect when the server refuses the client.
type RegistrationError struct {
	Status packets.StatusCode
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration refused (%d): %s", e.Status, e.Reason)
}

// Config contains the options the Client needs from the application config.
type Config struct {
	Identifier    string
	Password      string
	TickInterval  time.Duration
	WriteTimeout  time.Duration
	PacketLogging bool
}

// ConfigFrom extracts the client options from the application config.
func ConfigFrom(cfg *core.Config) Config {
	return Config{
		Identifier:    cfg.Client.Identifier,
		Password:      cfg.Client.Password,
		TickInterval:  cfg.Server.TickInterval,
		WriteTimeout:  cfg.Server.WriteTimeout,
		PacketLogging: cfg.Debugging.PacketLoggingEnabled,
	}
}

type (
	Handler        func()
	FailureHandler func(reason string)
	MessageHandler func(packets.Message)
)

// connection is the state of one Connect attempt.
type connection struct {
	sess   *session.Session
	cancel context.CancelFunc
	done   chan struct{}

	resolved    chan struct{}
	resolveOnce sync.Once
	failure     *RegistrationError
}

func (c *connection) resolve(failure *RegistrationError) {
	c.resolveOnce.Do(func() {
		c.failure = failure
		close(c.resolved)
	})
}

// Client is a single connection to a server. After a disconnect, or a failed
// Connect, the same Client can connect again.
type Client struct {
	cfg    Config
	logger *logrus.Logger
	frames *debug.FrameLogger

	mu         sync.Mutex
	current    *connection
	state      session.State
	serverInfo packets.Welcome

	connectedHooks      notify.List[Handler]
	registeredHooks     notify.List[Handler]
	registerFailedHooks notify.List[FailureHandler]
	disconnectedHooks   notify.List[Handler]
	messageHooks        notify.List[MessageHandler]
}

// New returns a disconnected Client. logger may be nil.
func New(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = core.DiscardLogger()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}

	c := &Client{cfg: cfg, logger: logger}
	if cfg.PacketLogging {
		c.frames = &debug.FrameLogger{Logger: logger}
	}
	return c
}

// OnConnected registers fn to be called once the TCP connection is up.
func (c *Client) OnConnected(fn Handler) { c.connectedHooks.Add(fn) }

// OnRegistered registers fn to be called when the server grants access.
func (c *Client) OnRegistered(fn Handler) { c.registeredHooks.Add(fn) }

// OnRegisterFailed registers fn to be called with the reason the server
// refused the client.
func (c *Client) OnRegisterFailed(fn FailureHandler) { c.registerFailedHooks.Add(fn) }

// OnDisconnected registers fn to be called after the connection is torn down.
func (c *Client) OnDisconnected(fn Handler) { c.disconnectedHooks.Add(fn) }

// OnMessageReceived registers fn to be called for every application message.
func (c *Client) OnMessageReceived(fn MessageHandler) { c.messageHooks.Add(fn) }

// State returns the registration state of the current connection, or of the
// last one if the client has since disconnected.
func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return c.current.sess.State()
	}
	return c.state
}

// Connected returns whether the client currently has a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// ServerInfo returns the welcome the server sent on the last connection.
func (c *Client) ServerInfo() packets.Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Connect dials addr and blocks until registration succeeds, the server
// refuses the client, or timeout elapses. Only a nil error leaves the
// client connected.
func (c *Client) Connect(addr string, timeout time.Duration) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("error connecting to %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	current := &connection{
		sess:     session.New(conn, session.Options{WriteTimeout: c.cfg.WriteTimeout, Frames: c.frames}),
		cancel:   cancel,
		done:     make(chan struct{}),
		resolved: make(chan struct{}),
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	c.current = current
	c.state = session.Pending
	c.serverInfo = packets.Welcome{}
	c.mu.Unlock()

	c.logger.Infof("connected to %s", addr)
	c.connectedHooks.Each(func(fn Handler) { fn() })
	go c.run(ctx, current)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-current.resolved:
	case <-current.done:
	case <-timer.C:
		c.Disconnect()
		return ErrHandshakeTimeout
	}

	select {
	case <-current.resolved:
		if current.failure != nil {
			<-current.done
			return current.failure
		}
		return nil
	default:
		return ErrConnectionDropped
	}
}

// Disconnect closes the connection and waits briefly for the loop to finish.
// It is a no-op when the client isn't connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current == nil {
		return
	}
	current.cancel()

	select {
	case <-current.done:
	case <-time.After(disconnectTimeout):
		c.logger.Warn("timed out waiting for the connection to close")
	}
}

func (c *Client) session() (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNotConnected
	}
	return c.current.sess, nil
}

// Send writes m to the server.
func (c *Client) Send(m packets.Message) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	return sess.Send(m)
}

// SendText sends text as a message without requesting acknowledgment.
func (c *Client) SendText(text string) error {
	return c.Send(packets.NewText(text))
}

// SendUser sends an application-defined payload of type typ.
func (c *Client) SendUser(typ byte, data []byte) error {
	m, err := packets.UserMessage(typ, data)
	if err != nil {
		return err
	}
	return c.Send(m)
}

// SendAndAwaitAck sends m with an acknowledgment request and waits up to
// timeout for the server to confirm it. Calling it from a hook will always
// time out since hooks run on the goroutine that processes acknowledgments.
func (c *Client) SendAndAwaitAck(m packets.Message, timeout time.Duration) (bool, error) {
	sess, err := c.session()
	if err != nil {
		return false, err
	}

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

// run services the connection until it's cancelled or the server goes away.
func (c *Client) run(ctx context.Context, current *connection) {
	defer c.teardown(current)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.tick(current) {
				return
			}
		}
	}
}

// tick drains whatever the server has sent. It returns false once the
// connection should be torn down.
func (c *Client) tick(current *connection) bool {
	sess := current.sess
	if !sess.Alive() {
		return false
	}

	msgs, err := sess.Poll()
	for _, m := range msgs {
		if !c.dispatch(current, m) {
			return false
		}
	}
	if err != nil {
		c.logger.Debugf("read from server failed: %v", err)
		return false
	}
	return true
}

func (c *Client) teardown(current *connection) {
	if err := current.sess.Close(); err != nil {
		c.logger.Debugf("failed to close connection: %v", err)
	}

	c.mu.Lock()
	if c.current == current {
		c.current = nil
	}
	c.state = current.sess.State()
	c.mu.Unlock()

	c.logger.Infof("disconnected from %s", current.sess.RemoteAddr())
	c.disconnectedHooks.Each(func(fn Handler) { fn() })
	close(current.done)
}
