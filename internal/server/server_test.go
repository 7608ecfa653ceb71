package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dcrodman/switchboard/internal/core/session"
	"github.com/dcrodman/switchboard/internal/packets"
)

const testTimeout = 2 * time.Second

func testConfig() Config {
	return Config{
		Hostname:       "127.0.0.1",
		MaxConnections: 32,
		WelcomeMessage: "hello",
		UseAuth:        true,
		Password:       "123",
		TickInterval:   time.Millisecond,
		WriteTimeout:   time.Second,
	}
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	s := New(cfg, nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// peer is a bare TCP client speaking the wire protocol directly.
type peer struct {
	t       *testing.T
	conn    net.Conn
	decoder packets.Decoder
	queue   []packets.Message
}

func dial(t *testing.T, s *Server) *peer {
	t.Helper()

	conn, err := net.DialTimeout("tcp", s.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("failed to connect to server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(m packets.Message) {
	p.t.Helper()

	data, err := packets.Encode(m)
	if err != nil {
		p.t.Fatalf("Encode() error = %v", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("write error = %v", err)
	}
}

func (p *peer) next() packets.Message {
	p.t.Helper()

	buf := make([]byte, 1024)
	deadline := time.Now().Add(testTimeout)
	for len(p.queue) == 0 {
		_ = p.conn.SetReadDeadline(deadline)
		n, err := p.conn.Read(buf)
		if err != nil {
			p.t.Fatalf("read error = %v", err)
		}
		p.queue = append(p.queue, p.decoder.Feed(buf[:n])...)
	}
	m := p.queue[0]
	p.queue = p.queue[1:]
	return m
}

func (p *peer) expectStatus(want packets.StatusCode) string {
	p.t.Helper()

	m := p.next()
	code, comment, ok := packets.ParseStatus(m)
	if !ok || code != want {
		p.t.Fatalf("expected status %v, got %q", want, m.Text())
	}
	return comment
}

// expectClosed waits for the server to hang up on the peer.
func (p *peer) expectClosed() {
	p.t.Helper()

	buf := make([]byte, 64)
	_ = p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		if _, err := p.conn.Read(buf); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				p.t.Fatalf("connection was not closed by the server")
			}
			return
		}
	}
}

// register walks the peer through the handshake and expects it to succeed.
func (p *peer) register(identifier, password string) {
	p.t.Helper()

	p.expectStatus(packets.ReadyForNewUser)
	p.send(packets.CommandMessage(packets.USR, identifier))
	if password != "" {
		p.expectStatus(packets.NeedPassword)
		p.send(packets.CommandMessage(packets.PW, password))
	}
	p.expectStatus(packets.AccessGranted)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestServer_Welcome(t *testing.T) {
	s := startServer(t, testConfig())
	p := dial(t, s)

	comment := p.expectStatus(packets.ReadyForNewUser)
	got, err := packets.ParseWelcome(comment)
	if err != nil {
		t.Fatalf("ParseWelcome() error = %v", err)
	}
	want := packets.Welcome{Text: "hello", Clients: 0, MaxClients: 32, PasswordProtected: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected welcome (-want +got):\n%s", diff)
	}
}

func TestServer_RegisterWithoutAuth(t *testing.T) {
	cfg := testConfig()
	cfg.UseAuth = false
	s := startServer(t, cfg)

	registered := make(chan *session.Session, 1)
	s.OnClientRegistered(func(sess *session.Session) { registered <- sess })

	p := dial(t, s)
	p.register("Client1", "")

	select {
	case sess := <-registered:
		if sess.Identifier() != "Client1" {
			t.Errorf("expected identifier Client1, got %q", sess.Identifier())
		}
		if sess.State() != session.Registered {
			t.Errorf("expected state Registered, got %v", sess.State())
		}
	case <-time.After(testTimeout):
		t.Fatal("registered hook was not called")
	}
}

func TestServer_RegisterWithPassword(t *testing.T) {
	s := startServer(t, testConfig())

	p := dial(t, s)
	p.register("Client1", "123")

	sessions := s.Sessions()
	if len(sessions) != 1 || sessions[0].State() != session.Registered {
		t.Fatalf("expected one registered session, got %v", sessions)
	}
}

func TestServer_IncorrectPassword(t *testing.T) {
	s := startServer(t, testConfig())

	disconnected := make(chan *session.Session, 1)
	s.OnClientDisconnected(func(sess *session.Session) { disconnected <- sess })

	p := dial(t, s)
	p.expectStatus(packets.ReadyForNewUser)
	p.send(packets.CommandMessage(packets.USR, "Client1"))
	p.expectStatus(packets.NeedPassword)
	p.send(packets.CommandMessage(packets.PW, "321"))
	p.expectStatus(packets.IncorrectPassword)
	p.expectClosed()

	select {
	case sess := <-disconnected:
		if sess.State() != session.Declined {
			t.Errorf("expected state Declined, got %v", sess.State())
		}
	case <-time.After(testTimeout):
		t.Fatal("disconnected hook was not called")
	}
	waitFor(t, "session removal", func() bool { return s.Len() == 0 })
}

func TestServer_MissingIdentifier(t *testing.T) {
	s := startServer(t, testConfig())

	p := dial(t, s)
	p.expectStatus(packets.ReadyForNewUser)
	p.send(packets.CommandMessage(packets.PW, "123"))
	p.expectStatus(packets.IncorrectIdentifier)
	p.expectClosed()
}

func TestServer_Full(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	s := startServer(t, cfg)

	var connected int
	var mu sync.Mutex
	s.OnClientConnected(func(*session.Session) {
		mu.Lock()
		connected++
		mu.Unlock()
	})

	first := dial(t, s)
	first.expectStatus(packets.ReadyForNewUser)

	second := dial(t, s)
	second.expectStatus(packets.ServerIsFull)
	second.expectClosed()

	if s.Len() != 1 {
		t.Errorf("expected 1 session, got %d", s.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if connected != 1 {
		t.Errorf("expected connected hook to fire once, fired %d times", connected)
	}
}

func TestServer_Broadcast(t *testing.T) {
	cfg := testConfig()
	cfg.UseAuth = false
	s := startServer(t, cfg)

	registered := dial(t, s)
	registered.register("Client1", "")

	pending := dial(t, s)
	pending.expectStatus(packets.ReadyForNewUser)
	waitFor(t, "both sessions", func() bool { return s.Len() == 2 })

	if err := s.Broadcast(packets.NewText("news")); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if got := registered.next().Text(); got != "news" {
		t.Errorf("registered client received %q, want %q", got, "news")
	}

	// Pending clients are skipped, so the next thing they see is their own handshake.
	pending.send(packets.CommandMessage(packets.USR, "Client2"))
	pending.expectStatus(packets.AccessGranted)
}

func TestServer_BroadcastExcept(t *testing.T) {
	cfg := testConfig()
	cfg.UseAuth = false
	s := startServer(t, cfg)

	sender := dial(t, s)
	sender.register("Sender", "")
	other := dial(t, s)
	other.register("Other", "")

	var from *session.Session
	waitFor(t, "registration", func() bool {
		for _, sess := range s.Sessions() {
			if sess.Identifier() == "Sender" && sess.State() == session.Registered {
				from = sess
				return true
			}
		}
		return false
	})

	if err := s.BroadcastExcept(packets.NewText("first"), from); err != nil {
		t.Fatalf("BroadcastExcept() error = %v", err)
	}
	if err := s.Broadcast(packets.NewText("second")); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	if got := other.next().Text(); got != "first" {
		t.Errorf("other client received %q, want %q", got, "first")
	}
	if got := other.next().Text(); got != "second" {
		t.Errorf("other client received %q, want %q", got, "second")
	}
	if got := sender.next().Text(); got != "second" {
		t.Errorf("sender received %q, want %q", got, "second")
	}
}

func TestServer_Broadcast_NotListening(t *testing.T) {
	s := New(testConfig(), nil)
	if err := s.Broadcast(packets.NewText("news")); err != ErrNotListening {
		t.Errorf("Broadcast() error = %v, want %v", err, ErrNotListening)
	}
	if err := s.Broadcast(packets.NewText("bad\x01")); err == nil {
		t.Error("expected an error broadcasting a reserved byte")
	}
}

func TestServer_MessageReceived(t *testing.T) {
	cfg := testConfig()
	cfg.UseAuth = false
	s := startServer(t, cfg)

	received := make(chan string, 4)
	s.OnMessageReceived(func(sess *session.Session, m packets.Message) {
		received <- sess.Identifier() + ":" + m.Text()
	})

	p := dial(t, s)
	p.register("Client1", "")
	p.send(packets.Message{Payload: []byte("ping"), AckRequested: true})

	if got := p.next(); !got.IsAck() {
		t.Errorf("expected an ack, got %q", got.Text())
	}
	select {
	case got := <-received:
		if got != "Client1:ping" {
			t.Errorf("received %q", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("message hook was not called")
	}

	// Once registered, control lines are ordinary messages.
	p.send(packets.CommandMessage(packets.USR, "Other"))
	select {
	case got := <-received:
		if got != "Client1:USR Other" {
			t.Errorf("received %q", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("message hook was not called")
	}
}

func TestServer_UserHandler(t *testing.T) {
	cfg := testConfig()
	cfg.UseAuth = false
	s := startServer(t, cfg)

	payloads := make(chan []byte, 1)
	s.RegisterUserHandler(0x20, func(_ *session.Session, data []byte) { payloads <- data })
	s.OnMessageReceived(func(_ *session.Session, m packets.Message) {
		t.Errorf("user payload reached the message hook: %q", m.Text())
	})

	p := dial(t, s)
	p.register("Client1", "")

	m, err := packets.UserMessage(0x20, []byte("data"))
	if err != nil {
		t.Fatalf("UserMessage() error = %v", err)
	}
	p.send(m)

	select {
	case got := <-payloads:
		if string(got) != "data" {
			t.Errorf("handler received %q", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("user handler was not called")
	}
}

func TestServer_SendAndAwaitAck(t *testing.T) {
	cfg := testConfig()
	cfg.UseAuth = false
	s := startServer(t, cfg)

	p := dial(t, s)
	p.register("Client1", "")
	waitFor(t, "registration", func() bool {
		sessions := s.Sessions()
		return len(sessions) == 1 && sessions[0].State() == session.Registered
	})
	sess := s.Sessions()[0]

	result := make(chan bool, 1)
	go func() {
		acked, err := s.SendAndAwaitAck(sess, packets.NewText("confirm"), testTimeout)
		if err != nil {
			t.Errorf("SendAndAwaitAck() error = %v", err)
		}
		result <- acked
	}()

	m := p.next()
	if m.Text() != "confirm" || !m.AckRequested {
		t.Fatalf("unexpected message %+v", m)
	}
	if _, err := p.conn.Write(packets.AckFrame); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if !<-result {
		t.Error("expected the message to be acknowledged")
	}

	acked, err := s.SendAndAwaitAck(sess, packets.NewText("ignored"), 20*time.Millisecond)
	if err != nil || acked {
		t.Errorf("SendAndAwaitAck() = %v, %v; want false, nil", acked, err)
	}
}

func TestServer_ClientHangsUp(t *testing.T) {
	s := startServer(t, testConfig())

	disconnected := make(chan struct{})
	s.OnClientDisconnected(func(*session.Session) { close(disconnected) })

	p := dial(t, s)
	p.expectStatus(packets.ReadyForNewUser)
	p.conn.Close()

	select {
	case <-disconnected:
	case <-time.After(testTimeout):
		t.Fatal("disconnected hook was not called")
	}
	if s.Len() != 0 {
		t.Errorf("expected no sessions, got %d", s.Len())
	}
}

func TestServer_Stop(t *testing.T) {
	s := New(testConfig(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var disconnects int
	var mu sync.Mutex
	s.OnClientDisconnected(func(*session.Session) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})

	p := dial(t, s)
	p.expectStatus(packets.ReadyForNewUser)
	waitFor(t, "session", func() bool { return s.Len() == 1 })

	s.Stop()
	s.Stop()

	if s.IsListening() || s.Addr() != nil {
		t.Error("server still listening after Stop()")
	}
	if s.Len() != 0 {
		t.Errorf("expected no sessions after Stop(), got %d", s.Len())
	}
	mu.Lock()
	if disconnects != 1 {
		t.Errorf("expected 1 disconnect, got %d", disconnects)
	}
	mu.Unlock()
	p.expectClosed()
}

// stopWithin fails the test if Stop doesn't return in time.
func stopWithin(t *testing.T, s *Server, timeout time.Duration) {
	t.Helper()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		t.Fatalf("Stop() did not return within %v", timeout)
	}
}

func TestServer_StopWithBroadcastingDisconnectHook(t *testing.T) {
	cfg := testConfig()
	cfg.UseAuth = false
	s := New(cfg, nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	broadcastErrs := make(chan error, 1)
	s.OnClientDisconnected(func(sess *session.Session) {
		broadcastErrs <- s.Broadcast(packets.NewText(sess.Identifier() + " left"))
	})

	p := dial(t, s)
	p.register("Client1", "")

	stopWithin(t, s, testTimeout)

	if err := <-broadcastErrs; err != ErrNotListening {
		t.Errorf("Broadcast() during Stop error = %v, want %v", err, ErrNotListening)
	}
	if s.IsListening() || s.Addr() != nil {
		t.Error("server still listening after Stop()")
	}
}

func TestServer_StopWhileRelaying(t *testing.T) {
	cfg := testConfig()
	cfg.UseAuth = false
	s := New(cfg, nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	relaying := make(chan struct{})
	s.OnMessageReceived(func(from *session.Session, m packets.Message) {
		close(relaying)
		time.Sleep(100 * time.Millisecond)
		_ = s.BroadcastExcept(m, from)
		_ = s.Addr()
	})

	p := dial(t, s)
	p.register("Client1", "")
	p.send(packets.NewText("hello"))

	select {
	case <-relaying:
	case <-time.After(testTimeout):
		t.Fatal("message hook was not called")
	}
	stopWithin(t, s, testTimeout)
}

func TestServer_ConcurrentStop(t *testing.T) {
	s := New(testConfig(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()

	if s.IsListening() {
		t.Error("server still listening after Stop()")
	}
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() after Stop() error = %v", err)
	}
	stopWithin(t, s, testTimeout)
}
