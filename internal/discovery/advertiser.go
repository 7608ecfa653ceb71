package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/switchboard/internal/core"
	"github.com/dcrodman/switchboard/internal/packets"
)

// WelcomeSource provides the current description of a server.
type WelcomeSource interface {
	Welcome() packets.Welcome
}

// Advertiser publishes a server's endpoint and welcome to the discovery group
// every Interval and whenever a client asks for it.
type Advertiser struct {
	cfg      Config
	endpoint *net.TCPAddr
	source   WelcomeSource
	logger   *logrus.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdvertiser returns an Advertiser for the server reachable at endpoint.
// logger may be nil.
func NewAdvertiser(cfg Config, endpoint *net.TCPAddr, source WelcomeSource, logger *logrus.Logger) *Advertiser {
	if logger == nil {
		logger = core.DiscardLogger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Advertiser{cfg: cfg, endpoint: endpoint, source: source, logger: logger}
}

// Start joins the group and sends the first advertisement. It fails if the
// group can't be reached at all.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return errors.New("advertiser already started")
	}

	conn, group, err := joinGroup(a.cfg)
	if err != nil {
		return err
	}
	a.conn = conn

	if err := a.advertise(conn, group); err != nil {
		conn.Close()
		a.conn = nil
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(2)
	go a.announce(ctx, conn, group)
	go a.answer(conn, group)

	a.logger.Infof("advertising %v on %v", a.endpoint, group)
	return nil
}

// Stop ends advertising and waits for the background goroutines to exit.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	cancel, conn := a.cancel, a.conn
	a.cancel, a.conn = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	// Unblocks the reader.
	conn.Close()
	a.wg.Wait()
}

func (a *Advertiser) advertise(conn *net.UDPConn, group *net.UDPAddr) error {
	data, err := packets.Encode(packets.AdvertisementMessage(packets.Advertisement{
		Endpoint: a.endpoint,
		Welcome:  a.source.Welcome(),
	}))
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(data, group)
	return err
}

func (a *Advertiser) announce(ctx context.Context, conn *net.UDPConn, group *net.UDPAddr) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.advertise(conn, group); err != nil {
				a.logger.Debugf("failed to send advertisement: %v", err)
			}
		}
	}
}

// answer replies to discovery requests until the socket is closed.
func (a *Advertiser) answer(conn *net.UDPConn, group *net.UDPAddr) {
	defer a.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.logger.Debugf("discovery read failed: %v", err)
				continue
			}
			return
		}
		if !isAsk(buf[:n]) {
			continue
		}
		a.logger.Debugf("discovery request from %v", from)
		if err := a.advertise(conn, group); err != nil {
			a.logger.Debugf("failed to answer discovery request: %v", err)
		}
	}
}
