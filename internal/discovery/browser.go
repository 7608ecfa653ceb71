package discovery

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/switchboard/internal/core"
	"github.com/dcrodman/switchboard/internal/packets"
)

// Browser collects server advertisements for one discovery window. Each
// endpoint is reported at most once per window.
type Browser struct {
	cfg    Config
	conn   *net.UDPConn
	logger *logrus.Logger

	// Endpoints already reported, expiring after the window.
	seen *cache.Cache

	servers   chan packets.Advertisement
	closed    chan struct{}
	closeOnce sync.Once
}

// Browse joins the discovery group, asks servers to announce themselves, and
// reports them on Servers until the window elapses or Close is called.
// logger may be nil.
func Browse(cfg Config, logger *logrus.Logger) (*Browser, error) {
	if logger == nil {
		logger = core.DiscardLogger()
	}
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Second
	}

	conn, group, err := joinGroup(cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(cfg.Window)); err != nil {
		conn.Close()
		return nil, err
	}

	b := &Browser{
		cfg:     cfg,
		conn:    conn,
		logger:  logger,
		seen:    cache.New(cfg.Window, cfg.Window),
		servers: make(chan packets.Advertisement),
		closed:  make(chan struct{}),
	}
	go b.listen()

	if _, err := conn.WriteToUDP(askRequest, group); err != nil {
		// Servers still advertise on their own, so keep listening.
		logger.Warnf("failed to send discovery request: %v", err)
	}
	return b, nil
}

// Servers returns the channel that advertisements are delivered on. It is
// closed once the window ends or the Browser is closed.
func (b *Browser) Servers() <-chan packets.Advertisement {
	return b.servers
}

// Close stops listening early. Safe to call more than once.
func (b *Browser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}

func (b *Browser) listen() {
	defer close(b.servers)
	defer b.Close()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if !errors.Is(err, net.ErrClosed) && !(errors.As(err, &netErr) && netErr.Timeout()) {
				b.logger.Warnf("discovery read failed: %v", err)
			}
			return
		}

		for _, ad := range b.parse(buf[:n], from) {
			if err := b.seen.Add(ad.Endpoint.String(), struct{}{}, cache.DefaultExpiration); err != nil {
				continue
			}
			select {
			case b.servers <- ad:
			case <-b.closed:
				return
			}
		}
	}
}

// parse extracts the advertisements from a datagram and ignores anything else
// sent to the group, including other clients' requests.
func (b *Browser) parse(datagram []byte, from *net.UDPAddr) []packets.Advertisement {
	if isAsk(datagram) {
		return nil
	}

	var decoder packets.Decoder
	var ads []packets.Advertisement
	for _, m := range decoder.Feed(datagram) {
		ad, err := packets.ParseAdvertisement(m)
		if err != nil {
			b.logger.Debugf("ignoring datagram from %v: %v", from, err)
			continue
		}
		ads = append(ads, ad)
	}
	return ads
}

// FindServers browses for one full window and returns every server that
// advertised itself, in the order they were first seen.
func FindServers(cfg Config, logger *logrus.Logger) ([]packets.Advertisement, error) {
	b, err := Browse(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	var found []packets.Advertisement
	for ad := range b.Servers() {
		found = append(found, ad)
	}
	return found, nil
}
