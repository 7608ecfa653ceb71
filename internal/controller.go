package internal

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/switchboard/internal/core"
	"github.com/dcrodman/switchboard/internal/core/debug"
	"github.com/dcrodman/switchboard/internal/core/session"
	"github.com/dcrodman/switchboard/internal/discovery"
	"github.com/dcrodman/switchboard/internal/packets"
	"github.com/dcrodman/switchboard/internal/server"
)

// Controller is the main entrypoint for the switchboard server. It initializes
// the shared resources (logging, debug utilities), starts the connection
// registry and advertises it until the context is cancelled.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger

	mu         sync.Mutex
	server     *server.Server
	advertiser *discovery.Advertiser
}

func (c *Controller) Start(ctx context.Context) error {
	defer c.Shutdown()

	var err error
	// Set up the logger, which is shared by every component.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	c.logger.Infof("starting switchboard on %s", c.Config.ListenAddress())

	if c.Config.Debugging.PprofEnabled {
		debug.StartPprofServer(c.logger, c.Config.Debugging.PprofPort)
	}

	srv := server.New(server.ConfigFrom(c.Config), c.logger)
	// Every message a registered client sends is relayed to everyone else.
	srv.OnMessageReceived(c.relay)
	c.mu.Lock()
	c.server = srv
	c.mu.Unlock()
	if err := srv.Start(c.Config.Server.Port); err != nil {
		return fmt.Errorf("error starting server: %w", err)
	}

	// Discovery is best effort; clients can still connect directly without it.
	if c.Config.Discovery.Enabled {
		endpoint := &net.TCPAddr{IP: c.Config.AdvertisedIP(), Port: srv.Addr().Port}
		advertiser := discovery.NewAdvertiser(discovery.ConfigFrom(c.Config), endpoint, srv, c.logger)
		if err := advertiser.Start(); err != nil {
			c.logger.Warnf("discovery disabled: %v", err)
		} else {
			c.mu.Lock()
			c.advertiser = advertiser
			c.mu.Unlock()
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// Addr returns the address the server is listening on, or nil if it isn't.
func (c *Controller) Addr() *net.TCPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server.Addr()
}

func (c *Controller) relay(from *session.Session, m packets.Message) {
	if from.State() != session.Registered {
		return
	}
	m.AckRequested = false
	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if err := srv.BroadcastExcept(m, from); err != nil {
		c.logger.Warnf("failed to relay message from %s: %v", from, err)
	}
}

// Shutdown stops advertising before closing every client connection.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	advertiser, srv := c.advertiser, c.server
	c.mu.Unlock()

	if advertiser != nil {
		advertiser.Stop()
	}
	if srv != nil {
		srv.Stop()
	}
}
