// Package discovery lets clients find servers on the local network. Servers
// periodically publish an advertisement to a multicast group and answer
// explicit requests; clients collect the advertisements for a short window.
package discovery

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/dcrodman/switchboard/internal/core"
	"github.com/dcrodman/switchboard/internal/packets"
)

// Largest advertisement we expect to receive.
const maxDatagramSize = 2048

// askRequest is sent by clients to make servers advertise immediately.
var askRequest = []byte("ask")

// Config contains the options shared by advertisers and browsers.
type Config struct {
	Group     string
	Port      int
	Interval  time.Duration
	Window    time.Duration
	TTL       int
	Interface string
}

// ConfigFrom extracts the discovery options from the application config.
func ConfigFrom(cfg *core.Config) Config {
	return Config{
		Group:     cfg.Discovery.Group,
		Port:      cfg.Discovery.Port,
		Interval:  cfg.Discovery.Interval,
		Window:    cfg.Discovery.Window,
		TTL:       cfg.Discovery.TTL,
		Interface: cfg.Discovery.Interface,
	}
}

func (c Config) groupAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(c.Group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%q is not a multicast group", c.Group)
	}
	return &net.UDPAddr{IP: ip, Port: c.Port}, nil
}

// joinGroup opens a socket that receives datagrams sent to the group and can
// send to it with the configured TTL. Loopback is enabled so that servers and
// clients on the same host can see each other.
func joinGroup(cfg Config) (*net.UDPConn, *net.UDPAddr, error) {
	group, err := cfg.groupAddr()
	if err != nil {
		return nil, nil, err
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		if iface, err = net.InterfaceByName(cfg.Interface); err != nil {
			return nil, nil, fmt.Errorf("error finding interface %s: %w", cfg.Interface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, group)
	if err != nil {
		return nil, nil, fmt.Errorf("error joining multicast group %v: %w", group, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("error setting multicast TTL: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("error enabling multicast loopback: %w", err)
	}
	if iface != nil {
		if err := pc.SetMulticastInterface(iface); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("error setting multicast interface: %w", err)
		}
	}
	return conn, group, nil
}

// isAsk reports whether a datagram is a discovery request. The request may
// or may not carry a frame delimiter.
func isAsk(datagram []byte) bool {
	return bytes.Equal(bytes.TrimSuffix(datagram, []byte{packets.Delimiter}), askRequest)
}
