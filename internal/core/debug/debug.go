// Package debug contains the optional tooling enabled through the debugging
// section of the config: a pprof server and frame dumps.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/switchboard/internal/packets"
)

// Direction of a frame relative to the local process.
type Direction string

const (
	Inbound  Direction = "recv"
	Outbound Direction = "send"
)

// StartPprofServer starts the default pprof HTTP server that can be accessed via
// localhost to get runtime information. See https://golang.org/pkg/net/http/pprof/
func StartPprofServer(logger *logrus.Logger, port int) {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

// Describe returns a short human readable name for the kind of frame m is.
func Describe(m packets.Message) string {
	if m.IsAck() {
		return "ack"
	}
	if typ, _, ok := packets.ParseUser(m); ok {
		return fmt.Sprintf("user payload %#02x", typ)
	}

	ctl := packets.Parse(m)
	switch ctl.Kind {
	case packets.KindCommand:
		return fmt.Sprintf("command %s", ctl.Command)
	case packets.KindStatus:
		return fmt.Sprintf("status %d %s", int(ctl.Status), ctl.Status)
	}
	return "message"
}

// FrameLogger dumps frames at debug level. A nil *FrameLogger logs nothing.
type FrameLogger struct {
	Logger *logrus.Logger
}

// Log writes one entry for m exchanged with peer.
func (f *FrameLogger) Log(dir Direction, peer string, m packets.Message) {
	if f == nil || f.Logger == nil {
		return
	}
	f.Logger.WithFields(logrus.Fields{
		"dir":  dir,
		"peer": peer,
		"kind": Describe(m),
		"ack":  m.AckRequested,
	}).Debugf("frame (%d bytes)\n%s", m.WireSize(), spew.Sdump(m.Payload))
}
