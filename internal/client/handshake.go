package client

import (
	"github.com/dcrodman/switchboard/internal/core/session"
	"github.com/dcrodman/switchboard/internal/packets"
)

// dispatch handles one message from the server and returns false when the
// connection should be closed. Status lines only drive registration while the
// session is Pending; afterwards they're ordinary messages.
func (c *Client) dispatch(current *connection, m packets.Message) bool {
	sess := current.sess
	if sess.State() == session.Pending {
		if code, comment, ok := packets.ParseStatus(m); ok {
			return c.handleStatus(current, code, comment)
		}
		if _, _, ok := packets.ParseCommand(m); ok {
			c.logger.Debugf("ignoring command from server: %q", m.Text())
			return true
		}
	}

	c.messageHooks.Each(func(fn MessageHandler) { fn(m) })
	if m.AckRequested {
		if err := sess.SendAck(); err != nil {
			c.logger.Debugf("failed to acknowledge message: %v", err)
		}
	}
	return true
}

func (c *Client) handleStatus(current *connection, code packets.StatusCode, comment string) bool {
	sess := current.sess

	switch code {
	case packets.ReadyForNewUser:
		welcome, err := packets.ParseWelcome(comment)
		if err != nil {
			c.logger.Warnf("unable to parse welcome from server: %v", err)
		} else {
			c.mu.Lock()
			c.serverInfo = welcome
			c.mu.Unlock()
		}
		return c.reply(sess, packets.CommandMessage(packets.USR, c.cfg.Identifier))

	case packets.NeedPassword:
		return c.reply(sess, packets.CommandMessage(packets.PW, c.cfg.Password))

	case packets.AccessGranted:
		sess.SetIdentifier(c.cfg.Identifier)
		sess.SetState(session.Registered)
		c.logger.Infof("registered with %s as %s", sess.RemoteAddr(), c.cfg.Identifier)
		current.resolve(nil)
		c.registeredHooks.Each(func(fn Handler) { fn() })
		return true
	}

	if code.Class() == packets.ClassFailure {
		reason := packets.FailureReason(code)
		sess.SetState(session.Declined)
		c.logger.Warnf("server refused registration: %s", reason)
		current.resolve(&RegistrationError{Status: code, Reason: reason})
		c.registerFailedHooks.Each(func(fn FailureHandler) { fn(reason) })
		return false
	}

	c.logger.Debugf("ignoring status %v from server", code)
	return true
}

func (c *Client) reply(sess *session.Session, m packets.Message) bool {
	if err := sess.Send(m); err != nil {
		c.logger.Warnf("failed to send %q to server: %v", m.Text(), err)
		return false
	}
	return true
}
