package server

import (
	"crypto/subtle"

	"github.com/dcrodman/switchboard/internal/core/session"
	"github.com/dcrodman/switchboard/internal/packets"
)

// dispatch routes one inbound message. While a session is Pending, commands
// drive registration; everything else is an application message.
func (s *Server) dispatch(sess *session.Session, m packets.Message) {
	if sess.State() == session.Pending {
		if cmd, arg, ok := packets.ParseCommand(m); ok {
			s.handleCommand(sess, cmd, arg)
			return
		}
	}

	if typ, data, ok := packets.ParseUser(m); ok {
		if handler := s.userHandler(typ); handler != nil {
			handler(sess, data)
			s.acknowledge(sess, m)
			return
		}
	}

	s.messageHooks.Each(func(fn MessageHandler) { fn(sess, m) })
	s.acknowledge(sess, m)
}

func (s *Server) acknowledge(sess *session.Session, m packets.Message) {
	if !m.AckRequested || sess.Closed() {
		return
	}
	if err := sess.SendAck(); err != nil {
		s.logger.Debugf("failed to acknowledge message from %s: %v", sess, err)
	}
}

func (s *Server) handleCommand(sess *session.Session, cmd packets.Command, arg string) {
	switch cmd {
	case packets.USR:
		if arg == "" {
			s.decline(sess, packets.IncorrectIdentifier)
			return
		}
		if !sess.SetIdentifier(arg) && sess.Identifier() != arg {
			s.logger.Debugf("ignoring identifier change from %s to %q", sess, arg)
		}
		if s.authRequired() {
			s.reply(sess, packets.StatusMessage(packets.NeedPassword, ""))
			return
		}
		s.grant(sess)

	case packets.PW:
		if sess.Identifier() == "" {
			s.decline(sess, packets.IncorrectIdentifier)
			return
		}
		if s.authRequired() && subtle.ConstantTimeCompare([]byte(arg), []byte(s.cfg.Password)) != 1 {
			s.decline(sess, packets.IncorrectPassword)
			return
		}
		s.grant(sess)
	}
}

func (s *Server) grant(sess *session.Session) {
	sess.SetState(session.Registered)
	if !s.reply(sess, packets.StatusMessage(packets.AccessGranted, "")) {
		return
	}
	s.logger.Infof("registered client %s", sess)
	s.registeredHooks.Each(func(fn SessionHandler) { fn(sess) })
}

// decline reports the failure to the client and drops the connection.
func (s *Server) decline(sess *session.Session, code packets.StatusCode) {
	sess.SetState(session.Declined)
	s.reply(sess, packets.StatusMessage(code, ""))
	s.logger.Infof("declined client %s: %s", sess, packets.FailureReason(code))
	s.markForRemoval(sess)
}

// reply sends a handshake response and drops the session if it can't be written.
func (s *Server) reply(sess *session.Session, m packets.Message) bool {
	if err := sess.Send(m); err != nil {
		s.logger.Debugf("failed to reply to %s: %v", sess, err)
		s.markForRemoval(sess)
		return false
	}
	return true
}
