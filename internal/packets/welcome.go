package packets

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const fieldSeparator = "\x00"

var errMalformedWelcome = errors.New("malformed welcome")

// Welcome describes a server to a prospective client. It's carried as the comment
// of a ReadyForNewUser status, both on connect and in discovery datagrams.
type Welcome struct {
	Text              string
	Clients           int
	MaxClients        int
	PasswordProtected bool
}

// String returns the NUL separated form used on the wire.
func (w Welcome) String() string {
	return strings.Join([]string{
		w.Text,
		strconv.Itoa(w.Clients),
		strconv.Itoa(w.MaxClients),
		formatBool(w.PasswordProtected),
	}, fieldSeparator)
}

// ParseWelcome is the inverse of Welcome.String.
func ParseWelcome(comment string) (Welcome, error) {
	fields := strings.Split(comment, fieldSeparator)
	if len(fields) != 4 {
		return Welcome{}, fmt.Errorf("%w: expected 4 fields, got %d", errMalformedWelcome, len(fields))
	}
	return parseWelcomeFields(fields)
}

func parseWelcomeFields(fields []string) (Welcome, error) {
	clients, err := strconv.Atoi(fields[1])
	if err != nil {
		return Welcome{}, fmt.Errorf("%w: client count: %v", errMalformedWelcome, err)
	}
	maxClients, err := strconv.Atoi(fields[2])
	if err != nil {
		return Welcome{}, fmt.Errorf("%w: max clients: %v", errMalformedWelcome, err)
	}
	protected, err := strconv.ParseBool(fields[3])
	if err != nil {
		return Welcome{}, fmt.Errorf("%w: password flag: %v", errMalformedWelcome, err)
	}
	return Welcome{
		Text:              fields[0],
		Clients:           clients,
		MaxClients:        maxClients,
		PasswordProtected: protected,
	}, nil
}

// WelcomeMessage is the ReadyForNewUser status sent to every accepted connection.
func WelcomeMessage(w Welcome) Message {
	return StatusMessage(ReadyForNewUser, w.String())
}

// Advertisement is a Welcome published over multicast along with the
// address clients should connect to.
type Advertisement struct {
	Endpoint *net.TCPAddr
	Welcome
}

func (a Advertisement) String() string {
	s := fmt.Sprintf("%s %s %d/%d", a.Endpoint, a.Text, a.Clients, a.MaxClients)
	if a.PasswordProtected {
		s += " [Protected]"
	}
	return s
}

// AdvertisementMessage builds the discovery datagram payload for a.
func AdvertisementMessage(a Advertisement) Message {
	return StatusMessage(ReadyForNewUser, a.Endpoint.String()+fieldSeparator+a.Welcome.String())
}

// ParseAdvertisement decodes a discovery datagram payload.
func ParseAdvertisement(m Message) (Advertisement, error) {
	code, comment, ok := ParseStatus(m)
	if !ok || code != ReadyForNewUser {
		return Advertisement{}, fmt.Errorf("%w: not a %d status", errMalformedWelcome, int(ReadyForNewUser))
	}

	fields := strings.Split(comment, fieldSeparator)
	if len(fields) != 5 {
		return Advertisement{}, fmt.Errorf("%w: expected 5 fields, got %d", errMalformedWelcome, len(fields))
	}
	endpoint, err := net.ResolveTCPAddr("tcp", fields[0])
	if err != nil {
		return Advertisement{}, fmt.Errorf("%w: endpoint: %v", errMalformedWelcome, err)
	}
	w, err := parseWelcomeFields(fields[1:])
	if err != nil {
		return Advertisement{}, err
	}
	return Advertisement{Endpoint: endpoint, Welcome: w}, nil
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
