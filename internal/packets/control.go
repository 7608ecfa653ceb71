package packets

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusCode is sent by the server to drive the client through registration.
// The first digit groups the codes: 2xx success, 3xx request, 5xx failure.
type StatusCode int

const (
	Undefined           StatusCode = 100
	ReadyForNewUser     StatusCode = 201
	AccessGranted       StatusCode = 231
	NeedPassword        StatusCode = 331
	ServerIsFull        StatusCode = 503
	IncorrectIdentifier StatusCode = 531
	IncorrectPassword   StatusCode = 532
)

// StatusClass is the category of a StatusCode.
type StatusClass int

const (
	ClassUnknown StatusClass = iota
	ClassSuccess
	ClassRequest
	ClassFailure
)

func (c StatusCode) Class() StatusClass {
	switch c / 100 {
	case 2:
		return ClassSuccess
	case 3:
		return ClassRequest
	case 5:
		return ClassFailure
	default:
		return ClassUnknown
	}
}

func (c StatusCode) String() string {
	switch c {
	case Undefined:
		return "Undefined"
	case ReadyForNewUser:
		return "ReadyForNewUser"
	case AccessGranted:
		return "AccessGranted"
	case NeedPassword:
		return "NeedPassword"
	case ServerIsFull:
		return "ServerIsFull"
	case IncorrectIdentifier:
		return "IncorrectIdentifier"
	case IncorrectPassword:
		return "IncorrectPassword"
	}
	return strconv.Itoa(int(c))
}

// FailureReason is the human readable explanation for a registration failure.
func FailureReason(code StatusCode) string {
	switch code {
	case IncorrectIdentifier:
		return "Incorrect identifier"
	case IncorrectPassword:
		return "Incorrect password"
	case ServerIsFull:
		return "The server is full"
	}
	return code.String()
}

// Command is sent by the client to identify and authenticate itself.
type Command string

const (
	USR Command = "USR"
	PW  Command = "PW"
)

func isCommand(token string) bool {
	switch Command(token) {
	case USR, PW:
		return true
	}
	return false
}

// Kind is the result of classifying a received message.
type Kind int

const (
	KindMessage Kind = iota
	KindCommand
	KindStatus
)

// Control is a parsed control line.
type Control struct {
	Kind    Kind
	Command Command
	Status  StatusCode
	// Comment is everything after the first space, unparsed.
	Comment string
}

// Parse classifies m, trying the command form before the status form. Anything
// that matches neither is reported as KindMessage and belongs to the application.
func Parse(m Message) Control {
	if cmd, arg, ok := ParseCommand(m); ok {
		return Control{Kind: KindCommand, Command: cmd, Comment: arg}
	}
	if code, comment, ok := ParseStatus(m); ok {
		return Control{Kind: KindStatus, Status: code, Comment: comment}
	}
	return Control{Kind: KindMessage}
}

// ParseCommand interprets m as "<NAME> <argument>". A known name without an
// argument yields an empty one.
func ParseCommand(m Message) (Command, string, bool) {
	token, rest := splitFirst(m.Text())
	if !isCommand(token) {
		return "", "", false
	}
	return Command(token), rest, true
}

// ParseStatus interprets m as "<3-digit code> <comment>".
func ParseStatus(m Message) (StatusCode, string, bool) {
	token, rest := splitFirst(m.Text())
	if len(token) != 3 {
		return Undefined, "", false
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return Undefined, "", false
		}
	}
	code, _ := strconv.Atoi(token)
	return StatusCode(code), rest, true
}

// CommandMessage builds the control line for cmd.
func CommandMessage(cmd Command, arg string) Message {
	return NewText(fmt.Sprintf("%s %s", cmd, arg))
}

// StatusMessage builds the control line for code. The comment is omitted when empty.
func StatusMessage(code StatusCode, comment string) Message {
	if comment == "" {
		return NewText(strconv.Itoa(int(code)))
	}
	return NewText(fmt.Sprintf("%d %s", int(code), comment))
}

func splitFirst(text string) (string, string) {
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return text[:i], text[i+1:]
	}
	return text, ""
}
