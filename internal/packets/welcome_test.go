package packets

import (
	"net"
	"testing"

	"github.com/go-test/deep"
)

func TestWelcome_RoundTrip(t *testing.T) {
	want := Welcome{Text: "Welcome aboard", Clients: 3, MaxClients: 32, PasswordProtected: true}

	msg := WelcomeMessage(want)
	if got := msg.Text(); got != "201 Welcome aboard\x003\x0032\x00True" {
		t.Fatalf("WelcomeMessage() = %q", got)
	}

	code, comment, ok := ParseStatus(msg)
	if !ok || code != ReadyForNewUser {
		t.Fatalf("ParseStatus() = %v, %v", code, ok)
	}
	got, err := ParseWelcome(comment)
	if err != nil {
		t.Fatalf("ParseWelcome() returned unexpected error: %v", err)
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("ParseWelcome() mismatch: %v", diff)
	}
}

func TestParseWelcome_Malformed(t *testing.T) {
	for _, comment := range []string{
		"",
		"text\x001\x002",
		"text\x00one\x002\x00True",
		"text\x001\x00two\x00True",
		"text\x001\x002\x00maybe",
	} {
		if _, err := ParseWelcome(comment); err == nil {
			t.Errorf("ParseWelcome(%q) expected an error", comment)
		}
	}
}

func TestAdvertisement_RoundTrip(t *testing.T) {
	want := Advertisement{
		Endpoint: &net.TCPAddr{IP: net.IPv4(192, 168, 1, 5).To4(), Port: 7991},
		Welcome:  Welcome{Text: "LAN party", Clients: 0, MaxClients: 8},
	}

	data, err := Encode(AdvertisementMessage(want))
	if err != nil {
		t.Fatalf("Encode() returned unexpected error: %v", err)
	}

	var d Decoder
	msgs := d.Feed(data)
	if len(msgs) != 1 {
		t.Fatalf("Feed() returned %d messages, want 1", len(msgs))
	}

	got, err := ParseAdvertisement(msgs[0])
	if err != nil {
		t.Fatalf("ParseAdvertisement() returned unexpected error: %v", err)
	}
	if got.Endpoint.String() != want.Endpoint.String() {
		t.Fatalf("endpoint = %v, want %v", got.Endpoint, want.Endpoint)
	}
	if diff := deep.Equal(got.Welcome, want.Welcome); diff != nil {
		t.Fatalf("ParseAdvertisement() mismatch: %v", diff)
	}
}

func TestParseAdvertisement_RejectsOtherStatuses(t *testing.T) {
	if _, err := ParseAdvertisement(StatusMessage(AccessGranted, "")); err == nil {
		t.Fatal("ParseAdvertisement() accepted a non-advertisement status")
	}
	if _, err := ParseAdvertisement(NewText("ask")); err == nil {
		t.Fatal("ParseAdvertisement() accepted a discovery request")
	}
}
