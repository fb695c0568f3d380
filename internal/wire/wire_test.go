package wire

import (
	"errors"
	"testing"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/google/go-cmp/cmp"
)

func TestType(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    model.MessageType
		wantErr error
	}{
		{"too short", []byte{1, 0}, 0, ErrMalformed},
		{"reserved bytes set", []byte{1, 0, 1, 0}, 0, ErrMalformed},
		{"initiation", []byte{1, 0, 0, 0}, model.MessageInitiation, nil},
		{"transport", []byte{4, 0, 0, 0, 0xff}, model.MessageTransport, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Type(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Type() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("Type() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitiationLayout(t *testing.T) {
	m := &Initiation{Sender: 0x04030201}
	m.Ephemeral[0] = 0xee
	m.Static[47] = 0x55
	m.MAC1[0] = 0xaa
	m.MAC2[15] = 0xbb
	b := m.Marshal()
	if len(b) != InitiationSize {
		t.Fatal("unexpected size", len(b))
	}
	// little-endian header and sender
	if diff := cmp.Diff([]byte{1, 0, 0, 0, 1, 2, 3, 4}, b[:8]); diff != "" {
		t.Fatal(diff)
	}
	if b[8] != 0xee || b[87] != 0x55 || b[116] != 0xaa || b[147] != 0xbb {
		t.Fatal("fields at wrong offsets")
	}
	mac1, mac2 := MACOffsets(len(b))
	if mac1 != 116 || mac2 != 132 {
		t.Fatal("unexpected mac offsets", mac1, mac2)
	}
	parsed, err := ParseInitiation(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, parsed); diff != "" {
		t.Fatal(diff)
	}
}

func TestResponseLayout(t *testing.T) {
	m := &Response{Sender: 7, Receiver: 9}
	m.Empty[0] = 0x01
	b := m.Marshal()
	if len(b) != ResponseSize {
		t.Fatal("unexpected size", len(b))
	}
	if b[0] != 2 || b[4] != 7 || b[8] != 9 || b[44] != 0x01 {
		t.Fatal("fields at wrong offsets")
	}
	if _, err := ParseResponse(b[:ResponseSize-1]); !errors.Is(err, ErrMalformed) {
		t.Fatal("expected ErrMalformed for truncated response")
	}
	if _, err := ParseInitiation(b); !errors.Is(err, ErrMalformed) {
		t.Fatal("expected ErrMalformed for wrong type")
	}
}

func TestCookieReplyLayout(t *testing.T) {
	m := &CookieReply{Receiver: 3}
	m.Nonce[23] = 0x42
	b := m.Marshal()
	if len(b) != CookieReplySize || b[0] != 3 || b[31] != 0x42 {
		t.Fatal("unexpected layout")
	}
	parsed, err := ParseCookieReply(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, parsed); diff != "" {
		t.Fatal(diff)
	}
}

func TestParseTransport(t *testing.T) {
	b := make([]byte, MinTransportSize)
	PutTransportHeader(b, TransportHeader{Receiver: 0x11, Counter: 0x0102})
	h, ct, err := ParseTransport(b)
	if err != nil {
		t.Fatal(err)
	}
	if h.Receiver != 0x11 || h.Counter != 0x0102 || len(ct) != TagSize {
		t.Fatal("unexpected parse result", h, len(ct))
	}
	if _, _, err := ParseTransport(b[:MinTransportSize-1]); !errors.Is(err, ErrMalformed) {
		t.Fatal("expected ErrMalformed")
	}
}

func TestNonce(t *testing.T) {
	n := Nonce(1)
	want := [12]byte{0, 0, 0, 0, 1}
	if n != want {
		t.Fatal("unexpected nonce", n)
	}
}
