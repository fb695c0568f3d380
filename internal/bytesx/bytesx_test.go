package bytesx

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGenRandomBytes(t *testing.T) {
	const smallBuffer = 128
	data, err := GenRandomBytes(smallBuffer)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if len(data) != smallBuffer {
		t.Fatal("unexpected returned buffer length")
	}
}

func TestGenRandomUint32(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 16; i++ {
		v, err := GenRandomUint32()
		if err != nil {
			t.Fatal(err)
		}
		seen[v] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected different random values")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	if IsZero(b) {
		t.Fatal("expected non-zero buffer")
	}
	Zero(b)
	if !IsZero(b) {
		t.Fatal("expected zeroed buffer")
	}
	if !IsZero(nil) {
		t.Fatal("nil buffer should be zero")
	}
}

func TestPaddedSize(t *testing.T) {
	tests := []struct {
		name   string
		length int
		limit  int
		want   int
	}{
		{"empty stays empty", 0, 1420, 0},
		{"rounds up to block", 1, 1420, 16},
		{"exact block", 32, 1420, 32},
		{"capped by limit", 1419, 1420, 1420},
		{"never shrinks", 1500, 1420, 1500},
		{"no limit", 17, 0, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PaddedSize(tt.length, 16, tt.limit); got != tt.want {
				t.Errorf("PaddedSize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPadZero(t *testing.T) {
	got, err := PadZero([]byte{0xaa}, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xaa, 0, 0, 0}, got); diff != "" {
		t.Fatal(diff)
	}
	if _, err := PadZero([]byte{1, 2}, 1); !errors.Is(err, ErrPadding) {
		t.Fatal("expected ErrPadding, got", err)
	}
}
