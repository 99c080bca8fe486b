package bda

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/google/uuid"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	u, err := parseSimpleUUID(s)
	if err != nil {
		t.Fatalf("parseSimpleUUID(%q): %v", s, err)
	}
	return u
}

// TestStaticHeaderRoundTrip is invariant 1 from spec.md §8: for any
// valid header h, decode(encode(h)) == h field-for-field.
func TestStaticHeaderRoundTrip(t *testing.T) {
	h1 := newStaticHeader(
		mustUUID(t, "00000000000000000000000000000001"),
		mustUUID(t, "00000000000000000000000000000002"),
		2032,
		32768,
		1_600_000_000,
	)

	buf := h1.sigblockToBuf()
	h2, err := sigblockFromBuf(buf[:])
	if err != nil {
		t.Fatalf("sigblockFromBuf: %v", err)
	}
	if h2 == nil {
		t.Fatal("sigblockFromBuf returned nil header for a valid buffer")
	}

	if diff := deep.Equal(h1, h2); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestSigblockFromBufNoMagic(t *testing.T) {
	var buf [SectorSize]byte
	h, err := sigblockFromBuf(buf[:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != nil {
		t.Fatalf("expected nil header for all-zero buffer, got %v", h)
	}
}

func TestSigblockFromBufBadCRC(t *testing.T) {
	h := newStaticHeader(mustUUID(t, "00000000000000000000000000000001"), mustUUID(t, "00000000000000000000000000000002"), 2032, 1, 1)
	buf := h.sigblockToBuf()
	buf[SectorSize-1] ^= 0xff // corrupt a byte inside the CRC-covered range, outside magic

	_, err := sigblockFromBuf(buf[:])
	if err == nil {
		t.Fatal("expected CRC error, got nil")
	}
}

func TestSigblockFromBufWrongLength(t *testing.T) {
	_, err := sigblockFromBuf(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for wrong-length buffer")
	}
}
