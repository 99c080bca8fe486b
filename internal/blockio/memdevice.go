package blockio

import (
	"fmt"
	"io"
)

// MemDevice is an in-memory Device backed by a growable byte slice. It
// stands in for the Cursor<Vec<u8>> fixture used throughout
// original_source's test suite.
type MemDevice struct {
	buf    []byte
	offset int64
	syncs  int
}

// NewMemDevice returns a MemDevice pre-sized to size bytes, all zero.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{buf: make([]byte, size)}
}

func (m *MemDevice) Read(p []byte) (int, error) {
	if m.offset >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.offset:])
	m.offset += int64(n)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemDevice) Write(p []byte) (int, error) {
	end := m.offset + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[m.offset:end], p)
	m.offset = end
	return n, nil
}

func (m *MemDevice) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = m.offset + offset
	case io.SeekEnd:
		newOffset = int64(len(m.buf)) + offset
	default:
		return 0, fmt.Errorf("blockio: invalid whence %d", whence)
	}
	if newOffset < 0 {
		return 0, fmt.Errorf("blockio: negative seek offset %d", newOffset)
	}
	m.offset = newOffset
	return m.offset, nil
}

// SyncAll is a no-op on a MemDevice beyond counting calls; Syncs
// reports the count.
func (m *MemDevice) SyncAll() error {
	m.syncs++
	return nil
}

// Syncs returns the number of SyncAll calls observed so far.
func (m *MemDevice) Syncs() int { return m.syncs }

// Bytes returns the full backing buffer, for byte-exact assertions.
func (m *MemDevice) Bytes() []byte { return m.buf }

// CorruptByte flips every bit of the byte at the given absolute offset,
// mirroring original_source's corrupt_byte test helper.
func (m *MemDevice) CorruptByte(offset int64) {
	m.buf[offset] = ^m.buf[offset]
}
