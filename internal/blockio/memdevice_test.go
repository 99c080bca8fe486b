package blockio

import (
	"bytes"
	"io"
	"testing"
)

func TestMemDeviceReadWriteSeek(t *testing.T) {
	d := NewMemDevice(16)

	if err := WriteAll(d, 4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	got := make([]byte, 4)
	if err := ReadExact(d, 4, got); err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v, want [1 2 3 4]", got)
	}
}

func TestMemDeviceGrowsOnWrite(t *testing.T) {
	d := NewMemDevice(0)
	if err := WriteAll(d, 10, []byte{0xff}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if len(d.Bytes()) != 11 {
		t.Fatalf("backing buffer length = %d, want 11", len(d.Bytes()))
	}
}

func TestMemDeviceReadPastEndIsEOF(t *testing.T) {
	d := NewMemDevice(4)
	if _, err := d.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := d.Read(buf); err != io.EOF {
		t.Fatalf("Read past end = %v, want io.EOF", err)
	}
}

func TestMemDeviceSyncCounts(t *testing.T) {
	d := NewMemDevice(4)
	if err := d.SyncAll(); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if err := d.SyncAll(); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if d.Syncs() != 2 {
		t.Fatalf("Syncs() = %d, want 2", d.Syncs())
	}
}

func TestMemDeviceCorruptByte(t *testing.T) {
	d := NewMemDevice(1)
	d.buf[0] = 0x0f
	d.CorruptByte(0)
	if d.buf[0] != 0xf0 {
		t.Fatalf("CorruptByte: got %x, want f0", d.buf[0])
	}
}

func TestMemDeviceNegativeSeekRejected(t *testing.T) {
	d := NewMemDevice(4)
	if _, err := d.Seek(-1, io.SeekStart); err == nil {
		t.Fatal("expected error for negative seek offset")
	}
}
