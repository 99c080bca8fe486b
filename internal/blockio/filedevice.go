package blockio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice wraps an *os.File opened on a real block device, or on a
// flat file standing in for one (a "pool image"), implementing Device.
type FileDevice struct {
	f *os.File
}

// OpenFileDevice opens path for reading and writing and returns a
// FileDevice over it. The caller is responsible for Close.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blockio: open %s: %w", path, err)
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) Read(p []byte) (int, error)  { return d.f.Read(p) }
func (d *FileDevice) Write(p []byte) (int, error) { return d.f.Write(p) }
func (d *FileDevice) Seek(offset int64, whence int) (int64, error) {
	return d.f.Seek(offset, whence)
}
func (d *FileDevice) Close() error { return d.f.Close() }

// SyncAll flushes file data and metadata to stable storage.
func (d *FileDevice) SyncAll() error {
	return d.f.Sync()
}

// Size returns the device size in bytes. For a block special file it
// issues the BLKGETSIZE64 ioctl (the size reported by stat(2) on a
// block device is not reliable); for a regular file it falls back to
// the file's length.
func (d *FileDevice) Size() (uint64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("blockio: stat: %w", err)
	}

	if fi.Mode()&os.ModeDevice == 0 {
		return uint64(fi.Size()), nil
	}

	size, err := unix.IoctlGetUint64(int(d.f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, fmt.Errorf("blockio: BLKGETSIZE64: %w", err)
	}
	return size, nil
}
