package bda

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blockpool/bda/internal/blockio"
)

// StaticHeader is the decoded form of the 512-byte sigblock described
// in spec.md §3.1.
type StaticHeader struct {
	BlkdevSize         uint64
	PoolUUID           uuid.UUID
	DevUUID            uuid.UUID
	MDASize            uint64
	ReservedSize       uint64
	Flags              uint64
	InitializationTime uint64
}

// String renders the header the way original_source's hand-written
// impl fmt::Debug for StaticHeader does: UUIDs in simple form, not
// their dashed String() form.
func (h *StaticHeader) String() string {
	return fmt.Sprintf(
		"StaticHeader{blkdev_size: %d, pool_uuid: %s, dev_uuid: %s, mda_size: %d, reserved_size: %d, flags: %d, initialization_time: %d}",
		h.BlkdevSize, simpleUUID(h.PoolUUID), simpleUUID(h.DevUUID), h.MDASize, h.ReservedSize, h.Flags, h.InitializationTime,
	)
}

func (h *StaticHeader) equal(o *StaticHeader) bool {
	return h.BlkdevSize == o.BlkdevSize &&
		h.PoolUUID == o.PoolUUID &&
		h.DevUUID == o.DevUUID &&
		h.MDASize == o.MDASize &&
		h.ReservedSize == o.ReservedSize &&
		h.Flags == o.Flags &&
		h.InitializationTime == o.InitializationTime
}

func newStaticHeader(poolUUID, devUUID uuid.UUID, mdaSize, blkdevSize, initTime uint64) *StaticHeader {
	return &StaticHeader{
		BlkdevSize:         blkdevSize,
		PoolUUID:           poolUUID,
		DevUUID:            devUUID,
		MDASize:            mdaSize,
		ReservedSize:       ReservedSizeSectors,
		Flags:              0,
		InitializationTime: initTime,
	}
}

// sigblockToBuf encodes h into a 512-byte sigblock buffer per
// spec.md §4.2.1.
func (h *StaticHeader) sigblockToBuf() [SectorSize]byte {
	var buf [SectorSize]byte

	copy(buf[4:20], magic[:])
	binary.LittleEndian.PutUint64(buf[20:28], h.BlkdevSize)
	buf[28] = sigblockVersion
	copy(buf[32:64], simpleUUID(h.PoolUUID))
	copy(buf[64:96], simpleUUID(h.DevUUID))
	binary.LittleEndian.PutUint64(buf[96:104], h.MDASize)
	binary.LittleEndian.PutUint64(buf[104:112], h.ReservedSize)
	binary.LittleEndian.PutUint64(buf[120:128], h.InitializationTime)
	// flags (bytes 112..120) stay zero.

	crc := checksum(buf[4:SectorSize])
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	return buf
}

// sigblockFromBuf decodes a 512-byte sigblock per spec.md §4.2.2.
// A nil header with a nil error means "no magic" (not ours).
func sigblockFromBuf(buf []byte) (*StaticHeader, error) {
	if len(buf) != SectorSize {
		return nil, fmt.Errorf("bda: sigblock buffer must be %d bytes, got %d", SectorSize, len(buf))
	}

	if !bytesEqual(buf[4:20], magic[:]) {
		return nil, nil
	}

	crc := checksum(buf[4:SectorSize])
	if crc != binary.LittleEndian.Uint32(buf[0:4]) {
		return nil, invalidf("header CRC invalid")
	}

	version := buf[28]
	if version != sigblockVersion {
		return nil, invalidf("unknown sigblock version: %d", version)
	}

	poolUUID, err := parseSimpleUUID(string(buf[32:64]))
	if err != nil {
		return nil, fmt.Errorf("%w: pool uuid: %v", ErrInvalid, err)
	}
	devUUID, err := parseSimpleUUID(string(buf[64:96]))
	if err != nil {
		return nil, fmt.Errorf("%w: dev uuid: %v", ErrInvalid, err)
	}

	mdaSize := binary.LittleEndian.Uint64(buf[96:104])
	if err := validateMDASize(mdaSize); err != nil {
		return nil, err
	}

	return &StaticHeader{
		PoolUUID:           poolUUID,
		DevUUID:            devUUID,
		BlkdevSize:         binary.LittleEndian.Uint64(buf[20:28]),
		MDASize:            mdaSize,
		ReservedSize:       binary.LittleEndian.Uint64(buf[104:112]),
		Flags:              0,
		InitializationTime: binary.LittleEndian.Uint64(buf[120:128]),
	}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// metadataLocation selects which of the two sigblock copies a write
// targets, per spec.md §4.2.4.
type metadataLocation int

const (
	locationBoth metadataLocation = iota
	locationFirst
	locationSecond
)

// readBothSigblocks reads the two sigblock sectors independently. If
// both reads fail, the first error is returned; otherwise each failed
// read leaves its buffer all-zero, which sigblockFromBuf treats as "no
// magic" (spec.md §4.2.3).
func readBothSigblocks(d blockio.Device) (buf1, buf2 [SectorSize]byte, err error) {
	err1 := blockio.ReadExact(d, sigblockOffset1, buf1[:])
	err2 := blockio.ReadExact(d, sigblockOffset2, buf2[:])

	if err1 != nil && err2 != nil {
		return buf1, buf2, err1
	}
	if err1 != nil {
		buf1 = [SectorSize]byte{}
	}
	if err2 != nil {
		buf2 = [SectorSize]byte{}
	}
	return buf1, buf2, nil
}

// writeSigblock writes buf to the selected copy (or both), zeroing the
// surrounding unused sectors in each 8-sector half, per spec.md §4.2.4.
func writeSigblock(d blockio.Device, buf []byte, which metadataLocation) error {
	zeroSector := make([]byte, SectorSize)
	zeroSixSectors := make([]byte, 6*SectorSize)

	writeRegion := func(base int64) error {
		if _, err := d.Seek(base, io.SeekStart); err != nil {
			return err
		}
		if _, err := d.Write(zeroSector); err != nil {
			return err
		}
		if _, err := d.Write(buf); err != nil {
			return err
		}
		if _, err := d.Write(zeroSixSectors); err != nil {
			return err
		}
		return d.SyncAll()
	}

	if which == locationBoth || which == locationFirst {
		if err := writeRegion(0); err != nil {
			return err
		}
	}
	if which == locationBoth || which == locationSecond {
		if err := writeRegion(8 * SectorSize); err != nil {
			return err
		}
	}
	return nil
}

// headerDiagnostics tracks, per sigblock copy, whether the most recent
// setup() rewrote that copy from its sibling (spec.md §7.4).
type headerDiagnostics struct {
	copyRepaired [2]bool
}

// setupStaticHeader implements the self-repair resolution table of
// spec.md §4.2.5, grounded line-for-line on original_source's
// StaticHeader::setup.
func setupStaticHeader(d blockio.Device, log *logrus.Entry, diag *headerDiagnostics) (*StaticHeader, error) {
	log = entryOrDefault(log)
	buf1, buf2, err := readBothSigblocks(d)
	if err != nil {
		return nil, err
	}

	h1, err1 := sigblockFromBuf(buf1[:])
	h2, err2 := sigblockFromBuf(buf2[:])

	switch {
	case err1 == nil && err2 == nil:
		switch {
		case h1 != nil && h2 != nil:
			if h1.equal(h2) {
				return h1, nil
			}
			if h1.InitializationTime > h2.InitializationTime {
				log.Warn("static header: copies disagree, copy 1 is newer, rewriting copy 2")
				diag.copyRepaired[1] = true
				if err := writeSigblock(d, buf1[:], locationSecond); err != nil {
					return nil, err
				}
				return h1, nil
			}
			log.Warn("static header: copies disagree, copy 2 is newer, rewriting copy 1")
			diag.copyRepaired[0] = true
			if err := writeSigblock(d, buf2[:], locationFirst); err != nil {
				return nil, err
			}
			return h2, nil
		case h1 == nil && h2 == nil:
			return nil, nil
		case h1 != nil:
			log.Warn("static header: copy 2 has no magic, rewriting from copy 1")
			diag.copyRepaired[1] = true
			if err := writeSigblock(d, buf1[:], locationSecond); err != nil {
				return nil, err
			}
			return h1, nil
		default:
			log.Warn("static header: copy 1 has no magic, rewriting from copy 2")
			diag.copyRepaired[0] = true
			if err := writeSigblock(d, buf2[:], locationFirst); err != nil {
				return nil, err
			}
			return h2, nil
		}

	case err1 == nil && err2 != nil:
		if h1 != nil {
			log.Warn("static header: copy 2 invalid, rewriting from copy 1")
			diag.copyRepaired[1] = true
			if err := writeSigblock(d, buf1[:], locationSecond); err != nil {
				return nil, err
			}
			return h1, nil
		}
		return nil, err2

	case err1 != nil && err2 == nil:
		if h2 != nil {
			log.Warn("static header: copy 1 invalid, rewriting from copy 2")
			diag.copyRepaired[0] = true
			if err := writeSigblock(d, buf2[:], locationFirst); err != nil {
				return nil, err
			}
			return h2, nil
		}
		return nil, err1

	default:
		return nil, fmt.Errorf("%w: no valid sigblock found", ErrInvalid)
	}
}
