// Package bda implements the Block Device Area: the on-disk metadata
// format and read/write protocol used to identify a block device as
// belonging to a storage pool and to record the pool's variable-length
// metadata on it. See spec.md for the byte-exact layout and protocol
// this package implements.
package bda

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blockpool/bda/internal/blockio"
)

// BDA is an exclusively-owned handle over a static header plus its MDA
// regions, bound to one block device. Operations are synchronous and
// must be serialized by the caller; concurrent calls on the same BDA
// are undefined (spec.md §5).
type BDA struct {
	header     *StaticHeader
	regions    *MDARegions
	headerDiag *headerDiagnostics
	log        *logrus.Entry
}

// Diagnostics is a point-in-time snapshot of self-repair activity,
// giving the "observable only via I/O counters" statement in spec.md
// §7.4 a concrete shape (see SPEC_FULL.md §3.2).
type Diagnostics struct {
	SigblockCopyRepaired  [2]bool
	MDARegionCopyFellBack [4]bool
	MDARegionRepairCount  [4]uint64
}

// Diagnostics returns the current self-repair diagnostics for this BDA.
func (b *BDA) Diagnostics() Diagnostics {
	var d Diagnostics
	d.SigblockCopyRepaired = b.headerDiag.copyRepaired
	for i := 0; i < numMDARegions; i++ {
		d.MDARegionCopyFellBack[i] = b.regions.diag.fellBack.Test(uint(i))
		d.MDARegionRepairCount[i] = b.regions.diag.repairCounts[i]
	}
	return d
}

// Initialize writes a fresh static header (to both copies) and
// initializes the MDA region on dev, per spec.md §4.4.
func Initialize(d blockio.Device, poolUUID, devUUID uuid.UUID, mdaSizeSectors, blkdevSizeSectors, initializationTime uint64, log *logrus.Entry) (*BDA, error) {
	log = entryOrDefault(log)

	if err := validateMDASize(mdaSizeSectors); err != nil {
		return nil, err
	}

	header := newStaticHeader(poolUUID, devUUID, mdaSizeSectors, blkdevSizeSectors, initializationTime)
	sigblock := header.sigblockToBuf()
	if err := writeSigblock(d, sigblock[:], locationBoth); err != nil {
		return nil, fmt.Errorf("bda: initialize: writing static header: %w", err)
	}

	regions, err := initializeMDARegions(staticHeaderSize, mdaSizeSectors, d, log)
	if err != nil {
		return nil, fmt.Errorf("bda: initialize: initializing MDA regions: %w", err)
	}

	log.WithFields(logrus.Fields{
		"pool_uuid": simpleUUID(poolUUID),
		"dev_uuid":  simpleUUID(devUUID),
	}).Info("bda: initialized")

	return &BDA{
		header:     header,
		regions:    regions,
		headerDiag: &headerDiagnostics{},
		log:        log,
	}, nil
}

// Load runs the static header self-repair protocol and, if a header is
// found, loads the MDA regions on top of it. A nil *BDA with a nil
// error means the device does not appear to belong to this format
// (spec.md §4.4, §7.2).
func Load(d blockio.Device, log *logrus.Entry) (*BDA, error) {
	log = entryOrDefault(log)
	diag := &headerDiagnostics{}

	header, err := setupStaticHeader(d, log, diag)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}

	regions, err := loadMDARegions(staticHeaderSize, header.MDASize, d, log)
	if err != nil {
		return nil, fmt.Errorf("bda: load: loading MDA regions: %w", err)
	}

	return &BDA{
		header:     header,
		regions:    regions,
		headerDiag: diag,
		log:        log,
	}, nil
}

// Identify reads just the device/pool identifiers without attaching a
// full *BDA, matching original_source's StaticHeader::device_identifiers
// (see SPEC_FULL.md §4). ok is false if the device doesn't belong to
// this format.
func Identify(d blockio.Device, log *logrus.Entry) (poolUUID, devUUID uuid.UUID, ok bool, err error) {
	log = entryOrDefault(log)
	header, err := setupStaticHeader(d, log, &headerDiagnostics{})
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, false, err
	}
	if header == nil {
		return uuid.UUID{}, uuid.UUID{}, false, nil
	}
	return header.PoolUUID, header.DevUUID, true, nil
}

// Wipe zeroes the static header region, making the device
// indistinguishable from uninitialized storage (spec.md §4.4).
func Wipe(d blockio.Device) error {
	zeroed := make([]byte, staticHeaderSize)
	if _, err := d.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := d.Write(zeroed); err != nil {
		return err
	}
	return d.SyncAll()
}

// SaveState picks the older of the two logical MDA slots, writes
// header+payload to both of its physical copies, and advances the
// in-memory timestamp, per spec.md §4.3.4.
func (b *BDA) SaveState(secs uint64, nsecs uint32, payload []byte, d blockio.Device) error {
	return b.regions.SaveState(staticHeaderSize, secs, nsecs, payload, d)
}

// LoadState reads the newer slot's payload, falling back to its
// sibling on any error, per spec.md §4.3.6.
func (b *BDA) LoadState(d blockio.Device) (payload []byte, ok bool, err error) {
	return b.regions.LoadState(staticHeaderSize, d)
}

// PoolUUID is the UUID of the pool this device belongs to.
func (b *BDA) PoolUUID() uuid.UUID { return b.header.PoolUUID }

// DevUUID is this device's own UUID.
func (b *BDA) DevUUID() uuid.UUID { return b.header.DevUUID }

// DevSize is the device size in sectors, as recorded at initialize
// time.
func (b *BDA) DevSize() uint64 { return b.header.BlkdevSize }

// Size is the number of sectors the BDA itself occupies: the static
// header, the MDA area, and the reserved area.
func (b *BDA) Size() uint64 {
	return staticHeaderSectors + b.header.MDASize + b.header.ReservedSize
}

// MaxDataSize is the size, in bytes, of one MDA region. The payload of
// a single save may be at most this minus the 32-byte region header.
func (b *BDA) MaxDataSize() uint64 { return b.regions.MaxDataSize() }

// InitializationTime is the Unix timestamp, in seconds, when the
// device was first initialized.
func (b *BDA) InitializationTime() uint64 { return b.header.InitializationTime }

// LastUpdateTime is the timestamp of the most recently saved metadata,
// or ok=false if none has ever been saved.
func (b *BDA) LastUpdateTime() (secs uint64, nsecs uint32, ok bool) {
	return b.regions.LastUpdateTime()
}

// String renders the BDA's static header for logs and CLI output.
func (b *BDA) String() string {
	return b.header.String()
}
