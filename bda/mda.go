package bda

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/blockpool/bda/internal/blockio"
)

// mdaHeader is the decoded 32-byte header prefixing each MDA region's
// payload (spec.md §3.2).
type mdaHeader struct {
	lastUpdatedSecs  uint64
	lastUpdatedNsecs uint32
	used             uint64
	dataCRC          uint32
}

// empty reports whether this header represents an uninitialized slot:
// a last_updated_secs of 0 (spec.md §3.2's invariant on empty slots).
func (h *mdaHeader) empty() bool {
	return h == nil || h.lastUpdatedSecs == 0
}

// before reports whether h's timestamp sorts strictly before o's.
// A nil h (empty slot) is never "before" anything in the older/newer
// sense used by MDARegions.older — callers special-case nil directly.
func (h *mdaHeader) before(o *mdaHeader) bool {
	if h.lastUpdatedSecs != o.lastUpdatedSecs {
		return h.lastUpdatedSecs < o.lastUpdatedSecs
	}
	return h.lastUpdatedNsecs < o.lastUpdatedNsecs
}

func mdaHeaderToBuf(h *mdaHeader) [mdaRegionHeaderSize]byte {
	var buf [mdaRegionHeaderSize]byte
	if h != nil {
		binary.LittleEndian.PutUint32(buf[4:8], h.dataCRC)
		binary.LittleEndian.PutUint64(buf[8:16], h.used)
		binary.LittleEndian.PutUint64(buf[16:24], h.lastUpdatedSecs)
		binary.LittleEndian.PutUint32(buf[24:28], h.lastUpdatedNsecs)
	}
	buf[28] = mdaRegionHeaderVersion
	buf[29] = mdaMetadataVersion

	crc := checksum(buf[4:mdaRegionHeaderSize])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return buf
}

// mdaHeaderFromBuf decodes a 32-byte MDA region header per spec.md
// §4.3.3/§4.3.6. A nil header with a nil error means "empty slot".
func mdaHeaderFromBuf(buf []byte, regionSize uint64) (*mdaHeader, error) {
	if len(buf) != mdaRegionHeaderSize {
		return nil, fmt.Errorf("bda: mda region header buffer must be %d bytes, got %d", mdaRegionHeaderSize, len(buf))
	}

	crc := checksum(buf[4:mdaRegionHeaderSize])
	if crc != binary.LittleEndian.Uint32(buf[0:4]) {
		return nil, invalidf("MDA region header CRC")
	}

	hdrVersion := buf[28]
	if hdrVersion != mdaRegionHeaderVersion {
		return nil, invalidf("unknown region header version: %d", hdrVersion)
	}
	metaVersion := buf[29]
	if metaVersion != mdaMetadataVersion {
		return nil, invalidf("unknown metadata version: %d", metaVersion)
	}

	secs := binary.LittleEndian.Uint64(buf[16:24])
	if secs == 0 {
		return nil, nil
	}

	used := binary.LittleEndian.Uint64(buf[8:16])
	if err := checkMDARegionSize(used, regionSize); err != nil {
		return nil, err
	}

	return &mdaHeader{
		lastUpdatedSecs:  secs,
		lastUpdatedNsecs: binary.LittleEndian.Uint32(buf[24:28]),
		used:             used,
		dataCRC:          binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// checkMDARegionSize verifies the header + payload fit within one
// region, per spec.md §3.2's invariant.
func checkMDARegionSize(used, regionSize uint64) error {
	if mdaRegionHeaderSize+used > regionSize {
		return invalidf("metadata length %d exceeds region available %d", used, regionSize-mdaRegionHeaderSize)
	}
	return nil
}

// validateMDASize enforces spec.md §4.3.7: a multiple of 4, at least
// MinMDASectors.
func validateMDASize(sizeSectors uint64) error {
	if sizeSectors%numMDARegions != 0 {
		return invalidf("MDA size %d is not divisible by number of copies required %d", sizeSectors, numMDARegions)
	}
	if sizeSectors < MinMDASectors {
		return invalidf("MDA size %d is less than minimum (%d)", sizeSectors, MinMDASectors)
	}
	return nil
}

// mdaDiagnostics tracks, per physical region index (0..3), whether the
// most recent load of that region fell back to its sibling, and how
// many times that has happened over this MDARegions' lifetime. Backed
// by a 4-bit bitset.BitSet for the "currently bad" snapshot (see
// SPEC_FULL.md §3.2).
type mdaDiagnostics struct {
	fellBack     *bitset.BitSet
	repairCounts [numMDARegions]uint64
}

func newMDADiagnostics() *mdaDiagnostics {
	return &mdaDiagnostics{fellBack: bitset.New(numMDARegions)}
}

func (d *mdaDiagnostics) recordFallback(index uint) {
	d.fellBack.Set(index)
	d.repairCounts[index]++
}

func (d *mdaDiagnostics) recordOK(index uint) {
	d.fellBack.Clear(index)
}

// MDARegions manages the four fixed-size MDA slots described in
// spec.md §3.2/§4.3: two logical slots {0,1}, each with a physical
// sibling at {2,3}.
type MDARegions struct {
	regionSize uint64 // bytes
	mdas       [numPrimaryMDARegions]*mdaHeader
	diag       *mdaDiagnostics
	log        *logrus.Entry
}

func mdaOffset(headerSize int64, index int, perRegionSize uint64) int64 {
	return headerSize + int64(index)*int64(perRegionSize)
}

// MaxDataSize is the size of one MDA region, in bytes. A single save
// holds at most this minus the 32-byte region header.
func (m *MDARegions) MaxDataSize() uint64 { return m.regionSize }

// initializeMDARegions zeroes all four regions with a default
// (empty-timestamp) header and returns the fresh in-memory state, per
// spec.md §4.3.2.
func initializeMDARegions(headerSize int64, sizeSectors uint64, d blockio.Device, log *logrus.Entry) (*MDARegions, error) {
	log = entryOrDefault(log)
	regionSize := (sizeSectors / numMDARegions) * SectorSize
	hdrBuf := mdaHeaderToBuf(nil)

	for region := 0; region < numMDARegions; region++ {
		if err := blockio.WriteAll(d, mdaOffset(headerSize, region, regionSize), hdrBuf[:]); err != nil {
			return nil, err
		}
	}
	if err := d.SyncAll(); err != nil {
		return nil, err
	}

	log.WithField("region_size_bytes", regionSize).Debug("mda: initialized four empty regions")

	return &MDARegions{
		regionSize: regionSize,
		diag:       newMDADiagnostics(),
		log:        log,
	}, nil
}

// loadARegion reads just the region header at the given physical
// index.
func loadARegion(headerSize int64, index int, regionSize uint64, d blockio.Device) (*mdaHeader, error) {
	var hdrBuf [mdaRegionHeaderSize]byte
	if err := blockio.ReadExact(d, mdaOffset(headerSize, index, regionSize), hdrBuf[:]); err != nil {
		return nil, err
	}
	return mdaHeaderFromBuf(hdrBuf[:], regionSize)
}

// getMDA loads the header for logical slot index, falling back to its
// physical sibling (index+2) on *any* error from the primary,
// including CRC errors — Open Question 2 in spec.md §9, preserved as
// specified.
func getMDA(headerSize int64, index int, regionSize uint64, d blockio.Device, diag *mdaDiagnostics, log *logrus.Entry) (*mdaHeader, error) {
	h, err := loadARegion(headerSize, index, regionSize, d)
	if err == nil {
		diag.recordOK(uint(index))
		return h, nil
	}

	log.WithError(err).Warnf("mda: region %d primary copy failed, falling back to sibling %d", index, index+2)
	diag.recordFallback(uint(index))

	h, err2 := loadARegion(headerSize, index+2, regionSize, d)
	if err2 != nil {
		return nil, err2
	}
	return h, nil
}

// loadMDARegions reconstructs in-memory MDARegions state from disk,
// per spec.md §4.3.3.
func loadMDARegions(headerSize int64, sizeSectors uint64, d blockio.Device, log *logrus.Entry) (*MDARegions, error) {
	log = entryOrDefault(log)
	regionSize := (sizeSectors / numMDARegions) * SectorSize
	diag := newMDADiagnostics()

	var mdas [numPrimaryMDARegions]*mdaHeader
	for i := 0; i < numPrimaryMDARegions; i++ {
		h, err := getMDA(headerSize, i, regionSize, d, diag, log)
		if err != nil {
			return nil, err
		}
		mdas[i] = h
	}

	return &MDARegions{
		regionSize: regionSize,
		mdas:       mdas,
		diag:       diag,
		log:        log,
	}, nil
}

// older returns the index of the older logical slot: 0 if slot 0 is
// empty (including both-empty), 1 if only slot 1 is empty, and 1 on a
// timestamp tie, per spec.md §4.3.5.
func (m *MDARegions) older() int {
	if m.mdas[0].empty() {
		return 0
	}
	if m.mdas[1].empty() {
		return 1
	}
	if m.mdas[0].before(m.mdas[1]) {
		return 0
	}
	return 1
}

// newer returns 1 - older().
func (m *MDARegions) newer() int {
	return 1 - m.older()
}

// LastUpdateTime returns the newer slot's timestamp, or ok=false if
// that slot is empty.
func (m *MDARegions) LastUpdateTime() (secs uint64, nsecs uint32, ok bool) {
	h := m.mdas[m.newer()]
	if h.empty() {
		return 0, 0, false
	}
	return h.lastUpdatedSecs, h.lastUpdatedNsecs, true
}

// SaveState writes data to the older slot's two physical copies,
// advancing this MDARegions' in-memory state only after both writes
// succeed (Open Question 1 in spec.md §9, preserved as specified).
// time is rejected if it is not strictly newer than the current newer
// slot (ties count as "newer", spec.md §4.3.4).
func (m *MDARegions) SaveState(headerSize int64, secs uint64, nsecs uint32, data []byte, d blockio.Device) error {
	if curSecs, curNsecs, ok := m.LastUpdateTime(); ok {
		if secs < curSecs || (secs == curSecs && nsecs <= curNsecs) {
			return invalidf("overwriting newer data")
		}
	}

	if err := checkMDARegionSize(uint64(len(data)), m.regionSize); err != nil {
		return err
	}

	header := &mdaHeader{
		lastUpdatedSecs:  secs,
		lastUpdatedNsecs: nsecs,
		used:             uint64(len(data)),
		dataCRC:          checksum(data),
	}
	hdrBuf := mdaHeaderToBuf(header)

	saveRegion := func(index int) error {
		offset := mdaOffset(headerSize, index, m.regionSize)
		if _, err := d.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		if _, err := d.Write(hdrBuf[:]); err != nil {
			return err
		}
		if _, err := d.Write(data); err != nil {
			return err
		}
		return d.SyncAll()
	}

	older := m.older()
	if err := saveRegion(older); err != nil {
		return err
	}
	if err := saveRegion(older + 2); err != nil {
		return err
	}

	m.mdas[older] = header
	m.diag.recordOK(uint(older))
	m.diag.recordOK(uint(older + 2))
	return nil
}

// loadRegionPayload reads the used-length payload from the given
// physical region index and validates its CRC.
func loadRegionPayload(headerSize int64, index int, regionSize uint64, mda *mdaHeader, d blockio.Device) ([]byte, error) {
	offset := mdaOffset(headerSize, index, regionSize) + mdaRegionHeaderSize
	data := make([]byte, mda.used)
	if err := blockio.ReadExact(d, offset, data); err != nil {
		return nil, err
	}
	if checksum(data) != mda.dataCRC {
		return nil, invalidf("MDA region data CRC")
	}
	return data, nil
}

// LoadState reads the payload from the newer slot, falling back to its
// physical sibling on any error (I/O or CRC), per spec.md §4.3.6 and
// Open Question 2. Returns ok=false if the newer slot is empty.
func (m *MDARegions) LoadState(headerSize int64, d blockio.Device) (data []byte, ok bool, err error) {
	newer := m.newer()
	mda := m.mdas[newer]
	if mda.empty() {
		return nil, false, nil
	}

	data, err = loadRegionPayload(headerSize, newer, m.regionSize, mda, d)
	if err == nil {
		m.diag.recordOK(uint(newer))
		return data, true, nil
	}

	m.log.WithError(err).Warnf("mda: region %d payload failed, falling back to sibling %d", newer, newer+2)
	m.diag.recordFallback(uint(newer))

	data, err = loadRegionPayload(headerSize, newer+2, m.regionSize, mda, d)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
