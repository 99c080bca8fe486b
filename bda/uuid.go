package bda

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewUUID returns a freshly generated UUID, for callers minting a new
// pool or device identifier.
func NewUUID() uuid.UUID {
	return uuid.New()
}

// simpleUUID formats u as 32 lower-case hex digits with no separators,
// the "simple form" spec.md §3.1 requires for the on-disk pool_uuid and
// dev_uuid fields.
func simpleUUID(u uuid.UUID) string {
	return strings.ReplaceAll(u.String(), "-", "")
}

// ParseUUID parses a 32-hex-digit simple-form UUID, the on-disk form
// spec.md §3.1 requires for pool_uuid and dev_uuid. It is exported for
// callers (such as cmd/bdactl) that accept pool/dev UUIDs from outside
// the package.
func ParseUUID(s string) (uuid.UUID, error) {
	return parseSimpleUUID(s)
}

// parseSimpleUUID parses a 32-hex-digit simple-form UUID by
// reinserting dashes at the canonical 8-4-4-4-12 offsets, mirroring
// original_source's Uuid::parse_str(from_utf8(&buf[...])?)?.
func parseSimpleUUID(s string) (uuid.UUID, error) {
	if len(s) != uuidSimpleLen {
		return uuid.UUID{}, fmt.Errorf("bda: uuid %q is not %d hex digits", s, uuidSimpleLen)
	}
	dashed := fmt.Sprintf("%s-%s-%s-%s-%s", s[0:8], s[8:12], s[12:16], s[16:20], s[20:32])
	u, err := uuid.Parse(dashed)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("bda: invalid uuid %q: %w", s, err)
	}
	return u, nil
}
