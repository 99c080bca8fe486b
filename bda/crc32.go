package bda

import "hash/crc32"

// crcTable is the CRC-32 Castagnoli polynomial table, matching
// filesystem/ext4/crc32c.go's table construction. Unlike ext4's
// crc32c_update, the BDA checksum does not invert the running CRC: it
// is a plain Castagnoli checksum over the specified byte range, per
// spec.md §6 ("CRC algorithm: CRC-32 Castagnoli ... over the specified
// byte range") and original_source's crc32::checksum_castagnoli.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// checksum computes the CRC-32C of data.
func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}
