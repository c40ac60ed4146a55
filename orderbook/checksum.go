package orderbook

import (
	"hash/crc32"
	"strings"

	"cryptostream/models"
)

// InterleavedCRC32 checksums "bidPx:bidSz:askPx:askSz:..." over levels taken
// alternately from each side, continuing with the longer side once the
// shorter one runs out. The CRC is returned as a signed 32-bit value.
func InterleavedCRC32(bids, asks []models.BookEntry) int64 {
	var sb strings.Builder
	n := len(bids)
	if len(asks) > n {
		n = len(asks)
	}
	first := true
	write := func(e models.BookEntry) {
		if !first {
			sb.WriteByte(':')
		}
		first = false
		sb.WriteString(e.Price)
		sb.WriteByte(':')
		sb.WriteString(e.Quantity)
	}
	for i := 0; i < n; i++ {
		if i < len(bids) {
			write(bids[i])
		}
		if i < len(asks) {
			write(asks[i])
		}
	}
	return int64(int32(crc32.ChecksumIEEE([]byte(sb.String()))))
}
