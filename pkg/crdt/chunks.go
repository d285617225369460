package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkTypeChange           = 1
	chunkTypeCompressedChange = 2

	// magic, checksum and type
	chunkPrefixSize = 9
)

// checkChunks verifies that raw is a run of complete change chunks. Incremental loading
// tolerates input it can only partly read, so a delta is framed before it is handed over.
func checkChunks(raw []byte) error {
	for offset := 0; offset < len(raw); {
		rest := raw[offset:]
		if len(rest) < chunkPrefixSize || !bytes.Equal(rest[:len(chunkMagic)], chunkMagic) {
			return fmt.Errorf("%w: no change header at byte %d", ErrMalformedDelta, offset)
		}
		if t := rest[chunkPrefixSize-1]; t != chunkTypeChange && t != chunkTypeCompressedChange {
			return fmt.Errorf("%w: chunk at byte %d has type %d, not a change", ErrMalformedDelta, offset, t)
		}
		length, n := binary.Uvarint(rest[chunkPrefixSize:])
		if n <= 0 {
			return fmt.Errorf("%w: bad chunk length at byte %d", ErrMalformedDelta, offset)
		}
		body := len(rest) - chunkPrefixSize - n
		if length > uint64(body) {
			return fmt.Errorf("%w: chunk at byte %d is truncated", ErrMalformedDelta, offset)
		}
		offset += chunkPrefixSize + n + int(length)
	}
	return nil
}
