package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Scrutineer-Labs/omrchain/pkg/canonical"
)

// On disk each block is one record: a 4-byte big-endian length, the
// canonical JSON of the block without its self hash, then the self
// hash as 64 hex bytes. Records are only ever appended.
const (
	recordHashLen = 64
	maxRecordLen  = 16 << 20
)

func encodeRecord(b Block) ([]byte, error) {
	disk := b
	disk.SelfHash = ""
	raw, err := canonical.JCS(disk)
	if err != nil {
		return nil, fmt.Errorf("encode block %d: %w", b.Index, err)
	}
	if len(raw) > maxRecordLen {
		return nil, fmt.Errorf("encode block %d: record length %d exceeds limit", b.Index, len(raw))
	}
	if len(b.SelfHash) != recordHashLen {
		return nil, fmt.Errorf("encode block %d: self hash not set", b.Index)
	}

	buf := make([]byte, 0, 4+len(raw)+recordHashLen)
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(raw)))
	buf = append(buf, lenb[:]...)
	buf = append(buf, raw...)
	buf = append(buf, b.SelfHash...)
	return buf, nil
}

// decodeChain parses complete records from data. It returns the blocks
// decoded, the offset just past the last complete record, and whether
// a partial record trails the file. A partial tail is the residue of
// an append that never finished; anything undecodable before the tail
// is corruption and returns an error.
func decodeChain(data []byte) (blocks []Block, goodOffset int64, tornTail bool, err error) {
	off := 0
	for {
		if off == len(data) {
			return blocks, int64(off), false, nil
		}
		if len(data)-off < 4 {
			return blocks, int64(off), true, nil
		}
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		if n == 0 || n > maxRecordLen {
			return blocks, int64(off), false, fmt.Errorf("record at offset %d: length %d out of range", off, n)
		}
		if len(data)-off < 4+n+recordHashLen {
			return blocks, int64(off), true, nil
		}

		raw := data[off+4 : off+4+n]
		hash := string(data[off+4+n : off+4+n+recordHashLen])

		var b Block
		if uerr := json.Unmarshal(raw, &b); uerr != nil {
			return blocks, int64(off), false, fmt.Errorf("record at offset %d: %w", off, uerr)
		}
		if !isHex(hash) {
			return blocks, int64(off), false, fmt.Errorf("record at offset %d: malformed trailing hash", off)
		}
		b.SelfHash = hash
		blocks = append(blocks, b)
		off += 4 + n + recordHashLen
	}
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return len(s) > 0
}
