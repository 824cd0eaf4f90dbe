package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

const (
	leafPrefix = "omrchain:block:leaf:v1"
	nodePrefix = "omrchain:block:node:v1"
)

// PayloadRoot computes the merkle root over the payload entries in the
// order given. Entry order is part of the commitment. A single leaf is
// paired with itself so one-entry and two-identical-entry payloads
// produce the same tree shape; an empty payload hashes to the digest
// of the empty string.
func PayloadRoot(entries []PayloadEntry) string {
	if len(entries) == 0 {
		return sha256Hex(nil)
	}

	level := make([]string, len(entries))
	for i, e := range entries {
		level[i] = leafHash(e)
	}

	if len(level) == 1 {
		return nodeHash(level[0], level[0])
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

func leafHash(e PayloadEntry) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(e.Key)
	buf.WriteByte(0)
	buf.WriteString(e.ValueHash)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}

	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
