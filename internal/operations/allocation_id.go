package operations

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// maxAllocationIDAttempts bounds the collision search.
const maxAllocationIDAttempts = 1 << 16

// DeriveAllocationID returns keccak256(indexer, deployment, epoch, n) truncated
// to its last 20 bytes, for the smallest n whose id is not taken.
func DeriveAllocationID(indexer, deploymentID string, epoch int64, taken func(string) bool) (string, bool) {
	for n := uint64(0); n < maxAllocationIDAttempts; n++ {
		id := allocationID(indexer, deploymentID, epoch, n)
		if taken == nil || !taken(id) {
			return id, true
		}
	}
	return "", false
}

func allocationID(indexer, deploymentID string, epoch int64, n uint64) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(idBytes(indexer))
	h.Write(idBytes(deploymentID))
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], uint64(epoch))
	h.Write(word[:])
	word = [32]byte{}
	binary.BigEndian.PutUint64(word[24:], n)
	h.Write(word[:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[len(sum)-20:])
}

// idBytes decodes hex ids and falls back to the raw string for everything else.
func idBytes(id string) []byte {
	if strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X") {
		if raw, err := hex.DecodeString(id[2:]); err == nil {
			return raw
		}
	}
	return []byte(id)
}
