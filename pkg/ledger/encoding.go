package ledger

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HandleWidth is the fixed byte width the ledger expects for ciphertext
// handles.
const HandleWidth = 32

// EncodeHandle serializes an opaque ciphertext handle into the ledger's
// fixed-width encoding: hex handles of at most 32 bytes are left-padded,
// anything else is digested down to width with SHA3-256. The result is the
// 0x-prefixed hex form the ledger's submit entry point takes.
func EncodeHandle(handle string) string {
	raw := strings.TrimPrefix(strings.ToLower(handle), "0x")
	if b, err := hex.DecodeString(raw); err == nil && len(b) <= HandleWidth {
		padded := make([]byte, HandleWidth)
		copy(padded[HandleWidth-len(b):], b)
		return "0x" + hex.EncodeToString(padded)
	}
	sum := sha3.Sum256([]byte(handle))
	return "0x" + hex.EncodeToString(sum[:])
}

// TallyHandleFor derives a deterministic tally handle from the aggregated
// input handles. Only MemLedger uses it; the real ledger returns its own.
func TallyHandleFor(handles []string) string {
	h := sha3.New256()
	for _, handle := range handles {
		h.Write([]byte(EncodeHandle(handle)))
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
