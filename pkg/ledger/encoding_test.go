package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeHandle(t *testing.T) {
	tests := []struct {
		name   string
		handle string
		want   string
	}{
		{
			name:   "short hex is left-padded",
			handle: "0xabc1",
			want:   "0x" + strings.Repeat("0", 60) + "abc1",
		},
		{
			name:   "prefix is optional",
			handle: "abc1",
			want:   "0x" + strings.Repeat("0", 60) + "abc1",
		},
		{
			name:   "uppercase hex is normalized",
			handle: "0xABC1",
			want:   "0x" + strings.Repeat("0", 60) + "abc1",
		},
		{
			name:   "full-width handle is unchanged",
			handle: "0x" + strings.Repeat("ab", HandleWidth),
			want:   "0x" + strings.Repeat("ab", HandleWidth),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeHandle(tt.handle))
		})
	}
}

func TestEncodeHandleNonHexIsDigested(t *testing.T) {
	got := EncodeHandle("ciphertext://prop-1/alice")
	assert.True(t, strings.HasPrefix(got, "0x"))
	assert.Len(t, got, 2+2*HandleWidth)

	// Deterministic, and distinct from other handles.
	assert.Equal(t, got, EncodeHandle("ciphertext://prop-1/alice"))
	assert.NotEqual(t, got, EncodeHandle("ciphertext://prop-1/bob"))

	// Over-width hex also goes through the digest.
	long := "0x" + strings.Repeat("ab", HandleWidth+1)
	assert.Len(t, EncodeHandle(long), 2+2*HandleWidth)
	assert.NotEqual(t, long, EncodeHandle(long))
}

func TestTallyHandleFor(t *testing.T) {
	a := TallyHandleFor([]string{"0x01", "0x02"})
	b := TallyHandleFor([]string{"0x01", "0x02"})
	c := TallyHandleFor([]string{"0x02", "0x01"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "tally handle is order-sensitive")
	assert.Len(t, a, 2+2*HandleWidth)
}
