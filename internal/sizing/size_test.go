package sizing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundUp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int64
		unit int64
		want int64
		ok   bool
	}{
		{name: "zero", n: 0, unit: 512, want: 0, ok: true},
		{name: "exact multiple", n: 1024, unit: 512, want: 1024, ok: true},
		{name: "one past", n: 1025, unit: 512, want: 1536, ok: true},
		{name: "tape block", n: 1, unit: 65536, want: 65536, ok: true},
		{name: "zero unit", n: 10, unit: 0, ok: false},
		{name: "negative", n: -1, unit: 512, ok: false},
		{name: "overflow", n: math.MaxInt64 - 1, unit: 512, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := RoundUp(tt.n, tt.unit)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestAddInt64Overflow(t *testing.T) {
	t.Parallel()

	sum, ok := AddInt64(3, 4)
	assert.True(t, ok)
	assert.Equal(t, int64(7), sum)

	_, ok = AddInt64(math.MaxInt64, 1)
	assert.False(t, ok)
}

func TestBlocksAndPercent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), Blocks(0, 512))
	assert.Equal(t, int64(1), Blocks(1, 512))
	assert.Equal(t, int64(2), Blocks(513, 512))

	assert.InDelta(t, 75.0, Percent(3, 4), 1e-9)
	assert.Zero(t, Percent(3, 0))
	assert.InDelta(t, 1.2, Ratio(12, 10), 1e-9)
	assert.Zero(t, Ratio(12, 0))
}
