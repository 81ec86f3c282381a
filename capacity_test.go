package tape

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tape/device"
)

func TestEstimateSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		tree      *Tree
		blockSize int
		want      int64
	}{
		{"empty", &Tree{}, 512, 1024},
		{"empty large block", &Tree{}, 10240, 10240},
		{"one byte", &Tree{Files: []*File{{Name: "a", Length: 1}}}, 512, 2048},
		{"single large file", &Tree{Files: []*File{{Name: "big", Length: 120000}}}, 10240, 122880},
		{"directory only", &Tree{Dirs: []*Directory{{Name: "d"}}}, 512, 1536},
		{"unblocked", &Tree{Files: []*File{{Name: "a", Length: 1}}}, 0, 2048},
		{"overflow", &Tree{Files: []*File{{Name: "a", Length: math.MaxInt64 - 10}}}, 512, math.MaxInt64},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, EstimateSize(tc.tree, tc.blockSize))
		})
	}
}

func TestEstimateMatchesArchive(t *testing.T) {
	t.Parallel()

	tree := sampleTree()
	p, data, err := runProducer(t, t.Context(), tree, ReadErrorAbort)
	require.NoError(t, err)
	assert.Equal(t, EstimateSize(tree, testBlockSize), int64(len(data)))
	assert.LessOrEqual(t, p.logical, int64(len(data)))
}

func TestCheckCapacity(t *testing.T) {
	t.Parallel()

	tree := &Tree{Files: []*File{{Name: "big", Length: 120000}}}

	t.Run("does not fit", func(t *testing.T) {
		t.Parallel()
		w := CheckCapacity(tree, device.MediaInfo{Capacity: 102400, Remaining: 102400}, 10240)
		require.NotNil(t, w)
		assert.Equal(t, int64(122880), w.Required)
		assert.Equal(t, int64(102400), w.Remaining)
		assert.InDelta(t, 1.2, w.Ratio(), 1e-9)
		assert.InDelta(t, 1.2, w.RemainingRatio, 1e-9)
		assert.True(t, strings.Contains(w.String(), "1.20x"), w.String())
	})

	t.Run("partly used media", func(t *testing.T) {
		t.Parallel()
		media := device.MediaInfo{Capacity: 100 << 20, Remaining: 50 << 20}
		w := checkEstimate(60<<20, media)
		require.NotNil(t, w)
		assert.InDelta(t, 0.6, w.Ratio(), 1e-9)
		assert.InDelta(t, 1.2, w.RemainingRatio, 1e-9)
	})

	t.Run("fits", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, CheckCapacity(tree, device.MediaInfo{Capacity: 1 << 20, Remaining: 122880}, 10240))
	})

	t.Run("unknown capacity", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, CheckCapacity(tree, device.MediaInfo{}, 10240))
	})

	t.Run("full media", func(t *testing.T) {
		t.Parallel()
		w := CheckCapacity(tree, device.MediaInfo{Capacity: 1 << 20}, 10240)
		require.NotNil(t, w)
		assert.True(t, math.IsInf(w.RemainingRatio, 1))
		assert.InDelta(t, 0.12, w.Ratio(), 0.005)
	})
}
