package impact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsquake/pkg/shared"
)

func TestVolumeBaselineFullWindow(t *testing.T) {
	var ticks []shared.MarketTick
	for m := 0; m < 200; m++ {
		ticks = append(ticks, minuteTick("NVDA", m, 100, int64(m)))
	}
	s := Partition(ticks)["NVDA"]

	// Trailing 120 ticks ending at index 150: volumes 31..150.
	avg, ok := s.volumeBaseline(150, BaselineTicks)
	require.True(t, ok)
	assert.InDelta(t, 90.5, avg, 1e-9)
}

func TestVolumeBaselinePartialWindow(t *testing.T) {
	s := Partition([]shared.MarketTick{
		minuteTick("NVDA", 0, 100, 10),
		minuteTick("NVDA", 1, 100, 20),
		minuteTick("NVDA", 2, 100, 30),
	})["NVDA"]

	// Fewer than 120 prior ticks is not an error; average what exists.
	avg, ok := s.volumeBaseline(2, BaselineTicks)
	require.True(t, ok)
	assert.InDelta(t, 20.0, avg, 1e-9)
}

func TestVolumeBaselineEmptyIsUndefined(t *testing.T) {
	s := Partition([]shared.MarketTick{minuteTick("NVDA", 0, 100, 10)})["NVDA"]

	_, ok := s.volumeBaseline(-1, BaselineTicks)
	assert.False(t, ok, "empty trailing set must stay undefined, not zero")

	_, ok = s.volumeBaseline(0, 0)
	assert.False(t, ok)
}

func TestVolumeBaselineZeroVolumesDefined(t *testing.T) {
	s := Partition([]shared.MarketTick{
		minuteTick("NVDA", 0, 100, 0),
		minuteTick("NVDA", 1, 100, 0),
	})["NVDA"]

	avg, ok := s.volumeBaseline(1, BaselineTicks)
	require.True(t, ok)
	assert.Zero(t, avg)
}
