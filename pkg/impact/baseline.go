package impact

// BaselineTicks is the trailing tick count used for the volume baseline.
// It is a tick count, not a wall-clock duration: 120 one-minute bars span
// roughly two trading hours and skip closures implicitly, since closed
// periods simply have no ticks.
const BaselineTicks = 120

// volumeBaseline averages volume over the trailing n ticks ending at (and
// including) the pre-event tick. Fewer than n prior ticks is fine; the
// average is over whatever exists. Reports false when the set is empty:
// an undefined baseline stays undefined, it never collapses to zero.
func (s *Series) volumeBaseline(preEventIdx, n int) (float64, bool) {
	if preEventIdx < 0 || n <= 0 {
		return 0, false
	}
	hi := preEventIdx + 1
	lo := hi - n
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return 0, false
	}
	var total int64
	for _, t := range s.Ticks[lo:hi] {
		total += t.Volume
	}
	return float64(total) / float64(hi-lo), true
}
