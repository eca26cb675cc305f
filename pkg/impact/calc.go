package impact

import (
	"newsquake/pkg/shared"
)

// windowMinutes normalizes the baseline per-minute rate to the reaction
// window length. Always literally 30, even when the window closed early
// because ticks ran out near the end of the series; that understates the
// expected-volume denominator at the boundary and is a known, intentional
// approximation.
const windowMinutes = 30

// Compute derives the impact record for one event against its ticker's
// series. Returns one of the sentinel locate errors when the surrounding
// market data is insufficient; no record is ever fabricated.
func Compute(event shared.NewsEvent, s *Series) (*shared.ImpactRecord, error) {
	w, err := s.Locate(event.PublishedAt)
	if err != nil {
		return nil, err
	}

	priceAtNews := w.PreEvent.Close

	var (
		totalVolume int64
		maxHigh     = w.Ticks[0].High
		minLow      = w.Ticks[0].Low
	)
	for _, t := range w.Ticks {
		totalVolume += t.Volume
		if t.High > maxHigh {
			maxHigh = t.High
		}
		if t.Low < minLow {
			minLow = t.Low
		}
	}
	lastClose := w.Ticks[len(w.Ticks)-1].Close

	rec := &shared.ImpactRecord{
		EventID:             event.EventID,
		Ticker:              event.Ticker,
		PublishedAt:         event.PublishedAt,
		Headline:            event.Headline,
		Source:              event.Source,
		SentimentScore:      event.SentimentScore,
		PriceAtNews:         priceAtNews,
		VolumeAtNews:        w.PreEvent.Volume,
		Price30mAfter:       lastClose,
		PriceImpactPct:      (lastClose - priceAtNews) / priceAtNews * 100,
		Volume30mTotal:      totalVolume,
		High30m:             maxHigh,
		Low30m:              minLow,
		VolatilityImpactPct: (maxHigh - minLow) / priceAtNews * 100,
	}

	// Spike ratio is only defined against a positive baseline. A missing or
	// zero baseline propagates as null, never as zero or infinity.
	if avg, ok := s.volumeBaseline(w.preEventIdx, BaselineTicks); ok {
		rec.VolumeBaselineAvg = &avg
		if avg > 0 {
			ratio := float64(totalVolume) / (avg * windowMinutes)
			rec.VolumeSpikeRatio = &ratio
		}
	}
	return rec, nil
}
