// Package store - trend fitting for variety time series.
package store

// trendSlopeBand is the slope magnitude below which a series counts as
// stable, and criticalSlope is where an increasing source becomes critical.
const (
	trendSlopeBand = 0.1
	criticalSlope  = 0.5
)

// fitSlope fits an ordinary-least-squares line over (index, value) pairs
// and returns its slope. Fewer than two samples have no defined slope.
func fitSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}

	// Mean of indices 0..n-1 is (n-1)/2.
	meanX := (n - 1) / 2
	meanY := 0.0
	for _, v := range values {
		meanY += v
	}
	meanY /= n

	var num, den float64
	for i, v := range values {
		dx := float64(i) - meanX
		num += dx * (v - meanY)
		den += dx * dx
	}

	if den == 0 {
		return 0
	}
	return num / den
}

// classifyTrend maps a fitted slope to a direction.
func classifyTrend(slope float64) TrendDirection {
	switch {
	case slope > trendSlopeBand:
		return TrendIncreasing
	case slope < -trendSlopeBand:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// overallTrend takes the majority vote over per-source directions,
// ignoring sources without enough data. Ties and empty input report
// stable.
func overallTrend(trends map[string]SourceTrend) TrendDirection {
	votes := make(map[TrendDirection]int)
	for _, t := range trends {
		if t.Direction == TrendInsufficientData {
			continue
		}
		votes[t.Direction]++
	}

	winner := TrendStable
	best := 0
	tied := false
	for dir, count := range votes {
		if count > best {
			winner = dir
			best = count
			tied = false
		} else if count == best {
			tied = true
		}
	}

	if best == 0 || tied {
		return TrendStable
	}
	return winner
}
