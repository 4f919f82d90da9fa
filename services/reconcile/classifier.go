package reconcile

import (
	"time"

	"candlesync/services/config"
	"candlesync/services/series"
)

// Classify assigns the remediation tier and a 1..10 priority to one
// gap. Pure and deterministic: same inputs, same answer, no I/O.
//
// Tier is keyed by how stale the gap's trailing edge is relative to
// now. Priority blends tier weight (0.6), granularity value (0.3) and
// gap duration (0.1); weights come from config so operators can tune
// the triage boundary without a rebuild.
func Classify(gap series.Gap, now time.Time, intervalWeight float64, rc config.ReconcileConfig) (series.GapType, int) {
	age := now.Sub(gap.End)

	var gapType series.GapType
	var timeWeight float64
	switch {
	case age <= rc.UrgentWithin():
		gapType = series.GapUrgent
		timeWeight = rc.UrgentTimeWeight
	case age <= rc.RecentWithin():
		gapType = series.GapRecent
		timeWeight = rc.RecentTimeWeight
	default:
		gapType = series.GapHistorical
		timeWeight = rc.HistoricalTimeWeight
	}

	durationHours := gap.Duration().Hours()
	durationWeight := durationHours / 24
	if durationWeight > 5 {
		durationWeight = 5
	}
	if durationWeight < 1 {
		durationWeight = 1
	}

	score := timeWeight*0.6 + intervalWeight*0.3 + durationWeight*0.1
	return gapType, clampPriority(int(score))
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}
