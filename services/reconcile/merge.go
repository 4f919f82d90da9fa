package reconcile

import (
	"sort"
	"time"

	"candlesync/services/series"
)

// MergeGaps sorts gaps by start and collapses any pair separated by
// less than tolerance into one contiguous range, keeping the gap set
// non-overlapping and maximal per series. Sub-ranges separated by at
// least tolerance stay distinct.
//
// When ranges from different detection paths merge, the earlier
// source label wins; the union is what the scheduler remediates either
// way.
func MergeGaps(gaps []series.Gap, tolerance time.Duration) []series.Gap {
	if len(gaps) <= 1 {
		return gaps
	}

	sorted := make([]series.Gap, len(gaps))
	copy(sorted, gaps)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := sorted[:1]
	for _, g := range sorted[1:] {
		cur := &out[len(out)-1]
		if g.Start.Sub(cur.End) < tolerance {
			if g.End.After(cur.End) {
				cur.End = g.End
			}
			continue
		}
		out = append(out, g)
	}

	for i := range out {
		out[i].ExpectedRecords = out[i].ExpectedCount()
	}
	return out
}

// MergePerSeries groups gaps by series key and merges each group with
// its own tolerance. Gap ownership stays partitioned per series, so
// no two tasks ever cover overlapping ranges of the same key.
func MergePerSeries(gaps []series.Gap, tolerance func(series.Key) time.Duration) []series.Gap {
	byKey := make(map[series.Key][]series.Gap)
	order := make([]series.Key, 0)
	for _, g := range gaps {
		if _, seen := byKey[g.Series]; !seen {
			order = append(order, g.Series)
		}
		byKey[g.Series] = append(byKey[g.Series], g)
	}

	var out []series.Gap
	for _, key := range order {
		out = append(out, MergeGaps(byKey[key], tolerance(key))...)
	}
	return out
}
