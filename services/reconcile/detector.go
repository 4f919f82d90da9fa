// Package reconcile implements the detection-classification-remediation
// pipeline: precise gap detection against the store, scenario-aware
// augmentation, priority classification, and tiered bounded-concurrency
// backfill.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"candlesync/services/config"
	"candlesync/services/series"
)

// Store is the minimal read contract the detector needs from the
// time-series store.
type Store interface {
	QueryTimestamps(ctx context.Context, key series.Key, start, end time.Time) ([]time.Time, error)
	SeriesExtent(ctx context.Context, key series.Key, start, end time.Time) (time.Time, time.Time, uint64, error)
}

// Detector finds missing ranges by walking stored timestamps against
// the expected sampling cadence.
type Detector struct {
	store Store
	cfg   *config.Config
	now   func() time.Time
	log   *zap.Logger
}

func NewDetector(store Store, cfg *config.Config, now func() time.Time, log *zap.Logger) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{store: store, cfg: cfg, now: now, log: log}
}

// DetectGaps scans key's retention window and returns merged,
// unclassified gaps. An empty result means coverage is verified
// complete end to end.
func (d *Detector) DetectGaps(ctx context.Context, key series.Key) ([]series.Gap, error) {
	policy := d.cfg.Policy(key.Granularity)
	interval := key.Granularity.Interval()
	tolerance := policy.Tolerance(interval)

	now := d.now().UTC()
	windowStart := now.Add(-time.Duration(policy.LookbackDays) * 24 * time.Hour)

	stamps, err := d.store.QueryTimestamps(ctx, key, windowStart, now)
	if err != nil {
		return nil, &series.DetectionError{Series: key, Err: err}
	}

	if len(stamps) == 0 {
		return []series.Gap{{
			Series: key,
			Start:  windowStart,
			End:    now,
			Source: series.SourceTimestampWalk,
		}}, nil
	}

	var gaps []series.Gap

	// Leading edge: the series may have started reporting after the
	// retention window opens.
	if stamps[0].Sub(windowStart) > tolerance {
		gaps = append(gaps, series.Gap{
			Series: key,
			Start:  windowStart,
			End:    stamps[0],
			Source: series.SourceTimestampWalk,
		})
	}

	// Interior: any spacing beyond interval+tolerance is a hole from
	// the sample after t[i] up to t[i+1].
	for i := 0; i < len(stamps)-1; i++ {
		if stamps[i+1].Sub(stamps[i]) > interval+tolerance {
			gaps = append(gaps, series.Gap{
				Series: key,
				Start:  stamps[i].Add(interval),
				End:    stamps[i+1],
				Source: series.SourceTimestampWalk,
			})
		}
	}

	// Trailing edge: the newest sample must be within two intervals of
	// now; the current in-progress bar is never expected.
	last := stamps[len(stamps)-1]
	if last.Before(now.Add(-2 * interval)) {
		gaps = append(gaps, series.Gap{
			Series: key,
			Start:  last.Add(interval),
			End:    now,
			Source: series.SourceTimestampWalk,
		})
	}

	gaps = MergeGaps(gaps, tolerance)
	for i := range gaps {
		gaps[i].ExpectedRecords = gaps[i].ExpectedCount()
	}
	return gaps, nil
}

// QuickStatus is the cheap freshness probe: one MIN/MAX/COUNT query
// instead of a full timestamp walk. Complete means both edges are
// covered; it says nothing about interior holes, which is why the
// precise walk still runs for anything not Complete.
func (d *Detector) QuickStatus(ctx context.Context, key series.Key) (series.QuickStatus, error) {
	policy := d.cfg.Policy(key.Granularity)
	interval := key.Granularity.Interval()
	tolerance := policy.Tolerance(interval)

	now := d.now().UTC()
	windowStart := now.Add(-time.Duration(policy.LookbackDays) * 24 * time.Hour)

	minTS, maxTS, count, err := d.store.SeriesExtent(ctx, key, windowStart, now)
	if err != nil {
		return series.StatusMissing, &series.DetectionError{Series: key, Err: err}
	}
	if count == 0 {
		return series.StatusMissing, nil
	}

	if maxTS.Before(now.Add(-2 * interval)) {
		return series.StatusPartial, nil
	}
	if minTS.Sub(windowStart) > tolerance {
		return series.StatusPartial, nil
	}

	// Density sanity: a window with both edges covered but far fewer
	// rows than the cadence implies still has interior holes.
	expected := uint64(now.Sub(windowStart) / interval)
	if expected > 0 && count < expected*9/10 {
		return series.StatusPartial, nil
	}
	return series.StatusComplete, nil
}
