package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"candlesync/services/config"
	"candlesync/services/series"
)

// Ledger is the full persistence contract the engine needs: audit rows
// plus checkpoint advancement.
type Ledger interface {
	CheckpointSource
	OutcomeSink
	RecordGap(ctx context.Context, gap series.Gap, detectedAt time.Time) error
	AdvanceCheckpoint(ctx context.Context, key series.Key, t time.Time) error
}

// Engine runs one finite, idempotent reconciliation cycle:
// detect, augment, classify, remediate, checkpoint.
type Engine struct {
	detector  *Detector
	scenarios *ScenarioDetector
	scheduler *Scheduler
	ledger    Ledger
	cfg       *config.Config
	now       func() time.Time
	log       *zap.Logger
}

func NewEngine(detector *Detector, scenarios *ScenarioDetector, scheduler *Scheduler, ledger Ledger, cfg *config.Config, now func() time.Time, log *zap.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		detector:  detector,
		scenarios: scenarios,
		scheduler: scheduler,
		ledger:    ledger,
		cfg:       cfg,
		now:       now,
		log:       log,
	}
}

type detectResult struct {
	key     series.Key
	gaps    []series.Gap
	skipped bool
	err     error
}

// RunCycle is the exposed entry point. keys may be nil to scan the
// full configured set. It always returns a report, even under partial
// failure; the error is reserved for total failures before any work
// could start.
func (e *Engine) RunCycle(ctx context.Context, scenario Scenario, keys []series.Key) (series.CycleReport, error) {
	start := e.now().UTC()
	if len(keys) == 0 {
		keys = e.cfg.SeriesKeys()
	}

	e.log.Info("reconciliation cycle starting",
		zap.String("scenario", scenario.String()),
		zap.Int("series", len(keys)))

	report := series.CycleReport{
		Scenario:      scenario.String(),
		StartedAt:     start,
		SeriesScanned: len(keys),
		GapsByTier:    map[series.GapType]int{},
	}

	// Detection across series is read-only and independent, so it
	// fans out unbounded. A store failure isolates to its series.
	results := make([]detectResult, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key series.Key) {
			defer wg.Done()
			results[i] = e.detectSeries(ctx, scenario, key)
		}(i, key)
	}
	wg.Wait()

	var gaps []series.Gap
	detectionFailed := make(map[series.Key]bool)
	for _, r := range results {
		if r.err != nil {
			e.log.Error("detection failed for series",
				zap.String("series", r.key.String()), zap.Error(r.err))
			report.DetectionErrors++
			detectionFailed[r.key] = true
			continue
		}
		if r.skipped {
			report.SeriesSkipped++
		}
		gaps = append(gaps, r.gaps...)
	}

	// Scenario candidates join the same pipeline, then everything is
	// re-merged per series so task ownership stays disjoint.
	extra, err := e.scenarios.AdditionalGaps(ctx, scenario, keys)
	if err != nil {
		e.log.Error("scenario augmentation failed", zap.Error(err))
		report.DetectionErrors++
	}
	gaps = append(gaps, extra...)

	gaps = MergePerSeries(gaps, func(key series.Key) time.Duration {
		return e.cfg.Policy(key.Granularity).Tolerance(key.Granularity.Interval())
	})

	for i := range gaps {
		weight := e.cfg.Policy(gaps[i].Series.Granularity).IntervalWeight
		gaps[i].Type, gaps[i].Priority = Classify(gaps[i], start, weight, e.cfg.Reconcile)
		gaps[i].Priority = PriorityBoost(gaps[i])
		report.GapsByTier[gaps[i].Type]++

		if err := e.ledger.RecordGap(ctx, gaps[i], start); err != nil {
			e.log.Warn("record gap failed", zap.Error(err))
		}
	}
	report.GapsDetected = len(gaps)

	tasks := e.scheduler.Run(ctx, gaps)

	// A series' checkpoint advances only when this cycle proved it
	// complete: detection succeeded and every one of its tasks (if
	// any) completed. Partial failure leaves the checkpoint behind so
	// the next startup scan still covers the unresolved window.
	perSeriesClean := make(map[series.Key]bool, len(keys))
	for _, key := range keys {
		perSeriesClean[key] = !detectionFailed[key]
	}
	gapCount := make(map[series.Key]int)
	for _, g := range gaps {
		gapCount[g.Series]++
	}
	taskCount := make(map[series.Key]int)
	for _, t := range tasks {
		taskCount[t.Gap.Series]++
		switch t.Status {
		case series.TaskCompleted:
			report.TasksCompleted++
			report.RecordsWritten += t.RecordsFilled
		default:
			report.TasksFailed++
			report.RecordsWritten += t.RecordsFilled
			perSeriesClean[t.Gap.Series] = false
			failure := series.TaskFailure{
				Series: t.Gap.Series,
				Start:  t.Gap.Start,
				End:    t.Gap.End,
				Kind:   series.ErrorKind(t.Err),
			}
			if t.Err != nil {
				failure.Err = t.Err.Error()
			}
			report.Failures = append(report.Failures, failure)
		}
	}
	// Gaps that were detected but never scheduled (historical cap,
	// cancellation) also hold the checkpoint back.
	for key, n := range gapCount {
		if taskCount[key] < n {
			perSeriesClean[key] = false
		}
	}

	for key, clean := range perSeriesClean {
		if !clean {
			continue
		}
		if err := e.ledger.AdvanceCheckpoint(ctx, key, start); err != nil {
			e.log.Warn("advance checkpoint failed",
				zap.String("series", key.String()), zap.Error(err))
		}
	}

	report.Duration = e.now().UTC().Sub(start)
	e.log.Info("reconciliation cycle finished",
		zap.String("scenario", scenario.String()),
		zap.Int("gaps", report.GapsDetected),
		zap.Int("completed", report.TasksCompleted),
		zap.Int("failed", report.TasksFailed),
		zap.Int("records", report.RecordsWritten),
		zap.Duration("took", report.Duration))
	return report, nil
}

// detectSeries runs the optional quick probe, then the precise walk.
// The probe only ever skips work for the periodic scenario; every
// other trigger implies a reason to distrust the cheap signal.
func (e *Engine) detectSeries(ctx context.Context, scenario Scenario, key series.Key) detectResult {
	if e.cfg.Reconcile.QuickCheckEnabled && scenario == ScenarioPeriodic {
		status, err := e.detector.QuickStatus(ctx, key)
		if err == nil && status == series.StatusComplete {
			return detectResult{key: key, skipped: true}
		}
	}

	gaps, err := e.detector.DetectGaps(ctx, key)
	return detectResult{key: key, gaps: gaps, err: err}
}
