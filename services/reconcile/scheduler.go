package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"candlesync/services/config"
	"candlesync/services/series"
)

// Provider retrieves canonical records from the external source. The
// implementation owns rate limiting and per-call timeouts.
type Provider interface {
	FetchRange(ctx context.Context, key series.Key, start, end time.Time, limit int) ([]series.Candle, error)
}

// Writer performs idempotent inserts into the store.
type Writer interface {
	Write(ctx context.Context, key series.Key, rows []series.Candle) (int, error)
}

// OutcomeSink records terminal task states for audit.
type OutcomeSink interface {
	RecordTaskOutcome(ctx context.Context, task series.Task, finishedAt time.Time) error
}

// Scheduler drives remediation: it partitions classified gaps into
// tiers, runs each tier to completion with bounded concurrency, and
// never lets bulk historical repair starve time-sensitive work.
type Scheduler struct {
	provider Provider
	writer   Writer
	outcomes OutcomeSink
	cfg      *config.Config
	now      func() time.Time
	log      *zap.Logger

	maxWindow  time.Duration
	maxRecords int
}

func NewScheduler(provider Provider, writer Writer, outcomes OutcomeSink, cfg *config.Config, now func() time.Time, log *zap.Logger) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		provider:   provider,
		writer:     writer,
		outcomes:   outcomes,
		cfg:        cfg,
		now:        now,
		log:        log,
		maxWindow:  cfg.Binance.MaxWindow(),
		maxRecords: cfg.Binance.MaxRecords,
	}
}

// Run executes one remediation pass over classified gaps and returns
// the terminal task list. Tiers run strictly in order; tier N+1 does
// not start until every task in tier N is terminal. The historical
// tier is capped per cycle; excess gaps are simply re-detected next
// cycle, so no carry-over queue is needed.
func (s *Scheduler) Run(ctx context.Context, gaps []series.Gap) []series.Task {
	tiers := [3][]series.Gap{}
	for _, g := range gaps {
		tiers[g.Type] = append(tiers[g.Type], g)
	}
	for i := range tiers {
		sort.SliceStable(tiers[i], func(a, b int) bool {
			return tiers[i][a].Priority > tiers[i][b].Priority
		})
	}

	if limit := s.cfg.Reconcile.HistoricalCapPerCycle; limit > 0 && len(tiers[series.GapHistorical]) > limit {
		s.log.Info("historical tier capped",
			zap.Int("detected", len(tiers[series.GapHistorical])),
			zap.Int("cap", limit))
		tiers[series.GapHistorical] = tiers[series.GapHistorical][:limit]
	}

	var tasks []series.Task
	for _, tier := range []series.GapType{series.GapUrgent, series.GapRecent, series.GapHistorical} {
		if len(tiers[tier]) == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		s.log.Info("running tier",
			zap.String("tier", tier.String()),
			zap.Int("gaps", len(tiers[tier])))
		tasks = append(tasks, s.runTier(ctx, tiers[tier])...)
	}
	return tasks
}

// runTier drains one tier with a fixed-size worker pool. All tasks
// reach a terminal state before this returns.
func (s *Scheduler) runTier(ctx context.Context, gaps []series.Gap) []series.Task {
	tasks := make([]series.Task, len(gaps))
	for i, g := range gaps {
		tasks[i] = series.Task{ID: uuid.New(), Gap: g, Status: series.TaskPending}
	}

	workers := s.cfg.Reconcile.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				s.runTask(ctx, &tasks[i])
			}
		}()
	}

	for i := range tasks {
		// Cancellation stops handing out work; in-flight tasks finish
		// their current batch inside runTask.
		if ctx.Err() != nil {
			tasks[i].Status = series.TaskFailed
			tasks[i].Err = ctx.Err()
			s.recordOutcome(tasks[i])
			continue
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return tasks
}

// runTask services one gap: chunked fetches behind the shared limiter,
// each batch written idempotently before the cursor advances. The
// cursor is forward-only (last fetched timestamp + interval), so a
// long gap never re-requests sub-ranges already covered.
func (s *Scheduler) runTask(ctx context.Context, task *series.Task) {
	task.Status = series.TaskInProgress
	key := task.Gap.Series
	interval := key.Granularity.Interval()

	cursor := task.Gap.Start
	for cursor.Before(task.Gap.End) {
		chunkEnd := cursor.Add(s.maxWindow)
		if chunkEnd.After(task.Gap.End) {
			chunkEnd = task.Gap.End
		}

		rows, err := s.provider.FetchRange(ctx, key, cursor, chunkEnd, s.maxRecords)
		if err != nil {
			s.fail(task, err)
			return
		}

		if len(rows) > 0 {
			n, err := s.writer.Write(ctx, key, rows)
			if err != nil {
				s.fail(task, err)
				return
			}
			task.RecordsFilled += n
			cursor = rows[len(rows)-1].Timestamp.Add(interval)
		} else {
			// Provider has nothing for this sub-range (delisted span,
			// exchange outage); skip forward deterministically.
			cursor = chunkEnd
		}

		// Observe cancellation only between batches, never between a
		// dedup check and its insert.
		if err := ctx.Err(); err != nil && cursor.Before(task.Gap.End) {
			s.fail(task, err)
			return
		}
	}

	task.Status = series.TaskCompleted
	s.log.Info("gap filled",
		zap.String("series", key.String()),
		zap.Time("start", task.Gap.Start),
		zap.Time("end", task.Gap.End),
		zap.Int("records", task.RecordsFilled))
	s.recordOutcome(*task)
}

// fail marks the task terminal. No in-cycle retry: the gap is simply
// re-discoverable next cycle, and partial progress is already written.
func (s *Scheduler) fail(task *series.Task, err error) {
	task.Status = series.TaskFailed
	task.Err = err
	if series.IsRetryableFetch(err) {
		s.log.Warn("task failed, will re-detect next cycle",
			zap.String("series", task.Gap.Series.String()),
			zap.Int("partial_records", task.RecordsFilled),
			zap.Error(err))
	} else {
		s.log.Error("task failed, operator attention needed",
			zap.String("series", task.Gap.Series.String()),
			zap.String("kind", series.ErrorKind(err)),
			zap.Error(err))
	}
	s.recordOutcome(*task)
}

func (s *Scheduler) recordOutcome(task series.Task) {
	if s.outcomes == nil {
		return
	}
	// Ledger writes are best-effort audit trail; a failure here must
	// not turn a completed backfill into a failed cycle.
	recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.outcomes.RecordTaskOutcome(recCtx, task, s.now().UTC()); err != nil {
		s.log.Warn("record task outcome failed", zap.Error(err))
	}
}
