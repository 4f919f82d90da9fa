package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"candlesync/services/series"
)

// Ledger persists detection events, task outcomes and per-series
// checkpoints. The checkpoint is what bounds the startup-scenario
// synthesized gap after a restart: it only advances when a cycle fully
// completes for the series.
type Ledger struct {
	c   *Client
	log *zap.Logger
}

func NewLedger(c *Client, log *zap.Logger) *Ledger {
	return &Ledger{c: c, log: log}
}

// RecordGap appends one detection event for audit.
func (l *Ledger) RecordGap(ctx context.Context, gap series.Gap, detectedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.gap_detection_log
		(symbol, interval, gap_start, gap_end, gap_type, gap_source, priority, records_expected, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, l.c.db)

	err := l.c.conn.Exec(ctx, query,
		gap.Series.Symbol,
		string(gap.Series.Granularity),
		gap.Start, gap.End,
		gap.Type.String(), gap.Source.String(),
		int8(gap.Priority),
		uint32(gap.ExpectedRecords),
		detectedAt,
	)
	if err != nil {
		return fmt.Errorf("record gap: %w", err)
	}
	return nil
}

// RecordTaskOutcome appends the terminal state of one backfill task.
func (l *Ledger) RecordTaskOutcome(ctx context.Context, task series.Task, finishedAt time.Time) error {
	errKind, errMsg := "", ""
	if task.Err != nil {
		errKind = series.ErrorKind(task.Err)
		errMsg = task.Err.Error()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s.backfill_outcomes
		(task_id, symbol, interval, gap_start, gap_end, status, error_kind, error, records_filled, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, l.c.db)

	err := l.c.conn.Exec(ctx, query,
		task.ID,
		task.Gap.Series.Symbol,
		string(task.Gap.Series.Granularity),
		task.Gap.Start, task.Gap.End,
		task.Status.String(),
		errKind, errMsg,
		uint32(task.RecordsFilled),
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("record task outcome: %w", err)
	}
	return nil
}

// Checkpoint returns the last-full-check time for key. The second
// return is false when no checkpoint exists yet.
func (l *Ledger) Checkpoint(ctx context.Context, key series.Key) (time.Time, bool, error) {
	query := fmt.Sprintf(`
		SELECT last_full_check
		FROM %s.reconcile_checkpoints FINAL
		WHERE symbol = ? AND interval = ?`, l.c.db)

	var ts time.Time
	row := l.c.conn.QueryRow(ctx, query, key.Symbol, string(key.Granularity))
	if err := row.Scan(&ts); err != nil {
		// No row yet is the normal cold-start case.
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

// AdvanceCheckpoint moves the checkpoint forward. Regressions are
// dropped so the record stays monotone even if an older cycle report
// lands late.
func (l *Ledger) AdvanceCheckpoint(ctx context.Context, key series.Key, t time.Time) error {
	prev, ok, err := l.Checkpoint(ctx, key)
	if err != nil {
		return err
	}
	if ok && !t.After(prev) {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s.reconcile_checkpoints
		(symbol, interval, last_full_check, updated_at)
		VALUES (?, ?, ?, ?)`, l.c.db)

	if err := l.c.conn.Exec(ctx, query, key.Symbol, string(key.Granularity), t, time.Now().UTC()); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	l.log.Debug("checkpoint advanced",
		zap.String("series", key.String()),
		zap.Time("last_full_check", t))
	return nil
}
