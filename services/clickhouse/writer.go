package clickhouse

import (
	"context"
	"time"

	"go.uber.org/zap"

	"candlesync/services/series"
)

// WriterStore is the slice of the store contract the writer needs.
type WriterStore interface {
	QueryExistingKeys(ctx context.Context, key series.Key, min, max time.Time) (map[int64]struct{}, error)
	BulkInsert(ctx context.Context, key series.Key, rows []series.Candle) (int, error)
}

// Writer performs existence-checked bulk inserts. Repeating the same
// write is a no-op, which is what makes backfill safe under
// at-least-once delivery and concurrent overlapping batches.
type Writer struct {
	store WriterStore
	log   *zap.Logger
}

func NewWriter(store WriterStore, log *zap.Logger) *Writer {
	return &Writer{store: store, log: log}
}

// Write filters rows down to timestamps not already present, inserts
// the remainder in one batch and returns the count actually inserted.
func (w *Writer) Write(ctx context.Context, key series.Key, rows []series.Candle) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	min, max := rows[0].Timestamp, rows[0].Timestamp
	for _, r := range rows[1:] {
		if r.Timestamp.Before(min) {
			min = r.Timestamp
		}
		if r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}

	existing, err := w.store.QueryExistingKeys(ctx, key, min, max)
	if err != nil {
		return 0, &series.WriteError{Series: key, Err: err}
	}

	fresh := rows[:0:0]
	for _, r := range rows {
		if _, ok := existing[r.Timestamp.UnixMilli()]; !ok {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		w.log.Debug("batch fully deduplicated",
			zap.String("series", key.String()),
			zap.Int("batch", len(rows)))
		return 0, nil
	}

	n, err := w.store.BulkInsert(ctx, key, fresh)
	if err != nil {
		return 0, &series.WriteError{Series: key, Err: err}
	}
	if n < len(rows) {
		w.log.Debug("batch partially deduplicated",
			zap.String("series", key.String()),
			zap.Int("batch", len(rows)),
			zap.Int("inserted", n))
	}
	return n, nil
}
