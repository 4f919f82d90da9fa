package clickhouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"candlesync/services/series"
)

// fakeStore tracks rows by timestamp, mimicking the dedup-relevant
// behavior of the candles table.
type fakeStore struct {
	rows       map[int64]series.Candle
	queryErr   error
	insertErr  error
	numInserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]series.Candle)}
}

func (f *fakeStore) QueryExistingKeys(_ context.Context, _ series.Key, min, max time.Time) (map[int64]struct{}, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	existing := make(map[int64]struct{})
	for ms := range f.rows {
		ts := time.UnixMilli(ms)
		if !ts.Before(min) && !ts.After(max) {
			existing[ms] = struct{}{}
		}
	}
	return existing, nil
}

func (f *fakeStore) BulkInsert(_ context.Context, _ series.Key, rows []series.Candle) (int, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.numInserts++
	for _, r := range rows {
		f.rows[r.Timestamp.UnixMilli()] = r
	}
	return len(rows), nil
}

func batchAt(base time.Time, n int, step time.Duration) []series.Candle {
	out := make([]series.Candle, n)
	for i := range out {
		out[i] = series.Candle{Timestamp: base.Add(time.Duration(i) * step)}
	}
	return out
}

var writerKey = series.Key{Symbol: "BTCUSDT", Granularity: series.Gran1m}

func TestWriterIdempotence(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, zap.NewNop())

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	batch := batchAt(base, 60, time.Minute)

	n, err := w.Write(context.Background(), writerKey, batch)
	require.NoError(t, err)
	assert.Equal(t, 60, n)
	assert.Len(t, store.rows, 60)

	// Replaying the identical batch is a no-op, not a duplicate.
	n, err = w.Write(context.Background(), writerKey, batch)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, store.rows, 60)
	assert.Equal(t, 1, store.numInserts, "fully-duplicate batch must skip the insert")
}

func TestWriterFiltersOverlap(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, zap.NewNop())

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := w.Write(context.Background(), writerKey, batchAt(base, 30, time.Minute))
	require.NoError(t, err)

	// Second batch overlaps the first 10 rows.
	n, err := w.Write(context.Background(), writerKey, batchAt(base.Add(20*time.Minute), 30, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Len(t, store.rows, 50)
}

func TestWriterEmptyBatch(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, zap.NewNop())

	n, err := w.Write(context.Background(), writerKey, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.numInserts)
}

func TestWriterWrapsStoreFailures(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("existence check fails", func(t *testing.T) {
		store := newFakeStore()
		store.queryErr = errors.New("store down")
		w := NewWriter(store, zap.NewNop())

		_, err := w.Write(context.Background(), writerKey, batchAt(base, 5, time.Minute))
		var we *series.WriteError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, writerKey, we.Series)
	})

	t.Run("insert fails", func(t *testing.T) {
		store := newFakeStore()
		store.insertErr = errors.New("store down")
		w := NewWriter(store, zap.NewNop())

		_, err := w.Write(context.Background(), writerKey, batchAt(base, 5, time.Minute))
		var we *series.WriteError
		require.ErrorAs(t, err, &we)
	})
}
