package reconcile

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

func TestDetectGapsEmptyStoreReturnsFullWindow(t *testing.T) {
	store := newMemStore()
	cfg := testConfig(series.Gran1h, 2)
	d := NewDetector(store, cfg, fixedClock, zap.NewNop())

	gaps, err := d.DetectGaps(context.Background(), testKey(series.Gran1h))
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	windowStart := testNow.Add(-48 * time.Hour)
	assert.Equal(t, windowStart, gaps[0].Start)
	assert.Equal(t, testNow, gaps[0].End)
	assert.Equal(t, 48, gaps[0].ExpectedRecords)
}

func TestDetectGapsDenseSeriesReturnsNothing(t *testing.T) {
	store := newMemStore()
	key := testKey(series.Gran1h)
	cfg := testConfig(series.Gran1h, 2)

	windowStart := testNow.Add(-48 * time.Hour)
	store.seedRange(key, windowStart, testNow)

	d := NewDetector(store, cfg, fixedClock, zap.NewNop())
	gaps, err := d.DetectGaps(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestDetectGapsInteriorHole(t *testing.T) {
	store := newMemStore()
	key := testKey(series.Gran1h)
	cfg := testConfig(series.Gran1h, 2)

	windowStart := testNow.Add(-48 * time.Hour)
	holeStart := testNow.Add(-30 * time.Hour)
	holeEnd := testNow.Add(-20 * time.Hour)
	store.seedRange(key, windowStart, holeStart)
	store.seedRange(key, holeEnd, testNow)

	d := NewDetector(store, cfg, fixedClock, zap.NewNop())
	gaps, err := d.DetectGaps(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	// Last stored sample before the hole is holeStart-1h, so the gap
	// opens one interval after it.
	assert.Equal(t, holeStart, gaps[0].Start)
	assert.Equal(t, holeEnd, gaps[0].End)
}

func TestDetectGapsLeadingEdge(t *testing.T) {
	store := newMemStore()
	key := testKey(series.Gran1h)
	cfg := testConfig(series.Gran1h, 2)

	// Series only started reporting 10h ago; the interior is dense but
	// the window is not covered.
	firstSample := testNow.Add(-10 * time.Hour)
	store.seedRange(key, firstSample, testNow)

	d := NewDetector(store, cfg, fixedClock, zap.NewNop())
	gaps, err := d.DetectGaps(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, testNow.Add(-48*time.Hour), gaps[0].Start)
	assert.Equal(t, firstSample, gaps[0].End)
}

func TestDetectGapsTrailingEdge(t *testing.T) {
	store := newMemStore()
	key := testKey(series.Gran1h)
	cfg := testConfig(series.Gran1h, 2)

	// Dense history that stopped 8 hours ago.
	windowStart := testNow.Add(-48 * time.Hour)
	lastSample := testNow.Add(-8 * time.Hour)
	store.seedRange(key, windowStart, lastSample.Add(time.Hour))

	d := NewDetector(store, cfg, fixedClock, zap.NewNop())
	gaps, err := d.DetectGaps(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, lastSample.Add(time.Hour), gaps[0].Start)
	assert.Equal(t, testNow, gaps[0].End)
}

func TestDetectGapsStoreErrorIsDetectionError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	cfg := testConfig(series.Gran1h, 2)

	d := NewDetector(store, cfg, fixedClock, zap.NewNop())
	_, err := d.DetectGaps(context.Background(), testKey(series.Gran1h))

	var de *series.DetectionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, testKey(series.Gran1h), de.Series)
}

func TestQuickStatus(t *testing.T) {
	key := testKey(series.Gran1h)
	cfg := testConfig(series.Gran1h, 2)
	windowStart := testNow.Add(-48 * time.Hour)

	t.Run("missing", func(t *testing.T) {
		d := NewDetector(newMemStore(), cfg, fixedClock, zap.NewNop())
		st, err := d.QuickStatus(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, series.StatusMissing, st)
	})

	t.Run("complete", func(t *testing.T) {
		store := newMemStore()
		store.seedRange(key, windowStart, testNow)
		d := NewDetector(store, cfg, fixedClock, zap.NewNop())
		st, err := d.QuickStatus(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, series.StatusComplete, st)
	})

	t.Run("stale trailing edge is partial", func(t *testing.T) {
		store := newMemStore()
		store.seedRange(key, windowStart, testNow.Add(-8*time.Hour))
		d := NewDetector(store, cfg, fixedClock, zap.NewNop())
		st, err := d.QuickStatus(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, series.StatusPartial, st)
	})

	t.Run("short history is partial", func(t *testing.T) {
		store := newMemStore()
		store.seedRange(key, testNow.Add(-10*time.Hour), testNow)
		d := NewDetector(store, cfg, fixedClock, zap.NewNop())
		st, err := d.QuickStatus(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, series.StatusPartial, st)
	})

	t.Run("sparse interior is partial", func(t *testing.T) {
		store := newMemStore()
		// Edges covered, interior mostly missing.
		store.seed(key, windowStart, testNow.Add(-time.Hour))
		d := NewDetector(store, cfg, fixedClock, zap.NewNop())
		st, err := d.QuickStatus(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, series.StatusPartial, st)
	})
}
