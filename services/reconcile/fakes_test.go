package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"candlesync/services/config"
	"candlesync/services/series"
)

// memStore is an in-memory stand-in for the ClickHouse store. It
// implements Store for detection and Writer for idempotent inserts.
type memStore struct {
	mu   sync.Mutex
	rows map[series.Key]map[int64]series.Candle
	err  error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[series.Key]map[int64]series.Candle)}
}

func (m *memStore) seed(key series.Key, stamps ...time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[key] == nil {
		m.rows[key] = make(map[int64]series.Candle)
	}
	for _, ts := range stamps {
		m.rows[key][ts.UnixMilli()] = series.Candle{Timestamp: ts}
	}
}

// seedRange fills [start, end) at the key's sampling interval.
func (m *memStore) seedRange(key series.Key, start, end time.Time) {
	iv := key.Granularity.Interval()
	for ts := start; ts.Before(end); ts = ts.Add(iv) {
		m.seed(key, ts)
	}
}

func (m *memStore) count(key series.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[key])
}

func (m *memStore) QueryTimestamps(_ context.Context, key series.Key, start, end time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []time.Time
	for ms := range m.rows[key] {
		ts := time.UnixMilli(ms).UTC()
		if !ts.Before(start) && ts.Before(end) {
			out = append(out, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *memStore) SeriesExtent(_ context.Context, key series.Key, start, end time.Time) (time.Time, time.Time, uint64, error) {
	stamps, err := m.QueryTimestamps(context.Background(), key, start, end)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	if len(stamps) == 0 {
		return time.Time{}, time.Time{}, 0, nil
	}
	return stamps[0], stamps[len(stamps)-1], uint64(len(stamps)), nil
}

func (m *memStore) Write(_ context.Context, key series.Key, rows []series.Candle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, &series.WriteError{Series: key, Err: m.err}
	}
	if m.rows[key] == nil {
		m.rows[key] = make(map[int64]series.Candle)
	}
	inserted := 0
	for _, r := range rows {
		ms := r.Timestamp.UnixMilli()
		if _, ok := m.rows[key][ms]; ok {
			continue
		}
		m.rows[key][ms] = r
		inserted++
	}
	return inserted, nil
}

// fetchCall records one provider invocation for assertions.
type fetchCall struct {
	key        series.Key
	start, end time.Time
}

// stubProvider synthesizes bars at the series cadence. failAt makes
// call number n (1-based) return failErr.
type stubProvider struct {
	mu      sync.Mutex
	calls   []fetchCall
	failAt  int
	failErr error
}

func (p *stubProvider) FetchRange(_ context.Context, key series.Key, start, end time.Time, limit int) ([]series.Candle, error) {
	p.mu.Lock()
	p.calls = append(p.calls, fetchCall{key: key, start: start, end: end})
	n := len(p.calls)
	p.mu.Unlock()

	if p.failAt > 0 && n == p.failAt {
		return nil, p.failErr
	}

	iv := key.Granularity.Interval()
	var out []series.Candle
	for ts := start; ts.Before(end) && len(out) < limit; ts = ts.Add(iv) {
		out = append(out, series.Candle{
			Timestamp: ts,
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(101),
			Low:       decimal.NewFromInt(99),
			Close:     decimal.NewFromInt(100),
			Volume:    decimal.NewFromInt(1),
			Trades:    1,
		})
	}
	return out, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// memLedger implements the full Ledger contract in memory.
type memLedger struct {
	mu          sync.Mutex
	checkpoints map[series.Key]time.Time
	gaps        []series.Gap
	outcomes    []series.Task
}

func newMemLedger() *memLedger {
	return &memLedger{checkpoints: make(map[series.Key]time.Time)}
}

func (l *memLedger) setCheckpoint(key series.Key, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints[key] = t
}

func (l *memLedger) Checkpoint(_ context.Context, key series.Key) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.checkpoints[key]
	return t, ok, nil
}

func (l *memLedger) AdvanceCheckpoint(_ context.Context, key series.Key, t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.checkpoints[key]; ok && !t.After(prev) {
		return nil
	}
	l.checkpoints[key] = t
	return nil
}

func (l *memLedger) RecordGap(_ context.Context, gap series.Gap, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gaps = append(l.gaps, gap)
	return nil
}

func (l *memLedger) RecordTaskOutcome(_ context.Context, task series.Task, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, task)
	return nil
}

// stubHealth returns a fixed heartbeat list.
type stubHealth struct {
	beats []series.Heartbeat
}

func (h *stubHealth) Heartbeats(context.Context) ([]series.Heartbeat, error) {
	return h.beats, nil
}

// testNow is the fixed clock shared by the reconcile tests.
var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// testConfig returns a config scoped to one symbol and granularity
// with small, deterministic knobs.
func testConfig(g series.Granularity, lookbackDays int) *config.Config {
	cfg := config.Default()
	cfg.Reconcile.Symbols = []string{"BTCUSDT"}
	cfg.Reconcile.Retention = map[series.Granularity]config.RetentionPolicy{
		g: {LookbackDays: lookbackDays, IntervalWeight: 10},
	}
	cfg.Reconcile.Workers = 2
	cfg.Reconcile.QuickCheckEnabled = false
	cfg.Binance.MaxRecords = 1500
	cfg.Binance.MaxWindowHours = 120
	return cfg
}

func testKey(g series.Granularity) series.Key {
	return series.Key{Symbol: "BTCUSDT", Granularity: g}
}
