// Package clickhouse implements the time-series store contract over
// the native protocol: timestamp scans for gap detection, idempotent
// candle writes, and the reconciliation status ledger.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"candlesync/services/config"
	"candlesync/services/series"
)

type Client struct {
	conn driver.Conn
	db   string
	log  *zap.Logger
}

// Open connects, pings and bootstraps the schema.
func Open(cfg config.ClickHouseConfig, log *zap.Logger) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	c := &Client{conn: conn, db: cfg.Database, log: log}
	if err := c.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping reports store reachability for the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Client) ensureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.db)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	ddls := []string{
		// ReplacingMergeTree(version) keeps the newest write per key,
		// so overlapping backfills converge instead of duplicating.
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.candles (
				symbol LowCardinality(String),
				interval LowCardinality(String),
				timestamp DateTime64(3),
				open Float64,
				high Float64,
				low Float64,
				close Float64,
				volume Float64,
				trades UInt64,
				version UInt64,
				ingested_at DateTime64(3)
			)
			ENGINE = ReplacingMergeTree(version)
			ORDER BY (symbol, interval, timestamp)
			SETTINGS index_granularity = 8192`, c.db),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.gap_detection_log (
				symbol LowCardinality(String),
				interval LowCardinality(String),
				gap_start DateTime64(3),
				gap_end DateTime64(3),
				gap_type LowCardinality(String),
				gap_source LowCardinality(String),
				priority Int8,
				records_expected UInt32,
				detected_at DateTime64(3)
			)
			ENGINE = MergeTree()
			ORDER BY (symbol, interval, detected_at)`, c.db),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.backfill_outcomes (
				task_id UUID,
				symbol LowCardinality(String),
				interval LowCardinality(String),
				gap_start DateTime64(3),
				gap_end DateTime64(3),
				status LowCardinality(String),
				error_kind LowCardinality(String),
				error String,
				records_filled UInt32,
				finished_at DateTime64(3)
			)
			ENGINE = MergeTree()
			ORDER BY (symbol, interval, finished_at)`, c.db),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.reconcile_checkpoints (
				symbol LowCardinality(String),
				interval LowCardinality(String),
				last_full_check DateTime64(3),
				updated_at DateTime64(3)
			)
			ENGINE = ReplacingMergeTree(updated_at)
			ORDER BY (symbol, interval)`, c.db),
		// Written by the live ingestion pipeline; created here only so
		// a fresh database does not fail the network-recovery scan.
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.live_monitor (
				symbol LowCardinality(String),
				interval LowCardinality(String),
				last_heartbeat DateTime64(3),
				consecutive_missed UInt32,
				updated_at DateTime64(3)
			)
			ENGINE = ReplacingMergeTree(updated_at)
			ORDER BY (symbol, interval)`, c.db),
	}

	for _, ddl := range ddls {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// QueryTimestamps returns every stored sample timestamp for key in
// [start, end), ascending. FINAL collapses ReplacingMergeTree rows not
// yet merged in the background.
func (c *Client) QueryTimestamps(ctx context.Context, key series.Key, start, end time.Time) ([]time.Time, error) {
	query := fmt.Sprintf(`
		SELECT timestamp
		FROM %s.candles FINAL
		WHERE symbol = ? AND interval = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, c.db)

	rows, err := c.conn.Query(ctx, query, key.Symbol, string(key.Granularity), start, end)
	if err != nil {
		return nil, fmt.Errorf("query timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// SeriesExtent returns MIN/MAX/COUNT over [start, end) in one query,
// backing the quick-status probe and the density scan.
func (c *Client) SeriesExtent(ctx context.Context, key series.Key, start, end time.Time) (time.Time, time.Time, uint64, error) {
	query := fmt.Sprintf(`
		SELECT min(timestamp), max(timestamp), count()
		FROM %s.candles FINAL
		WHERE symbol = ? AND interval = ? AND timestamp >= ? AND timestamp < ?`, c.db)

	var minTS, maxTS time.Time
	var count uint64
	if err := c.conn.QueryRow(ctx, query, key.Symbol, string(key.Granularity), start, end).Scan(&minTS, &maxTS, &count); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("query extent: %w", err)
	}
	return minTS, maxTS, count, nil
}

// QueryExistingKeys returns the set of sample timestamps (unix ms)
// already present in [min, max] for key. The writer uses it to filter
// incoming batches down to previously-absent rows.
func (c *Client) QueryExistingKeys(ctx context.Context, key series.Key, min, max time.Time) (map[int64]struct{}, error) {
	ts, err := c.QueryTimestamps(ctx, key, min, max.Add(time.Millisecond))
	if err != nil {
		return nil, err
	}
	existing := make(map[int64]struct{}, len(ts))
	for _, t := range ts {
		existing[t.UnixMilli()] = struct{}{}
	}
	return existing, nil
}

// BulkInsert writes rows in one native-protocol batch. Dedup is
// enforced upstream by the writer; insert_deduplicate and the version
// column are belt-and-braces for replayed batches.
func (c *Client) BulkInsert(ctx context.Context, key series.Key, rows []series.Candle) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s.candles SETTINGS insert_deduplicate=1", c.db))
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	now := time.Now().UTC()
	ver := uint64(now.UnixNano())
	for _, r := range rows {
		open, _ := r.Open.Float64()
		high, _ := r.High.Float64()
		low, _ := r.Low.Float64()
		cl, _ := r.Close.Float64()
		vol, _ := r.Volume.Float64()
		if err := batch.Append(
			key.Symbol,
			string(key.Granularity),
			r.Timestamp,
			open, high, low, cl, vol,
			r.Trades,
			ver,
			now,
		); err != nil {
			return 0, fmt.Errorf("append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}
	return len(rows), nil
}

// Heartbeats reads the live-ingestion health signal. The table is
// owned by the ingestion pipeline; this side only consumes it.
func (c *Client) Heartbeats(ctx context.Context) ([]series.Heartbeat, error) {
	query := fmt.Sprintf(`
		SELECT symbol, interval, last_heartbeat, consecutive_missed
		FROM %s.live_monitor FINAL`, c.db)

	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []series.Heartbeat
	for rows.Next() {
		var (
			symbol, interval string
			last             time.Time
			missed           uint32
		)
		if err := rows.Scan(&symbol, &interval, &last, &missed); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, series.Heartbeat{
			Series:            series.Key{Symbol: symbol, Granularity: series.Granularity(interval)},
			LastHeartbeat:     last,
			ConsecutiveMissed: int(missed),
		})
	}
	return out, rows.Err()
}
