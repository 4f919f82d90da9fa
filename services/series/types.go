// Package series holds the domain types shared by the reconciliation
// pipeline: series identity, gaps, backfill tasks and cycle reports.
package series

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Granularity is a sampling interval label as stored in ClickHouse
// ("1m", "5m", ... "1d").
type Granularity string

const (
	Gran1m  Granularity = "1m"
	Gran5m  Granularity = "5m"
	Gran15m Granularity = "15m"
	Gran30m Granularity = "30m"
	Gran1h  Granularity = "1h"
	Gran4h  Granularity = "4h"
	Gran1d  Granularity = "1d"
)

var granularityIntervals = map[Granularity]time.Duration{
	Gran1m:  time.Minute,
	Gran5m:  5 * time.Minute,
	Gran15m: 15 * time.Minute,
	Gran30m: 30 * time.Minute,
	Gran1h:  time.Hour,
	Gran4h:  4 * time.Hour,
	Gran1d:  24 * time.Hour,
}

// Interval returns the expected spacing between consecutive samples.
// Unknown granularities default to one hour rather than panicking;
// config validation rejects them before they reach the pipeline.
func (g Granularity) Interval() time.Duration {
	if d, ok := granularityIntervals[g]; ok {
		return d
	}
	return time.Hour
}

// Valid reports whether g is one of the supported sampling intervals.
func (g Granularity) Valid() bool {
	_, ok := granularityIntervals[g]
	return ok
}

// Key identifies one monitored time series. It is comparable and used
// as a map key throughout the pipeline.
type Key struct {
	Symbol      string
	Granularity Granularity
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Symbol, k.Granularity)
}

// GapType is the remediation tier a gap belongs to.
type GapType int

const (
	GapUrgent GapType = iota
	GapRecent
	GapHistorical
)

func (t GapType) String() string {
	switch t {
	case GapUrgent:
		return "urgent"
	case GapRecent:
		return "recent"
	case GapHistorical:
		return "historical"
	}
	return fmt.Sprintf("GapType(%d)", int(t))
}

// GapSource records which detection path produced a gap. Density-scan
// gaps are the anomaly records of the audit scenario; once classified
// they flow through the same pipeline as everything else.
type GapSource int

const (
	SourceTimestampWalk GapSource = iota
	SourceStartup
	SourceNetworkRecovery
	SourceDensityScan
)

func (s GapSource) String() string {
	switch s {
	case SourceTimestampWalk:
		return "timestamp_walk"
	case SourceStartup:
		return "startup"
	case SourceNetworkRecovery:
		return "network_recovery"
	case SourceDensityScan:
		return "density_scan"
	}
	return fmt.Sprintf("GapSource(%d)", int(s))
}

// Gap is a contiguous half-open time range [Start, End) for which
// expected samples are missing from the store. Gaps handed to the
// scheduler are non-overlapping and maximal per series.
type Gap struct {
	Series          Key
	Start           time.Time
	End             time.Time
	Type            GapType
	Priority        int
	ExpectedRecords int
	Source          GapSource
}

func (g Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// ExpectedCount returns how many samples the gap should contain at the
// series' sampling interval.
func (g Gap) ExpectedCount() int {
	iv := g.Series.Granularity.Interval()
	if iv <= 0 {
		return 0
	}
	return int(g.Duration() / iv)
}

// TaskStatus is the execution state of a backfill task.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskInProgress
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// Task wraps a Gap with execution state for one cycle. Tasks are
// created at cycle start and discarded at cycle end; a failed gap is
// simply re-detected next cycle.
type Task struct {
	ID            uuid.UUID
	Gap           Gap
	Status        TaskStatus
	Err           error
	RecordsFilled int
}

// Candle is one OHLCV row as stored in the candles table.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Trades    uint64
}

// Heartbeat is the read-only health signal produced by the live
// ingestion pipeline for one series.
type Heartbeat struct {
	Series            Key
	LastHeartbeat     time.Time
	ConsecutiveMissed int
}

// Checkpoint records the last time a series was confirmed fully
// reconciled. Monotonically non-decreasing.
type Checkpoint struct {
	Series        Key
	LastFullCheck time.Time
}

// QuickStatus is the result of the cheap freshness probe used to skip
// the precise timestamp walk for series already known complete.
type QuickStatus int

const (
	StatusMissing QuickStatus = iota
	StatusPartial
	StatusComplete
)

func (s QuickStatus) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusPartial:
		return "partial"
	case StatusComplete:
		return "complete"
	}
	return fmt.Sprintf("QuickStatus(%d)", int(s))
}

// TaskFailure is the report-level view of a failed task.
type TaskFailure struct {
	Series Key
	Start  time.Time
	End    time.Time
	Kind   string
	Err    string
}

// CycleReport aggregates the outcome of one reconciliation cycle. It is
// always produced, even under partial failure.
type CycleReport struct {
	Scenario        string
	StartedAt       time.Time
	Duration        time.Duration
	SeriesScanned   int
	SeriesSkipped   int
	DetectionErrors int
	GapsDetected    int
	GapsByTier      map[GapType]int
	TasksCompleted  int
	TasksFailed     int
	RecordsWritten  int
	Failures        []TaskFailure
}
