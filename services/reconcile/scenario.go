package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"candlesync/services/config"
	"candlesync/services/series"
)

// Scenario is why a reconciliation cycle was triggered. Each variant
// contributes extra gap candidates on top of the timestamp walk; none
// is trusted more than another once gaps reach the scheduler.
type Scenario int

const (
	ScenarioPeriodic Scenario = iota
	ScenarioStartup
	ScenarioNetworkRecovery
	ScenarioManualAudit
)

func (s Scenario) String() string {
	switch s {
	case ScenarioPeriodic:
		return "periodic"
	case ScenarioStartup:
		return "startup"
	case ScenarioNetworkRecovery:
		return "network_recovery"
	case ScenarioManualAudit:
		return "manual_audit"
	}
	return fmt.Sprintf("Scenario(%d)", int(s))
}

// ParseScenario maps the CLI/API spelling to a Scenario.
func ParseScenario(s string) (Scenario, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "periodic", "normal":
		return ScenarioPeriodic, nil
	case "startup":
		return ScenarioStartup, nil
	case "network", "network_recovery":
		return ScenarioNetworkRecovery, nil
	case "audit", "manual_audit", "manual":
		return ScenarioManualAudit, nil
	}
	return ScenarioPeriodic, fmt.Errorf("unknown scenario %q", s)
}

// CheckpointSource reads last-full-check times from the ledger.
type CheckpointSource interface {
	Checkpoint(ctx context.Context, key series.Key) (time.Time, bool, error)
}

// HealthSource reads the live-ingestion heartbeat signal.
type HealthSource interface {
	Heartbeats(ctx context.Context) ([]series.Heartbeat, error)
}

// ScenarioDetector synthesizes gap candidates from context the
// timestamp walk cannot see: checkpoint age after a restart, heartbeat
// loss after a network outage, suspicious record density during a
// manual audit.
type ScenarioDetector struct {
	checkpoints CheckpointSource
	health      HealthSource
	store       Store
	cfg         *config.Config
	now         func() time.Time
	log         *zap.Logger
}

func NewScenarioDetector(checkpoints CheckpointSource, health HealthSource, store Store, cfg *config.Config, now func() time.Time, log *zap.Logger) *ScenarioDetector {
	if now == nil {
		now = time.Now
	}
	return &ScenarioDetector{
		checkpoints: checkpoints,
		health:      health,
		store:       store,
		cfg:         cfg,
		now:         now,
		log:         log,
	}
}

// AdditionalGaps returns the scenario's extra candidates for keys.
// They are unioned with the detector output and re-merged before
// classification.
func (s *ScenarioDetector) AdditionalGaps(ctx context.Context, scenario Scenario, keys []series.Key) ([]series.Gap, error) {
	switch scenario {
	case ScenarioStartup:
		return s.startupGaps(ctx, keys)
	case ScenarioNetworkRecovery:
		return s.networkGaps(ctx, keys)
	case ScenarioManualAudit:
		return s.densityGaps(ctx, keys)
	}
	return nil, nil
}

// startupGaps covers [lastFullCheck, now) per series. Deliberately
// redundant with the timestamp walk: downtime can leave sparse but
// nonzero data the quick paths would call covered.
func (s *ScenarioDetector) startupGaps(ctx context.Context, keys []series.Key) ([]series.Gap, error) {
	now := s.now().UTC()
	var gaps []series.Gap
	for _, key := range keys {
		last, ok, err := s.checkpoints.Checkpoint(ctx, key)
		if err != nil {
			s.log.Warn("checkpoint read failed, using fallback",
				zap.String("series", key.String()), zap.Error(err))
			ok = false
		}
		if !ok {
			// No checkpoint yet: bound the synthesized gap at 24h
			// rather than rescanning the whole retention window.
			last = now.Add(-24 * time.Hour)
		}
		if !last.Before(now) {
			continue
		}
		gaps = append(gaps, series.Gap{
			Series: key,
			Start:  last,
			End:    now,
			Source: series.SourceStartup,
		})
	}
	s.log.Info("startup scan synthesized gaps", zap.Int("count", len(gaps)))
	return gaps, nil
}

// networkGaps covers [lastHeartbeat, now) for series whose live feed
// missed more consecutive heartbeats than the configured threshold.
func (s *ScenarioDetector) networkGaps(ctx context.Context, keys []series.Key) ([]series.Gap, error) {
	beats, err := s.health.Heartbeats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read health signal: %w", err)
	}

	monitored := make(map[series.Key]struct{}, len(keys))
	for _, k := range keys {
		monitored[k] = struct{}{}
	}

	now := s.now().UTC()
	var gaps []series.Gap
	for _, hb := range beats {
		if _, ok := monitored[hb.Series]; !ok {
			continue
		}
		if hb.ConsecutiveMissed <= s.cfg.Reconcile.HeartbeatMissThreshold {
			continue
		}
		if hb.LastHeartbeat.IsZero() || !hb.LastHeartbeat.Before(now) {
			continue
		}
		gaps = append(gaps, series.Gap{
			Series: hb.Series,
			Start:  hb.LastHeartbeat,
			End:    now,
			Source: series.SourceNetworkRecovery,
		})
	}
	s.log.Info("network recovery scan synthesized gaps", zap.Int("count", len(gaps)))
	return gaps, nil
}

// densityGaps flags series whose recent record count falls below
// expected * densityFloor, the signature of manual deletion or silent
// partial loss. The floor is a tunable heuristic, not a statistic.
func (s *ScenarioDetector) densityGaps(ctx context.Context, keys []series.Key) ([]series.Gap, error) {
	now := s.now().UTC()
	window := s.cfg.Reconcile.AnomalyWindow()
	floor := s.cfg.Reconcile.AnomalyDensityFloor

	var gaps []series.Gap
	for _, key := range keys {
		start := now.Add(-window)
		_, _, count, err := s.store.SeriesExtent(ctx, key, start, now)
		if err != nil {
			s.log.Warn("density scan failed for series",
				zap.String("series", key.String()), zap.Error(err))
			continue
		}

		expected := float64(window / key.Granularity.Interval())
		if expected <= 0 {
			continue
		}
		if float64(count) >= expected*floor {
			continue
		}

		s.log.Info("density anomaly",
			zap.String("series", key.String()),
			zap.Uint64("actual", count),
			zap.Float64("expected", expected),
			zap.Float64("floor", floor))
		gaps = append(gaps, series.Gap{
			Series: key,
			Start:  start,
			End:    now,
			Source: series.SourceDensityScan,
		})
	}
	return gaps, nil
}

// PriorityBoost is the post-classification adjustment the original
// trigger context earns: restart gaps jump the queue hardest, network
// gaps a little, density anomalies get a floor of 5.
func PriorityBoost(gap series.Gap) int {
	switch gap.Source {
	case series.SourceStartup:
		return clampPriority(gap.Priority + 2)
	case series.SourceNetworkRecovery:
		return clampPriority(gap.Priority + 1)
	case series.SourceDensityScan:
		if gap.Priority < 5 {
			return 5
		}
	}
	return gap.Priority
}
