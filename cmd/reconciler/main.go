// Package main runs the historical-data reconciler: one-shot cycles,
// cron-scheduled cycles, or an HTTP trigger surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"candlesync/services/binance"
	"candlesync/services/clickhouse"
	"candlesync/services/config"
	"candlesync/services/ratelimit"
	"candlesync/services/reconcile"
	"candlesync/services/series"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config (optional)")
		once       = flag.Bool("once", false, "run a single cycle and exit")
		scenario   = flag.String("scenario", "periodic", "cycle scenario: periodic|startup|network_recovery|manual_audit")
		schedule   = flag.String("schedule", "", "cron expression for periodic cycles (e.g. \"*/15 * * * *\")")
		serveAddr  = flag.String("serve", "", "listen address for the trigger API (e.g. :8081)")
	)
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	store, err := clickhouse.Open(cfg.ClickHouse, logger.Named("clickhouse"))
	if err != nil {
		logger.Fatal("connect clickhouse", zap.Error(err))
	}
	defer store.Close()

	engine := buildEngine(cfg, store, logger)

	sc, err := reconcile.ParseScenario(*scenario)
	if err != nil {
		logger.Fatal("parse scenario", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *once:
		report, err := engine.RunCycle(ctx, sc, nil)
		if err != nil {
			logger.Fatal("cycle failed", zap.Error(err))
		}
		printReport(report)

	case *schedule != "":
		runScheduled(ctx, engine, *schedule, logger)

	case *serveAddr != "":
		runServer(ctx, engine, store, *serveAddr, logger)

	default:
		// Process start is itself a trigger: a restart means unknown
		// downtime, so the default mode opens with a startup cycle.
		report, err := engine.RunCycle(ctx, reconcile.ScenarioStartup, nil)
		if err != nil {
			logger.Fatal("startup cycle failed", zap.Error(err))
		}
		printReport(report)
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Format == "console" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	return zcfg.Build()
}

func buildEngine(cfg *config.Config, store *clickhouse.Client, logger *zap.Logger) *reconcile.Engine {
	limiter := ratelimit.NewTokenBucket(cfg.Binance.RatePerSecond, cfg.Binance.Burst)
	provider := binance.NewClient(cfg.Binance, limiter, logger.Named("binance"))
	writer := clickhouse.NewWriter(store, logger.Named("writer"))
	ledger := clickhouse.NewLedger(store, logger.Named("ledger"))

	detector := reconcile.NewDetector(store, cfg, nil, logger.Named("detector"))
	scenarios := reconcile.NewScenarioDetector(ledger, store, store, cfg, nil, logger.Named("scenarios"))
	scheduler := reconcile.NewScheduler(provider, writer, ledger, cfg, nil, logger.Named("scheduler"))

	return reconcile.NewEngine(detector, scenarios, scheduler, ledger, cfg, nil, logger.Named("engine"))
}

func runScheduled(ctx context.Context, engine *reconcile.Engine, spec string, logger *zap.Logger) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		report, err := engine.RunCycle(ctx, reconcile.ScenarioPeriodic, nil)
		if err != nil {
			logger.Error("scheduled cycle failed", zap.Error(err))
			return
		}
		logger.Info("scheduled cycle done",
			zap.Int("gaps", report.GapsDetected),
			zap.Int("records", report.RecordsWritten))
	})
	if err != nil {
		logger.Fatal("bad cron expression", zap.String("spec", spec), zap.Error(err))
	}

	// Catch up on downtime before settling into the schedule.
	if _, err := engine.RunCycle(ctx, reconcile.ScenarioStartup, nil); err != nil {
		logger.Error("startup cycle failed", zap.Error(err))
	}

	c.Start()
	logger.Info("scheduler running", zap.String("spec", spec))
	<-ctx.Done()
	cronCtx := c.Stop()
	<-cronCtx.Done()
	logger.Info("scheduler stopped")
}

// cycleRunner serializes cycles triggered over HTTP; two reconciliation
// passes racing each other would violate gap ownership partitioning.
type cycleRunner struct {
	mu     sync.Mutex
	engine *reconcile.Engine

	lastMu sync.RWMutex
	last   *series.CycleReport
}

func (r *cycleRunner) run(ctx context.Context, sc reconcile.Scenario) (series.CycleReport, bool) {
	if !r.mu.TryLock() {
		return series.CycleReport{}, false
	}
	defer r.mu.Unlock()

	report, _ := r.engine.RunCycle(ctx, sc, nil)
	r.lastMu.Lock()
	r.last = &report
	r.lastMu.Unlock()
	return report, true
}

func runServer(ctx context.Context, engine *reconcile.Engine, store *clickhouse.Client, addr string, logger *zap.Logger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	runner := &cycleRunner{engine: engine}

	router.GET("/healthz", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/v1/reconcile", func(c *gin.Context) {
		var body struct {
			Scenario string `json:"scenario"`
		}
		_ = c.ShouldBindJSON(&body)
		sc, err := reconcile.ParseScenario(body.Scenario)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		report, ok := runner.run(ctx, sc)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "a cycle is already running"})
			return
		}
		c.JSON(http.StatusOK, reportJSON(report))
	})

	router.GET("/api/v1/status", func(c *gin.Context) {
		runner.lastMu.RLock()
		last := runner.last
		runner.lastMu.RUnlock()
		if last == nil {
			c.JSON(http.StatusOK, gin.H{"last_cycle": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"last_cycle": reportJSON(*last)})
	})

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		logger.Info("trigger API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
}

func reportJSON(r series.CycleReport) gin.H {
	tiers := gin.H{}
	for tier, n := range r.GapsByTier {
		tiers[tier.String()] = n
	}
	failures := make([]gin.H, 0, len(r.Failures))
	for _, f := range r.Failures {
		failures = append(failures, gin.H{
			"series": f.Series.String(),
			"start":  f.Start,
			"end":    f.End,
			"kind":   f.Kind,
			"error":  f.Err,
		})
	}
	return gin.H{
		"scenario":         r.Scenario,
		"started_at":       r.StartedAt,
		"duration_ms":      r.Duration.Milliseconds(),
		"series_scanned":   r.SeriesScanned,
		"series_skipped":   r.SeriesSkipped,
		"detection_errors": r.DetectionErrors,
		"gaps_detected":    r.GapsDetected,
		"gaps_by_tier":     tiers,
		"tasks_completed":  r.TasksCompleted,
		"tasks_failed":     r.TasksFailed,
		"records_written":  r.RecordsWritten,
		"failures":         failures,
	}
}

func printReport(r series.CycleReport) {
	fmt.Printf("scenario=%s gaps=%d completed=%d failed=%d records=%d took=%s\n",
		r.Scenario, r.GapsDetected, r.TasksCompleted, r.TasksFailed, r.RecordsWritten, r.Duration)
	for _, f := range r.Failures {
		fmt.Fprintf(os.Stderr, "FAILED %s [%s, %s) %s: %s\n",
			f.Series, f.Start.Format(time.RFC3339), f.End.Format(time.RFC3339), f.Kind, f.Err)
	}
}
