// syncwatchd - incremental source synchronization daemon
//
// syncwatchd keeps directory change tokens for each configured source
// and periodically decides, per source, whether anything changed and
// how much of the tree to re-walk. Scan failures are classified and
// tracked per resource so one broken directory never stalls a source.
//
//	syncwatchd -config /etc/syncwatch/config.toml
//	syncwatchd -config config.toml -once
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"syncwatch/internal/classify"
	"syncwatch/internal/config"
	"syncwatch/internal/failure"
	"syncwatch/internal/health"
	"syncwatch/internal/logging"
	"syncwatch/internal/metrics"
	"syncwatch/internal/source/localfs"
	"syncwatch/internal/source/s3fs"
	"syncwatch/internal/store"
	"syncwatch/internal/syncer"
	"syncwatch/internal/tracker"
)

const version = "0.4.1"

var (
	configPath  = flag.String("config", "", "path to config file")
	runOnce     = flag.Bool("once", false, "run one sync cycle per source and exit")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("syncwatchd %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Sources) == 0 {
		fmt.Fprintln(os.Stderr, "No sources configured; nothing to do")
		os.Exit(1)
	}

	log, err := buildLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	defer log.Close()

	crash := logging.DefaultCrashHandler()
	crash.SetVersion(version)
	defer logging.RecoverPanic()

	audit := logging.DefaultAuditLogger()
	defer audit.Close()

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Error("open store", "path", cfg.Storage.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := classify.NewDefaultRegistry()
	tr := tracker.New(db, registry, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runners, err := buildRunners(ctx, cfg, db, tr, audit, log)
	if err != nil {
		log.Error("configure sources", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, r := range runners {
			r.stop()
		}
	}()

	metrics.GetMetrics().ActiveSources.Set(int64(len(runners)))

	checker := health.Default()
	checker.RegisterFunc("store", true, health.DatabaseCheck(db.Ping))
	for _, r := range runners {
		r := r
		checker.RegisterFunc("source."+r.name, false, health.SourceCheck(func(ctx context.Context) error {
			_, err := r.syn.Client.Discover(ctx, r.root, false)
			return err
		}))
		if r.watcher != nil {
			checker.RegisterFunc("watcher."+r.name, false, health.BacklogCheck(r.watcher.PendingDirty, 256))
		}
	}
	checker.SetReady(true)

	if cfg.Metrics.Listen != "" {
		go serveHTTP(cfg.Metrics.Listen, checker, log)
	}

	audit.LogStartup(ctx, version, map[string]interface{}{
		"sources": len(runners),
	})
	log.Info("syncwatchd started",
		"version", version,
		"sources", len(runners),
		"db", cfg.Storage.Path)

	if *runOnce {
		for _, r := range runners {
			r.cycle(ctx)
		}
		audit.LogShutdown(ctx, "once")
		return
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *sourceRunner) {
			defer wg.Done()
			defer logging.RecoverPanic()
			r.run(ctx)
		}(r)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	wg.Wait()

	audit.LogShutdown(context.Background(), "signal")
	log.Info("syncwatchd stopped")
}

func serveHTTP(addr string, checker *health.Checker, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Default().HTTPHandler())
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	mux.Handle("/health", checker.HealthHandler())
	log.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics endpoint failed", "error", err)
	}
}

func buildLogger(lc *config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = format
	if lc.Output != "" {
		logCfg.Output = lc.Output
	}
	if lc.FilePath != "" {
		logCfg.FilePath = lc.FilePath
	}
	return logging.New(logCfg)
}

// sourceRunner drives one configured source: scheduled cycles, change
// hints from a filesystem watcher, and retry sweeps.
type sourceRunner struct {
	name       string
	userID     string
	root       string
	sourceType failure.SourceType

	syn     *syncer.Syncer
	tracker *tracker.Tracker
	watcher *localfs.Watcher

	interval   time.Duration
	retryBatch int

	audit *logging.AuditLogger
	log   *logging.Logger
}

func buildRunners(ctx context.Context, cfg *config.Config, db *store.Store, tr *tracker.Tracker, audit *logging.AuditLogger, log *logging.Logger) ([]*sourceRunner, error) {
	thresholds := syncer.Thresholds{
		ChangeRatio:       cfg.Sync.ChangeRatio,
		NewDirectories:    cfg.Sync.NewDirectories,
		TargetConcurrency: cfg.Sync.TargetConcurrency,
	}

	runners := make([]*sourceRunner, 0, len(cfg.Sources))
	for i := range cfg.Sources {
		src := &cfg.Sources[i]

		st, err := failure.ParseSourceType(src.Type)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}

		var (
			client  syncer.Discoverer
			watcher *localfs.Watcher
		)
		switch st {
		case failure.SourceLocal:
			local, err := localfs.New(src.Path)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", src.Name, err)
			}
			client = local
			if src.WatchHints {
				watcher, err = localfs.NewWatcher(local, 0)
				if err != nil {
					return nil, fmt.Errorf("source %q: watcher: %w", src.Name, err)
				}
				if err := watcher.Start(); err != nil {
					return nil, fmt.Errorf("source %q: start watcher: %w", src.Name, err)
				}
			}
		case failure.SourceS3:
			s3c, err := s3fs.NewFromConfig(ctx, src.Bucket, src.Prefix, src.Region, src.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", src.Name, err)
			}
			client = s3c
		default:
			return nil, fmt.Errorf("source %q: no client for type %q", src.Name, src.Type)
		}

		syn := syncer.New(src.UserID, st, src.Name, client, db, tr, log)
		syn.Thresholds = thresholds

		runners = append(runners, &sourceRunner{
			name:       src.Name,
			userID:     src.UserID,
			root:       src.Root,
			sourceType: st,
			syn:        syn,
			tracker:    tr,
			watcher:    watcher,
			interval:   time.Duration(cfg.Sync.IntervalSec) * time.Second,
			retryBatch: cfg.Sync.RetryBatchSize,
			audit:      audit,
			log:        log.WithComponent("source." + src.Name),
		})
	}
	return runners, nil
}

func (r *sourceRunner) run(ctx context.Context) {
	// First cycle right away so a fresh daemon converges without
	// waiting a full interval.
	r.cycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var hints <-chan string
	if r.watcher != nil {
		hints = r.watcher.Hints()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		case dir, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			r.hintSync(ctx, dir)
		}
	}
}

func (r *sourceRunner) stop() {
	if r.watcher != nil {
		r.watcher.Stop()
	}
}

// cycle evaluates the root, performs whatever scan the decision calls
// for, and sweeps retry candidates that have come off cooldown.
func (r *sourceRunner) cycle(ctx context.Context) {
	cycleID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, cycleID)
	log := r.log.WithRequestID(cycleID)

	start := time.Now()
	res, err := r.syn.EvaluateAndSync(ctx, r.root)
	if err != nil {
		metrics.GetMetrics().RecordError()
		log.Error("sync cycle failed", "root", r.root, "error", err)
		return
	}
	if res == nil {
		log.Debug("no changes", "root", r.root)
	} else {
		metrics.GetMetrics().RecordSyncCycle(string(res.Strategy), len(res.Directories), time.Since(start))
		log.Info("sync cycle completed",
			"root", r.root,
			"strategy", res.Strategy,
			"directories", len(res.Directories),
			"files", len(res.Files),
			"saved", res.DirectoriesSaved,
			"deleted", res.DirectoriesDeleted,
			"skipped", res.DirectoriesSkipped,
			"failed", res.DirectoriesFailed,
			"elapsed", time.Since(start).Round(time.Millisecond))
		r.audit.LogSyncCycle(ctx, r.userID, r.name, string(res.Strategy), map[string]interface{}{
			"directories": len(res.Directories),
			"failed":      res.DirectoriesFailed,
		})
	}

	r.retrySweep(ctx, log)
}

// retrySweep rescans resources whose retry window has opened.
func (r *sourceRunner) retrySweep(ctx context.Context, log *logging.Logger) {
	candidates, err := r.tracker.RetryCandidates(r.userID, r.sourceType, r.retryBatch)
	if err != nil {
		log.Warn("list retry candidates", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	targets := make([]string, 0, len(candidates))
	for _, c := range candidates {
		targets = append(targets, c.ResourcePath)
	}
	log.Info("retrying failed resources", "count", len(targets))
	for range targets {
		metrics.GetMetrics().RecordRetry()
	}

	d := &syncer.Decision{Sync: true, Strategy: syncer.StrategyTargeted, Targets: targets}
	res, err := r.syn.PerformSync(ctx, r.root, d)
	if err != nil {
		log.Warn("retry sweep failed", "error", err)
		return
	}
	for _, c := range candidates {
		r.audit.LogRetry(ctx, r.userID, r.name, c.ResourcePath, res.DirectoriesFailed == 0)
	}
}

// hintSync rescans just the directory a filesystem event settled on.
func (r *sourceRunner) hintSync(ctx context.Context, dir string) {
	cycleID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, cycleID)
	log := r.log.WithRequestID(cycleID)

	d := &syncer.Decision{Sync: true, Strategy: syncer.StrategyTargeted, Targets: []string{dir}}
	res, err := r.syn.PerformSync(ctx, r.root, d)
	if err != nil {
		log.Warn("hint sync failed", "dir", dir, "error", err)
		return
	}
	log.Debug("hint sync completed",
		"dir", dir,
		"directories", len(res.Directories),
		"failed", res.DirectoriesFailed)
}
