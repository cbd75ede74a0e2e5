// Command distributor runs the conversation distribution daemon: it loads
// the agent roster and distribution rules, reseeds workload counters from the
// assignment database, and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distributor/pkg/config"
	"distributor/pkg/directory"
	"distributor/pkg/dispatch"
	"distributor/pkg/eventlog"
	"distributor/pkg/logx"
	"distributor/pkg/metrics"
	"distributor/pkg/notify"
	"distributor/pkg/persistence"
	"distributor/pkg/rules"
	"distributor/pkg/selector"
	"distributor/pkg/workload"
)

type daemon struct {
	cfg       *config.Config
	engine    *dispatch.Engine
	sweeper   *dispatch.Sweeper
	directory *directory.Directory
	rules     *rules.Store
	store     *persistence.Store
	publisher notify.Publisher
	eventLog  *eventlog.Writer
	query     *metrics.QueryService
	server    *http.Server
	logger    *logx.Logger

	perfStop chan struct{}
	perfDone chan struct{}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to daemon config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "distributor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	d.logger.Info("Received %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()
	return d.stop(shutdownCtx)
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	logger := logx.NewLogger("daemon")

	dir := directory.New()
	if err := dir.Reload(cfg.RosterPath); err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	ruleStore := rules.NewStore()
	if err := ruleStore.Reload(cfg.RulesPath); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	tracker := workload.NewTracker()

	var (
		store    dispatch.AssignmentStore
		sqlStore *persistence.Store
	)
	if cfg.DBPath != "" {
		db, err := persistence.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open assignment database: %w", err)
		}
		sqlStore = persistence.NewStore(db)
		store = sqlStore
	} else {
		logger.Warn("No db_path configured, assignments are kept in memory only")
		store = dispatch.NewMemoryStore()
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.AMQP.URL != "" {
		amqpPub, err := notify.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, fmt.Errorf("failed to connect notification broker: %w", err)
		}
		publisher = amqpPub
	}

	eventLog, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	var query *metrics.QueryService
	if cfg.Prometheus.URL != "" {
		query, err = metrics.NewQueryService(cfg.Prometheus.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
	}

	recorder := metrics.NewRecorder()
	engine := dispatch.New(dir, ruleStore, tracker, selector.New(), store, publisher,
		dispatch.WithEventLog(eventLog),
		dispatch.WithRecorder(recorder),
		dispatch.WithPendingSweep(),
		dispatch.WithNotifyTimeout(cfg.NotifyTimeout()),
	)

	d := &daemon{
		cfg:       cfg,
		engine:    engine,
		sweeper:   dispatch.NewSweeper(engine, cfg.SweepInterval()),
		directory: dir,
		rules:     ruleStore,
		store:     sqlStore,
		publisher: publisher,
		eventLog:  eventLog,
		query:     query,
		logger:    logger,
	}
	d.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Reseed workload counters from assignments that were active when the
	// previous process stopped.
	if sqlStore != nil {
		if err := d.reseedWorkload(tracker); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *daemon) reseedWorkload(tracker *workload.Tracker) error {
	for _, tenantID := range d.directory.Tenants() {
		counts, err := d.store.CountActiveByTenant(tenantID)
		if err != nil {
			return fmt.Errorf("failed to count active assignments for tenant %s: %w", tenantID, err)
		}
		for _, agent := range d.directory.Snapshot(tenantID) {
			current := counts[agent.ID]
			if err := tracker.Register(agent.TenantID, agent.ID, current, agent.MaxConcurrentChats); err != nil {
				return fmt.Errorf("failed to reseed agent %s: %w", agent.ID, err)
			}
		}
	}
	return nil
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.engine.Start(ctx); err != nil {
		return err
	}
	d.sweeper.Start()

	if d.query != nil {
		d.perfStop = make(chan struct{})
		d.perfDone = make(chan struct{})
		go d.performanceLoop()
	}

	go func() {
		d.logger.Info("HTTP API listening on %s", d.cfg.ListenAddr)
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("HTTP server failed: %v", err)
		}
	}()
	return nil
}

// performanceLoop periodically pulls observed agent performance from
// Prometheus into the directory so performance_based selection uses live
// numbers instead of roster seeds.
func (d *daemon) performanceLoop() {
	defer close(d.perfDone)

	window, _ := time.ParseDuration(d.cfg.Prometheus.Window)
	interval := time.Duration(d.cfg.Prometheus.RefreshIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.perfStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			for _, tenantID := range d.directory.Tenants() {
				if err := d.query.RefreshDirectory(ctx, d.directory, tenantID, window); err != nil {
					d.logger.Warn("Performance refresh failed for tenant %s: %v", tenantID, err)
				}
			}
			cancel()
		}
	}
}

func (d *daemon) stop(ctx context.Context) error {
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn("HTTP shutdown: %v", err)
	}

	d.sweeper.Stop()
	if d.perfStop != nil {
		close(d.perfStop)
		<-d.perfDone
	}

	if err := d.engine.Stop(ctx); err != nil {
		return err
	}

	if err := d.publisher.Close(); err != nil {
		d.logger.Warn("Publisher close: %v", err)
	}
	if err := d.eventLog.Close(); err != nil {
		d.logger.Warn("Event log close: %v", err)
	}
	d.logger.Info("Shutdown complete")
	return nil
}
