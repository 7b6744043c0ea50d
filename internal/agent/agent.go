package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whaac1289-debug/dlp-agent/internal/api"
	"github.com/whaac1289-debug/dlp-agent/internal/audit"
	"github.com/whaac1289-debug/dlp-agent/internal/config"
	"github.com/whaac1289-debug/dlp-agent/internal/enforce"
	"github.com/whaac1289-debug/dlp-agent/internal/events"
	"github.com/whaac1289-debug/dlp-agent/internal/fingerprint"
	"github.com/whaac1289-debug/dlp-agent/internal/logging"
	"github.com/whaac1289-debug/dlp-agent/internal/metrics"
	"github.com/whaac1289-debug/dlp-agent/internal/pii"
	"github.com/whaac1289-debug/dlp-agent/internal/pipeline"
	"github.com/whaac1289-debug/dlp-agent/internal/policy"
	"github.com/whaac1289-debug/dlp-agent/internal/process"
	"github.com/whaac1289-debug/dlp-agent/internal/rules"
	"github.com/whaac1289-debug/dlp-agent/internal/systemd"
	"github.com/whaac1289-debug/dlp-agent/internal/telemetry"
)

// Version is reported in heartbeats.
var Version = "dev"

const localVersion = "local"

// Agent owns every long-lived component of the DLP agent.
type Agent struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	engine    *rules.Engine
	loader    *rules.Loader
	settings  *config.Manager
	updater   *policy.Updater
	enforcer  *enforce.Enforcer
	decisions *audit.MemoryStore
	scanner   *pipeline.Scanner
	store     fingerprint.Store
	pgStore   *fingerprint.PostgresStore

	nc         *nats.Conn
	telemetry  *telemetry.Sender
	subscriber *events.Subscriber
	httpServer *http.Server
	notifier   *systemd.Notifier

	// policyMu serializes rule loads and guards lastPolicy.
	policyMu   sync.Mutex
	lastPolicy policy.Snapshot

	ready     atomic.Bool
	startTime time.Time
}

// New builds the agent from cfg. A NATS or Postgres outage is logged and
// the agent runs without that component.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.NewMetrics(),
		decisions: audit.NewMemoryStore(cfg.AuditBufferSize),
		notifier:  systemd.NewNotifier(),
		startTime: time.Now(),
	}

	a.settings = config.NewManager(config.SettingsFrom(cfg), logger.WithComponent("config").Logger)
	current := a.settings.Current()

	a.engine = rules.NewEngine(current.Thresholds, logger.WithComponent("rules").Logger)
	a.loader = rules.NewLoader(a.engine, a.defaultRules, logger.WithComponent("rules").Logger)

	var source policy.Source
	if cfg.PolicyEndpoint != "" {
		source = policy.NewFetcher(policy.FetchConfig{
			Endpoint:        cfg.PolicyEndpoint,
			APIKey:          cfg.PolicyAPIKey,
			HMACKey:         cfg.PolicyHMACKey,
			PublicKeyPEM:    cfg.PolicyPublicKey,
			RefreshInterval: cfg.PolicyRefreshInterval,
		}, logger.WithComponent("policy").Logger)
	}
	storePath := cfg.PolicyStorePath
	if storePath == "" && cfg.DataDir != "" {
		storePath = filepath.Join(cfg.DataDir, "policy.last")
	}
	a.updater = policy.NewUpdater(policy.UpdaterConfig{
		LocalRulesPath:  cfg.RulesPath,
		RefreshInterval: cfg.PolicyRefreshInterval,
		TickInterval:    cfg.PolicyTickInterval,
	}, source, policy.NewVersionManager(storePath, logger.WithComponent("policy").Logger), a.applyPolicy, logger.WithComponent("policy").Logger)

	a.store = fingerprint.NewMemoryStore(cfg.FingerprintCacheSize)
	if cfg.FingerprintStore == "postgres" {
		pg, err := fingerprint.OpenPostgres(ctx, cfg.PostgresDSN, logger.WithComponent("fingerprint").Logger)
		if err != nil {
			logger.Error("Failed to open fingerprint database, using memory store", "error", err)
		} else {
			a.pgStore = pg
			a.store = pg
		}
	}

	a.enforcer = enforce.NewEnforcer(enforce.Options{
		QuarantineDir:     cfg.QuarantineDir,
		ShadowDir:         cfg.ShadowDir,
		QuarantineEnabled: current.Thresholds.QuarantineEnabled,
		ShadowCopyEnabled: current.Thresholds.ShadowCopyEnabled,
	}, logger.WithComponent("enforce").Logger)

	sinks := audit.Sinks{a.decisions}
	if cfg.NATSURL != "" {
		nc, err := a.connectNATS()
		if err != nil {
			logger.LogNATSEvent("connect_failed", "url", cfg.NATSURL, "error", err)
		} else {
			a.nc = nc
			sinks = append(sinks, audit.NewPublisher(nc, cfg.AuditSubject, logger.WithComponent("audit").Logger))
		}
	}

	deps := pipeline.Deps{
		Engine:     a.engine,
		Detector:   pii.NewDetector(cfg.PIICacheSize, logger.WithComponent("pii").Logger),
		Settings:   a.settings,
		Store:      a.store,
		Attributor: process.NewCachingAttributor(1024, time.Minute, logger.WithComponent("process").Logger),
		Enforcer:   a.enforcer,
		Sink:       sinks,
		Metrics:    a.metrics,
		Logger:     logger.WithComponent("pipeline"),
	}
	if a.nc != nil {
		interval := time.Duration(cfg.HeartbeatSec) * time.Second
		a.telemetry = telemetry.NewSender(logger.WithComponent("telemetry").Logger, a.nc, cfg.TelemetrySubject, cfg.HostID, interval, a.heartbeat)
		a.updater.OnEvent(a.telemetry.HandlePolicyEvent)
		deps.Notifier = a.telemetry
	}
	a.scanner = pipeline.New(pipeline.OptionsFrom(cfg), deps)

	if a.nc != nil {
		a.subscriber = events.NewSubscriber(a.nc, cfg.FileEventSubject, cfg.QueueGroup, a.scanner, a.metrics, logger.WithComponent("events").Logger)
	}
	a.updater.OnEvent(a.handlePolicyEvent)
	a.settings.Subscribe(a.handleSettings)

	srv := api.NewServer(api.Deps{
		Engine:    a.engine,
		Querier:   a.scanner,
		Decisions: a.decisions,
		Status:    a.updater,
		Settings:  a.settings,
		Metrics:   a.metrics.Handler(),
		Ready:     a.ready.Load,
		Logger:    logger.WithComponent("http").Logger,
	})
	a.httpServer = &http.Server{
		Addr:              cfg.HTTPListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return a, nil
}

func (a *Agent) connectNATS() (*nats.Conn, error) {
	return nats.Connect(a.cfg.NATSURL,
		nats.Name("dlp-agent-"+a.cfg.HostID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			a.logger.LogNATSEvent("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.LogNATSEvent("reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// Scanner returns the file event pipeline.
func (a *Agent) Scanner() *pipeline.Scanner {
	return a.scanner
}

// Engine returns the rule engine.
func (a *Agent) Engine() *rules.Engine {
	return a.engine
}

// Ready reports whether the initial policy has been loaded.
func (a *Agent) Ready() bool {
	return a.ready.Load()
}

func (a *Agent) defaultRules() []rules.Rule {
	return rules.DefaultRules(a.settings.Current().DefaultRuleOptions())
}

// applyPolicy installs a policy document; the updater calls it for local,
// persisted and fetched policies alike.
func (a *Agent) applyPolicy(snap policy.Snapshot) error {
	a.policyMu.Lock()
	defer a.policyMu.Unlock()
	return a.applyLocked(snap)
}

func (a *Agent) applyLocked(snap policy.Snapshot) error {
	report, err := a.loader.Apply(snap.Version, []byte(snap.JSON))
	if err != nil {
		return err
	}
	a.lastPolicy = snap

	a.logger.LogPolicyEvent("rules_applied", snap.Version,
		"loaded", report.Loaded,
		"skipped", len(report.Skipped),
		"defaults", report.Defaults)
	return nil
}

// reapply rebuilds the rule set from the last applied document so the
// built-in rules pick up new settings.
func (a *Agent) reapply() error {
	a.policyMu.Lock()
	defer a.policyMu.Unlock()

	snap := a.lastPolicy
	if snap.JSON == "" {
		snap = policy.Snapshot{Version: a.engine.Snapshot().Version, JSON: "[]"}
	}
	return a.applyLocked(snap)
}

// reloadLocal re-reads the local rules file after the watcher sees it change.
func (a *Agent) reloadLocal() error {
	data, err := os.ReadFile(a.cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}
	return a.applyPolicy(policy.Snapshot{Version: localVersion, JSON: string(data)})
}

func (a *Agent) handleSettings(s config.Settings) {
	a.engine.SetThresholds(s.Thresholds)
	a.enforcer.SetEnabled(s.Thresholds.QuarantineEnabled, s.Thresholds.ShadowCopyEnabled)
	if err := a.reapply(); err != nil {
		a.logger.Error("Failed to rebuild rules after settings change", "error", err)
	}
	a.logger.LogSystemEvent("settings_applied",
		"block_severity", s.Thresholds.Block,
		"enforcement_enabled", s.EnforcementEnabled)
}

func (a *Agent) handlePolicyEvent(ev policy.UpdateEvent) {
	a.metrics.ObservePolicyUpdate(string(ev.Type))
	switch ev.Type {
	case policy.EventApplied, policy.EventUnchanged:
		a.logger.LogPolicyEvent(string(ev.Type), ev.Version, "previous_version", ev.PreviousVersion)
	case policy.EventRejected:
		a.logger.LogSecurityEvent("policy_rejected", "version", ev.Version, "error", ev.Error)
	default:
		a.logger.Warn("Policy update problem", "type", ev.Type, "version", ev.Version, "error", ev.Error)
	}
}

func (a *Agent) heartbeat() map[string]string {
	snap := a.engine.Snapshot()
	status := a.updater.Status()
	return map[string]string{
		"agent_version":  Version,
		"policy_version": status.ActiveVersion,
		"rules":          strconv.Itoa(snap.Len()),
		"generation":     strconv.FormatUint(snap.Generation, 10),
		"uptime_sec":     strconv.FormatInt(int64(time.Since(a.startTime).Seconds()), 10),
	}
}

// Run loads the initial policy, starts every component and blocks until ctx
// is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Starting agent", "http_addr", a.httpServer.Addr)

	changed := a.loader.Subscribe()
	go a.trackActiveRules(ctx, changed)

	if err := a.updater.Initialize(); err != nil {
		a.logger.Error("No policy available, running with built-in rules only", "error", err)
		if err := a.applyPolicy(policy.Snapshot{Version: "builtin", JSON: "[]"}); err != nil {
			return fmt.Errorf("failed to load built-in rules: %w", err)
		}
	}
	a.metrics.SetActiveRules(a.engine.Snapshot().Len())

	go a.updater.Run(ctx)
	if a.cfg.PolicyEndpoint == "" && a.cfg.RulesPath != "" {
		go a.loader.WatchFile(a.cfg.RulesPath, a.cfg.RulesWatchInterval, 500*time.Millisecond, ctx.Done(), a.reloadLocal)
	}

	if a.nc != nil {
		a.telemetry.Start(ctx)
		if err := a.subscriber.Subscribe(ctx); err != nil {
			a.shutdown()
			return fmt.Errorf("failed to subscribe to file events: %w", err)
		}
		if a.cfg.ConfigSubject != "" {
			if err := a.settings.Listen(a.nc, a.cfg.ConfigSubject); err != nil {
				a.logger.Error("Failed to listen for config changes", "error", err)
			}
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.LogHTTPEvent("server_started", a.httpServer.Addr, 0)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.ready.Store(true)
	if a.notifier.IsAvailable() {
		if err := a.notifier.NotifyReady(); err != nil {
			a.logger.Warn("Failed to notify systemd ready", "error", err)
		}
		_ = a.notifier.NotifyStatus(fmt.Sprintf("policy %s, %d rules", a.updater.ActiveVersion(), a.engine.Snapshot().Len()))
		go a.notifier.RunWatchdog(ctx, systemd.WatchdogInterval(), a.logger.Logger)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("Agent context cancelled, shutting down")
		return a.shutdown()
	case err := <-serverErr:
		a.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	}
}

func (a *Agent) trackActiveRules(ctx context.Context, changed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			a.metrics.SetActiveRules(a.engine.Snapshot().Len())
		}
	}
}

func (a *Agent) shutdown() error {
	a.ready.Store(false)

	if a.notifier.IsAvailable() {
		if err := a.notifier.NotifyStopping(); err != nil {
			a.logger.Warn("Failed to notify systemd stopping", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if a.telemetry != nil {
		a.telemetry.Stop()
	}
	if err := a.settings.Close(); err != nil {
		a.logger.Warn("Failed to close config subscription", "error", err)
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if a.pgStore != nil {
		if err := a.pgStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fingerprint store: %w", err))
		}
	}
	if err := a.notifier.Close(); err != nil {
		a.logger.Warn("Failed to close systemd connection", "error", err)
	}

	a.logger.Info("Agent shutdown complete")
	return errors.Join(errs...)
}
