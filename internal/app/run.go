package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuetzliches/quegate/internal/audit"
	"github.com/nuetzliches/quegate/internal/config"
	"github.com/nuetzliches/quegate/internal/engine"
	"github.com/nuetzliches/quegate/internal/gateway"
	"github.com/nuetzliches/quegate/internal/monitor"
	"github.com/nuetzliches/quegate/internal/scripts"
	"github.com/nuetzliches/quegate/internal/secrets"
)

const (
	shutdownTimeout   = 5 * time.Second
	busDrainTimeout   = 15 * time.Second
	auditPruneEvery   = time.Hour
	redisPingTimeout  = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// gatewayRuntime holds the wired gateway components of one process.
type gatewayRuntime struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *gatewayMetrics
	cache    *scripts.Cache
	bus      *engine.Bus
	monitor  *monitor.Aggregator
	server   *gateway.Server
	journal  *audit.Journal
	recorder *audit.Recorder
	handler  http.Handler
}

func newRuntime(cfg config.Config, logger *slog.Logger, client redis.UniversalClient, metrics *gatewayMetrics, tracing bool) (*gatewayRuntime, error) {
	rt := &gatewayRuntime{cfg: cfg, logger: logger, metrics: metrics}

	rt.cache = scripts.NewCache(scripts.NewRedisStore(client),
		scripts.WithLogger(logger),
		scripts.WithMaxAttempts(cfg.ScriptMaxAttempts),
		scripts.OnLoad(metrics.observeScriptLoad),
		scripts.OnMismatch(metrics.observeScriptMismatch),
	)
	eng, err := engine.NewRedisEngine(client, rt.cache,
		engine.WithKeyPrefix(cfg.KeyPrefix),
		engine.WithLogger(logger),
		engine.WithVerboseScripts(cfg.VerboseScripts),
	)
	if err != nil {
		return nil, err
	}
	if cfg.ScriptsDir != "" {
		if err := reloadScripts(rt.cache, cfg.ScriptsDir, cfg.VerboseScripts, logger); err != nil {
			return nil, err
		}
	}

	rt.bus = &engine.Bus{
		Handler:          eng,
		Workers:          cfg.EngineWorkers,
		Timeout:          cfg.EngineTimeout,
		Logger:           logger,
		ObserveRoundTrip: metrics.observeRoundTrip,
	}
	rt.bus.Start()

	rt.monitor = monitor.NewAggregator(gateway.EngineCounter(rt.bus),
		monitor.WithBranchTimeout(cfg.MonitorBranchTimeout),
		monitor.WithMaxConcurrency(cfg.MonitorConcurrency),
		monitor.WithLogger(logger),
		monitor.WithBranchObserver(func(queue string, err error) {
			if err != nil {
				metrics.observeMonitorBranch(queue, err)
			}
		}),
	)
	metrics.registry.MustRegister(newQueueCollector(rt.bus, rt.monitor))

	srv := gateway.NewServer(rt.bus)
	srv.Prefix = cfg.Prefix
	srv.UserHeader = cfg.UserHeader
	srv.MaxBodyBytes = cfg.MaxBodyBytes
	srv.Logger = logger
	srv.Monitor = rt.monitor
	srv.ObserveRequest = metrics.observeRequest

	if cfg.AuditDSN != "" {
		j, err := audit.Open(cfg.AuditDSN)
		if err != nil {
			rt.bus.Drain(time.Second)
			return nil, fmt.Errorf("open audit journal: %w", err)
		}
		rt.journal = j
		rt.recorder = audit.NewRecorder(j, 0, logger)
		rt.recorder.OnDrop = func(audit.Entry) { metrics.auditDropped.Inc() }
		srv.Audit = func(ev gateway.AuditEvent) { rt.recorder.Submit(auditEntry(ev)) }
	}
	rt.server = srv

	var h http.Handler = srv
	if cfg.AccessLog {
		h = withAccessLog(logger, h)
	}
	rt.handler = wrapTracingHandler(tracing, "quegate", h)
	return rt, nil
}

func auditEntry(ev gateway.AuditEvent) audit.Entry {
	return audit.Entry{
		At:        ev.At,
		Operation: string(ev.Operation),
		Queue:     ev.Queue,
		Actor:     ev.Actor,
		RequestID: ev.RequestID,
		Status:    ev.Status,
		Count:     ev.Count,
	}
}

// reloadScripts re-reads the script sources, for SIGHUP and the watcher.
func (rt *gatewayRuntime) reloadScripts(trigger string) {
	if err := reloadScripts(rt.cache, rt.cfg.ScriptsDir, rt.cfg.VerboseScripts, rt.logger); err != nil {
		rt.logger.Error("scripts_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return
	}
	rt.logger.Info("scripts_reloaded", slog.String("trigger", trigger))
}

func (rt *gatewayRuntime) pruneAudit(ctx context.Context, now time.Time) {
	if rt.journal == nil || rt.cfg.AuditRetention <= 0 {
		return
	}
	n, err := rt.journal.Prune(ctx, now.Add(-rt.cfg.AuditRetention))
	if err != nil {
		rt.logger.Warn("audit_prune_failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		rt.logger.Info("audit_pruned", slog.Int64("entries", n))
	}
}

func (rt *gatewayRuntime) startAuditPruning(ctx context.Context) {
	if rt.journal == nil || rt.cfg.AuditRetention <= 0 {
		return
	}
	go func() {
		rt.pruneAudit(ctx, time.Now())
		t := time.NewTicker(auditPruneEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				rt.pruneAudit(ctx, now)
			}
		}
	}()
}

// close drains the engine bus and flushes pending audit entries.
func (rt *gatewayRuntime) close() {
	if ok := rt.bus.Drain(busDrainTimeout); !ok {
		rt.logger.Warn("engine_drain_timeout", slog.Duration("timeout", busDrainTimeout))
	} else {
		rt.logger.Info("engine_drained")
	}
	if rt.recorder != nil {
		rt.recorder.Close()
	}
	if rt.journal != nil {
		_ = rt.journal.Close()
	}
}

func run(args []string) int {
	cfg, err := config.Load("run", args, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	logger, logCloser, err := newLoggerToSink(cfg.LogLevel, cfg.LogOutput, cfg.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	metrics := newGatewayMetrics(time.Now())

	tracing := cfg.TracingEndpoint != ""
	if tracing {
		shutdownTracing, err := initTracing(context.Background(), cfg.TracingEndpoint, cfg.TracingInsecure, func(err error) {
			metrics.tracingExportErrors.Inc()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		metrics.tracingEnabled.Set(1)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	if cfg, err = resolveSecrets(cfg); err != nil {
		logger.Error("secret_ref_failed", slog.Any("err", err))
		return 1
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = client.Close() }()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), redisPingTimeout)
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis_ping_failed", slog.String("addr", cfg.RedisAddr), slog.Any("err", err))
	}
	pingCancel()

	rt, err := newRuntime(cfg, logger, client, metrics, tracing)
	if err != nil {
		logger.Error("start_failed", slog.Any("err", err))
		return 1
	}
	defer rt.close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers, err := startServers(cfg, rt, logger, cancel)
	if err != nil {
		logger.Error("start_servers_failed", slog.Any("err", err))
		return 1
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				rt.reloadScripts("signal_sighup")
			}
		}
	}()
	if cfg.WatchScripts {
		go watchScripts(ctx, cfg.ScriptsDir, logger, func() {
			rt.reloadScripts("watch")
		})
	}
	rt.startAuditPruning(ctx)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return 0
}

// resolveSecrets replaces secret refs in cfg with the values they point to.
func resolveSecrets(cfg config.Config) (config.Config, error) {
	pw, err := secrets.Resolve(cfg.RedisPassword)
	if err != nil {
		return cfg, fmt.Errorf("redis password: %w", err)
	}
	dsn, err := secrets.Resolve(cfg.AuditDSN)
	if err != nil {
		return cfg, fmt.Errorf("audit dsn: %w", err)
	}
	cfg.RedisPassword = pw
	cfg.AuditDSN = dsn
	return cfg, nil
}

func startServers(cfg config.Config, rt *gatewayRuntime, logger *slog.Logger, cancel context.CancelFunc) ([]*http.Server, error) {
	var servers []*http.Server
	closeAll := func() {
		for _, s := range servers {
			_ = s.Close()
		}
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	gw := &http.Server{
		Handler:           rt.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	serveOnListener(logger, "gateway", gw, ln, cancel)
	servers = append(servers, gw)
	logger.Info("gateway_listening", slog.String("addr", ln.Addr().String()), slog.String("prefix", cfg.Prefix))

	if cfg.MetricsListen != "" {
		mln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("listen %s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "ok\n")
		})
		ms := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
		serveOnListener(logger, "metrics", ms, mln, cancel)
		servers = append(servers, ms)
		logger.Info("metrics_listening", slog.String("addr", mln.Addr().String()))
	}
	return servers, nil
}
