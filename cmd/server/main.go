// Argus orchestrates multi-step LLM analysis of security alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/argus/internal/alert"
	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/analysis/memstore"
	"github.com/linnemanlabs/argus/internal/analysis/pgstore"
	"github.com/linnemanlabs/argus/internal/api"
	"github.com/linnemanlabs/argus/internal/authmw"
	ac "github.com/linnemanlabs/argus/internal/cfg"
	"github.com/linnemanlabs/argus/internal/intel"
	"github.com/linnemanlabs/argus/internal/lock"
	"github.com/linnemanlabs/argus/internal/lock/redislock"
	"github.com/linnemanlabs/argus/internal/mcpserver"
	"github.com/linnemanlabs/argus/internal/notify/slack"
	"github.com/linnemanlabs/argus/internal/postgres"
	"github.com/linnemanlabs/argus/internal/progress"
	"github.com/linnemanlabs/argus/internal/progress/kafkasink"
	"github.com/linnemanlabs/argus/internal/provider/providerfile"
	"github.com/linnemanlabs/argus/internal/snapshot"
	"github.com/linnemanlabs/argus/internal/steps"
)

const appName = "argus"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ac.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars fill only what was not set on the cmdline
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "ARGUS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"default_provider", appCfg.DefaultProvider,
		"providers_file", appCfg.ProvidersFile,
		"enable_mcp", appCfg.EnableMCP,
		"redis_locks", appCfg.RedisAddr != "",
		"kafka_progress", len(appCfg.Brokers()) > 0,
		"snapshots", appCfg.SnapshotBucket != "",
	)

	// profiling starts early so the whole lifetime is covered
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// link spans to profiles so a slow step can be opened as a flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// LLM providers
	registry, err := newRegistry(L)
	if err != nil {
		return err
	}
	var providers *providerfile.File
	if appCfg.ProvidersFile != "" {
		providers, err = providerfile.Load(appCfg.ProvidersFile)
	} else {
		providers, err = providersFromFlags(&appCfg)
	}
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	bindings := providerfile.Bind(registry, providers, steps.LLMSteps...)
	L.Info(ctx, "providers bound", "default", providers.Default, "configured", providers.Types())

	if appCfg.ProvidersFile != "" {
		watcher := providerfile.NewWatcher(appCfg.ProvidersFile, providers, bindings, L)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				L.Error(ctx, err, "provider file watcher stopped")
			}
		}()
	}

	// threat intelligence sources, the intel step degrades when none are set
	intelRegistry := intel.NewRegistry(L)
	if appCfg.IntelEndpoint != "" {
		src := intel.NewHTTPSource("intel", appCfg.IntelEndpoint, appCfg.IntelAPIKey)
		intelRegistry.Register(src)
		L.Info(ctx, "registered intel source", "endpoint", appCfg.IntelEndpoint)
	}

	pipeline, err := steps.NewPipeline(steps.Deps{
		Generator:      func(step string) steps.Generator { return bindings.For(step) },
		Intel:          intelRegistry,
		ScriptLanguage: appCfg.ScriptLanguage,
		Logger:         L,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	var alerts alert.Lookup
	if appCfg.AlertFixturesDir != "" {
		mem, err := alert.LoadDir(appCfg.AlertFixturesDir)
		if err != nil {
			return fmt.Errorf("alert fixtures: %w", err)
		}
		alerts = mem
		L.Info(ctx, "using alert fixtures", "dir", appCfg.AlertFixturesDir)
	} else {
		alerts = alert.NewHTTPLookup(appCfg.AlertServiceURL, appCfg.AlertServiceKey)
		L.Info(ctx, "using alert service", "url", appCfg.AlertServiceURL)
	}

	var store analysis.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	var locker lock.Locker
	var closeLocker func(context.Context) error
	if appCfg.RedisAddr != "" {
		rl, err := redislock.New(ctx, redislock.Config{
			Addr:     appCfg.RedisAddr,
			Password: appCfg.RedisPassword,
			TTL:      appCfg.LockTTL,
		}, L)
		if err != nil {
			return fmt.Errorf("redis locker: %w", err)
		}
		locker = rl
		closeLocker = func(context.Context) error { return rl.Close() }
		L.Info(ctx, "using redis locks", "addr", appCfg.RedisAddr, "ttl", appCfg.LockTTL)
	} else {
		locker = lock.NewLocal()
		L.Info(ctx, "using in-process locks")
	}

	// progress fan-out, optionally mirrored to kafka
	hubOpts := []progress.Option{
		progress.WithBuffer(appCfg.SubscriberBuffer),
		progress.WithMetrics(progress.NewMetrics(m.Registry())),
		progress.WithLogger(L),
	}
	var closeSink func(context.Context) error
	if brokers := appCfg.Brokers(); len(brokers) > 0 {
		sink, err := kafkasink.New(brokers, appCfg.KafkaTopic, L)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		hubOpts = append(hubOpts, progress.WithTap(sink))
		closeSink = func(context.Context) error { return sink.Close() }
		L.Info(ctx, "mirroring progress to kafka", "brokers", brokers, "topic", appCfg.KafkaTopic)
	}
	hub := progress.NewHub(hubOpts...)

	analysisMetrics := analysis.NewMetrics(m.Registry())

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "argus_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "lineage", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, q postgres.QueryInfo) {
			dbQueryDuration.WithLabelValues(q.Method, q.Route, q.Lineage, q.Operation, q.Outcome).Observe(q.Duration.Seconds())
		},
	))

	engineOpts := []analysis.EngineOption{analysis.WithHooks(analysisMetrics.Hooks())}
	if appCfg.SlackWebhookURL != "" {
		engineOpts = append(engineOpts, analysis.WithNotifier(slack.New(appCfg.SlackWebhookURL, L)))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	engine := analysis.NewEngine(pipeline, store, hub, L, engineOpts...)

	svcOpts := []analysis.ServiceOption{analysis.WithSubmitObserver(analysisMetrics.ObserveSubmit)}
	apiOpts := []api.Option{
		api.WithEvents(hub),
		api.WithProviders(registry),
	}
	if appCfg.SnapshotBucket != "" {
		archiver, err := snapshot.New(ctx, snapshot.Config{
			Bucket:       appCfg.SnapshotBucket,
			Prefix:       appCfg.SnapshotPrefix,
			Region:       appCfg.SnapshotRegion,
			Endpoint:     appCfg.SnapshotEndpoint,
			UsePathStyle: appCfg.SnapshotEndpoint != "",
		})
		if err != nil {
			return fmt.Errorf("snapshot archiver: %w", err)
		}
		svcOpts = append(svcOpts, analysis.WithArchiver(archiver))
		apiOpts = append(apiOpts, api.WithSnapshots(archiver))
		L.Info(ctx, "snapshots enabled", "bucket", appCfg.SnapshotBucket, "prefix", appCfg.SnapshotPrefix)
	}

	analysisSvc := analysis.NewService(alerts, store, engine, locker, L, svcOpts...)

	var shutdownGate health.ShutdownGate
	liveness, readiness := healthProbes(&shutdownGate)

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	// event streams are text/event-stream and are left alone
	r.Use(middleware.Compress(5, "application/json"))

	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	apiHTTP := api.New(L, analysisSvc, apiOpts...)
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerTokens(authmw.ParseTokens(appCfg.APITokens)...))
		apiHTTP.RegisterRoutes(r)

		if appCfg.EnableMCP {
			mcpSrv := mcpserver.New(analysisSvc, vi.Version, L)
			r.Handle("/mcp", mcpSrv.Handler())
			L.Info(ctx, "mcp endpoint enabled", "path", "/mcp")
		}
	})

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern later
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	apiServerOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiServerOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its timeout if this really mattered
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// each component gets an equal slice of the budget; stopProf is synchronous
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if closeSink != nil {
		stopFns = append(stopFns, stopFn{"kafka progress sink", closeSink})
	}
	if closeLocker != nil {
		stopFns = append(stopFns, stopFn{"redis locker", closeLocker})
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// healthProbes returns the liveness and readiness checks served on both
// listeners. Readiness fails once the gate closes so the load balancer
// drains us.
func healthProbes(gate *health.ShutdownGate) (liveness, readiness health.CheckFunc) {
	return health.Fixed(true, ""), health.All(gate.Probe())
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, net has no context dial for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
