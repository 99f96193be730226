package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/djlord-it/deliveryguard/internal/api"
	"github.com/djlord-it/deliveryguard/internal/circuitbreaker"
	"github.com/djlord-it/deliveryguard/internal/config"
	"github.com/djlord-it/deliveryguard/internal/connector"
	"github.com/djlord-it/deliveryguard/internal/dispatcher"
	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/leaderelection"
	"github.com/djlord-it/deliveryguard/internal/metrics"
	"github.com/djlord-it/deliveryguard/internal/notify"
	"github.com/djlord-it/deliveryguard/internal/reconciler"
	"github.com/djlord-it/deliveryguard/internal/store/memory"
	"github.com/djlord-it/deliveryguard/internal/store/postgres"
	"github.com/djlord-it/deliveryguard/internal/store/sqlite"
	"github.com/djlord-it/deliveryguard/internal/tracker"
	"github.com/djlord-it/deliveryguard/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "migrate":
		os.Exit(runMigrate())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`deliveryguard - delivery guarantee tracker

Usage:
  deliveryguard <command>

Commands:
  serve      Start the API, dispatcher and reconciler
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  migrate    Apply database migrations and exit
  version    Print version information

Environment Variables:
  STORE_BACKEND             memory, sqlite or postgres (default: postgres if DATABASE_URL is set, else memory)
  DATABASE_URL              PostgreSQL connection string
  SQLITE_PATH               SQLite database file (default: "deliveryguard.db")
  REDIS_ADDR                Redis address for change and escalation notifications (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  DEFAULT_CLUSTER_ID        Cluster used when a request names none (default: "default")

  DB_OP_TIMEOUT             Per-request bound on store work (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher drain timeout (default: "30s")
  DISPATCHER_WORKERS        Concurrent deliveries (default: "4")
  DISPATCH_RATE_LIMIT       Webhook attempts per second, 0 = unlimited (default: "0")
  DISPATCH_RATE_BURST       Webhook rate limiter burst (default: "10")
  EVENTBUS_BUFFER_SIZE      Dispatch queue buffer (default: "100")
  CIRCUIT_BREAKER_THRESHOLD Failures before a target is paused, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Pause before probing a failing target (default: "2m")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable the reconciler (default: "true")
  RECONCILE_SCHEDULE        Cron spec for reconcile cycles (default: "@every 1m")
  RECONCILE_THRESHOLD       Age before a queued instance is orphaned (default: "10m")
  RECONCILE_BATCH_SIZE      Max instances per definition per cycle (default: "100")
  IN_DOUBT_MAX_DWELL        Default dwell before escalation, 0 = never (default: "1h")

  LEADER_LOCK_KEY           Postgres advisory lock key (default: "728380")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection check interval (default: "2s")`)
}

// openStore opens the configured backend and applies migrations. The
// returned *sql.DB is nil for the memory backend.
func openStore(cfg config.Config) (tracker.Store, *sql.DB, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("deliveryguard: sqlite store opened (path=%s)", cfg.SQLitePath)
		return &sqlite.Store{DB: db}, db, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		log.Printf("deliveryguard: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := postgres.Migrate(context.Background(), db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return postgres.New(db), db, nil

	default:
		log.Println("deliveryguard: memory store in use; the ledger does not survive a restart")
		return memory.New(), nil, nil
	}
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	logConfigWarnings(&cfg)

	store, db, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return exitRuntimeError
	}
	if db != nil {
		defer db.Close()
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("deliveryguard: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("deliveryguard: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("deliveryguard: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("deliveryguard: METRICS_ENABLED not set; metrics disabled")
	}

	queue := channel.NewQueue(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	svc := tracker.New(store).
		WithMetrics(sink).
		WithQueue(queue).
		WithDefaultInDoubtDwell(cfg.InDoubtMaxDwell)

	var notifier *notify.RedisNotifier
	if cfg.RedisAddr != "" {
		opts, err := redisOptions(cfg.RedisAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid REDIS_ADDR: %v\n", err)
			return exitInvalidConfig
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		notifier = notify.NewRedisNotifier(redisClient)
		svc = svc.WithNotifier(notifier)
		log.Printf("deliveryguard: notifications enabled (redis=%s)", opts.Addr)
	} else {
		log.Println("deliveryguard: REDIS_ADDR not set; notifications disabled")
	}

	limit := rate.Inf
	if cfg.DispatchRateLimit > 0 {
		limit = rate.Limit(cfg.DispatchRateLimit)
	}
	registry := connector.NewRegistry()
	registry.Register(domain.TargetTypeHTTP, connector.NewWebhook(), limit, cfg.DispatchRateBurst)

	disp := dispatcher.New(svc, registry).
		WithQueue(queue).
		WithMetrics(sink).
		WithWorkers(cfg.DispatcherWorkers).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	apiHandler := api.NewHandler(svc, domain.ClusterID(cfg.DefaultClusterID)).
		WithHealthChecker(svc).
		WithRequestTimeout(cfg.DBOpTimeout)

	// Reconciler, run under leader election when instances share a database.
	var elector *leaderelection.Elector
	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(
			reconciler.Config{
				Schedule:  cfg.ReconcileSchedule,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			},
			svc,
			queue,
		).WithMetrics(sink)
		if notifier != nil {
			recon = recon.WithEscalator(notifier)
		}
		log.Printf("deliveryguard: reconciler enabled (schedule=%q, threshold=%s, batch=%d)",
			cfg.ReconcileSchedule, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)

		if cfg.StoreBackend == config.BackendPostgres {
			elector = leaderelection.New(db, leaderelection.Config{
				LockKey:           cfg.LeaderLockKey,
				RetryInterval:     cfg.LeaderRetryInterval,
				HeartbeatInterval: cfg.LeaderHeartbeatInterval,
			}, recon).WithMetrics(sink)
			apiHandler = apiHandler.WithLeaderStatus(elector.IsLeader)
			log.Printf("deliveryguard: leader election enabled (lock_key=%d)", cfg.LeaderLockKey)
		}
	} else {
		log.Println("deliveryguard: RECONCILE_ENABLED=false; reconciler disabled")
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("deliveryguard: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("deliveryguard: http server error: %v", err)
		}
	}()

	// Separate contexts so components stop in order.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	reconcilerCtx, cancelReconciler := context.WithCancel(context.Background())

	var dispatcherWg sync.WaitGroup
	var reconcilerWg sync.WaitGroup

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, queue.Channel())
	}()

	switch {
	case elector != nil:
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			elector.Run(reconcilerCtx)
		}()
	case recon != nil:
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			if err := recon.Run(reconcilerCtx); err != nil {
				log.Printf("deliveryguard: reconciler stopped: %v", err)
			}
		}()
	}

	log.Printf("deliveryguard: started (store=%s, http=%s, workers=%d)",
		cfg.StoreBackend, cfg.HTTPAddr, cfg.DispatcherWorkers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("deliveryguard: received signal %v, shutting down", received)

	// Phase 1: Stop accepting API requests (no new instances or outcomes)
	log.Println("deliveryguard: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("deliveryguard: http server shutdown error: %v", err)
	}
	log.Println("deliveryguard: http server stopped")

	// Phase 2: Stop reconciler and release leadership (no new re-emits)
	log.Println("deliveryguard: stopping reconciler...")
	cancelReconciler()
	reconcilerWg.Wait()
	log.Println("deliveryguard: reconciler stopped")

	// Phase 3: Stop dispatcher (drains buffered requests before returning)
	log.Println("deliveryguard: stopping dispatcher (draining requests)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("deliveryguard: dispatcher stopped")

	// Phase 4: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("deliveryguard: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("deliveryguard: metrics server shutdown error: %v", err)
		}
		log.Println("deliveryguard: metrics server stopped")
	}

	log.Println("deliveryguard: stopped")
	return exitSuccess
}

// redisOptions accepts a redis:// URL, user:pass@host:port or a bare
// host:port.
func redisOptions(addr string) (*redis.Options, error) {
	if !strings.Contains(addr, "://") && strings.Contains(addr, "@") {
		addr = "redis://" + addr
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runMigrate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if cfg.StoreBackend == config.BackendMemory {
		fmt.Println("memory store has no migrations")
		return exitSuccess
	}

	_, db, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return exitRuntimeError
	}
	db.Close()

	fmt.Printf("%s migrations applied\n", cfg.StoreBackend)
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("deliveryguard version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
