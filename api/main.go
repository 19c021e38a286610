// Command api serves the sift HTTP API: natural-language questions in,
// executed SQL, chart advice, and flow detection out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siftdata/sift/api/config"
	"github.com/siftdata/sift/api/handlers"
	"github.com/siftdata/sift/api/metrics"
	"github.com/siftdata/sift/engine/pkg/chart"
	"github.com/siftdata/sift/engine/pkg/correction"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/generate"
	"github.com/siftdata/sift/engine/pkg/llm"
	"github.com/siftdata/sift/engine/pkg/pipeline"
	"github.com/siftdata/sift/engine/pkg/process"
	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/engine/pkg/trainer"
	"github.com/siftdata/sift/engine/pkg/vector"
	slackbot "github.com/siftdata/sift/slack/bot"
	"github.com/siftdata/sift/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown flips when a shutdown signal arrives so the
	// readiness probe fails before the listener stops accepting.
	shuttingDown atomic.Bool
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg.Level())
	log.Info("api: starting", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	if cfg.SentryDSN != "" {
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		tracesSampleRate := 0.1
		if cfg.Environment == "development" {
			tracesSampleRate = 1.0
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		}); err != nil {
			log.Warn("api: sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	// Metadata database. Without it the service still answers
	// questions, but retrieval lives in memory and nothing is audited.
	var (
		pool  *pgxpool.Pool
		meta  *store.Store
		index vector.Index
	)
	if cfg.MetadataDSN != "" {
		if err := store.Migrate(ctx, log, cfg.MetadataDSN); err != nil {
			return fmt.Errorf("migrate metadata database: %w", err)
		}
		pool, err = store.NewPool(ctx, &store.PoolConfig{DSN: cfg.MetadataDSN})
		if err != nil {
			return fmt.Errorf("connect metadata database: %w", err)
		}
		defer pool.Close()
		meta, err = store.New(&store.Config{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		pgIndex, err := vector.NewPGIndex(&vector.PGConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		index = pgIndex
	} else {
		log.Warn("api: no metadata database configured, state is in-memory and asks are unaudited")
		index = vector.NewMemory()
	}

	var discovery *process.Discoverer
	if cfg.DiscoveryEnabled {
		discovery, err = process.New(&process.Config{Logger: log})
		if err != nil {
			return err
		}
	}

	// The Neo4j mirror is a projection of state the trainer already
	// holds, so an unreachable graph degrades rather than aborts.
	var (
		graphClient process.GraphClient
		graph       *process.GraphStore
	)
	if cfg.Neo4jURI != "" {
		graphClient, err = process.NewGraphClient(ctx, log, cfg.Neo4jURI, cfg.Neo4jDatabase, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			log.Warn("api: neo4j unavailable, flow graph disabled", "error", err)
		} else {
			defer func() { _ = graphClient.Close(context.Background()) }()
			graph, err = process.NewGraphStore(&process.GraphStoreConfig{Logger: log, Client: graphClient})
			if err != nil {
				return err
			}
		}
	}

	var archive trainer.Archive
	if cfg.ArchiveBucket != "" {
		s3, err := schema.NewS3Archive(ctx, schema.S3ArchiveConfig{
			Logger: log,
			Bucket: cfg.ArchiveBucket,
			Region: os.Getenv("AWS_REGION"),
			Prefix: cfg.ArchivePrefix,
		})
		if err != nil {
			log.Warn("api: snapshot archive disabled", "error", err)
		} else {
			archive = s3
		}
	}

	model, err := llm.NewAnthropic(&llm.AnthropicConfig{
		Logger:  log,
		APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		Model:   anthropic.Model(cfg.AnthropicModel),
		Observe: metrics.ObserveLLM,
	})
	if err != nil {
		return err
	}

	tcfg := &trainer.Config{Logger: log, Index: index, Archive: archive}
	if meta != nil {
		tcfg.State = meta
	}
	if discovery != nil {
		tcfg.Process = discovery
	}
	train, err := trainer.New(tcfg)
	if err != nil {
		return err
	}

	gen, err := generate.New(&generate.Config{Logger: log, LLM: model, Index: index})
	if err != nil {
		return err
	}

	loop, err := correction.New(&correction.Config{Logger: log, Generator: gen, MaxAttempts: cfg.MaxAttempts})
	if err != nil {
		return err
	}

	charts, err := chart.New(&chart.Config{Logger: log, LLM: model})
	if err != nil {
		return err
	}

	connector := &pipeline.DialectConnector{Exec: execute.Config{
		RowLimit:         cfg.MaxRows,
		StatementTimeout: cfg.QueryTimeout,
	}}
	pcfg := &pipeline.Config{
		Logger:    log,
		Trainer:   train,
		Loop:      loop,
		Charts:    charts,
		Connector: connector,
		LLM:       model,
		Observer:  metrics.PipelineObserver{},
	}
	if discovery != nil {
		pcfg.Discovery = discovery
	}
	if graph != nil {
		pcfg.Graph = graph
	}
	coordinator, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}
	defer coordinator.Shutdown()

	hcfg := &handlers.Config{Logger: log, Pipeline: coordinator, Default: cfg.Target}
	if meta != nil {
		hcfg.Ledger = meta
	}
	if discovery != nil {
		hcfg.Processes = discovery
	}
	srv, err := handlers.New(hcfg)
	if err != nil {
		return err
	}

	// Metrics get their own listener so scrapes never queue behind
	// SSE streams.
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			log.Warn("api: metrics listener failed", "error", err)
		} else {
			log.Info("api: metrics listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("api: metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)

	if cfg.SentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true, // re-panic after capture so Recoverer still answers 500
		})
		r.Use(sentryHandler.Handle)

		// Name transactions by route pattern, not raw path.
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if txn := sentry.TransactionFromContext(req.Context()); txn != nil {
					if rctx := chi.RouteContext(req.Context()); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							txn.Name = req.Method + " " + pattern
						} else {
							txn.Name = req.Method + " " + req.URL.Path
						}
					}
				}
				next.ServeHTTP(w, req)
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if shuttingDown.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		if meta != nil {
			pctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
			defer cancel()
			if err := meta.Ping(pctx); err != nil {
				http.Error(w, "metadata database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/version", handlers.GetVersion)
	r.Post("/api/ask", srv.Ask)
	r.Post("/api/ask/stream", srv.AskStream)
	r.Post("/api/train", srv.Train)
	r.Get("/api/schema", srv.Schema)
	r.Get("/api/schema/diff", srv.SchemaDiff)
	r.Get("/api/processes", srv.Processes)
	r.Get("/api/history", srv.History)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // disabled for SSE
		IdleTimeout:  60 * time.Second,
	}

	// Server.Shutdown does not cancel request contexts, and an SSE
	// stream can outlive the drain window. Deriving every request from
	// a cancellable base context lets shutdown reach them.
	serverCtx, serverCancel := context.WithCancel(context.Background())
	server.BaseContext = func(net.Listener) context.Context { return serverCtx }

	// Background refresh keeps the default target trained without
	// waiting for the next question.
	var refreshHandle *pipeline.Handle
	if cfg.RefreshInterval > 0 && cfg.Target != nil {
		handle, err := connector.Connect(ctx, cfg.Target)
		if err != nil {
			return fmt.Errorf("connect refresh target: %w", err)
		}
		refreshHandle = handle
		worker, err := trainer.NewRefreshWorker(&trainer.RefreshWorkerConfig{
			Logger:   log,
			Trainer:  train,
			Target:   trainer.Target{Conn: cfg.Target, Catalog: handle.Catalog, Sampler: handle.Executor},
			Interval: cfg.RefreshInterval,
		})
		if err != nil {
			return err
		}
		go worker.Run(serverCtx)
	}

	var bot *slackbot.Bot
	if appToken, botToken := os.Getenv("SLACK_APP_TOKEN"), os.Getenv("SLACK_BOT_TOKEN"); appToken != "" && botToken != "" {
		var allowedTeams []string
		if ids := os.Getenv("SLACK_ALLOWED_TEAM_IDS"); ids != "" {
			allowedTeams = strings.Split(ids, ",")
		}
		b, err := slackbot.New(&slackbot.Config{
			Logger:       log,
			AppToken:     appToken,
			BotToken:     botToken,
			Pipeline:     coordinator,
			Conn:         cfg.Target,
			AllowedTeams: allowedTeams,
		})
		if err != nil {
			log.Warn("api: slack bot disabled", "error", err)
		} else {
			bot = b
			go func() {
				if err := bot.Run(serverCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("api: slack bot stopped", "error", err)
				}
			}()
		}
	}

	go func() {
		log.Info("api: listening", "address", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api: server error", "error", err)
			os.Exit(1)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	log.Info("api: shutting down", "signal", sig.String())

	// Fail readiness first so the load balancer stops routing here
	// while in-flight work drains.
	shuttingDown.Store(true)

	// The bot drains before the base context dies: an answer mid-write
	// to Slack should finish.
	if bot != nil {
		wait := bot.Drain()
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			log.Info("api: slack bot drained")
		case <-time.After(30 * time.Second):
			log.Warn("api: slack bot drain timed out")
		}
	}

	// Cancelling the base context is what actually ends SSE streams.
	serverCancel()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Warn("api: shutdown incomplete", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(sctx)
	}
	if refreshHandle != nil {
		refreshHandle.Close()
	}
	log.Info("api: stopped")
	return nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}
