package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"library-notifications/notifier/internal/dedup"
	"library-notifications/notifier/internal/fanout"
	"library-notifications/notifier/internal/ingest"
	"library-notifications/notifier/internal/middleware"
	"library-notifications/notifier/internal/recorder"
	"library-notifications/notifier/internal/repos"
	"library-notifications/notifier/internal/stream"
	"library-notifications/shared/authx"
	"library-notifications/shared/cachex"
	"library-notifications/shared/config"
	"library-notifications/shared/dbx"
	"library-notifications/shared/httpx"
	"library-notifications/shared/influxx"
	"library-notifications/shared/logx"
	"library-notifications/shared/metricsx"
	"library-notifications/shared/mqx"
	"library-notifications/shared/observability"
)

type statusResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Env      string            `json:"env,omitempty"`
	Version  string            `json:"version,omitempty"`
	Adapters map[string]string `json:"adapters,omitempty"`
}

type adapter interface {
	stream.StateReporter
	Run(ctx context.Context)
}

func main() {
	cfg, readyProblems := config.Load("notifier", 8090)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Error(context.Background(), "otel_init_failed", "otel init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	}

	verifier, problems := buildVerifier(cfg)
	readyProblems = append(readyProblems, problems...)

	localDedup := dedup.NewCache(cfg.DedupTTL)
	var gate dedup.Gate = localDedup
	var dedupSize stream.Sizer = localDedup
	var cache *cachex.Client
	if cfg.DedupBackend == config.DedupBackendRedis {
		cache, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: err.Error()})
		} else {
			redisGate := dedup.NewRedisGate(cache, cfg.DedupTTL, localDedup, logger)
			gate, dedupSize = redisGate, redisGate
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var workers sync.WaitGroup
	var observers []fanout.Observer
	rec, closeRecorder := buildRecorder(ctx, cfg, logger, &readyProblems)
	if rec != nil {
		observers = append(observers, rec)
		workers.Add(1)
		go func() {
			defer workers.Done()
			rec.Run(ctx)
		}()
	}

	registry := fanout.NewRegistry()
	broadcaster := fanout.NewBroadcaster(registry, logger, observers...)
	pipeline := ingest.NewPipeline(gate, broadcaster, logger)

	hostname, _ := os.Hostname()
	brokerAdapter := ingest.NewBrokerAdapter(
		cfg.AMQPURL,
		mqx.TopologyFrom(cfg),
		cfg.ServiceName+"-"+hostname,
		pipeline,
		ingest.NewReconnector(ingest.BrokerAdapterName, cfg.IngestRetry, logger),
		logger,
	)

	var newReader func() (ingest.Reader, error)
	if cfg.LogTransportEnabled() {
		newReader = func() (ingest.Reader, error) {
			reader, err := mqx.NewConsumer(cfg, cfg.KafkaTopic, cfg.KafkaGroupID)
			if err != nil {
				return nil, err
			}
			return reader, nil
		}
	}
	logAdapter := ingest.NewLogAdapter(
		cfg.KafkaTopic,
		cfg.KafkaGroupID,
		newReader,
		pipeline,
		ingest.NewReconnector(ingest.LogAdapterName, cfg.IngestRetry, logger),
		logger,
	).WithBrokerCheck(func(ctx context.Context) error {
		return mqx.CheckBrokers(ctx, cfg, cfg.KafkaTopic)
	})

	adapters := map[string]adapter{
		ingest.BrokerAdapterName: brokerAdapter,
		ingest.LogAdapterName:    logAdapter,
	}
	reporters := make(map[string]stream.StateReporter, len(adapters))
	for name, a := range adapters {
		reporters[name] = a
	}
	var ingestWorkers sync.WaitGroup
	for _, a := range adapters {
		ingestWorkers.Add(1)
		go func(a adapter) {
			defer ingestWorkers.Done()
			a.Run(ctx)
		}(a)
	}

	streams := stream.NewHandler(registry, verifier, logger, stream.Options{
		KeepAlive:      cfg.KeepAlive,
		WriteTimeout:   cfg.StreamWriteTimeout,
		Buffer:         cfg.SubscriberBuffer,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	admission := middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.StreamRateRPS, cfg.StreamRateBurst, 2*time.Minute),
	}
	cors := middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxAge:         10 * time.Minute,
	}
	auth := middleware.AuthMiddleware{Verifier: verifier}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		states := adapterStates(reporters)
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems, "adapters": states},
			)
			return
		}
		for _, a := range reporters {
			if s := a.State(); s != ingest.StateSubscribed && s != ingest.StateDisabled {
				httpx.WriteError(
					w,
					r,
					http.StatusServiceUnavailable,
					"FAILED_PRECONDITION",
					"service not ready: ingest not subscribed",
					map[string]any{"adapters": states},
				)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:   "ready",
			Service:  cfg.ServiceName,
			Env:      cfg.Env,
			Version:  version,
			Adapters: states,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.Handle("GET /ws", admission.Wrap(http.HandlerFunc(streams.ServeWS)))
	mux.Handle("GET /events", cors.Wrap(admission.Wrap(http.HandlerFunc(streams.ServeSSE))))
	mux.Handle("OPTIONS /events", cors.Wrap(http.NotFoundHandler()))
	mux.Handle("GET /v1/stats", auth.Wrap(stream.StatsHandler(registry, dedupSize, reporters)))

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, httpx.PathSkipper("/ws", "/events"), handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	// streams hold their response open; per-write deadlines are set by the stream handlers
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("dedup_backend", cfg.DedupBackend),
			slog.Int("dedup_ttl_sec", cfg.DedupTTLSeconds),
			slog.String("amqp_exchange", cfg.AMQPExchange),
			slog.String("amqp_queue", cfg.AMQPQueue),
			slog.String("kafka_topic", cfg.KafkaTopic),
			slog.Bool("log_adapter_enabled", logAdapter.Enabled()),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			exitCode = 1
		}
	}

	// cancelling ctx ends the ingest sessions and every open stream
	stop()
	ingestWorkers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	workers.Wait()
	closeRecorder()
	if cache != nil {
		_ = cache.Close()
	}
	_ = shutdownTracer(context.Background())
	logger.Info(context.Background(), "service_stop", "service stopped")
	os.Exit(exitCode)
}

// buildVerifier accepts OIDC tokens when an issuer is configured and locally
// signed HS256 tokens when a secret is set. Either may be absent, not both.
func buildVerifier(cfg config.Config) (authx.Verifier, []config.Problem) {
	var chain authx.Chain
	var problems []config.Problem
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			problems = append(problems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			chain = append(chain, v)
		}
	}
	if cfg.JWTSecret != "" {
		v, err := authx.NewHMACVerifier(cfg.JWTSecret, cfg.JWTClockSkewSec)
		if err != nil {
			problems = append(problems, config.Problem{Field: "JWT_SECRET", Message: err.Error()})
		} else {
			chain = append(chain, v)
		}
	}
	if len(chain) == 0 {
		problems = append(problems, config.Problem{Field: "JWT_SECRET", Message: "no token verifier configured; every stream will be rejected"})
	}
	return chain, problems
}

// buildRecorder returns nil when neither the notification log nor influx is
// configured. The returned close func is always safe to call.
func buildRecorder(ctx context.Context, cfg config.Config, logger logx.Logger, readyProblems *[]config.Problem) (*recorder.Recorder, func()) {
	var store recorder.Store
	var points recorder.PointWriter
	var closers []func()

	if cfg.NotificationLogEnabled {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := dbx.NewPool(initCtx, cfg)
		if err == nil {
			if err = repos.Migrate(pool); err == nil {
				store = repos.NewNotificationLog(pool)
				closers = append(closers, pool.Close)
			} else {
				pool.Close()
			}
		}
		if err != nil {
			*readyProblems = append(*readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to initialize notification log"})
			logger.Error(ctx, "db_init_failed", "notification log init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	if cfg.InfluxURL != "" {
		client, err := influxx.New(cfg)
		if err != nil {
			*readyProblems = append(*readyProblems, config.Problem{Field: "INFLUX_URL", Message: err.Error()})
		} else {
			points = client
			closers = append(closers, client.Close)
		}
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if store == nil && points == nil {
		return nil, closeAll
	}
	return recorder.New(store, points, logger, recorder.Options{}), closeAll
}

func adapterStates(reporters map[string]stream.StateReporter) map[string]string {
	out := make(map[string]string, len(reporters))
	for name, r := range reporters {
		out[name] = r.State().String()
	}
	return out
}
