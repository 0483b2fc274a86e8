package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pribylovaa/stock-dashboard-auth/internal/cache"
	"github.com/pribylovaa/stock-dashboard-auth/internal/config"
	"github.com/pribylovaa/stock-dashboard-auth/internal/interceptors"
	"github.com/pribylovaa/stock-dashboard-auth/internal/metrics"
	"github.com/pribylovaa/stock-dashboard-auth/internal/service"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage/memory"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage/mongo"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage/postgres"
	authhttp "github.com/pribylovaa/stock-dashboard-auth/internal/transport/http"
)

// Константы для определения окружения.
const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting auth-service", "env", cfg.Env, "storage", cfg.Storage.Driver)

	// Корневой контекст по сигналам.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	// Хранилище c таймаутом на подключение и миграции.
	dbCtx, dbCancel := context.WithTimeout(rootCtx, 30*time.Second)
	str, err := openStorage(dbCtx, cfg.Storage)
	dbCancel()
	if err != nil {
		log.Error("storage_init_failed", slog.String("driver", cfg.Storage.Driver), slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer str.Close()
	log.Info("storage_initialized", slog.String("driver", cfg.Storage.Driver))

	// Метрики: собственный реестр, чтобы /metrics не зависел от глобального состояния.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.New(reg)
	if err != nil {
		log.Error("metrics_init_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Сервис.
	srvc := service.New(str, cfg.Auth, cfg.Timeouts.Store)
	srvc.SetMetrics(rec)

	// Кэш ключей сессий необязателен: без REDIS_URL всё читается из хранилища.
	if cfg.Redis.RedisURL != "" {
		cacheCtx, cacheCancel := context.WithTimeout(rootCtx, 5*time.Second)
		sc, err := cache.NewRedisCache(cacheCtx, cfg.Redis.RedisURL, cfg.Redis.Prefix)
		cacheCancel()
		if err != nil {
			log.Error("redis_connect_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer func() {
			if cerr := sc.Close(); cerr != nil {
				log.Warn("redis_close_failed", slog.String("err", cerr.Error()))
			}
		}()

		srvc.SetSessionCache(sc)
		log.Info("redis_connected")
	}
	log.Info("service_initialized")

	// Публичный REST API.
	apiSrv := &http.Server{
		Addr: cfg.HTTP.Addr(),
		Handler: authhttp.NewRouter(srvc, authhttp.Options{
			Logger:      log,
			Timeout:     cfg.Timeouts.Request,
			BasePath:    cfg.HTTP.BasePath,
			CORSOrigins: cfg.CORS.AllowedOrigins,
			RateLimit:   cfg.RateLimit,
			Metrics:     rec,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Служебный HTTP: пробы и метрики.
	var ready int32 // 0 — not ready; 1 — ready

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if atomic.LoadInt32(&ready) == 1 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	opsSrv := &http.Server{
		Addr:              cfg.Ops.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// gRPC: health для оркестратора, рефлексия в local/dev.
	grpcMetrics := grpc_prometheus.NewServerMetrics()
	grpcMetrics.EnableHandlingTimeHistogram()
	reg.MustRegister(grpcMetrics)

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			interceptors.Recover(log),
			interceptors.UnaryLoggingInterceptor(log),
			interceptors.WithTimeout(cfg.Timeouts.Request),
			grpcMetrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			grpcMetrics.StreamServerInterceptor(),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	if cfg.Env == envLocal || cfg.Env == envDev {
		reflection.Register(grpcServer)
	}
	grpcMetrics.InitializeMetrics(grpcServer)

	// Фоновая очистка брошенных сессий.
	startSessionJanitor(rootCtx, srvc, log, cfg.Storage.PurgeInterval)

	// Слушаем все адреса до объявления готовности.
	apiLn, err := net.Listen("tcp", apiSrv.Addr)
	if err != nil {
		log.Error("http_listen_failed", slog.String("addr", apiSrv.Addr), slog.String("err", err.Error()))
		os.Exit(1)
	}
	opsLn, err := net.Listen("tcp", opsSrv.Addr)
	if err != nil {
		log.Error("ops_listen_failed", slog.String("addr", opsSrv.Addr), slog.String("err", err.Error()))
		os.Exit(1)
	}
	grpcAddr := cfg.GRPC.Addr()
	grpcLn, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Error("grpc_listen_failed", slog.String("addr", grpcAddr), slog.String("err", err.Error()))
		os.Exit(1)
	}

	serveErrCh := make(chan error, 3)
	go func() {
		log.Info("http_listen_start", slog.String("addr", apiSrv.Addr))
		if err := apiSrv.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("ops_listen_start", slog.String("addr", opsSrv.Addr))
		if err := opsSrv.Serve(opsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("ops: %w", err)
		}
	}()
	go func() {
		log.Info("grpc_listen_start", slog.String("addr", grpcAddr))
		if err := grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErrCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	// Сервис готов: health -> SERVING и readiness=1.
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	atomic.StoreInt32(&ready, 1)
	log.Info("service_ready")

	// Ожидание сигнала завершения или фатальной ошибки сервера.
	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		log.Error("serve_failed", slog.String("err", err.Error()))
	}

	// Снимаем готовность до остановки, чтобы балансировщик увёл трафик.
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	atomic.StoreInt32(&ready, 0)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_incomplete", slog.String("err", err.Error()))
	} else {
		log.Info("http_stopped")
	}

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc_stopped")
	case <-shutdownCtx.Done():
		log.Warn("grpc_force_stop")
		grpcServer.Stop()
	}

	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops_shutdown_incomplete", slog.String("err", err.Error()))
	}

	log.Info("service_stopped")
}

// openStorage подключает хранилище выбранного драйвера.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}

		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}

		return pg, nil
	case config.DriverMongo:
		m, err := mongo.New(ctx, cfg.MongoURL)
		if err != nil {
			return nil, err
		}

		return m, nil
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// setupLogger настраивает slog по окружению.
func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}

// startSessionJanitor периодически удаляет сессии, простаивающие дольше
// времени жизни refresh-токена.
func startSessionJanitor(ctx context.Context, srvc *service.Service, log *slog.Logger, period time.Duration) {
	if period <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := srvc.PurgeIdleSessions(ctx); err != nil {
					log.Error("session_janitor_failed", slog.String("err", err.Error()))
				}
			}
		}
	}()
}
