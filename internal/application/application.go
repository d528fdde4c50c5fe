package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/crystal-devs/rc-realtime/internal/auth"
	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/database"
	"github.com/crystal-devs/rc-realtime/internal/grpcserver"
	"github.com/crystal-devs/rc-realtime/internal/handler"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/queue"
	"github.com/crystal-devs/rc-realtime/internal/router"
	"github.com/crystal-devs/rc-realtime/internal/service"
	"github.com/crystal-devs/rc-realtime/internal/store"
	"github.com/crystal-devs/rc-realtime/internal/transport"
)

// Fabric is the set of notification components, wired once per process.
type Fabric struct {
	Registry      *service.Registry
	Subscriptions *service.SubscriptionManager
	Gate          *service.Gate
	Health        *service.HealthMonitor
	Throttle      *service.ProgressThrottle
	Broadcaster   *service.Broadcaster
	QueueMonitor  *service.QueueMonitor
	Hub           *service.Hub
}

// NewFabric constructs every component explicitly. A nil inspector disables
// queue monitoring.
func NewFabric(cfg *config.Config, events store.EventStore, verifier service.CredentialVerifier, inspector queue.Inspector, m *metrics.Metrics, logger *zap.Logger) *Fabric {
	f := &Fabric{}
	f.Registry = service.NewRegistry(cfg.Heartbeat.ReconnectWindow)
	f.Subscriptions = service.NewSubscriptionManager(f.Registry, transport.NewGroups(), m, logger)
	f.Gate = service.NewGate(f.Registry, events, verifier, cfg.Auth.GuestDefaultName, m, logger)
	f.Health = service.NewHealthMonitor(f.Registry, f.Subscriptions, cfg.Heartbeat, m, logger)
	f.Throttle = service.NewProgressThrottle(cfg.Progress, m)
	f.Broadcaster = service.NewBroadcaster(f.Subscriptions, f.Throttle, cfg.Bulk, m, logger)
	f.QueueMonitor = service.NewQueueMonitor(inspector, f.Broadcaster, cfg.Queue, m, logger)
	f.Hub = service.NewHub(f.Registry, f.Gate, f.Subscriptions, f.Health, f.Broadcaster, cfg.Auth.Timeout, m, logger)
	return f
}

// API is the HTTP + WebSocket API application.
type API struct {
	cfg    *config.Config
	logger *zap.Logger
	srv    *http.Server
	grpc   *grpcserver.Server
	db     *gorm.DB
	redis  *redis.Client
	fabric *Fabric
	health *handler.HealthHandler
}

// NewAPI creates the API application: validates config, runs migrations, opens DB, builds router.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	var inspector queue.Inspector
	var rdb *redis.Client
	if cfg.Queue.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.CallTimeout)
		rdb, err = queue.NewRedisClient(ctx, cfg.Queue.RedisURL)
		cancel()
		if err != nil {
			logger.Warn("queue redis unavailable, queue monitoring disabled", zap.Error(err))
			rdb = nil
		} else {
			bull := queue.NewBullInspector(rdb, cfg.Queue.Prefix, cfg.Queue.Name, cfg.Queue.SampleSize)
			inspector = queue.NewGuarded(bull, queue.GuardOptions{Timeout: cfg.Queue.CallTimeout}, logger)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	fabric := NewFabric(cfg, store.NewGormEventStore(db), auth.NewJWTVerifier(cfg.Auth.JWTSecret), inspector, m, logger)

	streamWS := handler.NewStreamWSHandler(fabric.Hub, handler.WSOptions{
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
		Peer: transport.PeerConfig{
			SendBuffer:     cfg.WSSendBuffer,
			MaxMessageSize: cfg.WSMaxMessageSize,
			WriteWait:      cfg.WSWriteWait,
			PongWait:       cfg.Heartbeat.Timeout,
		},
	}, logger)
	notify := handler.NewNotifyHandler(fabric.Broadcaster, fabric.Subscriptions, fabric.QueueMonitor, logger)
	health := handler.NewHealthHandler(fabric.Registry)

	r := router.New(streamWS, notify, health, reg, cfg.Auth.ServiceToken)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{
		cfg:    cfg,
		logger: logger,
		srv:    srv,
		grpc:   grpcserver.New(logger),
		db:     db,
		redis:  rdb,
		fabric: fabric,
		health: health,
	}, nil
}

// Run starts the HTTP and gRPC servers and the heartbeat sweep, blocks until ctx
// is cancelled, then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.logger.Info("HTTP server listening",
		zap.String("addr", a.srv.Addr),
		zap.String("health", base+"/health"),
		zap.String("metrics", base+"/metrics"),
		zap.String("websocket", "ws://"+host+":"+a.cfg.HTTPPort+"/ws"))

	lis, err := net.Listen("tcp", a.cfg.GRPCAddr())
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go a.fabric.Health.Run(sweepCtx)

	errCh := make(chan error, 2)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := a.grpc.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("server failed", zap.Error(runErr))
	}
	if err := a.shutdown(stopSweep); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *API) shutdown(stopSweep context.CancelFunc) error {
	defer func() { _ = a.logger.Sync() }()
	a.logger.Info("shutting down")
	a.health.SetReady(false)
	a.grpc.SetNotServing()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace+10*time.Second)
	defer cancel()

	forced := a.fabric.Hub.Shutdown(ctx, a.cfg.ShutdownGrace)
	a.logger.Info("connections closed", zap.Int("forced", forced))
	stopSweep()
	a.fabric.QueueMonitor.StopAll()
	a.fabric.Broadcaster.Close()

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.grpc.Stop()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := database.Close(a.db); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}
	return errors.Join(errs...)
}
