package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkin-core/internal/auth"
	"checkin-core/internal/config"
	"checkin-core/internal/database"
	httpapi "checkin-core/internal/http"
	"checkin-core/internal/logger"
	"checkin-core/internal/repository"
	"checkin-core/internal/security"
	"checkin-core/internal/service"
	"checkin-core/internal/sms"
	"checkin-core/internal/store"
	"checkin-core/internal/wechat"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log := logger.MustNewLogger(cfg.Log, cfg.Profile)
	defer log.Sync()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	clock := service.SystemClock
	settings := service.SettingsFromConfig(&cfg.Checkin)

	// 数据库不可用时退回内存存储，便于联调
	var db *sql.DB
	var repos *repository.Repositories
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			db = d
			repos = repository.NewPostgresRepositories(db)
			log.Info("DB enabled for checkin-core")
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory store", zap.Error(err))
		}
	}
	if repos == nil {
		repos = repository.NewMemoryStore().Repositories()
	}

	var redisClient *redis.Client
	var kv store.KV = store.NewMemoryKV()
	var events store.EventPublisher = store.NopPublisher{}
	if cfg.Redis.Enabled {
		c := store.NewRedisClient(&cfg.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := c.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			redisClient = c
			kv = store.NewRedisKV(c)
			events = store.NewStreamPublisher(c, cfg.Events.Stream)
			log.Info("Redis enabled for checkin-core", zap.String("addr", cfg.Redis.Addr))
		} else {
			log.Warn("Redis enabled but ping failed, using in-process KV", zap.Error(err))
			_ = c.Close()
		}
	}

	ctx := context.Background()
	reserved, err := repos.Communities.EnsureReserved(ctx, cfg.Checkin.ReservedDefault, cfg.Checkin.ReservedBlackhouse)
	if err != nil {
		log.Fatal("Failed to ensure reserved communities", zap.Error(err))
	}

	var exchanger wechat.Exchanger = wechat.StaticExchanger{}
	if cfg.Wechat.AppID != "" {
		exchanger = wechat.NewClient(cfg.Wechat.APIBase, cfg.Wechat.AppID, cfg.Wechat.AppSecret, log)
	}

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	hasher := security.NewPhoneHasher(cfg.Auth.PhoneHashSecret)

	svc := httpapi.Services{
		Auth: service.NewAuthService(repos, service.AuthDeps{
			Merger:   service.NewMergeService(repos, events, clock, log),
			Sender:   sms.NewSender(cfg.SMS, log),
			Wechat:   exchanger,
			Issuer:   issuer,
			Hasher:   hasher,
			Limiter:  store.NewRateLimiter(kv, "checkin"),
			Reserved: reserved,
		}, clock, log),
		Plan:           service.NewPlanService(repos, clock, settings, log),
		Checkin:        service.NewCheckinService(repos, events, clock, settings, log),
		Rules:          service.NewRuleService(repos.Rules, clock, log),
		CommunityRules: service.NewCommunityRuleService(repos, clock, log),
		Community:      service.NewCommunityService(repos, reserved, hasher, clock, settings, log),
		Supervision:    service.NewSupervisionService(repos, events, clock, settings, log),
		Share:          service.NewShareService(repos, events, clock, settings, log),
	}
	handler := httpapi.NewAPI(svc, httpapi.NewAuthenticator(issuer, repos.Users, log), clock, settings, log)

	var jobs *service.Jobs
	if cfg.Jobs.Enabled {
		jobs = service.NewJobs(repos, clock, log)
		if err := jobs.Register(cfg.Jobs.ReconcileSpec, cfg.Jobs.CleanupSpec); err != nil {
			log.Fatal("Failed to register jobs", zap.Error(err))
		}
		jobs.Start()
	}

	srv := service.NewServer(cfg.HTTP, handler, log)
	if db != nil {
		srv.AddCheck("postgres", db.PingContext)
	}
	if redisClient != nil {
		srv.AddCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	if jobs != nil {
		jobs.Stop(shutdownCtx)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		_ = database.Close(db)
	}
}
