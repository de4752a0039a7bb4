package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatdesk/internal/audit"
	"chatdesk/internal/auth"
	"chatdesk/internal/config"
	"chatdesk/internal/database"
	"chatdesk/internal/fanout"
	"chatdesk/internal/inbound"
	"chatdesk/internal/kafka"
	"chatdesk/internal/media"
	"chatdesk/internal/outbound"
	"chatdesk/internal/routing"
	"chatdesk/internal/scheduler"
	"chatdesk/internal/session"
	"chatdesk/internal/tickets"
	"chatdesk/internal/transport"
	"chatdesk/pkg/logger"
	"chatdesk/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app holds everything serve starts, in the order it must be stopped.
type app struct {
	log *slog.Logger
	db  *sql.DB
	rdb *redis.Client

	hub      *fanout.Hub
	bridge   *fanout.RedisBridge
	producer *kafka.Producer

	media    *media.Ingestor
	tickets  *tickets.Service
	audit    *audit.Service
	queue    *inbound.Queue
	session  *session.Manager
	outbound *outbound.Dispatcher
	sweeper  *scheduler.Sweeper
	authMgr  *auth.Manager
}

func runServe(cmd *cobra.Command, args []string) error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := build(rootCtx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Restore(rootCtx); err != nil {
		log.Warn("session restore failed", "err", err)
	}
	a.queue.Start(rootCtx)
	if a.bridge != nil {
		go func() {
			if err := a.bridge.Run(rootCtx); err != nil {
				log.Error("fanout bridge stopped", "err", err)
			}
		}()
	}
	if a.sweeper != nil {
		a.sweeper.Start()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", cfg.Media.PublicPath+"/*filepath"))
	registerRoutes(r, a, cfg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Sends wait on WhatsApp with a retry; leave room for both attempts.
		WriteTimeout: 2*cfg.Outbound.SendTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "instance", cfg.App.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	a.shutdown(shutdownCtx)
	log.Info("shutdown complete")
	return nil
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{log: log}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.db = db
	if cfg.DB.AutoMigrate {
		if err := database.MigrateUp(ctx, db, logger.Component(log, "migrate")); err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
	} else {
		log.Warn("redis not configured: session lease and cross-replica fanout are off")
	}

	if cfg.AuthEnabled() {
		m, err := auth.NewManager(cfg.Auth)
		if err != nil {
			a.close()
			return nil, err
		}
		a.authMgr = m
	} else {
		log.Warn("API_TOKEN_SECRET not set: REST API is unauthenticated")
	}

	// Fanout: local hub, then Redis for other replicas, then Kafka for downstream consumers.
	a.hub = fanout.NewHub(fanout.DefaultBuffer)
	pubs := fanout.Multi{a.hub}
	if a.rdb != nil {
		a.bridge = fanout.NewRedisBridge(a.rdb, cfg.Redis.FanoutChannel, cfg.App.InstanceID, a.hub, log)
		pubs = append(pubs, a.bridge)
	}
	a.producer = kafka.NewProducer(kafka.ParseBrokers(cfg.Kafka.Brokers), cfg.Kafka.Topic, log)
	if a.producer.Enabled() {
		pubs = append(pubs, a.producer)
	}
	notifier := fanout.NewNotifier(pubs, log)

	policy, err := buildPolicy(cfg.Tickets)
	if err != nil {
		a.close()
		return nil, err
	}

	a.media, err = media.NewIngestor(media.Options{
		Root:       cfg.Media.Root,
		PublicPath: cfg.Media.PublicPath,
		MaxBytes:   cfg.Media.MaxBytes,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	container, err := transport.OpenDeviceStore(ctx, cfg.PostgresDSN(), log)
	if err != nil {
		a.close()
		return nil, err
	}
	wa := transport.NewWhatsApp(container, log)

	store := tickets.NewPostgresStore(db)
	a.audit = audit.NewService(audit.NewPostgresRepo(db))
	a.tickets = tickets.NewService(store, a.audit, notifier, log)

	// The queue is built before the router it feeds: the session needs the
	// queue, the dispatcher needs the session and the router needs the dispatcher.
	var router *inbound.Router
	a.queue = inbound.NewQueue(func(ctx context.Context, ev transport.MessageReceived) error {
		return router.Process(ctx, ev)
	}, inbound.QueueOptions{MaxConcurrent: int64(cfg.Tickets.LaneConcurrency)}, log)

	var lease session.Lease
	if a.rdb != nil {
		lease = session.NewRedisLease(a.rdb, cfg.Transport.SessionName, cfg.Transport.LeaseTTL, log)
	}
	a.session = session.NewManager(wa, session.Options{
		Name:              cfg.Transport.SessionName,
		InactivityTimeout: cfg.Transport.InactivityTimeout,
		Lease:             lease,
		Repo:              session.NewPostgresRepository(db),
		Notifier:          notifier,
		Inbound:           a.queue,
		Log:               log,
	})

	a.outbound = outbound.NewDispatcher(a.session, store, notifier, outbound.Options{
		Retry: outbound.RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: cfg.Outbound.RetryDelay,
			Multiplier:   2,
			MaxDelay:     5 * cfg.Outbound.RetryDelay,
		},
		AttemptTimeout: cfg.Outbound.SendTimeout,
		Concurrency:    int64(cfg.Outbound.Concurrency),
		WelcomeMessage: cfg.Tickets.WelcomeMessage,
	}, log)

	router = inbound.NewRouter(inbound.Config{
		Store:    store,
		Policy:   policy,
		Media:    a.media,
		Welcomer: a.outbound,
		Notifier: notifier,
		Audit:    a.audit,
		Channel:  cfg.Tickets.Channel,
		Log:      log,
	})

	if cfg.Tickets.AutoCloseAfter > 0 {
		a.sweeper, err = scheduler.NewSweeper(a.tickets, scheduler.SweepOptions{
			Schedule:  cfg.Tickets.SweepSchedule,
			IdleAfter: cfg.Tickets.AutoCloseAfter,
		}, log)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func buildPolicy(cfg config.TicketsConfig) (routing.Policy, error) {
	rules, err := routing.ParseRules(cfg.RoutingRules)
	if err != nil {
		return nil, err
	}
	queues, err := routing.ParseQueues(cfg.RoutingQueues)
	if err != nil {
		return nil, err
	}
	return routing.New(cfg.RoutingPolicy, rules, queues)
}

// shutdown stops producers of work before the things they feed.
func (a *app) shutdown(ctx context.Context) {
	a.session.Stop(ctx)
	if err := a.queue.WaitIdle(ctx); err != nil {
		a.log.Warn("inbound queue not drained", "err", err)
	}
	a.queue.Stop()
	if err := a.outbound.Wait(ctx); err != nil {
		a.log.Warn("background sends not finished", "err", err)
	}
	if a.sweeper != nil {
		a.sweeper.Stop(ctx)
	}
}

func (a *app) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Warn("kafka close failed", "err", err)
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
