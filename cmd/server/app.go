package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/transport"
)

const tokenTTL = 24 * time.Hour

// app is the wired process: stores, transport, engine and collaborators.
type app struct {
	cfg      config.ServerConfig
	store    storage.RideStore
	registry presence.Registry
	hub      *transport.Hub
	engine   *dispatch.Engine
	reaper   *dispatch.Reaper
	auth     *auth.Manager
	payments httpapi.PaymentHolder
	closers  []func() error
}

func newApp(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.close()
		}
	}()

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, ps.Close)
		if cfg.RunMigrations {
			script, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
			if err != nil {
				return nil, fmt.Errorf("read migration: %w", err)
			}
			if err := ps.Migrate(ctx, string(script)); err != nil {
				return nil, fmt.Errorf("apply migration: %w", err)
			}
			logger.Info("migration_applied", "file", "001_create_rides.sql")
		}
		a.store = ps
	} else {
		logger.Warn("using in-memory ride store; rides are lost on restart")
		a.store = storage.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		rr := presence.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		a.closers = append(a.closers, rr.Close)
		if err := rr.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.registry = rr
	} else {
		a.registry = presence.NewMemory()
	}

	var pubs events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaRideTopic)
		pubs = append(pubs, kp)
	}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, ap)
	}
	a.closers = append(a.closers, pubs.Close)

	var observers []dispatch.Observer
	if len(pubs) > 0 {
		observers = append(observers, events.Recorder{Publisher: pubs})
	}
	if cfg.FCMEndpoint != "" {
		observers = append(observers, notify.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey))
	}
	if cfg.StripeKey != "" {
		sc := payments.NewStripeClient(cfg.StripeKey)
		observers = append(observers, sc)
		a.payments = sc
	}

	if cfg.JWTSecret != "" {
		m, err := auth.NewManager(cfg.JWTSecret, tokenTTL)
		if err != nil {
			return nil, err
		}
		a.auth = m
	} else {
		logger.Warn("JWT_SECRET not set; API runs without authentication")
	}

	a.hub = transport.NewHub(presence.Tracker{Registry: a.registry, Logger: logger}, logger, transport.HubOptions{
		MessagesPerSecond: cfg.WSMessagesPerSecond,
		Burst:             cfg.WSBurst,
	})
	a.engine = dispatch.NewEngine(a.store, a.registry, a.hub, dispatch.PolicyFromConfig(cfg.Dispatch), logger, observers...)
	a.reaper = dispatch.NewReaper(a.engine, a.store, a.reaperConfig(false), logger)

	ok = true
	return a, nil
}

func (a *app) reaperConfig(expireOnly bool) dispatch.ReaperConfig {
	return dispatch.ReaperConfig{
		Schedule:     a.cfg.Dispatch.ReapSchedule,
		StaleAfter:   a.cfg.Dispatch.SessionDeadline + a.cfg.Dispatch.ReapGrace,
		MaxSearchAge: a.cfg.Dispatch.MaxSearchAge,
		ExpireOnly:   expireOnly,
	}
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
