// payment-core/internal/app/app.go
//
// Package app builds the payment core from configuration. One App is created
// per process and handed to every entry point; nothing here is global.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/payment-core/internal/config"
	"github.com/example/payment-core/internal/directory"
	"github.com/example/payment-core/internal/events"
	"github.com/example/payment-core/internal/fraud"
	"github.com/example/payment-core/internal/grpcserver"
	"github.com/example/payment-core/internal/httpapi"
	"github.com/example/payment-core/internal/manualqueue"
	"github.com/example/payment-core/internal/payment"
	"github.com/example/payment-core/internal/processor"
	"github.com/example/payment-core/internal/resilience"
	"github.com/example/payment-core/internal/store/memory"
	"github.com/example/payment-core/internal/store/postgres"
	"github.com/example/payment-core/internal/webhook"
)

type App struct {
	Cfg config.Config
	Log *zap.Logger

	Store     payment.Store
	Directory directory.Directory
	Clients   *processor.ClientHolder
	Processor *processor.Adapter

	ProcessorBreaker *resilience.Breaker
	FraudBreaker     *resilience.Breaker
	Health           *grpcserver.Health

	Events   payment.EventPublisher
	Manual   *manualqueue.Queue
	PubSub   manualqueue.PubSub
	Service  *payment.Service
	Webhooks *webhook.Reconciler
	Auth     *httpapi.Authenticator

	pg      *postgres.Store
	redis   *redis.Client
	closers []func() error
}

// New wires every component. Network connections are opened lazily where the
// client allows it, so New succeeds without the database being up.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	switch cfg.Store.Driver {
	case "memory":
		a.Store = memory.New()
	default:
		a.pg = postgres.New(cfg.Store.DatabaseURL, postgres.WithMaxConns(cfg.Store.MaxConns), postgres.WithLogger(log))
		a.Store = a.pg
		a.closers = append(a.closers, func() error { a.pg.Close(); return nil })
	}

	if cfg.DirectoryURL != "" {
		a.Directory = directory.NewClient(cfg.DirectoryURL, 5*time.Second)
	} else {
		a.Directory = directory.NewStatic()
	}

	ps, err := manualqueue.NewPubSub(cfg.Manual.AMQPURI, log)
	if err != nil {
		return nil, err
	}
	a.PubSub = ps
	a.closers = append(a.closers, ps.Close)
	a.Manual = manualqueue.New(ps.Publisher, cfg.Manual.Topic, log)

	a.Health = grpcserver.NewHealth(log, "processor", "fraud")
	retry := a.retryPolicy()

	a.ProcessorBreaker = resilience.NewBreaker(
		processor.BreakerConfig(a.breakerConfig(cfg.Processor.CallTimeout)),
		resilience.WithFallback(a.Manual.Fallback),
		resilience.WithLogger(log),
		resilience.OnStateChange(a.Health.BreakerHook),
	)
	a.Clients = processor.NewClientHolder(cfg.Processor.APIKey, processor.StripeFactory(processor.StripeOptions{
		URL:         cfg.Processor.APIURL,
		HTTPTimeout: cfg.Processor.CallTimeout,
		Logger:      log,
	}))
	a.Processor = processor.NewAdapter(a.Clients, a.ProcessorBreaker, retry, log)

	fraudCfg := a.breakerConfig(cfg.Fraud.CallTimeout)
	fraudCfg.Name = "fraud"
	a.FraudBreaker = resilience.NewBreaker(fraudCfg,
		resilience.WithFallback(fraud.Fallback),
		resilience.WithLogger(log),
		resilience.OnStateChange(a.Health.BreakerHook),
	)
	gate := fraud.NewGate(
		fraud.NewHTTPScorer(cfg.Fraud.ScorerURL, cfg.Fraud.CallTimeout),
		a.Store,
		a.Directory,
		a.FraudBreaker,
		fraud.Config{FlagThreshold: cfg.Fraud.FlagThreshold, SLA: cfg.Fraud.SLA, Retry: retry},
		log,
	)

	if len(cfg.Kafka.Brokers) > 0 {
		k := events.NewKafka(events.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			StateTopic:  cfg.Kafka.StateTopic,
			NotifyTopic: cfg.Kafka.NotifyTopic,
			Vendors:     a.Directory,
		}, log)
		a.Events = k
		a.closers = append(a.closers, k.Close)
	} else {
		a.Events = events.NewLog(log)
	}

	a.Service = payment.NewService(payment.Deps{
		Store:         a.Store,
		Fraud:         gate,
		Processor:     a.Processor,
		Destinations:  directory.Destinations{Dir: a.Directory},
		Manual:        a.Manual,
		Events:        a.Events,
		ApproverRoles: cfg.Auth.ApproverRoles,
		Logger:        log,
	})

	var dedup webhook.Deduper
	if cfg.Webhook.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Webhook.RedisAddr})
		a.closers = append(a.closers, a.redis.Close)
		dedup = webhook.NewRedisDeduper(a.redis, cfg.Webhook.DedupTTL)
	} else {
		dedup = webhook.NewMemoryDeduper(cfg.Webhook.DedupTTL)
	}
	a.Webhooks = webhook.NewReconciler(a.Service, a.Store, dedup, cfg.Processor.WebhookSecret, log)
	a.Auth = httpapi.NewAuthenticator(cfg.Auth.JWTSecret)
	return a, nil
}

func (a *App) retryPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	p.MaxAttempts = a.Cfg.Retry.MaxAttempts
	p.BaseDelay = a.Cfg.Retry.BaseDelay
	p.MaxDelay = a.Cfg.Retry.MaxDelay
	return p
}

func (a *App) breakerConfig(callTimeout time.Duration) resilience.Config {
	return resilience.Config{
		FailureRate:  a.Cfg.Breaker.FailureRate,
		MinimumCalls: a.Cfg.Breaker.MinimumCalls,
		ResetTimeout: a.Cfg.Breaker.ResetTimeout,
		Window:       a.Cfg.Breaker.Window,
		CallTimeout:  callTimeout,
	}
}

// Ready reports whether the store answers.
func (a *App) Ready(ctx context.Context) error {
	return a.Store.Ping(ctx)
}

func (a *App) HTTPHandler() http.Handler {
	return httpapi.NewRouter(httpapi.Deps{
		Payments: a.Service,
		Webhooks: a.Webhooks,
		Auth:     a.Auth,
		Ready:    a.Ready,
		Log:      a.Log,
	})
}

// Serve runs the HTTP API and the gRPC health endpoint until ctx ends or
// either server fails. Without a broker the manual queue is an in-process
// channel, so its worker runs here too.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpapi.Serve(ctx, a.Cfg.HTTPAddr, a.HTTPHandler(), a.Log)
	})
	g.Go(func() error {
		return grpcserver.Serve(ctx, a.Cfg.GRPCAddr, grpcserver.NewServer(a.Health), a.Health)
	})
	if a.PubSub.InProcess() {
		g.Go(func() error { return a.Work(ctx) })
	}
	return g.Wait()
}

// Work consumes the manual processing queue until ctx ends.
func (a *App) Work(ctx context.Context) error {
	ready := func() bool { return a.ProcessorBreaker.State() != resilience.StateOpen }
	router, err := manualqueue.NewRouter(manualqueue.RouterConfig{
		Topic:           a.Manual.Topic(),
		MaxRetries:      a.Cfg.Retry.MaxAttempts,
		InitialInterval: a.Cfg.Retry.BaseDelay,
		MaxInterval:     a.Cfg.Breaker.ResetTimeout,
	}, a.PubSub.Subscriber, manualqueue.NewWorker(a.Service, ready, a.Log), a.Log)
	if err != nil {
		return err
	}
	return router.Run(ctx)
}

// Migrate applies the embedded schema; it is a no-op for the memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		a.Log.Info("memory store needs no migration")
		return nil
	}
	return a.pg.Migrate(ctx)
}

// Reload applies rotated credentials without a restart: a new processor key
// rebuilds the processor client, a new DSN swaps the database pool.
func (a *App) Reload(ctx context.Context, next config.Config) error {
	if next.Processor.APIKey != a.Cfg.Processor.APIKey {
		a.Clients.Rotate(next.Processor.APIKey)
		a.Log.Info("processor credentials rotated")
	}
	if a.pg != nil && next.Store.DatabaseURL != a.Cfg.Store.DatabaseURL {
		if err := a.pg.Reconnect(ctx, next.Store.DatabaseURL); err != nil {
			return err
		}
		a.Log.Info("database pool reconnected")
	}
	a.Cfg.Processor.APIKey = next.Processor.APIKey
	a.Cfg.Store.DatabaseURL = next.Store.DatabaseURL
	return nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
