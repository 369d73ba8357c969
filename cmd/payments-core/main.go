// payment-core/cmd/payments-core/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/app"
	"github.com/example/payment-core/internal/config"
	"github.com/example/payment-core/internal/fixtures"
	"github.com/example/payment-core/internal/httpapi"
	"github.com/example/payment-core/internal/logging"
	"github.com/example/payment-core/internal/payment"
)

var Version = "dev"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "payments-core",
		Short:         "Payment processing core for roadside assistance vendors",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file; environment variables override it")

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(workerCmd(&configFile))
	rootCmd.AddCommand(migrateCmd(&configFile))
	rootCmd.AddCommand(tokenCmd(&configFile))
	rootCmd.AddCommand(importCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads config, builds the logger and the application.
func bootstrap(configFile string, validate func(config.Config) error) (*app.App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return a, nil
}

func shutdown(a *app.App) {
	if err := a.Close(); err != nil {
		a.Log.Warn("close", zap.Error(err))
	}
	_ = a.Log.Sync()
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, processor webhooks and gRPC health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configFile, config.Config.ValidateServe)
			if err != nil {
				return err
			}
			defer shutdown(a)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go reloadOnHangup(ctx, a, *configFile)

			a.Log.Info("payments-core starting",
				zap.String("version", Version),
				zap.String("http_addr", a.Cfg.HTTPAddr),
				zap.String("grpc_addr", a.Cfg.GRPCAddr),
				zap.String("store", a.Cfg.Store.Driver),
			)
			return a.Serve(ctx)
		},
	}
}

// reloadOnHangup re-reads configuration on SIGHUP and applies rotated
// credentials.
func reloadOnHangup(ctx context.Context, a *app.App, configFile string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next, err := config.Load(configFile)
			if err == nil {
				err = a.Reload(ctx, next)
			}
			if err != nil {
				a.Log.Error("reload failed", zap.Error(err))
			}
		}
	}
}

func workerCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Resubmit payments parked on the manual processing queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configFile, config.Config.Validate)
			if err != nil {
				return err
			}
			defer shutdown(a)
			if a.PubSub.InProcess() {
				return fmt.Errorf("worker needs AMQP_URI; without a broker serve consumes the manual queue itself")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.Log.Info("manual processing worker starting", zap.String("topic", a.Manual.Topic()))
			return a.Work(ctx)
		},
	}
}

func migrateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configFile, config.Config.Validate)
			if err != nil {
				return err
			}
			defer shutdown(a)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := a.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.Log.Info("schema applied")
			return nil
		},
	}
}

func tokenCmd(configFile *string) *cobra.Command {
	var (
		subject   string
		role      string
		actorType string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			actor := payment.Actor{ID: subject, Type: payment.ActorType(actorType), Role: role}
			tok, err := httpapi.NewAuthenticator(cfg.Auth.JWTSecret).Issue(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "local-admin", "token subject (actor id)")
	cmd.Flags().StringVar(&role, "role", payment.RoleAdmin, "role claim")
	cmd.Flags().StringVar(&actorType, "actor-type", string(payment.ActorAdmin), "actor_type claim: user or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func importCmd(configFile *string) *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Create pending payments from a CSV batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			batch, err := fixtures.Read(f)
			if err != nil {
				return err
			}

			a, err := bootstrap(*configFile, config.Config.Validate)
			if err != nil {
				return err
			}
			defer shutdown(a)

			actor := payment.Actor{ID: actorID, Type: payment.ActorUser}
			var created, failed int
			for _, in := range batch {
				p, err := a.Service.Create(cmd.Context(), in, actor)
				if err != nil {
					failed++
					a.Log.Warn("import row rejected", zap.String("incident_id", in.IncidentID), zap.Error(err))
					continue
				}
				created++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.ID, p.IncidentID, p.FraudStatus)
			}
			a.Log.Info("import finished", zap.Int("created", created), zap.Int("failed", failed))
			if failed > 0 {
				return fmt.Errorf("%d of %d payments rejected", failed, len(batch))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "csv-import", "actor id recorded in the audit trail")
	return cmd
}
