package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"inquirychat/internal/app"
	"inquirychat/internal/auth"
	"inquirychat/internal/config"
	"inquirychat/internal/database"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "inquirychat",
		Short:        "Patient and doctor consultation chat server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (defaults to $INQUIRYCHAT_CONFIG)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(seedCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

// runServer blocks until SIGINT/SIGTERM, ctx cancellation or a server
// failure, then shuts down within the configured timeout
func runServer(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger(os.Stdout)

	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Store().Close()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err, ok := <-application.Errors():
		if ok {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr())

			applied, err := database.Migrate(cmd.Context(), cfg.DatabaseConfig(), logger)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", len(applied))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr())

			statuses, err := database.MigrationStatus(cmd.Context(), cfg.DatabaseConfig(), logger)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", s.Version, s.Description, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an access token for an existing account",
		RunE: func(cmd *cobra.Command, args []string) error {
			mobile, _ := cmd.Flags().GetString("mobile")
			if mobile == "" {
				return fmt.Errorf("--mobile is required")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr())

			store, err := database.Open(cmd.Context(), cfg.DatabaseConfig(), cfg.Database.AutoMigrate, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tokens, err := auth.NewJWT(cfg.JWTConfig())
			if err != nil {
				return err
			}
			return issueToken(cmd.Context(), store, tokens, mobile, cmd.OutOrStdout())
		},
	}
	issueCmd.Flags().String("mobile", "", "Mobile number of the account")
	cmd.AddCommand(issueCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the admin account and demo patient and doctor accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr())

			store, err := database.Open(cmd.Context(), cfg.DatabaseConfig(), cfg.Database.AutoMigrate, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			return seed(cmd.Context(), store, cmd.OutOrStdout())
		},
	}
}
