package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/sandbox"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic scheduling and billing API server",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())
	return root
}

func shutdownSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return quit
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg.Env))
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, dir), pool.Close, nil
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func seedCmd() *cobra.Command {
	def := sandbox.DefaultSeedConfig()
	var sc sandbox.SeedConfig

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo users and catalog services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := sandbox.NewSeeder(sandbox.NewPGStore(pool), sc, logger).Generate(ctx)
			if err != nil {
				return err
			}
			return printSeedResult(cmd, cfg, res)
		},
	}
	cmd.Flags().IntVar(&sc.Admins, "admins", def.Admins, "Number of admin users")
	cmd.Flags().IntVar(&sc.Doctors, "doctors", def.Doctors, "Number of doctors")
	cmd.Flags().IntVar(&sc.Patients, "patients", def.Patients, "Number of patients")
	cmd.Flags().IntVar(&sc.Services, "services", def.Services, "Number of catalog services")
	cmd.Flags().Uint64Var(&sc.Seed, "seed", 0, "Random seed (0 picks one)")
	return cmd
}

// printSeedResult lists one account per role with a way to act as it.
func printSeedResult(cmd *cobra.Command, cfg *config.Config, res *sandbox.SeedResult) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Seeded %d admin(s), %d doctor(s), %d patient(s), %d service(s) in %s.\n",
		res.Admins, res.Doctors, res.Patients, res.Services, res.Duration.Round(time.Millisecond))

	if cfg.AuthSigningKey == "" {
		for _, role := range []string{"admin", "doctor", "patient"} {
			if u, ok := res.FirstOf(role); ok {
				fmt.Fprintf(out, "%-8s %s  X-User-ID: %s  X-User-Role: %s\n", role, u.Email, u.ID, role)
			}
		}
		return nil
	}

	tokens, err := sandbox.DevTokens(res, jwtConfig(cfg), 24*time.Hour)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		fmt.Fprintf(out, "%-8s %s  Bearer %s\n", t.User.Role, t.User.Email, t.Token)
	}
	return nil
}
