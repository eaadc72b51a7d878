package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/config"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/db"
	"github.com/LPredmore/fieldflow-client-connect-sub002/migrations"
)

const sharedSchema = "shared"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fieldflow-server",
		Short: "Appointment scheduling API for FieldFlow practices",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(jobsCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the materialization worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationsFor picks the embedded set for schema: the shared set for
// "shared", the per-practice set for any tenant_<id> schema.
func migrationsFor(schema string) (fs.FS, error) {
	if schema == sharedSchema {
		return migrations.Shared(), nil
	}
	id, ok := strings.CutPrefix(schema, "tenant_")
	if !ok || !db.ValidTenantID(id) {
		return nil, fmt.Errorf("schema must be %q or tenant_<id>, got %q", sharedSchema, schema)
	}
	return migrations.Tenant(), nil
}

// targetSchemas resolves the --schema/--all-tenants flags to the list of
// schemas a migrate command touches.
func targetSchemas(ctx context.Context, q db.DBTX, schema string, allTenants bool) ([]string, error) {
	if !allTenants {
		return []string{schema}, nil
	}
	tenants, err := db.ListTenants(ctx, q)
	if err != nil {
		return nil, err
	}
	schemas := make([]string, 0, len(tenants))
	for _, t := range tenants {
		schemas = append(schemas, db.SchemaName(t))
	}
	return schemas, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			allTenants, _ := cmd.Flags().GetBool("all-tenants")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas, err := targetSchemas(ctx, pool, schema, allTenants)
			if err != nil {
				return err
			}
			for _, s := range schemas {
				fsys, err := migrationsFor(s)
				if err != nil {
					return err
				}
				fmt.Printf("Running migrations on schema: %s\n", s)
				count, err := db.NewMigrator(pool, fsys).Up(ctx, s)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
			}
			return nil
		},
	}
	upCmd.Flags().String("schema", sharedSchema, "Target schema: shared or tenant_<id>")
	upCmd.Flags().Bool("all-tenants", false, "Apply tenant migrations to every tenant_<id> schema")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			fsys, err := migrationsFor(schema)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, fsys).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", sharedSchema, "Target schema: shared or tenant_<id>")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage practices",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a practice schema and apply the tenant migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.Tenant())); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric and underscore)")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List provisioned practices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants, err := db.ListTenants(ctx, pool)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Println(t)
			}
			return nil
		},
	})

	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run the materialization worker once, outside the server",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Process one batch of due materialization jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.worker.RunOnce(ctx)
				fmt.Printf("Completed %d job(s).\n", n)
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "roll-horizon",
		Short: "Queue a materialization job for every active series",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.worker.RollHorizon(ctx)
				fmt.Printf("Queued %d series.\n", n)
				return err
			})
		},
	})

	return cmd
}
