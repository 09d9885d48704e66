package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"OpenMCP-Mesh/internal/config"
	"OpenMCP-Mesh/internal/storage/sqlstore"
)

var (
	configPath string
	envFiles   []string
)

// main 是 meshd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshd",
		Short: "OpenMCP Mesh: plugin orchestration and service mesh daemon",
		Long: `meshd manages plugins and remote services behind one REST API.

It keeps a plugin registry with dependency validation and lifecycle control,
a service registry with health checks and circuit breakers, an invocation
mesh with rate limiting, and a topology view across both registries.

Environment Variables:
  MESH_CONFIG          Path to the YAML configuration file
  MESH_SERVER_ADDRESS  API listen address (default :8080)
  MESH_STORAGE_DRIVER  memory, mysql or sqlite3
  MESH_API_TOKENS      Comma separated bearer tokens`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MESH_CONFIG"), "Path to the YAML configuration file")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files loaded before the configuration")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the SQL store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applied, err := migrate(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and plugin manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: storage=%s cache=%s events=%s plugins=%d\n",
				cfg.Storage.Driver, cfg.Cache.Driver, cfg.Events.Driver, len(cfg.Plugins.Enabled()))
			return nil
		},
	}

	root.AddCommand(serveCmd, migrateCmd, checkCmd)
	return root
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return nil, fmt.Errorf("加载 .env 文件失败: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func migrate(ctx context.Context, cfg *config.Config) ([]string, error) {
	switch cfg.Storage.Driver {
	case sqlstore.DriverMySQL, sqlstore.DriverSQLite:
	default:
		return nil, fmt.Errorf("存储驱动 %s 不需要迁移", cfg.Storage.Driver)
	}
	store, err := sqlstore.Open(ctx, sqlConfig(cfg))
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Migrate(ctx)
}
