package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toolmind/agent/config"
	"github.com/toolmind/agent/internal/server"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "agentd",
		Short: "Run the reasoning agent HTTP/streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return server.Run(ctx, cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default: ./config/config.yaml)")
	root.AddCommand(newMigrateCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		log.Fatalf("agentd: %v", err)
	}
}

// newMigrateCmd wraps server.Migrate so the catalog schema can be brought
// up to date without starting the HTTP server, reusing the same
// config-derived Postgres DSN the server connects with.
func newMigrateCmd(cfgPath *string) *cobra.Command {
	var dir string
	var steps int

	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back tool-store database migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			return server.Migrate(dir, cfg.Storage.Postgres.BuildDSN(), args[0], steps)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migration source URL (default: file://migrations)")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migration steps to apply (default: all)")
	return cmd
}
