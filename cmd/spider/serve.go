package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Spider server",
	Long: `Start the Spider HTTP server.

Sessions opened through the API share one download engine. On shutdown
(Ctrl+C or SIGTERM) every session is stopped and its progress saved.
Changes to the config file are picked up for sessions opened afterwards.

The server provides:
  - /health   - Basic server health check
  - /sessions - Gallery sessions and their pages
  - /settings - Effective configuration
  - /metrics  - Prometheus metrics

Examples:
  spider serve                    # Start on the configured address
  spider serve --port 3000        # Start on custom port
  spider serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		cfg := env.config.Get()
		host, port := cfg.Server.Host, cfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Home:          env.home,
			ConfigManager: env.config,
			Logger:        env.logger,
		})
		if err != nil {
			return err
		}
		env.config.WatchConfig()

		// Start server (blocks until shutdown)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on (default from config)")

	rootCmd.AddCommand(serveCmd)
}
