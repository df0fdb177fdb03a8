package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/relay"
)

func main() {
	var (
		listenAddr     string
		dbPath         string
		jwtSecret      string
		devMode        bool
		publishableKey string
		logLevel       string
		logFile        string
	)

	root := &cobra.Command{
		Use:   "frameline-relay",
		Short: "Public relay between browsers and home agents",
		Long:  "Accepts persistent connections from home agents and browser clients, authenticates both sides, and routes terminal and control-plane traffic between them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return err
			}
			if jwtSecret == "" {
				jwtSecret = os.Getenv("JWT_SECRET")
			}

			cfg := relay.ServerConfig{DevMode: devMode, PublishableKey: publishableKey}
			if jwtSecret != "" {
				verifier, err := relay.OpenVerifier(dbPath, []byte(jwtSecret))
				if err != nil {
					return err
				}
				defer verifier.Close()
				cfg.Verifier = verifier
			} else if !devMode {
				logger.Warn("no JWT secret configured; auth endpoints will return 503")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return relay.NewServer(cfg).Run(ctx, listenAddr)
		},
	}

	root.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "Listen address")
	root.Flags().StringVar(&dbPath, "db", "relay.db", "Identity database path")
	root.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 secret for bearer tokens (or JWT_SECRET env)")
	root.Flags().BoolVar(&devMode, "dev", false, "Development mode: admit unsigned agents and any browser token")
	root.Flags().StringVar(&publishableKey, "publishable-key", "", "Identity publishable key exposed via /api/config")
	root.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	root.Flags().StringVar(&logFile, "log-file", "", "Also write logs to this file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
