package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cyberinferno/go-sessionhub/auth"
	"github.com/cyberinferno/go-sessionhub/config"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/metrics"
	"github.com/cyberinferno/go-sessionhub/server"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "sessiond",
		Short:        "WebSocket session hub",
		Long:         `sessiond keeps one session per client across reconnects and routes messages between them`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "", "path to configuration file")

	var echo bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("echo") {
				cfg.Dispatcher.Echo = echo
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	serveCmd.Flags().BoolVar(&echo, "echo", false, "echo text and binary messages back to their sender")

	var sessionID string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for a session id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, err := auth.NewJWTAuthenticator(auth.JWTConfig{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer, TTL: cfg.Auth.TokenTTL})
			if err != nil {
				return fmt.Errorf("cannot issue tokens: %w", err)
			}
			token, err := a.IssueToken(session.SessionID(sessionID))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	tokenCmd.Flags().StringVar(&sessionID, "session", "", "session id to put in the token subject")
	_ = tokenCmd.MarkFlagRequired("session")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sessiond",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sessiond version %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, tokenCmd, versionCmd)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// run serves until ctx is cancelled, then shuts down within the configured
// shutdown timeout.
func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Logger.Options(cfg.Server.Name))
	if err != nil {
		return err
	}
	defer log.Close()

	if !strings.EqualFold(cfg.Logger.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	authenticator, cleanup, err := auth.FromConfig(cfg.Auth, log)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	var m *metrics.Prometheus
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	srv, err := server.New(*cfg, server.Deps{
		Logger:        log,
		Authenticator: authenticator,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down", logger.Field{Key: "timeout", Value: cfg.Server.ShutdownTimeout.String()})

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Stop(stopCtx)
}
