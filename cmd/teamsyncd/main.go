package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sitekit/teamsync/internal/auth"
	"github.com/sitekit/teamsync/internal/config"
	"github.com/sitekit/teamsync/internal/database"
	"github.com/sitekit/teamsync/internal/logging"
	"github.com/sitekit/teamsync/internal/observability"
	"github.com/sitekit/teamsync/internal/people"
	"github.com/sitekit/teamsync/internal/remote"
	"github.com/sitekit/teamsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "teamsyncd",
		Short: "Site team mirror and role sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Base URL of the site management API")
	cmd.PersistentFlags().String("remote-token", "", "Bearer token for the site management API (overrides env)")
	cmd.PersistentFlags().Int("remote-timeout-seconds", defaults.GetInt("remote.timeout_seconds"), "Remote request timeout in seconds")
	cmd.PersistentFlags().String("signing-secret", "", "Service token signing secret (overrides env)")
	cmd.PersistentFlags().Int("sync-interval-minutes", defaults.GetInt("sync.interval_minutes"), "Minutes between background team refreshes (0 disables)")
	cmd.PersistentFlags().String("sync-sites", defaults.GetString("sync.sites"), "Comma separated site ids to refresh in the background")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "remote.timeout_seconds", "remote-timeout-seconds")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.interval_minutes", "sync-interval-minutes")
	bindFlag(cmd, "sync.sites", "sync-sites")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var subject string
	var ttlMinutes int

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token for an API client",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueToken(subject, ttlMinutes)
		},
	}

	tokenCmd.Flags().StringVar(&subject, "subject", "", "Subject the token identifies (required)")
	tokenCmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 0, "Token lifetime in minutes (0 uses the default)")

	return tokenCmd
}

func runIssueToken(subject string, ttlMinutes int) error {
	configViper := viper.GetViper()

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(configViper.GetString("auth.signing_secret")),
		Issuer:        configViper.GetString("auth.issuer"),
		Audience:      configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}

	token, expiresIn, err := issuer.IssueToken(context.Background(), subject)
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires in %d seconds\n", expiresIn)
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	observability.RegisterMetrics()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := people.NewSQLStore(db)
	if err != nil {
		return err
	}

	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Token:   appConfig.RemoteToken,
		Timeout: appConfig.RemoteTimeout(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	peopleService, err := people.NewService(people.ServiceConfig{
		Store:      store,
		Remote:     remoteClient,
		Clock:      time.Now,
		IDProvider: people.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		PeopleService: peopleService,
		Tokens:        tokenManager,
		Realtime:      server.NewEventDispatcher(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refresher := people.NewRefresher(peopleService, appConfig.SyncSites, appConfig.SyncInterval(), logger)
	go refresher.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
