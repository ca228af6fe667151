package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/cloud"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/config"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/database"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "safeschool-cloud",
		Short: "SafeSchool cloud sync endpoint",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newScheduleUpgradeCommand(), newDevicesCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("cloud.http_address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("cloud.database_path"), "SQLite database path")
	cmd.PersistentFlags().String("sync-key", "", "Shared sync key expected from edge nodes")
	cmd.PersistentFlags().String("sync-secret", "", "HMAC secret for signed sync requests")
	cmd.PersistentFlags().String("environment", defaults.GetString("cloud.environment"), "Deployment environment")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "cloud.http_address", "http-address")
	bindFlag(cmd, "cloud.database_path", "database-path")
	bindFlag(cmd, "cloud.sync_key", "sync-key")
	bindFlag(cmd, "cloud.sync_secret", "sync-secret")
	bindFlag(cmd, "cloud.environment", "environment")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

func openService() (*cloud.Service, config.CloudConfig, *zap.Logger, func(), error) {
	appConfig, err := config.LoadCloud(viper.GetViper())
	if err != nil {
		return nil, config.CloudConfig{}, nil, nil, err
	}
	logger, err := logging.NewLoggerWithFormat(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, config.CloudConfig{}, nil, nil, err
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, cloud.Schema(), logger)
	if err != nil {
		return nil, config.CloudConfig{}, nil, nil, err
	}
	closeAll := func() {
		_ = database.Close(db)
		_ = logger.Sync()
	}
	service, err := cloud.NewService(cloud.ServiceConfig{
		Database: db,
		Logger:   logging.Component(logger, "cloud"),
	})
	if err != nil {
		closeAll()
		return nil, config.CloudConfig{}, nil, nil, err
	}
	return service, appConfig, logger, closeAll, nil
}

func runServer(ctx context.Context) error {
	service, appConfig, logger, closeAll, err := openService()
	if err != nil {
		return err
	}
	defer closeAll()

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(registry, "cloud")
	handler, err := cloud.NewHTTPHandler(cloud.HandlerConfig{
		Service:           service,
		SyncKey:           appConfig.SyncKey,
		SyncSecret:        appConfig.SyncSecret,
		RequireSignatures: appConfig.RequireSignatures(),
		Middleware:        []gin.HandlerFunc{httpMetrics.Middleware()},
		Logger:            logging.Component(logger, "http"),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.Handle("/", handler)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: mux,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cloud sync endpoint starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("environment", appConfig.Environment),
			zap.Bool("signatures_required", appConfig.RequireSignatures()))
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

func newScheduleUpgradeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule-upgrade <site-id> <version>",
		Short: "Schedule an edge upgrade delivered on the site's next heartbeat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, _, closeAll, err := openService()
			if err != nil {
				return err
			}
			defer closeAll()

			device, err := service.ScheduleUpgrade(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(device)
		},
	}
}

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List edge devices and their last heartbeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, _, closeAll, err := openService()
			if err != nil {
				return err
			}
			defer closeAll()

			devices, err := service.Devices(cmd.Context())
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(devices)
		},
	}
}
