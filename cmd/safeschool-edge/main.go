package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/cloud"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/cloudclient"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/config"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/database"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/federation"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/server"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncqueue"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "safeschool-edge",
		Short: "SafeSchool site edge node: cloud sync, offline queue and LAN federation",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newQueueCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Operator API listen address")
	cmd.PersistentFlags().String("site-id", "", "Site identifier")
	cmd.PersistentFlags().String("cloud-sync-url", "", "Cloud sync endpoint base URL")
	cmd.PersistentFlags().String("cloud-sync-key", "", "Cloud sync key")
	cmd.PersistentFlags().String("cloud-sync-secret", "", "Cloud HMAC signing secret")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Cloud sync interval")
	cmd.PersistentFlags().Duration("health-interval", defaults.GetDuration("health.interval"), "Health check interval")
	cmd.PersistentFlags().Int("sync-batch-size", defaults.GetInt("sync.batch_size"), "Offline queue drain batch size")
	cmd.PersistentFlags().String("queue-path", defaults.GetString("queue.path"), "Offline queue SQLite path")
	cmd.PersistentFlags().String("database-path", "", "Local mirror SQLite path")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the cache probe")
	cmd.PersistentFlags().String("federation-config", "", "Federation YAML file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "site.id", "site-id")
	bindFlag(cmd, "cloud.sync_url", "cloud-sync-url")
	bindFlag(cmd, "cloud.sync_key", "cloud-sync-key")
	bindFlag(cmd, "cloud.sync_secret", "cloud-sync-secret")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "health.interval", "health-interval")
	bindFlag(cmd, "sync.batch_size", "sync-batch-size")
	bindFlag(cmd, "queue.path", "queue-path")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "federation.config_path", "federation-config")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadEdge(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithFormat(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	queue, err := syncqueue.Open(syncqueue.Config{
		Path:   appConfig.QueuePath,
		Logger: logging.Component(logger, "syncqueue"),
	})
	if err != nil {
		return err
	}

	client, err := cloudclient.New(cloudclient.Config{
		BaseURL: appConfig.CloudSyncURL,
		SyncKey: appConfig.CloudSyncKey,
		Secret:  appConfig.CloudSyncSecret,
		SiteID:  appConfig.SiteID,
		Logger:  logging.Component(logger, "cloudclient"),
	})
	if err != nil {
		_ = queue.Close()
		return err
	}

	healthConfig := health.Config{
		CloudProbe: client.Health,
		Logger:     logging.Component(logger, "health"),
	}
	applyHandlers := map[string]engine.ApplyHandler{}
	if appConfig.DatabasePath != "" {
		mirrorDB, err := database.OpenSQLite(appConfig.DatabasePath, cloud.Schema(), logger)
		if err != nil {
			_ = queue.Close()
			return err
		}
		defer database.Close(mirrorDB) //nolint:errcheck
		healthConfig.DatabaseProbe = health.DatabaseProbe(mirrorDB)
		if applyHandlers, err = mirrorHandlers(mirrorDB, appConfig, logger); err != nil {
			_ = queue.Close()
			return err
		}
	}
	if appConfig.RedisAddress != "" {
		redisClient := health.NewRedisClient(appConfig.RedisAddress)
		defer redisClient.Close() //nolint:errcheck
		healthConfig.RedisProbe = health.RedisProbe(redisClient)
	}
	monitor, err := health.NewMonitor(healthConfig)
	if err != nil {
		_ = queue.Close()
		return err
	}

	syncEngine, err := engine.New(engine.Config{
		SiteID:         appConfig.SiteID,
		Client:         client,
		Queue:          queue,
		Monitor:        monitor,
		EntityTypes:    appConfig.SyncEntityTypes,
		ApplyHandlers:  applyHandlers,
		SyncInterval:   appConfig.SyncInterval,
		HealthInterval: appConfig.HealthInterval,
		BatchSize:      appConfig.SyncBatchSize,
		Version:        appConfig.Version,
		Logger:         logging.Component(logger, "engine"),
	})
	if err != nil {
		_ = queue.Close()
		return err
	}
	defer func() {
		if err := syncEngine.Shutdown(); err != nil {
			logger.Error("engine shutdown failed", zap.Error(err))
		}
	}()
	syncEngine.OnUpgrade(func(directive syncwire.UpgradeDirective) {
		logger.Info("upgrade directive received",
			zap.String("target_version", directive.TargetVersion),
			zap.Time("scheduled_at", directive.ScheduledAt))
	})

	dispatcher := server.NewStatusDispatcher()
	dispatcher.Attach(syncEngine)

	var federationManager *federation.Manager
	if appConfig.FederationConfigPath != "" {
		federationManager, err = newFederationManager(appConfig, syncEngine, logger)
		if err != nil {
			return err
		}
		defer federationManager.Shutdown()
	}

	registry := metrics.NewRegistry()
	sources := metrics.EdgeSources{Engine: syncEngine, Queue: syncEngine.OfflineQueue(), Logger: logger}
	if federationManager != nil {
		sources.Federation = federationManager
	}
	registry.MustRegister(metrics.NewEdgeCollector(sources))
	httpMetrics := metrics.NewHTTPMetrics(registry, "edge")

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		SiteID:        appConfig.SiteID,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Engine:         syncEngine,
		Health:         monitor,
		Sessions:       sessions,
		Dispatcher:     dispatcher,
		MetricsHandler: metrics.Handler(registry),
		Middleware:     []gin.HandlerFunc{httpMetrics.Middleware()},
		Logger:         logging.Component(logger, "server"),
	}
	if federationManager != nil {
		deps.Federation = federationManager
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	if err := syncEngine.Start(); err != nil {
		return err
	}
	if federationManager != nil {
		if err := federationManager.Start(); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("edge node starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("site_id", appConfig.SiteID),
			zap.String("version", appConfig.Version))
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

// mirrorHandlers applies pulled cloud records into the local mirror database.
func mirrorHandlers(db *gorm.DB, appConfig config.EdgeConfig, logger *zap.Logger) (map[string]engine.ApplyHandler, error) {
	mirror, err := cloud.NewService(cloud.ServiceConfig{Database: db, Logger: logging.Component(logger, "mirror")})
	if err != nil {
		return nil, err
	}
	handlers := make(map[string]engine.ApplyHandler, len(appConfig.SyncEntityTypes))
	for _, entityType := range appConfig.SyncEntityTypes {
		entityType := entityType
		handlers[entityType] = func(ctx context.Context, record json.RawMessage) error {
			return mirror.ApplyRecord(ctx, appConfig.SiteID, entityType, record)
		}
	}
	return handlers, nil
}

// newFederationManager tracks entity events received from peers as local
// changes so they reach the cloud with the rest of the site's data.
func newFederationManager(appConfig config.EdgeConfig, syncEngine *engine.Engine, logger *zap.Logger) (*federation.Manager, error) {
	file, err := federation.LoadConfigFile(appConfig.FederationConfigPath)
	if err != nil {
		return nil, err
	}
	federationLogger := logging.Component(logger, "federation")
	synced := make(map[string]struct{}, len(appConfig.SyncEntityTypes))
	for _, entityType := range appConfig.SyncEntityTypes {
		synced[entityType] = struct{}{}
	}

	federationConfig := federation.ConfigFromFile(file, appConfig.FederationProducts)
	federationConfig.Logger = federationLogger
	federationConfig.LocalSink = func(ctx context.Context, events []federation.Event) {
		for _, event := range events {
			if _, ok := synced[event.Type]; !ok {
				federationLogger.Debug("peer event not tracked", zap.String("entity_type", event.Type), zap.String("peer", event.FederatedFrom))
				continue
			}
			change := engine.Change{Type: event.Type, Action: syncwire.ActionUpdate, Data: event.Data, Timestamp: event.Timestamp}
			if err := syncEngine.TrackChange(ctx, change); err != nil {
				federationLogger.Warn("peer event not tracked", zap.String("entity_type", event.Type), zap.Error(err))
			}
		}
	}
	return federation.NewManager(federationConfig)
}

func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or reset the offline queue",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print offline queue counts and failed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("failed")
			return withQueue(func(queue *syncqueue.Queue) error {
				stats, err := queue.Stats(cmd.Context())
				if err != nil {
					return err
				}
				failed, err := queue.FailedEntries(cmd.Context(), limit)
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(map[string]any{"stats": stats, "failed": failed})
			})
		},
	}
	statsCmd.Flags().Int("failed", 20, "Number of failed entries to list")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every offline queue entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			confirmed, _ := cmd.Flags().GetBool("yes")
			if !confirmed {
				return fmt.Errorf("refusing to clear the offline queue without --yes")
			}
			return withQueue(func(queue *syncqueue.Queue) error {
				if err := queue.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "offline queue cleared")
				return nil
			})
		},
	}
	clearCmd.Flags().Bool("yes", false, "Confirm deletion of pending and failed entries")

	queueCmd.AddCommand(statsCmd, clearCmd)
	return queueCmd
}

func withQueue(run func(queue *syncqueue.Queue) error) error {
	appConfig, err := config.LoadQueueOnly(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLoggerWithFormat(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	queue, err := syncqueue.Open(syncqueue.Config{Path: appConfig.QueuePath, Logger: logger})
	if err != nil {
		return err
	}
	defer queue.Close() //nolint:errcheck
	return run(queue)
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the edge API",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required")
			}
			siteID := strings.TrimSpace(viper.GetString("site.id"))
			if siteID == "" {
				return fmt.Errorf("site.id is required")
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				TokenTTL:      ttl,
			})
			token, expiresIn, err := issuer.IssueOperatorToken(cmd.Context(), auth.OperatorIdentity{
				Subject: subject,
				SiteID:  siteID,
				Roles:   roles,
			})
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			return encoder.Encode(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	tokenCmd.Flags().String("subject", "", "Operator identifier")
	tokenCmd.Flags().StringSlice("role", nil, "Operator role (repeatable)")
	tokenCmd.Flags().Duration("ttl", 30*time.Minute, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
	return tokenCmd
}
