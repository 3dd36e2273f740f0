package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/auth"
	"github.com/MarcoPoloResearchLab/roam/internal/config"
	"github.com/MarcoPoloResearchLab/roam/internal/database"
	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/engine"
	"github.com/MarcoPoloResearchLab/roam/internal/logging"
	"github.com/MarcoPoloResearchLab/roam/internal/metrics"
	"github.com/MarcoPoloResearchLab/roam/internal/server"
	"github.com/MarcoPoloResearchLab/roam/internal/subscriptions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roam-api",
		Short: "Roam room listings backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Document store backend (sqlite, firestore)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("firestore-project", "", "Firestore project ID")
	cmd.PersistentFlags().String("firestore-credentials", "", "Firestore service account credentials file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("mutation-timeout", defaults.GetDuration("sync.mutation_timeout"), "Deadline for a single store write")
	cmd.PersistentFlags().Duration("subscribe-timeout", defaults.GetDuration("sync.subscribe_timeout"), "Deadline for the first result of a live query")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "firestore.project_id", "firestore-project")
	bindFlag(cmd, "firestore.credentials_file", "firestore-credentials")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.mutation_timeout", "mutation-timeout")
	bindFlag(cmd, "sync.subscribe_timeout", "subscribe-timeout")
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

// openStore returns the configured document store and a func releasing everything it holds.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (docstore.Store, func(), error) {
	switch appConfig.StoreBackend {
	case config.StoreBackendFirestore:
		store, err := docstore.OpenFirestore(ctx, docstore.FirestoreConfig{
			ProjectID:       appConfig.FirestoreProjectID,
			CredentialsFile: appConfig.FirestoreCredentialsFile,
			Logger:          logger.Named("firestore"),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.StoreBackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := docstore.NewLocalStore(docstore.LocalStoreConfig{
			Database:   db,
			IDProvider: docstore.NewUUIDProvider(),
			Clock:      time.Now,
			Logger:     logger.Named("docstore"),
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return store, func() {
			_ = store.Close()
			_ = sqlDB.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", appConfig.StoreBackend)
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(registry)
	if err != nil {
		return err
	}

	roomEngine, err := engine.New(engine.Config{
		Store:            store,
		Logger:           logger.Named("engine"),
		Clock:            time.Now,
		MutationTimeout:  appConfig.MutationTimeout,
		EstablishTimeout: appConfig.SubscribeTimeout,
		Retry: subscriptions.RetryPolicy{
			MaxAttempts: appConfig.RetryMaxAttempts,
			BaseDelay:   appConfig.RetryBaseDelay,
			MaxDelay:    appConfig.RetryMaxDelay,
		},
		DefaultRadiusKm:      appConfig.DefaultRadiusKm,
		DefaultTopN:          appConfig.DefaultTopN,
		SubscriptionRecorder: collector,
		MutationRecorder:     collector,
	})
	if err != nil {
		return err
	}
	defer roomEngine.Close()

	if err := roomEngine.Start(signalCtx); err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         roomEngine,
		Sessions:       sessionValidator,
		Logger:         logger.Named("http"),
		Metrics:        collector,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process context; Shutdown alone would wait for them.
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_backend", appConfig.StoreBackend))
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
