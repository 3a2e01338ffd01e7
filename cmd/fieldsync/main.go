package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/engine"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/filestore"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ids"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/server"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncer"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncstate"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/users"
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
		Use:   "fieldsync",
		Short: "Offline-first record sync and deletion service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, file deletion worker and sync loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newTokenCommand(), newSyncCommand(), newDeleteCommand())

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
	cmd.PersistentFlags().String("device-id", "", "Identifier of this device")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("files-root", defaults.GetString("files.root"), "Directory holding document files")
	cmd.PersistentFlags().String("bundle-dir", "", "Shared directory used to exchange sync bundles")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "files.root", "files-root")
	bindFlag(cmd, "sync.bundle_dir", "bundle-dir")
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

// runtime holds what every command needs: configuration, a logger and the wired
// engine on top of the local database.
type runtime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	engine *engine.Engine
}

func openRuntime() (*runtime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.DeviceID)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	closer := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	wired, err := engine.New(engine.Config{
		Database:        db,
		BatchIDs:        ids.NewULIDProvider(),
		FileGracePeriod: appConfig.DeletionGracePeriod,
		SyncDefaults: syncstate.SyncConfig{
			PriorityThreshold: changelog.Priority(appConfig.PriorityThreshold),
			PushLimit:         appConfig.PushLimit,
		},
		Logger: logger,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	return &runtime{config: appConfig, logger: logger, db: db, engine: wired}, closer, nil
}

func (r *runtime) newDriver() (*syncer.Driver, error) {
	if !r.config.SyncEnabled() {
		return nil, errors.New("sync.bundle_dir is not configured")
	}
	transport, err := syncer.NewFileTransport(syncer.FileTransportConfig{
		Root:     r.config.BundleDir,
		DeviceID: r.config.DeviceID,
		Logger:   r.logger,
	})
	if err != nil {
		return nil, err
	}
	return syncer.NewDriver(syncer.DriverConfig{
		Database:  r.db,
		ChangeLog: r.engine.ChangeLog,
		Tracker:   r.engine.Tracker,
		Registry:  r.engine.Registry,
		Transport: transport,
		DeviceID:  r.config.DeviceID,
		Logger:    r.logger,
	})
}

func runServer(ctx context.Context) error {
	rt, closer, err := openRuntime()
	if err != nil {
		return err
	}
	defer closer()
	appConfig, logger := rt.config, rt.logger

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{
		Database: rt.db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	storage, err := filestore.NewLocalStorage(appConfig.FilesRoot)
	if err != nil {
		return err
	}
	fileWorker, err := filestore.NewWorker(filestore.WorkerConfig{
		Queue:    rt.engine.Files,
		Storage:  storage,
		Interval: appConfig.SweepInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		Sessions:       sessions,
		Actors:         identities,
		Engine:         rt.engine,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}
	var driver *syncer.Driver
	if appConfig.SyncEnabled() {
		driver, err = rt.newDriver()
		if err != nil {
			return err
		}
		dependencies.Sync = driver
	}

	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		fileWorker.Run(signalCtx)
	}()
	if driver != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			driver.Run(signalCtx, auth.SystemActor(appConfig.DeviceID))
		}()
	}
	defer background.Wait()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.Bool("sync_enabled", driver != nil))
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
		stop()
		return err
	}
}
