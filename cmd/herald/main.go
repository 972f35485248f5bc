package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heraldlab/herald/internal/config"
	"github.com/heraldlab/herald/internal/content"
	"github.com/heraldlab/herald/internal/logging"
	"github.com/heraldlab/herald/internal/notify"
	"github.com/heraldlab/herald/internal/push"
	"github.com/heraldlab/herald/internal/scheduler"
	"github.com/heraldlab/herald/internal/server"
	"github.com/heraldlab/herald/internal/store"
	"github.com/heraldlab/herald/internal/subscription"
	"github.com/heraldlab/herald/internal/tags"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "herald",
		Short: "Herald notification scheduling and delivery engine",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("vapid-public-key", "", "VAPID public key")
	cmd.PersistentFlags().String("vapid-private-key", "", "VAPID private key (overrides env)")
	cmd.PersistentFlags().String("vapid-subscriber", "", "VAPID subscriber contact (mailto: or https: URL)")
	cmd.PersistentFlags().Int("push-workers", defaults.GetInt("push.workers"), "Concurrent push delivery workers")
	cmd.PersistentFlags().Int("push-max-attempts", defaults.GetInt("push.max_attempts"), "Delivery attempts before a message is dropped")
	cmd.PersistentFlags().Int("engine-workers", defaults.GetInt("engine.workers"), "Notification matching workers")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "vapid.public_key", "vapid-public-key")
	bindFlag(cmd, "vapid.private_key", "vapid-private-key")
	bindFlag(cmd, "vapid.subscriber", "vapid-subscriber")
	bindFlag(cmd, "push.workers", "push-workers")
	bindFlag(cmd, "push.max_attempts", "push-max-attempts")
	bindFlag(cmd, "engine.workers", "engine-workers")
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
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := store.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	storage, err := store.New(store.Config{DB: db, Clock: time.Now})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tagPaths, err := storage.LoadTagPaths(signalCtx)
	if err != nil {
		return err
	}
	pathIndex, err := tags.NewPathIndex(tagPaths)
	if err != nil {
		return err
	}
	records, err := storage.LoadSubscriptions(signalCtx)
	if err != nil {
		return err
	}
	subscribers := subscription.NewIndex(records)

	resolver, err := content.NewResolver(content.ResolverConfig{
		Source: storage,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := push.NewDispatcher(push.Config{
		Store:           storage,
		Logger:          logger,
		VAPIDPublicKey:  appConfig.VAPIDPublicKey,
		VAPIDPrivateKey: appConfig.VAPIDPrivateKey,
		Subscriber:      appConfig.VAPIDSubscriber,
		Workers:         appConfig.PushWorkers,
		MaxAttempts:     appConfig.PushMaxAttempts,
	})
	if err != nil {
		return err
	}

	matcher, err := notify.NewMatcher(notify.MatcherConfig{
		Resolver:    resolver,
		Subscribers: subscribers,
		Store:       storage,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	engine, err := notify.NewEngine(notify.EngineConfig{
		Matcher:    matcher,
		Dispatcher: dispatcher,
		Logger:     logger,
		Workers:    appConfig.EngineWorkers,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:  storage,
		Clock:  time.Now,
		Logger: logger,
		Notify: func(fired scheduler.Fired) {
			engine.Enqueue(notify.FromFiredEdge(fired))
		},
	})
	if err != nil {
		return err
	}

	dispatcher.Start(signalCtx)
	engine.Start(signalCtx)
	if err := sched.Start(signalCtx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          storage,
		Engine:         engine,
		Scheduler:      sched,
		Dispatcher:     dispatcher,
		Subscribers:    subscribers,
		PathIndex:      pathIndex,
		VAPIDPublicKey: appConfig.VAPIDPublicKey,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)

	// signalCtx cancellation already told the pipeline to stop; join it so
	// in-flight deliveries finish their current attempt.
	<-sched.Done()
	engine.Wait()
	dispatcher.Wait()

	return shutdownErr
}
