package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perchlabs/dialtone/internal/config"
	"github.com/perchlabs/dialtone/internal/database"
	"github.com/perchlabs/dialtone/internal/identity"
	"github.com/perchlabs/dialtone/internal/keystore"
	"github.com/perchlabs/dialtone/internal/logging"
	"github.com/perchlabs/dialtone/internal/provider"
	"github.com/perchlabs/dialtone/internal/runner"
	"github.com/perchlabs/dialtone/internal/server"
	"github.com/perchlabs/dialtone/internal/sync"
	"github.com/perchlabs/dialtone/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "dialtone-syncd",
		Short: "Dialtone contact sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
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
	cmd.PersistentFlags().String("ops-address", defaults.GetString("ops.address"), "Operator HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.base_url"), "Sync server base URL")
	cmd.PersistentFlags().String("instance-number", defaults.GetString("instance.number"), "This device's phone number")
	cmd.PersistentFlags().Int("upload-chunk-size", defaults.GetInt("upload.chunk_size"), "Upload batch size")
	cmd.PersistentFlags().String("contacts-snapshot", defaults.GetString("provider.contacts_path"), "Path to the provider contacts snapshot")
	cmd.PersistentFlags().String("calls-snapshot", defaults.GetString("provider.calls_path"), "Path to the provider call-log snapshot")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "ops.address", "ops-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "server.base_url", "server-url")
	bindFlag(cmd, "instance.number", "instance-number")
	bindFlag(cmd, "upload.chunk_size", "upload-chunk-size")
	bindFlag(cmd, "provider.contacts_path", "contacts-snapshot")
	bindFlag(cmd, "provider.calls_path", "calls-snapshot")
	bindFlag(cmd, "log.level", "log-level")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	instanceNumber, err := identity.NormalizeNumber(appConfig.InstanceNumber)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	keys, err := keystore.NewStore(keystore.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	changeAgent, err := sync.NewChangeAgent(sync.ChangeAgentConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	executeAgent, err := sync.NewExecuteAgent(sync.ExecuteAgentConfig{
		Database:       db,
		InstanceNumber: instanceNumber.String(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL: appConfig.ServerBaseURL,
		Timeout: appConfig.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	uploadAgent, err := sync.NewUploadAgent(sync.UploadAgentConfig{
		Database:       db,
		Transport:      client,
		Keys:           keys,
		InstanceNumber: instanceNumber.String(),
		ChunkSize:      appConfig.UploadChunkSize,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	downloadAgent, err := sync.NewDownloadAgent(sync.DownloadAgentConfig{
		Database:       db,
		Transport:      client,
		Keys:           keys,
		ChangeAgent:    changeAgent,
		InstanceNumber: instanceNumber.String(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	bootstrapper, err := sync.NewBootstrapper(sync.BootstrapperConfig{
		Database:       db,
		ChangeAgent:    changeAgent,
		ExecuteAgent:   executeAgent,
		InstanceNumber: instanceNumber.String(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if err := bootstrapper.EnsureInitialized(ctx); err != nil {
		return err
	}

	passes := []runner.NamedPass{}
	statusReader, err := sync.NewStatusReader(db)
	if err != nil {
		return err
	}

	var callLog *sync.CallLogIngester
	if appConfig.ContactsSnapshot != "" {
		snapshot, err := provider.NewFileSnapshot(appConfig.ContactsSnapshot, appConfig.CallsSnapshot)
		if err != nil {
			return err
		}
		reconciler, err := sync.NewReconciler(sync.ReconcilerConfig{
			Database:       db,
			Provider:       snapshot,
			ChangeAgent:    changeAgent,
			InstanceNumber: instanceNumber.String(),
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		passes = append(passes, runner.NamedPass{Name: "reconcile", Run: reconciler.RunReconcilePass})

		if appConfig.CallsSnapshot != "" {
			callLog, err = sync.NewCallLogIngester(sync.CallLogIngesterConfig{
				Database: db,
				Provider: snapshot,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			passes = append(passes, runner.NamedPass{Name: "call_log", Run: callLog.RunCallLogPass})
		}
	} else {
		logger.Warn("no contacts snapshot configured, reconciliation disabled")
	}

	passes = append(passes,
		runner.NamedPass{Name: "execute", Run: executeAgent.RunExecutePass},
		runner.NamedPass{Name: "upload", Run: uploadAgent.RunUploadPass},
		runner.NamedPass{Name: "download", Run: downloadAgent.RunDownloadPass},
	)

	passRunner, err := runner.New(runner.Config{
		Passes:     passes,
		Interval:   appConfig.PassInterval,
		MaxBackoff: appConfig.PassMaxBackoff,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Status:  statusReader,
		CallLog: callLog,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.OpsAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server starting", zap.String("address", appConfig.OpsAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	runnerErr := make(chan error, 1)
	go func() {
		logger.Info("pass runner starting",
			zap.String("instance_number", instanceNumber.String()),
			zap.Duration("interval", appConfig.PassInterval))
		runnerErr <- passRunner.Run(signalCtx)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			<-runnerErr
			return err
		}
	case err := <-runnerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
