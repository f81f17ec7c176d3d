package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fieldmark-labs/fieldmark/backend/internal/config"
	"github.com/fieldmark-labs/fieldmark/backend/internal/database"
	"github.com/fieldmark-labs/fieldmark/backend/internal/lifecycle"
	"github.com/fieldmark-labs/fieldmark/backend/internal/logging"
	"github.com/fieldmark-labs/fieldmark/backend/internal/notify"
	"github.com/fieldmark-labs/fieldmark/backend/internal/queue"
	"github.com/fieldmark-labs/fieldmark/backend/internal/records"
	"github.com/fieldmark-labs/fieldmark/backend/internal/server"
	"github.com/fieldmark-labs/fieldmark/backend/internal/session"
	"github.com/fieldmark-labs/fieldmark/backend/internal/transport"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldmark-api",
		Short: "Fieldmark record controller service",
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
	cmd.PersistentFlags().String("survey-id", "", "Survey identifier")
	cmd.PersistentFlags().String("survey-name", "", "Survey display name")
	cmd.PersistentFlags().String("survey-template", "", "Path to the survey template XML")
	cmd.PersistentFlags().String("submit-url", "", "Submission endpoint URL")
	cmd.PersistentFlags().String("submit-token", "", "Submission bearer token (overrides env)")
	cmd.PersistentFlags().String("return-url", "", "URL to return to after a direct submission")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "survey.id", "survey-id")
	bindFlag(cmd, "survey.name", "survey-name")
	bindFlag(cmd, "survey.template_path", "survey-template")
	bindFlag(cmd, "submit.url", "submit-url")
	bindFlag(cmd, "submit.auth_token", "submit-token")
	bindFlag(cmd, "app.return_url", "return-url")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := records.NewStore(records.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	templateXML, err := os.ReadFile(appConfig.TemplatePath)
	if err != nil {
		return err
	}
	form, err := session.NewForm(session.FormConfig{TemplateXML: string(templateXML)})
	if err != nil {
		return err
	}

	submitter, err := transport.NewClient(transport.ClientConfig{
		URL:               appConfig.SubmissionURL,
		AuthToken:         appConfig.SubmissionToken,
		MaxSubmissionSize: appConfig.MaxSubmissionSize,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	uploadQueue, err := queue.New(queue.Config{
		Store:     store,
		Submitter: submitter,
		SurveyID:  appConfig.SurveyID,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher()

	coordinator, err := lifecycle.NewCoordinator(lifecycle.Config{
		Store:      store,
		Queue:      uploadQueue,
		Session:    form,
		Submitter:  submitter,
		Notifier:   dispatcher,
		IDProvider: records.NewUUIDProvider(),
		SurveyID:   appConfig.SurveyID,
		SurveyName: appConfig.SurveyName,
		ReturnURL:  appConfig.ReturnURL,
		FlushDelay: appConfig.FlushDelay,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator: coordinator,
		Form:        form,
		Store:       store,
		Queue:       uploadQueue,
		Notifier:    dispatcher,
		SurveyID:    appConfig.SurveyID,
		Logger:      logger,
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
