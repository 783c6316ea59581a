package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/packmark/packmark/backend/internal/auth"
	"github.com/packmark/packmark/backend/internal/config"
	"github.com/packmark/packmark/backend/internal/database"
	"github.com/packmark/packmark/backend/internal/labels"
	"github.com/packmark/packmark/backend/internal/logging"
	"github.com/packmark/packmark/backend/internal/mailer"
	"github.com/packmark/packmark/backend/internal/qr"
	"github.com/packmark/packmark/backend/internal/server"
	"github.com/packmark/packmark/backend/internal/storage"
	"github.com/packmark/packmark/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "packmark-api",
		Short: "Packmark label backend service",
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
	cmd.PersistentFlags().String("base-url", defaults.GetString("http.base_url"), "Public base URL encoded into QR targets")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("s3-bucket", defaults.GetString("s3.bucket"), "Object store bucket")
	cmd.PersistentFlags().String("s3-region", defaults.GetString("s3.region"), "Object store region")
	cmd.PersistentFlags().String("s3-endpoint", defaults.GetString("s3.endpoint"), "Custom S3 endpoint for compatible stores")
	cmd.PersistentFlags().String("smtp-host", defaults.GetString("smtp.host"), "SMTP relay host")
	cmd.PersistentFlags().Int("smtp-port", defaults.GetInt("smtp.port"), "SMTP relay port")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.base_url", "base-url")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "s3.bucket", "s3-bucket")
	bindFlag(cmd, "s3.region", "s3-region")
	bindFlag(cmd, "s3.endpoint", "s3-endpoint")
	bindFlag(cmd, "smtp.host", "smtp-host")
	bindFlag(cmd, "smtp.port", "smtp-port")
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

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "packmark-auth",
		Audience:      "packmark-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience: appConfig.GoogleClientID,
		JWKSURL:  appConfig.GoogleJWKSURL,
		Logger:   logging.Named(logger, "google-verifier"),
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "packmark-auth",
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	objectStore, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:    appConfig.S3Bucket,
		Region:    appConfig.S3Region,
		Endpoint:  appConfig.S3Endpoint,
		AccessKey: appConfig.S3AccessKey,
		SecretKey: appConfig.S3SecretKey,
		Logger:    logging.Named(logger, "storage"),
	})
	if err != nil {
		return err
	}

	smtpMailer, err := mailer.NewSMTPMailer(mailer.SMTPConfig{
		Host:     appConfig.SMTPHost,
		Port:     appConfig.SMTPPort,
		Username: appConfig.SMTPUsername,
		Password: appConfig.SMTPPassword,
		From:     appConfig.MailFrom,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Mailer:   smtpMailer,
		Logger:   logging.Named(logger, "users"),
	})
	if err != nil {
		return err
	}

	labelService, err := labels.NewService(labels.ServiceConfig{
		Database:        db,
		Store:           objectStore,
		QREncoder:       qr.NewEncoder(qr.EncoderConfig{}),
		QRVerifyEncoder: qr.NewEncoder(qr.EncoderConfig{HighRecovery: true}),
		Clock:           time.Now,
		BaseURL:         appConfig.BaseURL,
		ArchiveOnDelete: appConfig.ArchiveOnDelete,
		Logger:          logging.Named(logger, "labels"),
	})
	if err != nil {
		return err
	}

	gateway, err := labels.NewGateway(labels.GatewayConfig{
		Database:  db,
		Store:     objectStore,
		Mailer:    smtpMailer,
		Directory: userService,
		Logger:    logging.Named(logger, "gateway"),
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	sharing, err := labels.NewSharing(labels.SharingConfig{
		Service:  labelService,
		Users:    userService,
		Notifier: &server.NotificationFanout{Users: userService, Realtime: dispatcher},
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: googleVerifier,
		TokenManager:   tokenManager,
		Sessions:       sessionValidator,
		UserService:    userService,
		LabelService:   labelService,
		Gateway:        gateway,
		Sharing:        sharing,
		Realtime:       dispatcher,
		Logger:         logger,
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
