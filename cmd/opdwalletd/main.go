package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/arkahealth/opdwallet/internal/checkout"
	"github.com/arkahealth/opdwallet/internal/httpapi"
	"github.com/arkahealth/opdwallet/internal/planconfig"
	"github.com/arkahealth/opdwallet/internal/store/gormstore"
	"github.com/arkahealth/opdwallet/pkg/wallet"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagSessionSigningKey = "session-signing-key"
	flagPaymentTTL        = "payment-ttl"
	flagAllowedOrigins    = "allowed-origins"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeySessionSigningKey = "session_signing_key"
	configKeyPaymentTTL        = "payment_ttl"
	configKeyAllowedOrigins    = "allowed_origins"

	defaultDatabaseURL = "sqlite:///tmp/opdwallet.db"
	defaultListenAddr  = ":8080"
	defaultPaymentTTL  = 30 * time.Minute

	sweepInterval = time.Minute
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	SessionSigningKey string
	PaymentTTL        time.Duration
	AllowedOrigins    []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "opdwalletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "opdwalletd",
		Short:         "Benefits wallet and checkout HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key for session tokens")
	cmd.Flags().Duration(flagPaymentTTL, defaultPaymentTTL, "how long a pending payment may wait for confirmation")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyListenAddr, "LISTEN_ADDR"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeySessionSigningKey, "SESSION_SIGNING_KEY"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyPaymentTTL, "PAYMENT_TTL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyAllowedOrigins, "ALLOWED_ORIGINS"); err != nil {
		return err
	}

	for configKey, flagName := range map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeyPaymentTTL:        flagPaymentTTL,
		configKeyAllowedOrigins:    flagAllowedOrigins,
	} {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	cfg.PaymentTTL = viper.GetDuration(configKeyPaymentTTL)
	if cfg.PaymentTTL <= 0 {
		cfg.PaymentTTL = defaultPaymentTTL
	}
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	walletService, err := wallet.NewService(
		gormstore.NewWalletStore(gormDB),
		clock,
		wallet.WithOperationLogger(zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	resolver := planconfig.NewResolver(gormstore.NewPlanStore(gormDB))
	checkoutStore := gormstore.NewCheckoutStore(gormDB)

	options := []checkout.Option{
		checkout.WithPaymentTTL(cfg.PaymentTTL),
		checkout.WithFinalizer(checkout.ServiceAppointment, checkout.NewAppointmentFinalizer(checkoutStore, clock)),
	}
	for _, serviceType := range []checkout.ServiceType{
		checkout.ServiceLab,
		checkout.ServiceDental,
		checkout.ServiceVision,
		checkout.ServiceAHC,
	} {
		finalizer, err := checkout.NewBookingFinalizer(checkoutStore, serviceType, clock)
		if err != nil {
			return fmt.Errorf("finalizer init: %w", err)
		}
		options = append(options, checkout.WithFinalizer(serviceType, finalizer))
	}

	checkoutService, err := checkout.NewService(resolver, walletService, checkoutStore, logger, options...)
	if err != nil {
		return fmt.Errorf("checkout service init: %w", err)
	}
	checkoutService.StartExpirySweeper(ctx, sweepInterval)

	apiServer := httpapi.NewServer(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		SessionSigningKey: cfg.SessionSigningKey,
		AllowedOrigins:    cfg.AllowedOrigins,
	}, checkoutService, walletService, resolver, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

// zapOperationLogger adapts the wallet operation callback onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter zapOperationLogger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.MemberID.String() != "" {
		fields = append(fields, zap.String("member_id", entry.MemberID.String()))
	}
	if entry.CategoryCode.String() != "" {
		fields = append(fields, zap.String("category_code", entry.CategoryCode.String()))
	}
	if entry.Token.String() != "" {
		fields = append(fields, zap.String("token", entry.Token.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		adapter.logger.Error("wallet operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("wallet operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "opdwallet.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
