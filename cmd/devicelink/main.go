package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/devicelink/internal/bootstrap"
	"github.com/MarkoPoloResearchLab/devicelink/internal/config"
	"github.com/MarkoPoloResearchLab/devicelink/internal/reporting"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagEnvFile               = "env-file"
	flagDatabaseURL           = "database-url"
	flagStoreDriver           = "store-driver"
	flagControllerBaseURL     = "controller-base-url"
	flagControllerAppID       = "controller-app-id"
	flagControllerSecret      = "controller-secret"
	flagControllerAPIVersion  = "controller-api-version"
	flagControllerToken       = "controller-token"
	flagControllerTimeout     = "controller-timeout"
	flagControllerAuthTimeout = "controller-auth-timeout"
	flagTokenCache            = "token-cache"
	flagTokenCacheDir         = "token-cache-dir"
	flagRedisAddr             = "redis-addr"
	flagRetryWindow           = "retry-window"
	flagDiscoveryWindow       = "discovery-window"
	flagMonth                 = "month"
	flagDryRun                = "dry-run"
	flagDebug                 = "debug"
	defaultEnvFile            = ".env"
	envPrefix                 = "DEVICELINK"
)

var configFlags = []string{
	flagDatabaseURL,
	flagStoreDriver,
	flagControllerBaseURL,
	flagControllerAppID,
	flagControllerSecret,
	flagControllerAPIVersion,
	flagControllerToken,
	flagControllerTimeout,
	flagControllerAuthTimeout,
	flagTokenCache,
	flagTokenCacheDir,
	flagRedisAddr,
	flagRetryWindow,
	flagDiscoveryWindow,
	flagMonth,
	flagDryRun,
	flagDebug,
}

var errRunFailed = errors.New("reconciliation finished with failures")

func main() {
	cmd := newRootCommand(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "devicelink: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "devicelink",
		Short:         "Link redeemed WiFi vouchers to student devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReconcile(ctx, *cfg, stdout)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment (ignored when missing)")
	flags.String(flagDatabaseURL, "", "ledger database url (postgres:// or sqlite://)")
	flags.String(flagStoreDriver, "", "ledger store implementation: gorm or pgx")
	flags.String(flagControllerBaseURL, "", "controller open API base url (required)")
	flags.String(flagControllerAppID, "", "controller application id (required)")
	flags.String(flagControllerSecret, "", "controller secret key (required)")
	flags.String(flagControllerAPIVersion, "", "controller API version path segment")
	flags.String(flagControllerToken, "", "static access token used when no cached credential exists")
	flags.Duration(flagControllerTimeout, 0, "timeout for one signed controller request")
	flags.Duration(flagControllerAuthTimeout, 0, "timeout for one authentication attempt")
	flags.String(flagTokenCache, "", "credential cache: file, redis, or none")
	flags.String(flagTokenCacheDir, "", "directory of the file credential cache")
	flags.String(flagRedisAddr, "", "redis address for the redis credential cache")
	flags.Duration(flagRetryWindow, 0, "how long after first use a missing MAC is still looked for")
	flags.Duration(flagDiscoveryWindow, 0, "half-width of the client history search around first use")
	flags.Bool(flagDebug, false, "development logging at debug level")
	cmd.Flags().String(flagMonth, "", "billing month to reconcile (YYYY-MM or \"March 2024\"); defaults to the current month")
	cmd.Flags().Bool(flagDryRun, false, "classify without writing to the ledger or the controller")

	cmd.AddCommand(newClientCommand(cfg, stdout))
	cmd.AddCommand(newVoucherCommand(cfg, stdout))
	cmd.AddCommand(newTokenCommand(cfg, stdout))
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	if err := loadEnvFile(cmd); err != nil {
		return err
	}
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(flagName, flag); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	cfg.ControllerBaseURL = strings.TrimSpace(v.GetString(flagControllerBaseURL))
	cfg.ControllerAppID = strings.TrimSpace(v.GetString(flagControllerAppID))
	cfg.ControllerSecret = v.GetString(flagControllerSecret)
	cfg.ControllerAPIVersion = strings.TrimSpace(v.GetString(flagControllerAPIVersion))
	cfg.ControllerToken = strings.TrimSpace(v.GetString(flagControllerToken))
	cfg.ControllerTimeout = v.GetDuration(flagControllerTimeout)
	cfg.ControllerAuthTimeout = v.GetDuration(flagControllerAuthTimeout)
	cfg.TokenCache = strings.TrimSpace(v.GetString(flagTokenCache))
	cfg.TokenCacheDir = strings.TrimSpace(v.GetString(flagTokenCacheDir))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RetryWindow = v.GetDuration(flagRetryWindow)
	cfg.DiscoveryWindow = v.GetDuration(flagDiscoveryWindow)
	cfg.Month = strings.TrimSpace(v.GetString(flagMonth))
	cfg.DryRun = v.GetBool(flagDryRun)
	cfg.Debug = v.GetBool(flagDebug)

	return cfg.Validate()
}

func loadEnvFile(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil || strings.TrimSpace(path) == "" {
		return nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) && !cmd.Flags().Changed(flagEnvFile) {
			return nil
		}
		return fmt.Errorf("env file: %w", statErr)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	return nil
}

func runReconcile(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	logger, err := reporting.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	services, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()

	month, err := cfg.BillingMonth(services.Now())
	if err != nil {
		return err
	}
	reconciler, err := services.NewReconciler(cfg, reporting.FanOut{
		reporting.NewZapLogger(logger),
		reporting.NewProgressPrinter(stdout),
		services.Recorder,
	}, cfg.DryRun)
	if err != nil {
		return err
	}

	logger.Info("reconciliation starting",
		zap.String("month", month.ISOKey()),
		zap.Bool("dry_run", cfg.DryRun),
	)
	report, err := reconciler.Run(ctx, month)
	if err != nil {
		return fmt.Errorf("run %s: %w", report.RunID, err)
	}
	return runOutcome(report)
}

func runOutcome(report devicelink.RunReport) error {
	if report.Summary.Failed() {
		return fmt.Errorf("%w: run %s had %d item errors and %d scan failures",
			errRunFailed, report.RunID, report.Summary.Error, report.Summary.ScanFailures)
	}
	return nil
}
