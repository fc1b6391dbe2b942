package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/devicelink/internal/config"
	"github.com/MarkoPoloResearchLab/devicelink/internal/portalapi"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagEnvFile           = "env-file"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagAdminRoles        = "admin-roles"
	flagRunTimeout        = "run-timeout"
	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store-driver"
	flagControllerBaseURL = "controller-base-url"
	flagControllerAppID   = "controller-app-id"
	flagControllerSecret  = "controller-secret"
	flagControllerVersion = "controller-api-version"
	flagControllerToken   = "controller-token"
	flagTokenCache        = "token-cache"
	flagTokenCacheDir     = "token-cache-dir"
	flagRedisAddr         = "redis-addr"
	flagRetryWindow       = "retry-window"
	flagDiscoveryWindow   = "discovery-window"
	flagDebug             = "debug"
	defaultEnvFile        = ".env"
	envPrefix             = "DEVICELINK"
)

var configFlags = []string{
	flagListenAddr,
	flagAllowedOrigins,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagJWTCookieName,
	flagAdminRoles,
	flagRunTimeout,
	flagDatabaseURL,
	flagStoreDriver,
	flagControllerBaseURL,
	flagControllerAppID,
	flagControllerSecret,
	flagControllerVersion,
	flagControllerToken,
	flagTokenCache,
	flagTokenCacheDir,
	flagRedisAddr,
	flagRetryWindow,
	flagDiscoveryWindow,
	flagDebug,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "portalapi: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:           "portalapi",
		Short:         "Admin HTTP API for previewing and running device reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return portalapi.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment (ignored when missing)")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().String(flagAdminRoles, "", "comma-separated roles allowed to call the API")
	cmd.Flags().Duration(flagRunTimeout, 0, "upper bound for one reconciliation or client request")
	cmd.Flags().String(flagDatabaseURL, "", "ledger database url (postgres:// or sqlite://)")
	cmd.Flags().String(flagStoreDriver, "", "ledger store implementation: gorm or pgx")
	cmd.Flags().String(flagControllerBaseURL, "", "controller open API base url (required)")
	cmd.Flags().String(flagControllerAppID, "", "controller application id (required)")
	cmd.Flags().String(flagControllerSecret, "", "controller secret key (required)")
	cmd.Flags().String(flagControllerVersion, "", "controller API version path segment")
	cmd.Flags().String(flagControllerToken, "", "static access token used when no cached credential exists")
	cmd.Flags().String(flagTokenCache, "", "credential cache: file, redis, or none")
	cmd.Flags().String(flagTokenCacheDir, "", "directory of the file credential cache")
	cmd.Flags().String(flagRedisAddr, "", "redis address for the redis credential cache")
	cmd.Flags().Duration(flagRetryWindow, 0, "how long after first use a missing MAC is still looked for")
	cmd.Flags().Duration(flagDiscoveryWindow, 0, "half-width of the client history search around first use")
	cmd.Flags().Bool(flagDebug, false, "development logging at debug level")

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
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if !v.IsSet(flagJWTSigningKey) {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = config.ParseList(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminRoles = config.ParseList(v.GetString(flagAdminRoles))
	cfg.RunTimeout = v.GetDuration(flagRunTimeout)
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	cfg.ControllerBaseURL = strings.TrimSpace(v.GetString(flagControllerBaseURL))
	cfg.ControllerAppID = strings.TrimSpace(v.GetString(flagControllerAppID))
	cfg.ControllerSecret = v.GetString(flagControllerSecret)
	cfg.ControllerAPIVersion = strings.TrimSpace(v.GetString(flagControllerVersion))
	cfg.ControllerToken = strings.TrimSpace(v.GetString(flagControllerToken))
	cfg.TokenCache = strings.TrimSpace(v.GetString(flagTokenCache))
	cfg.TokenCacheDir = strings.TrimSpace(v.GetString(flagTokenCacheDir))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RetryWindow = v.GetDuration(flagRetryWindow)
	cfg.DiscoveryWindow = v.GetDuration(flagDiscoveryWindow)
	cfg.Debug = v.GetBool(flagDebug)

	return cfg.ValidatePortal()
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
