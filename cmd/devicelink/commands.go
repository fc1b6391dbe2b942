package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/internal/bootstrap"
	"github.com/MarkoPoloResearchLab/devicelink/internal/config"
	"github.com/MarkoPoloResearchLab/devicelink/internal/reporting"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/macaddr"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagMAC  = "mac"
	flagName = "name"
	flagCode = "code"
)

var errMissingFlag = errors.New("missing required flag")

func newClientCommand(cfg *config.Config, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Inspect and administer controller clients",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the controller's record for one MAC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), *cfg, func(ctx context.Context, services *bootstrap.Services) error {
				mac, err := macFlag(cmd)
				if err != nil {
					return err
				}
				record, err := services.Client.ClientDetail(ctx, mac)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "mac:        %s\n", record.MAC)
				fmt.Fprintf(stdout, "name:       %s\n", record.Name)
				fmt.Fprintf(stdout, "os:         %s\n", record.OS)
				fmt.Fprintf(stdout, "type:       %s\n", devicelink.InferDeviceType(record.OS+" "+record.Name))
				fmt.Fprintf(stdout, "first seen: %s\n", formatSeen(record.FirstSeen, services.Now()))
				fmt.Fprintf(stdout, "last seen:  %s\n", formatSeen(record.LastSeen, services.Now()))
				return nil
			})
		},
	}
	show.Flags().String(flagMAC, "", "client MAC address (required)")

	rename := &cobra.Command{
		Use:   "rename",
		Short: "Set the controller display name of one MAC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), *cfg, func(ctx context.Context, services *bootstrap.Services) error {
				mac, err := macFlag(cmd)
				if err != nil {
					return err
				}
				name, _ := cmd.Flags().GetString(flagName)
				if strings.TrimSpace(name) == "" {
					return fmt.Errorf("%w: --%s", errMissingFlag, flagName)
				}
				if err := services.Client.RenameClient(ctx, mac, name); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "renamed %s to %q\n", mac, controller.TruncateName(strings.TrimSpace(name)))
				return nil
			})
		},
	}
	rename.Flags().String(flagMAC, "", "client MAC address (required)")
	rename.Flags().String(flagName, "", "new display name (required)")

	block := clientToggleCommand(cfg, stdout, "block", "Block one MAC on the controller",
		func(ctx context.Context, client *controller.Client, mac string) error {
			return client.BlockClient(ctx, mac)
		})
	unblock := clientToggleCommand(cfg, stdout, "unblock", "Unblock one MAC on the controller",
		func(ctx context.Context, client *controller.Client, mac string) error {
			return client.UnblockClient(ctx, mac)
		})

	cmd.AddCommand(show, rename, block, unblock)
	return cmd
}

func clientToggleCommand(cfg *config.Config, stdout io.Writer, use string, short string, apply func(context.Context, *controller.Client, string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), *cfg, func(ctx context.Context, services *bootstrap.Services) error {
				mac, err := macFlag(cmd)
				if err != nil {
					return err
				}
				if err := apply(ctx, services.Client, mac); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%sed %s\n", use, mac)
				return nil
			})
		},
	}
	cmd.Flags().String(flagMAC, "", "client MAC address (required)")
	return cmd
}

func newVoucherCommand(cfg *config.Config, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voucher",
		Short: "Administer issued vouchers",
	}
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Delete a voucher on the controller and deactivate its ledger row",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawCode, _ := cmd.Flags().GetString(flagCode)
			code, err := devicelink.NewVoucherCode(rawCode)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), *cfg, func(ctx context.Context, services *bootstrap.Services) error {
				month, err := cfg.BillingMonth(services.Now())
				if err != nil {
					return err
				}
				row, err := services.Store.FindVoucherRow(ctx, code, month)
				if err != nil {
					return err
				}
				if err := services.Client.DeleteVoucher(ctx, row.RemoteGroupID, code.String()); err != nil {
					return err
				}
				if err := services.Store.SetVoucherActive(ctx, row.ID, false); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "revoked %s (%s, group %s)\n", code, month.Label(), row.RemoteGroupID)
				return nil
			})
		},
	}
	revoke.Flags().String(flagCode, "", "voucher code (required)")
	revoke.Flags().String(flagMonth, "", "billing month of the voucher; defaults to the current month")
	cmd.AddCommand(revoke)
	return cmd
}

func newTokenCommand(cfg *config.Config, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or clear the cached controller credential",
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Print the cached credential's expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), *cfg, func(ctx context.Context, services *bootstrap.Services) error {
				credential, found, err := services.Tokens.Cached(ctx)
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintln(stdout, "no cached credential")
					return nil
				}
				now := services.Now()
				state := "valid"
				if !credential.ValidAt(now, 0) {
					state = "expired"
				}
				fmt.Fprintf(stdout, "token %s: %s, expires %s (%s)\n",
					controller.Fingerprint(credential.Token),
					state,
					credential.ExpiresAt.Format(time.RFC3339),
					humanize.RelTime(credential.ExpiresAt, now, "ago", "from now"),
				)
				return nil
			})
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the cached credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), *cfg, func(ctx context.Context, services *bootstrap.Services) error {
				if err := services.Tokens.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "cached credential cleared")
				return nil
			})
		},
	}
	cmd.AddCommand(status, clearCmd)
	return cmd
}

func withController(ctx context.Context, cfg config.Config, fn func(ctx context.Context, services *bootstrap.Services) error) error {
	logger, err := reporting.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	services, err := bootstrap.OpenController(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()
	return fn(ctx, services)
}

func withServices(ctx context.Context, cfg config.Config, fn func(ctx context.Context, services *bootstrap.Services) error) error {
	logger, err := reporting.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	services, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return err
	}
	defer func() { _ = services.Close() }()
	return fn(ctx, services)
}

func macFlag(cmd *cobra.Command) (string, error) {
	raw, _ := cmd.Flags().GetString(flagMAC)
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: --%s", errMissingFlag, flagMAC)
	}
	address, err := macaddr.Parse(raw)
	if err != nil {
		return "", err
	}
	return address.String(), nil
}

func formatSeen(seen time.Time, now time.Time) string {
	if seen.IsZero() {
		return "unknown"
	}
	return seen.Format(time.RFC3339) + " (" + humanize.RelTime(seen, now, "ago", "from now") + ")"
}
