package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pisowifi/pkg/render"
	"pisowifi/services/audit"
	"pisowifi/services/gateway/internal/config"
	"pisowifi/services/license"
	"pisowifi/services/rates"
	"pisowifi/services/sessions"
	"pisowifi/services/settings"
	"pisowifi/services/vouchers"
)

func newSessionsCommand() *cobra.Command {
	cmd := group("sessions", "Inspect customer sessions")

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions with remaining time",
		RunE: withDatabase(func(cmd *cobra.Command, _ []string, d *database) error {
			store, err := sessions.NewPGStore(d.pool)
			if err != nil {
				return err
			}
			var rows []sessions.Session
			if all {
				rows, err = store.List(cmd.Context())
			} else {
				rows, err = store.Active(cmd.Context())
			}
			if err != nil {
				return err
			}
			return writeSessions(cmd.OutOrStdout(), rows)
		}),
	}
	list.Flags().BoolVar(&all, "all", false, "Include expired sessions")
	cmd.AddCommand(list)
	return cmd
}

func writeSessions(out io.Writer, rows []sessions.Session) error {
	w := table(out)
	fmt.Fprintln(w, "MAC\tIP\tSTATE\tREMAINING\tPAID\tPAUSABLE")
	for _, s := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", s.MAC, s.IP, s.State(), render.Clock(s.RemainingSeconds), s.TotalPaid, s.Pausable)
	}
	return w.Flush()
}

func newVouchersCommand() *cobra.Command {
	cmd := group("vouchers", "Create and list prepaid voucher codes")

	var (
		count    int
		minutes  int64
		pesos    int64
		download int64
		upload   int64
		pausable string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Generate voucher codes",
		RunE: withDatabase(func(cmd *cobra.Command, _ []string, d *database) error {
			template := vouchers.Voucher{Minutes: minutes, Pesos: pesos, DownloadLimit: download, UploadLimit: upload}
			switch pausable {
			case "":
			case "true", "false":
				v := pausable == "true"
				template.Pausable = &v
			default:
				return fmt.Errorf("invalid --pausable %q: want true or false", pausable)
			}

			batch, err := vouchers.Generate(count, template)
			if err != nil {
				return err
			}
			store, err := vouchers.NewGormStore(d.orm)
			if err != nil {
				return err
			}
			if err := store.Create(cmd.Context(), batch); err != nil {
				return err
			}
			for _, v := range batch {
				fmt.Fprintln(cmd.OutOrStdout(), v.Code)
			}
			return nil
		}),
	}
	create.Flags().IntVar(&count, "count", 1, "Number of codes to generate")
	create.Flags().Int64Var(&minutes, "minutes", 0, "Minutes granted per code")
	create.Flags().Int64Var(&pesos, "pesos", 0, "Pesos each code is sold for")
	create.Flags().Int64Var(&download, "download-limit", 0, "Download limit in kbps (0 = none)")
	create.Flags().Int64Var(&upload, "upload-limit", 0, "Upload limit in kbps (0 = none)")
	create.Flags().StringVar(&pausable, "pausable", "", "Force the pausable flag (true|false)")
	_ = create.MarkFlagRequired("minutes")

	var includeRedeemed bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List voucher codes",
		RunE: withDatabase(func(cmd *cobra.Command, _ []string, d *database) error {
			store, err := vouchers.NewGormStore(d.orm)
			if err != nil {
				return err
			}
			rows, err := store.List(cmd.Context(), includeRedeemed)
			if err != nil {
				return err
			}
			w := table(cmd.OutOrStdout())
			fmt.Fprintln(w, "CODE\tMINUTES\tPESOS\tREDEEMED BY\tREDEEMED AT")
			for _, v := range rows {
				at := "-"
				if v.RedeemedAt != nil {
					at = v.RedeemedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", v.Code, v.Minutes, v.Pesos, v.RedeemedBy, at)
			}
			return w.Flush()
		}),
	}
	list.Flags().BoolVar(&includeRedeemed, "all", false, "Include redeemed codes")

	cmd.AddCommand(create, list)
	return cmd
}

func newRatesCommand() *cobra.Command {
	cmd := group("rates", "Manage the rate catalog")

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the rate catalog with the plans in a YAML file",
		RunE: withDatabase(func(cmd *cobra.Command, _ []string, d *database) error {
			plans, err := rates.LoadFile(file)
			if err != nil {
				return err
			}
			catalog, err := rates.NewGormCatalog(d.orm)
			if err != nil {
				return err
			}
			if err := catalog.Replace(cmd.Context(), plans); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d plans\n", len(plans))
			return nil
		}),
	}
	importCmd.Flags().StringVar(&file, "file", "", "Path to the rates YAML file")
	_ = importCmd.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "Show the rate catalog",
		RunE: withDatabase(func(cmd *cobra.Command, _ []string, d *database) error {
			catalog, err := rates.NewGormCatalog(d.orm)
			if err != nil {
				return err
			}
			plans, err := catalog.Rates(cmd.Context())
			if err != nil {
				return err
			}
			return writeRates(cmd.OutOrStdout(), plans)
		}),
	}

	cmd.AddCommand(importCmd, list)
	return cmd
}

func writeRates(out io.Writer, plans []rates.Rate) error {
	w := table(out)
	fmt.Fprintln(w, "PESOS\tMINUTES\tDOWN\tUP\tPAUSABLE\tLABEL")
	for _, r := range plans {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\t%s\n", r.Pesos, r.Minutes, r.DownloadLimit, r.UploadLimit, sessions.PausabilityFromPtr(r.Pausable), r.Label)
	}
	return w.Flush()
}

func newSettingsCommand() *cobra.Command {
	cmd := group("settings", "Read and change runtime settings")

	get := &cobra.Command{
		Use:   "get",
		Short: "Print effective settings",
		RunE: withDatabase(func(cmd *cobra.Command, _ []string, d *database) error {
			repo, err := settingsRepo(d)
			if err != nil {
				return err
			}
			values, err := repo.Effective(cmd.Context())
			if err != nil {
				return err
			}
			w := table(cmd.OutOrStdout())
			for _, kv := range values {
				fmt.Fprintf(w, "%s\t%s\n", kv[0], kv[1])
			}
			return w.Flush()
		}),
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting",
		Args:  cobra.ExactArgs(2),
		RunE: withDatabase(func(cmd *cobra.Command, args []string, d *database) error {
			repo, err := settingsRepo(d)
			if err != nil {
				return err
			}
			return repo.SetString(cmd.Context(), args[0], args[1])
		}),
	}

	cmd.AddCommand(get, set)
	return cmd
}

func settingsRepo(d *database) (*settings.Repository, error) {
	store, err := settings.NewGormStore(d.orm)
	if err != nil {
		return nil, err
	}
	return settings.NewRepository(store), nil
}

func newLicenseCommand() *cobra.Command {
	cmd := group("license", "Inspect the gateway license")
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Verify the configured license token and print its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.LicenseTokenPath == "" {
				return fmt.Errorf("LICENSE_TOKEN_PATH is not set")
			}
			key, err := os.ReadFile(cfg.LicensePublicKeyPath)
			if err != nil {
				return fmt.Errorf("read license public key: %w", err)
			}
			v, err := license.NewJWTVerifier(cfg.LicenseTokenPath, key, cfg.NodeID)
			if err != nil {
				return err
			}
			status, err := v.Verify(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	})
	return cmd
}

func newAuditCommand() *cobra.Command {
	cmd := group("audit", "Browse the audit trail")

	var (
		mac   string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Show recent audit entries",
		RunE: withDatabase(func(cmd *cobra.Command, _ []string, d *database) error {
			store, err := audit.NewGormStore(d.orm)
			if err != nil {
				return err
			}
			entries, err := store.Recent(cmd.Context(), mac, limit)
			if err != nil {
				return err
			}
			w := table(cmd.OutOrStdout())
			fmt.Fprintln(w, "AT\tACTION\tMAC\tDETAILS")
			for _, e := range entries {
				details, _ := json.Marshal(e.Details)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Action, e.Obj, details)
			}
			return w.Flush()
		}),
	}
	list.Flags().StringVar(&mac, "mac", "", "Only entries for this device")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	cmd.AddCommand(list)
	return cmd
}
