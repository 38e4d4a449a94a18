package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/moderation/internal/app"
	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/storage"
	"gopkg.in/yaml.v3"
)

func (c *CLI) migrateCmd() *cobra.Command {
	var keys, clickhouse bool
	cmd := &cobra.Command{
		Use:   "migrate [up|down|version]",
		Short: "Manage the audit store schema",
		Long: `Apply (up), roll back one step (down) or show (version) the audit store
schema. --keys also migrates the API key store at auth_dsn; --clickhouse
creates the decision event table at clickhouse_dsn.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			db, dialect, err := audit.OpenDB(ctx, cfg.DBDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			// The migrator is not closed: that would close db under the deferred Close.
			m, err := audit.NewMigrator(db, dialect)
			if err != nil {
				return err
			}

			switch action {
			case "up":
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate up: %w", err)
				}
			case "down":
				if err := m.Steps(-1); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
			case "version":
			default:
				return fmt.Errorf("unknown action %q (want up, down or version)", action)
			}

			version, dirty, err := m.Version()
			switch {
			case errors.Is(err, migrate.ErrNilVersion):
				fmt.Fprintf(out, "audit store (%s): no migrations applied\n", dialect)
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "audit store (%s): version %d dirty=%v\n", dialect, version, dirty)
			}

			if keys && action == "up" {
				if cfg.AuthDSN == "" {
					return fmt.Errorf("--keys requires auth_dsn")
				}
				ks, err := app.OpenKeyStore(ctx, cfg.AuthDSN, c.logger())
				if err != nil {
					return err
				}
				_ = ks.Close()
				fmt.Fprintln(out, "api key store: up to date")
			}
			if clickhouse && action == "up" {
				if cfg.ClickHouseDSN == "" {
					return fmt.Errorf("--clickhouse requires clickhouse_dsn")
				}
				conn, err := storage.Connect(ctx, cfg.ClickHouseDSN)
				if err != nil {
					return err
				}
				defer conn.Close()
				if err := storage.EnsureSchema(ctx, conn); err != nil {
					return err
				}
				fmt.Fprintln(out, "clickhouse: moderation_events ready")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&keys, "keys", false, "also migrate the API key store")
	cmd.Flags().BoolVar(&clickhouse, "clickhouse", false, "also create the ClickHouse event table")
	return cmd
}

func (c *CLI) keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys in the key store (auth_dsn)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a key; the plaintext is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ks, err := app.OpenKeyStore(cmd.Context(), cfg.AuthDSN, c.logger())
			if err != nil {
				return err
			}
			defer ks.Close()

			k, plaintext, err := ks.CreateAPIKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created key %s (%s, prefix %s)\n", k.ID, k.Name, k.KeyPrefix)
			fmt.Fprintf(out, "API key: %s\n", plaintext)
			fmt.Fprintln(out, "Store it now; it cannot be shown again.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List keys, including revoked ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ks, err := app.OpenKeyStore(cmd.Context(), cfg.AuthDSN, c.logger())
			if err != nil {
				return err
			}
			defer ks.Close()

			list, err := ks.ListAPIKeys(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return writeJSON(out, list)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tCREATED\tREVOKED")
			for _, k := range list {
				revoked := "-"
				if k.RevokedAt != nil {
					revoked = k.RevokedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, k.CreatedAt.Local().Format(time.DateTime), revoked)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key; cached copies expire within auth_cache_ttl_s",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ks, err := app.OpenKeyStore(cmd.Context(), cfg.AuthDSN, c.logger())
			if err != nil {
				return err
			}
			defer ks.Close()

			if err := ks.RevokeAPIKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func (c *CLI) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as YAML (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if used := c.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# config file: %s\n", used)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = out.Write(data)
			return err
		},
	})
	return cmd
}
