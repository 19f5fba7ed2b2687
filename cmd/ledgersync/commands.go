package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/ledgersync/internal/app"
	"github.com/alanyoungcy/ledgersync/internal/config"
	"github.com/alanyoungcy/ledgersync/internal/crypto"
	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/reconcile"
	"github.com/alanyoungcy/ledgersync/internal/report"
)

func newServeCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run periodic passes, the write-retry worker and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := rc.load(os.Stdout)
			if err != nil {
				return err
			}
			cfg.Mode = "serve"

			a := app.New(cfg, logger)
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
}

func newReconcileCmd(rc *rootConfig) *cobra.Command {
	var (
		dryRun   bool
		tradeIDs []string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := rc.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg.Mode = "once"

			a := app.New(cfg, logger)
			defer a.Close()
			a.SetOutput(cmd.OutOrStdout())
			return a.RunWith(cmd.Context(), reconcile.Options{DryRun: dryRun, TradeIDs: tradeIDs})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "detect divergences without submitting orders")
	cmd.Flags().StringSliceVar(&tradeIDs, "trade", nil, "restrict the pass to the instruments of these trade IDs")
	return cmd
}

func newCloseCmd(rc *rootConfig) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <trade-id>",
		Short: "Close a trade in the ledger and flatten its broker position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rc.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a := app.New(cfg, logger)
			defer a.Close()
			deps, err := a.Wire(cmd.Context())
			if err != nil {
				return err
			}
			r, err := deps.Engine.ForceClose(cmd.Context(), args[0], reason)
			if r.PassID != "" {
				report.Pass(cmd.OutOrStdout(), r)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "closed via cli", "note recorded on the ledger row")
	return cmd
}

func newActionsCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect and acknowledge reconciliation actions",
	}

	var (
		statuses []string
		tradeID  string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, closeFn, err := rc.stores(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			filter := domain.ActionFilter{TradeID: tradeID, ListOpts: domain.ListOpts{Limit: limit}}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, domain.ActionStatus(strings.ToLower(s)))
			}
			actions, err := deps.Actions.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list actions: %w", err)
			}
			report.Actions(cmd.OutOrStdout(), actions)
			return nil
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	list.Flags().StringVar(&tradeID, "trade", "", "filter by trade ID")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	ack := &cobra.Command{
		Use:   "ack <action-id>",
		Short: "Acknowledge a failed action so its trade can be acted on again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, closeFn, err := rc.stores(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := deps.Actions.Acknowledge(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("no failed action with id %s", args[0])
				}
				return fmt.Errorf("acknowledge: %w", err)
			}
			_ = deps.Audit.Log(cmd.Context(), "action.acknowledged", map[string]any{
				"action_id": args[0],
				"via":       "cli",
			})
			fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s\n", args[0])
			return nil
		},
	}

	var writeLimit int
	writes := &cobra.Command{
		Use:   "writes",
		Short: "List ledger writes waiting for retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, closeFn, err := rc.stores(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ws, err := deps.Writes.List(cmd.Context(), domain.ListOpts{Limit: writeLimit})
			if err != nil {
				return fmt.Errorf("list writes: %w", err)
			}
			report.Writes(cmd.OutOrStdout(), ws)
			return nil
		},
	}
	writes.Flags().IntVar(&writeLimit, "limit", 50, "maximum rows")

	cmd.AddCommand(list, ack, writes)
	return cmd
}

// stores wires the application for a short-lived inspection command.
func (rc *rootConfig) stores(cmd *cobra.Command) (*app.Dependencies, func(), error) {
	cfg, logger, err := rc.load(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	a := app.New(cfg, logger)
	deps, err := a.Wire(cmd.Context())
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return deps, a.Close, nil
}

func newConfigCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := rc.load(io.Discard)
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(config.RedactedConfig(cfg))
		},
	}
}

func newEncryptSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-secret [plaintext]",
		Short: "Encrypt a secret for the config file using " + config.MasterPasswordEnv,
		Long: "Encrypt a secret so it can be stored as an enc: value in the config file.\n" +
			"The plaintext is read from the argument or, when omitted, from the first line of stdin.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv(config.MasterPasswordEnv)
			if password == "" {
				return fmt.Errorf("%s must be set", config.MasterPasswordEnv)
			}
			var plaintext string
			if len(args) == 1 {
				plaintext = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read plaintext: %w", err)
				}
				plaintext = strings.TrimRight(line, "\r\n")
			}
			if plaintext == "" {
				return errors.New("plaintext must not be empty")
			}
			enc, err := crypto.EncryptSecret(plaintext, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	}
}
