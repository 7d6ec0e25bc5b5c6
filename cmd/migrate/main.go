package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tenantgate.org/internal/migrate"
	"tenantgate.org/internal/store/pg"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TENANTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the tenantgate PostgreSQL schema",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("store-dsn", "", "PostgreSQL DSN (env TENANTGATE_STORE_DSN)")
	root.PersistentFlags().String("seeds", "", "directory of seed .sql files (env TENANTGATE_SEEDS)")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "overall timeout")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				if err != nil {
					return err
				}
				printList(cmd, "applied", applied)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			Args:  cobra.NoArgs,
			RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				history, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, item := range history {
					fmt.Fprintln(cmd.OutOrStdout(), item)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Apply seed files that have not run yet",
			Args:  cobra.NoArgs,
			RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				if v.GetString("seeds") == "" {
					return errors.New("missing seeds directory: provide via --seeds or TENANTGATE_SEEDS")
				}
				applied, err := m.Seed(ctx)
				if err != nil {
					return err
				}
				printList(cmd, "seeded", applied)
				return nil
			}),
		},
	)
	return root
}

type managerFunc func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error

func withManager(v *viper.Viper, fn managerFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		dsn := v.GetString("store-dsn")
		if dsn == "" {
			return errors.New("missing DSN: provide via --store-dsn or TENANTGATE_STORE_DSN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
		defer cancel()

		st, err := pg.Open(dsn, pg.DefaultPool())
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer st.Close()

		var opts []migrate.Option
		if dir := v.GetString("seeds"); dir != "" {
			opts = append(opts, migrate.WithSeeds(os.DirFS(dir)))
		}
		if err := fn(ctx, cmd, migrate.NewManager(st.DB(), migrate.Schema(), opts...)); err != nil {
			return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
		}
		return nil
	}
}

func printList(cmd *cobra.Command, verb string, items []string) {
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to do")
		return
	}
	for _, item := range items {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, item)
	}
}
