package cli

import (
	"fmt"

	"github.com/plaenen/exactlyonce/pkg/store/sqlite"
	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command and its up, down and
// version subcommands.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the command store schema",
	}

	open := func(cmd *cobra.Command) (*sqlite.Store, error) {
		return sqlite.Open(cmd.Context(), append(opts.storeOptions(), sqlite.WithAutoMigrate(false))...)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := open(cmd)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.RunMigrations(cmd.Context()); err != nil {
					return err
				}
				return printVersion(cmd, opts, st)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := open(cmd)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.RollbackMigration(cmd.Context()); err != nil {
					return err
				}
				return printVersion(cmd, opts, st)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := open(cmd)
				if err != nil {
					return err
				}
				defer st.Close()
				return printVersion(cmd, opts, st)
			},
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, opts *RootOptions, st *sqlite.Store) error {
	version, err := st.MigrationVersion(cmd.Context())
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), map[string]int{"version": version})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return nil
}
