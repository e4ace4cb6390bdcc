package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRawDB(cmd, func(d *db.DB) error {
			if err := d.Migrate(cmd.Context()); err != nil {
				return err
			}
			v, _, err := d.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is at schema version %d.\n", d.Path(), v)
			return nil
		})
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every event and fallback entry and recreate the schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to reset without --yes")
		}
		return withRawDB(cmd, func(d *db.DB) error {
			if err := d.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset.\n", d.Path())
			return nil
		})
	},
}

var dbVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRawDB(cmd, func(d *db.DB) error {
			v, dirty, err := d.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			state := "clean"
			if dirty {
				state = "dirty"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d (%s)\n", d.Path(), v, state)
			return nil
		})
	},
}

// withRawDB opens the database without migrating it.
func withRawDB(cmd *cobra.Command, fn func(d *db.DB) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := db.Open(a.cfg.Storage.DBPath, a.logger)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbVersionCmd)
}
