package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodcast/worker/internal/infra/postgres"
	"github.com/prodcast/worker/internal/infra/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the job store tables",
	Long: `Creates the job store tables when they are missing. The statements are
idempotent. SQLite stores are migrated whenever they are opened, so this is
only needed for PostgreSQL.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(db *sqlstore.DB) error {
			if db.Dialect() == sqlstore.DialectPostgres {
				if err := postgres.EnsureSchema(cmd.Context(), db); err != nil {
					return err
				}
			}
			fmt.Printf("schema up to date (%s)\n", db.Dialect())
			return nil
		})
	},
}
