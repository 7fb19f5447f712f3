package cli

import (
	"github.com/spf13/cobra"
)

// MigrateCmd returns the command that applies pending schema migrations.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(false)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.openStore(cmd.Context(), true)
		},
	}
}
