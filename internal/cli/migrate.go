package cli

import (
	"context"

	"github.com/smallbiznis/allowance/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the database schema",
	}
	cmd.AddCommand(
		newMigrateStepCmd("up", "Apply all pending migrations", migration.Up),
		newMigrateStepCmd("down", "Drop every allowance table", migration.Down),
	)
	return cmd
}

func newMigrateStepCmd(use, short string, step func(*gorm.DB) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				conn *gorm.DB
				log  *zap.Logger
			)
			return run(cmd.Context(), func(context.Context) error {
				if err := step(conn); err != nil {
					return err
				}
				log.Info("migration finished", zap.String("direction", use))
				cmd.Printf("migrate %s: ok\n", use)
				return nil
			}, infrastructure(), fx.Populate(&conn, &log))
		},
	}
}
