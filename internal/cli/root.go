package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func NewRootCmd() *cobra.Command {
	var asJSON bool

	rootCmd := &cobra.Command{
		Use:           "allowance",
		Short:         "Subscription quotas, usage ledger and entitlements",
		Long:          "allowance manages a plan catalog, user subscriptions and the usage ledger, and answers how much of each resource a user has left at any instant.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Render JSON output")

	out := &output{json: &asJSON}
	rootCmd.AddCommand(
		newMigrateCmd(),
		newCatalogCmd(out),
		newSubscriptionCmd(out),
		newQuotaCmd(out),
		newUsageCmd(out),
		newFeaturesCmd(out),
	)
	return rootCmd
}
