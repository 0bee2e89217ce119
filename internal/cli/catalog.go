package cli

import (
	"context"
	"io"

	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	"github.com/smallbiznis/allowance/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCatalogCmd(out *output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage resources, plans, quotas and features",
	}
	cmd.AddCommand(newCatalogSyncCmd(out))
	return cmd
}

func newCatalogSyncCmd(out *output) *cobra.Command {
	var (
		file  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert the catalog file into the database",
		Long: `Upsert the catalog file into the database.

With --watch the command keeps running and syncs again every time the
file changes. Invalid edits are logged and ignored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cfg     config.Config
				catalog catalogdomain.Service
				log     *zap.Logger
			)
			return withEngine(cmd.Context(), func(ctx context.Context) error {
				path := file
				if path == "" {
					path = cfg.CatalogFile
				}
				if !watch {
					doc, err := config.LoadCatalog(path)
					if err != nil {
						return err
					}
					return syncCatalog(ctx, cmd, out, catalog, doc)
				}

				holder, err := config.NewCatalogHolder(path, log)
				if err != nil {
					return err
				}
				if err := syncCatalog(ctx, cmd, out, catalog, holder.Get()); err != nil {
					return err
				}
				holder.OnChange(func(doc config.CatalogDocument) {
					if err := syncCatalog(ctx, cmd, out, catalog, doc); err != nil {
						log.Error("catalog sync failed", zap.Error(err))
					}
				})
				<-ctx.Done()
				return nil
			}, &cfg, &catalog, &log)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Catalog file (default: CATALOG_FILE or ./catalog.yml)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep syncing when the file changes")
	return cmd
}

func syncCatalog(ctx context.Context, cmd *cobra.Command, out *output, catalog catalogdomain.Service, doc config.CatalogDocument) error {
	res, err := catalog.Sync(ctx, doc)
	if err != nil {
		return err
	}
	return out.write(cmd, res, func(w io.Writer) error {
		row(w, "RESOURCES", "FEATURES", "PLANS", "QUOTAS")
		row(w, res.Resources, res.Features, res.Plans, res.Quotas)
		return nil
	})
}
