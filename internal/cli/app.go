// Package cli implements the allowance command line.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allowance/internal/cache"
	"github.com/smallbiznis/allowance/internal/catalog"
	"github.com/smallbiznis/allowance/internal/clock"
	"github.com/smallbiznis/allowance/internal/config"
	"github.com/smallbiznis/allowance/internal/entitlement"
	"github.com/smallbiznis/allowance/internal/lock"
	"github.com/smallbiznis/allowance/internal/migration"
	"github.com/smallbiznis/allowance/internal/observability"
	"github.com/smallbiznis/allowance/internal/quota"
	"github.com/smallbiznis/allowance/internal/redisclient"
	"github.com/smallbiznis/allowance/internal/subscription"
	"github.com/smallbiznis/allowance/internal/usage"
	"github.com/smallbiznis/allowance/pkg/db"
	"go.uber.org/fx"
)

const stopTimeout = 10 * time.Second

func NewSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	return node, nil
}

// infrastructure is shared by every command.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(NewSnowflakeNode),
		db.Module,
		clock.Module,
	)
}

// domains wires the engine on top of infrastructure, migrating the schema
// first when DB_AUTO_MIGRATE is on.
func domains() fx.Option {
	return fx.Options(
		migration.Module,
		redisclient.Module,
		cache.Module,
		lock.Module,
		catalog.Module,
		subscription.Module,
		usage.Module,
		quota.Module,
		entitlement.Module,
	)
}

// run starts an fx app with opts, runs fn and stops the app again. Values
// needed by fn are pulled out with fx.Populate.
func run(ctx context.Context, fn func(ctx context.Context) error, opts ...fx.Option) error {
	app := fx.New(append([]fx.Option{fx.NopLogger}, opts...)...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx)
}

func withEngine(ctx context.Context, fn func(ctx context.Context) error, targets ...any) error {
	return run(ctx, fn, infrastructure(), domains(), fx.Populate(targets...))
}
