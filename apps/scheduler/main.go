package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurra/internal/cache"
	"github.com/smallbiznis/recurra/internal/clock"
	"github.com/smallbiznis/recurra/internal/config"
	"github.com/smallbiznis/recurra/internal/customer"
	"github.com/smallbiznis/recurra/internal/invoice"
	"github.com/smallbiznis/recurra/internal/invoicetemplate"
	"github.com/smallbiznis/recurra/internal/migration"
	"github.com/smallbiznis/recurra/internal/notification"
	"github.com/smallbiznis/recurra/internal/observability"
	"github.com/smallbiznis/recurra/internal/providers"
	"github.com/smallbiznis/recurra/internal/recurring"
	"github.com/smallbiznis/recurra/internal/scheduler"
	"github.com/smallbiznis/recurra/internal/usage"
	"github.com/smallbiznis/recurra/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		providers.Module,

		// Domain services required by scheduler
		customer.Module,
		invoice.Module,
		invoicetemplate.Module,
		notification.Module,
		usage.Module,
		recurring.Module,
		scheduler.Module,

		// No server module!
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
