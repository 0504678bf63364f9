package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chargeflow/internal/artifact"
	"github.com/smallbiznis/chargeflow/internal/billingapi"
	"github.com/smallbiznis/chargeflow/internal/charge"
	"github.com/smallbiznis/chargeflow/internal/clock"
	"github.com/smallbiznis/chargeflow/internal/config"
	"github.com/smallbiznis/chargeflow/internal/customer"
	"github.com/smallbiznis/chargeflow/internal/logger"
	"github.com/smallbiznis/chargeflow/internal/metrics"
	"github.com/smallbiznis/chargeflow/internal/migration"
	"github.com/smallbiznis/chargeflow/internal/notify"
	"github.com/smallbiznis/chargeflow/internal/queue"
	"github.com/smallbiznis/chargeflow/internal/ratelimit"
	"github.com/smallbiznis/chargeflow/internal/server"
	"github.com/smallbiznis/chargeflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(clock.NewSystemClock),
		db.Module,
		migration.Module,
		metrics.Module,

		ratelimit.Module,
		billingapi.Module,
		artifact.Module,
		notify.Module,
		customer.Module,
		charge.Module,
		queue.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
