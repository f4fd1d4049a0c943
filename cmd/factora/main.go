package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/audit"
	"github.com/smallbiznis/factora/internal/authorization"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	"github.com/smallbiznis/factora/internal/invoice"
	"github.com/smallbiznis/factora/internal/ledger"
	"github.com/smallbiznis/factora/internal/migration"
	"github.com/smallbiznis/factora/internal/observability"
	"github.com/smallbiznis/factora/internal/ratelimit"
	"github.com/smallbiznis/factora/internal/scheduler"
	"github.com/smallbiznis/factora/internal/server"
	"github.com/smallbiznis/factora/internal/settlement"
	"github.com/smallbiznis/factora/internal/tokenization"
	"github.com/smallbiznis/factora/internal/user"
	"github.com/smallbiznis/factora/pkg/db"
	"go.uber.org/fx"
)

// factora runs migrations, the HTTP API and the background jobs in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional Domains
		audit.Module,
		authorization.Module,
		user.Module,
		ledger.Module,
		tokenization.Module,
		invoice.Module,
		settlement.Module,

		server.Module,
		scheduler.Module,
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
