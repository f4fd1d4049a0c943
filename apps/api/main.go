package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/audit"
	"github.com/smallbiznis/factora/internal/authorization"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	"github.com/smallbiznis/factora/internal/invoice"
	"github.com/smallbiznis/factora/internal/ledger"
	"github.com/smallbiznis/factora/internal/observability"
	"github.com/smallbiznis/factora/internal/ratelimit"
	"github.com/smallbiznis/factora/internal/server"
	"github.com/smallbiznis/factora/internal/settlement"
	"github.com/smallbiznis/factora/internal/tokenization"
	"github.com/smallbiznis/factora/internal/user"
	"github.com/smallbiznis/factora/pkg/db"
	"go.uber.org/fx"
)

// api serves HTTP only. Schema migrations are left to the monolith or a
// deploy step.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		audit.Module,
		authorization.Module,
		user.Module,
		ledger.Module,
		tokenization.Module,
		invoice.Module,
		settlement.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
