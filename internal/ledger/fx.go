package ledger

import (
	"github.com/smallbiznis/factora/internal/ledger/domain"
	"github.com/smallbiznis/factora/internal/ledger/rpc"
	"github.com/smallbiznis/factora/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.gateway",
	fx.Provide(
		fx.Annotate(rpc.NewClient, fx.As(new(domain.Client))),
		service.NewService,
	),
)
