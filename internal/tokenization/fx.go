package tokenization

import (
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("tokenization.engine",
	fx.Provide(
		fx.Annotate(NewEngine, fx.As(new(invoicedomain.Tokenizer), new(invoicedomain.MintReconciler))),
	),
)
