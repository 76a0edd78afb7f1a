package order

import "go.uber.org/fx"

// Module provides the order repository to Fx behind the Store interface.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(NewRepository, fx.As(new(Store))),
	),
)
