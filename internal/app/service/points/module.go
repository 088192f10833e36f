package points

import "go.uber.org/fx"

// Module exposes the points consumption service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
