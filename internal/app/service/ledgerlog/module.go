package ledgerlog

import "go.uber.org/fx"

// Module exposes the ledger log service via Fx.
var Module = fx.Options(
	fx.Provide(New),
)
