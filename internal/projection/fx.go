package projection

import "go.uber.org/fx"

var Module = fx.Module("projection",
	fx.Provide(New),
)
