package usage

import (
	"github.com/smallbiznis/recurra/internal/usage/aggregator"
	"github.com/smallbiznis/recurra/internal/usage/repository"
	"github.com/smallbiznis/recurra/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(aggregator.New),
	fx.Provide(service.NewService),
)
