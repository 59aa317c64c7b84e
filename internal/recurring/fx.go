package recurring

import (
	"github.com/smallbiznis/recurra/internal/recurring/processor"
	"github.com/smallbiznis/recurra/internal/recurring/repository"
	"github.com/smallbiznis/recurra/internal/recurring/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recurring.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(processor.New),
)
