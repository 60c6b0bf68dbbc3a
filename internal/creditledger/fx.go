package creditledger

import (
	"github.com/smallbiznis/credix/internal/creditledger/repository"
	"github.com/smallbiznis/credix/internal/creditledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("creditledger.service",
	fx.Provide(
		repository.ProvideStore,
		repository.ProvideArchive,
		service.NewService,
	),
)
