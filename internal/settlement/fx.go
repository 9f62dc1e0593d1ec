package settlement

import (
	"github.com/smallbiznis/creditmeter/internal/aggregator"
	"github.com/smallbiznis/creditmeter/internal/queue"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"github.com/smallbiznis/creditmeter/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement",
	fx.Provide(
		fx.Annotate(
			service.NewSettler,
			fx.As(new(domain.Settler)),
			fx.As(new(aggregator.BatchProcessor)),
			fx.As(new(queue.Processor)),
		),
	),
	fx.Provide(service.New),
)
