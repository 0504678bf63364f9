package charge

import (
	"github.com/smallbiznis/chargeflow/internal/charge/domain"
	"github.com/smallbiznis/chargeflow/internal/charge/repository"
	"github.com/smallbiznis/chargeflow/internal/charge/service"
	"github.com/smallbiznis/chargeflow/internal/queue"
	"go.uber.org/fx"
)

var Module = fx.Module("charge",
	fx.Provide(
		repository.Provide,
		service.NewEnqueuer,
		service.NewSubmitter,
		func(s *service.Submitter) domain.SubmissionService { return s },
		service.NewCompletion,
		func(c *service.Completion) domain.CompletionService { return c },
		service.NewDispatcher,
		func(d *service.Dispatcher) queue.Handler { return d },
	),
)
