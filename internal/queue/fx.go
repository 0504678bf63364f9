package queue

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("queue",
	fx.Provide(
		NewStore,
		func(s *Store) Queue { return s },
		NewConsumer,
	),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, consumer *Consumer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go consumer.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
