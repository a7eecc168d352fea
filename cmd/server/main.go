package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/atmx/perp-engine/internal/config"
)

func main() {
	fx.New(
		config.Module(),
		fx.Provide(newLogger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		storageModule(),
		engineModule(),
		httpModule(),
	).Run()
}
