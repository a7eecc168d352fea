package config

import "go.uber.org/fx"

// Module provides *Config to the application graph.
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(
			NewConfig,
		),
	)
}
