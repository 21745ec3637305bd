package command

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"

	"atlasd/internal/config"
)

type Deps struct {
	LoadConfig   func() (config.Config, error)
	RunServe     func(context.Context, config.Config) error
	RunMigrateUp func(context.Context, config.Config) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "atlasd",
		Usage: "workspace sync and review daemon",
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the sync loops and control API",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx.Context, deps)
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							cfg, err := loadConfig(deps)
							if err != nil {
								return err
							}
							if deps.RunMigrateUp == nil {
								return errors.New("migrate up runner is not configured")
							}
							return deps.RunMigrateUp(ctx.Context, cfg)
						},
					},
				},
			},
		},
	}
}

func loadConfig(deps Deps) (config.Config, error) {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.Load()
}

func runServe(ctx context.Context, deps Deps) error {
	cfg, err := loadConfig(deps)
	if err != nil {
		return err
	}
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}
