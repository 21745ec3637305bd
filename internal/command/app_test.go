package command

import (
	"context"
	"errors"
	"testing"

	"atlasd/internal/config"
)

func TestBuildApp_DefaultCommandIsServe(t *testing.T) {
	serveCalled := 0
	migrateCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() (config.Config, error) {
			return config.Config{DataDir: "/tmp/x"}, nil
		},
		RunServe: func(_ context.Context, cfg config.Config) error {
			if cfg.DataDir != "/tmp/x" {
				t.Errorf("config not passed through: %+v", cfg)
			}
			serveCalled++
			return nil
		},
		RunMigrateUp: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"atlasd"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if serveCalled != 1 || migrateCalled != 0 {
		t.Fatalf("unexpected call count serve=%d migrate=%d", serveCalled, migrateCalled)
	}
}

func TestBuildApp_ServeCommand(t *testing.T) {
	serveCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() (config.Config, error) { return config.Config{}, nil },
		RunServe: func(context.Context, config.Config) error {
			serveCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"atlasd", "serve"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if serveCalled != 1 {
		t.Fatalf("expected serve called once, got %d", serveCalled)
	}
}

func TestBuildApp_MigrateUpCommand(t *testing.T) {
	migrateCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() (config.Config, error) { return config.Config{}, nil },
		RunServe:   func(context.Context, config.Config) error { return nil },
		RunMigrateUp: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"atlasd", "migrate", "up"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if migrateCalled != 1 {
		t.Fatalf("expected migrate called once, got %d", migrateCalled)
	}
}

func TestBuildApp_ConfigErrorSurfaces(t *testing.T) {
	broken := errors.New("bad config")
	app := BuildApp(Deps{
		LoadConfig: func() (config.Config, error) { return config.Config{}, broken },
		RunServe:   func(context.Context, config.Config) error { return nil },
	})
	if err := app.RunContext(context.Background(), []string{"atlasd"}); !errors.Is(err, broken) {
		t.Fatalf("expected config error, got %v", err)
	}
}
