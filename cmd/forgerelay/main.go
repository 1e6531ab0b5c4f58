package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/forgerelay/forgerelay/internal/app"
	"github.com/forgerelay/forgerelay/internal/config"
	"github.com/forgerelay/forgerelay/internal/migrator"
	"github.com/forgerelay/forgerelay/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:    "forgerelay",
		Usage:   "Forgerelay - webhook fan-out router",
		Version: version.Version(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a yaml or .env config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the forgerelay server",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := config.Parse(config.Flags{Config: c.String("config")})
					if err != nil {
						return err
					}
					return app.New(cfg).Run(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Database schema migrations",
				Commands: []*cli.Command{
					{
						Name:  "up",
						Usage: "Apply all pending migrations",
						Action: func(ctx context.Context, c *cli.Command) error {
							return withMigrator(c, func(m *migrator.Migrator) error {
								ver, applied, err := m.Up(ctx, -1)
								if err != nil {
									return err
								}
								fmt.Printf("at version %d (%d applied)\n", ver, applied)
								return nil
							})
						},
					},
					{
						Name:  "down",
						Usage: "Roll back migrations",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:  "steps",
								Usage: "number of migrations to roll back",
								Value: 1,
							},
						},
						Action: func(ctx context.Context, c *cli.Command) error {
							return withMigrator(c, func(m *migrator.Migrator) error {
								ver, rolled, err := m.Down(ctx, int(c.Int("steps")))
								if err != nil {
									return err
								}
								fmt.Printf("at version %d (%d rolled back)\n", ver, rolled)
								return nil
							})
						},
					},
					{
						Name:  "version",
						Usage: "Print the current schema version",
						Action: func(ctx context.Context, c *cli.Command) error {
							return withMigrator(c, func(m *migrator.Migrator) error {
								ver, err := m.Version(ctx)
								if err != nil {
									return err
								}
								fmt.Printf("version %d\n", ver)
								return nil
							})
						},
					},
				},
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return cli.ShowAppHelp(c)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func withMigrator(c *cli.Command, fn func(*migrator.Migrator) error) error {
	cfg, err := config.Parse(config.Flags{Config: c.String("config")})
	if err != nil {
		return err
	}
	if cfg.Store.Kind != config.StoreKindPostgres {
		return fmt.Errorf("migrations require the postgres store, got %q", cfg.Store.Kind)
	}
	m, err := migrator.New(cfg.Store.PostgresURL)
	if err != nil {
		return err
	}
	defer m.Close(context.Background())
	return fn(m)
}
