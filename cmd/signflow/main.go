package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cmd := &cli.Command{
		Name:    "signflow",
		Usage:   "Multi-party document signing workflow engine",
		Version: version,
		Flags:   globalFlags(cfg),
		Commands: []*cli.Command{
			serveCommand(&cfg),
			migrateCommand(&cfg),
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags exposes the loaded configuration as flags; the env var
// sources let SIGNFLOW_* override settings.json the same way loadConfig does.
func globalFlags(cfg Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "db-path",
			Usage:   "libSQL database file",
			Value:   cfg.DBPath,
			Sources: cli.EnvVars("SIGNFLOW_DB_PATH"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   cfg.LogLevel,
			Sources: cli.EnvVars("SIGNFLOW_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (json, text)",
			Value:   cfg.LogFormat,
			Sources: cli.EnvVars("SIGNFLOW_LOG_FORMAT"),
		},
	}
}

// applyGlobal copies global flag values into cfg.
func applyGlobal(cfg *Config, c *cli.Command) {
	cfg.DBPath = c.String("db-path")
	cfg.LogLevel = c.String("log-level")
	cfg.LogFormat = c.String("log-format")
}
