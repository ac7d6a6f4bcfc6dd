// audiobook-reconciler reconciles a Library against a Catalog: it
// grades local audio quality, enriches items with Catalog pricing and
// ownership, matches series completeness, and surfaces ranked upgrade
// candidates. The CLI surface here is a thin shell; the logic lives in
// internal/ and is reachable as a library in its own right.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/audiobook-reconciler/internal/logger"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "audiobook-reconciler",
		Usage:   "reconcile a Library against a Catalog",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
				EnvVars: []string{"RECONCILER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "library-id",
				Usage: "override library.library_id from config",
			},
		},
		Before: func(c *cli.Context) error {
			logger.Setup(logger.Config{
				Level:      "info",
				Format:     logger.FormatConsole,
				Output:     os.Stdout,
				TimeFormat: time.RFC3339,
			})
			return nil
		},
		Commands: []*cli.Command{
			scanQualityCommand(),
			findUpgradesCommand(),
			analyzeSeriesCommand(),
			enrichCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}
