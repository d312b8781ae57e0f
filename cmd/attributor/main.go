// Command attributor builds, inspects and queries corpus index files offline.
//
// Usage:
//
//	attributor build --input docs.jsonl --output tulu-3-8b.sagx
//	attributor inspect --index tulu-3-8b.sagx --doc 3
//	attributor query --index tulu-3-8b.sagx --v2 "text to attribute"
//	attributor import-metadata --index-name tulu-3-8b --input overrides.jsonl
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "attributor: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "attributor",
		Usage: "Build, inspect and query span attribution indexes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Service config file supplying attribution defaults and connections",
				EnvVars: []string{"SA_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			logger.SetupWriter(c.App.ErrWriter, c.String("log-level"), "text")
			return nil
		},
		Commands: []*cli.Command{
			buildCommand(),
			inspectCommand(),
			queryCommand(),
			importMetadataCommand(),
		},
	}
}
