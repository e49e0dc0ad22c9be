package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/paratest/paratest/runner"
	"github.com/paratest/paratest/timing"
)

var (
	Version = "dev"
)

func main() {
	app := cli.NewApp()

	app.Name = "paratest"
	app.Usage = "concurrent test execution engine with isolated database instances"
	app.Version = Version

	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Action: runner.Action,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name: "config",
				},
				&cli.StringFlag{
					Name: "dsn",
				},
				&cli.IntFlag{
					Name: "workers",
				},
				&cli.StringFlag{
					Name: "timings",
				},
				&cli.BoolFlag{
					Name: "progress",
				},
			},
		},
		{
			Name: "timings",
			Subcommands: []*cli.Command{
				{
					Name:   "show",
					Action: timing.ActionShow,
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name: "input",
						},
						&cli.StringFlag{
							Name: "output",
						},
					},
				},
				{
					Name:   "merge",
					Action: timing.ActionMerge,
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name: "output",
						},
					},
				},
				{
					Name:   "filter",
					Action: timing.ActionFilter,
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name: "input",
						},
						&cli.StringFlag{
							Name: "output",
						},
						&cli.Float64Flag{
							Name: "min",
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(-1)
	}
}
