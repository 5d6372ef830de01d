package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "chamagov"
	app.Usage = "Proposal and voting engine for chama governors"
	app.Compiled = time.Now()

	cli.VersionPrinter = func(c *cli.Context) {
		printVersion()
	}

	// global flags
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "repo",
			Usage: "chamagov storage repo path",
		},
	}

	app.Commands = []*cli.Command{
		configCMD,
		{
			Name:   "start",
			Usage:  "Start a long-running daemon process",
			Action: start,
		},
		backlogCMD,
		{
			Name:      "status",
			Usage:     "Show the unified status of a proposal",
			ArgsUsage: "<proposal-id>",
			Flags:     []cli.Flag{apiFlag},
			Action:    status,
		},
		{
			Name:    "version",
			Aliases: []string{"v"},
			Usage:   "chamagov version",
			Action: func(ctx *cli.Context) error {
				printVersion()
				return nil
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
