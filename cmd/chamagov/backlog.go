package main

import (
	"net/http"

	"github.com/urfave/cli/v2"
)

var backlogCMD = &cli.Command{
	Name:  "backlog",
	Usage: "Inspect failed effects and unresolved reconcile issues",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List failed effect runs and open reconcile issues",
			Flags:  []cli.Flag{apiFlag},
			Action: backlogList,
		},
		{
			Name:   "retry",
			Usage:  "Retry every failed effect run now",
			Flags:  []cli.Flag{apiFlag},
			Action: backlogRetry,
		},
	},
}

func backlogList(ctx *cli.Context) error {
	return callDaemon(ctx, http.MethodGet, "/backlog")
}

func backlogRetry(ctx *cli.Context) error {
	return callDaemon(ctx, http.MethodPost, "/backlog/retry")
}
