package main

import (
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func status(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return errors.New("missing proposal id")
	}
	return callDaemon(ctx, http.MethodGet, "/proposals/"+url.PathEscape(id))
}
