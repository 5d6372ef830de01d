package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Pindano/chamagov/repo"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var apiFlag = &cli.StringFlag{
	Name:  "api",
	Usage: "address of a running chamagov daemon, defaults to api.listen from the config",
}

// daemonURL resolves the base URL of the daemon the command talks to. The
// journal is locked by the running daemon, so read-side commands go through
// its HTTP API instead of opening the stores themselves.
func daemonURL(ctx *cli.Context) (string, error) {
	addr := ctx.String(apiFlag.Name)
	if addr == "" {
		p, err := getRootPath(ctx)
		if err != nil {
			return "", err
		}
		r, err := repo.Load(p)
		if err != nil {
			return "", err
		}
		addr = r.Config.API.Listen
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

func callDaemon(ctx *cli.Context, method, path string) error {
	base, err := daemonURL(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx.Context, method, base+path, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "call chamagov daemon")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		out.Reset()
		out.Write(body)
	}
	fmt.Println(out.String())
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
