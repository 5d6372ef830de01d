package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Pindano/chamagov/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestGenerateCreatesRepoLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "chamagov")
	app := &cli.App{
		Flags:    []cli.Flag{&cli.StringFlag{Name: "repo"}},
		Commands: []*cli.Command{configCMD},
	}
	require.NoError(t, app.Run([]string{"chamagov", "--repo", root, "config", "generate"}))

	assert.True(t, repo.Initialized(root))
	cfg := repo.DefaultConfig(root)
	for _, dir := range repoDirs(cfg) {
		fi, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, fi.IsDir())
	}
	assert.Empty(t, checkConfig(cfg))
}

func TestCheckConfigReportsEveryProblem(t *testing.T) {
	cfg := repo.DefaultConfig(t.TempDir())
	for _, dir := range repoDirs(cfg) {
		require.NoError(t, os.MkdirAll(dir, 0700))
	}
	require.Empty(t, checkConfig(cfg))

	cfg.Signer.PrivateKeys = []string{"not-a-key"}
	cfg.Signer.Passwords = map[string]string{"treasurer": "secret"}
	cfg.Blob.GatewayURL = "ftp://127.0.0.1/ipfs"
	require.NoError(t, os.RemoveAll(cfg.Path(cfg.Signer.KeystoreDir)))
	assert.Len(t, checkConfig(cfg), 4)
}

func TestCheckConfigOpensMirror(t *testing.T) {
	cfg := repo.DefaultConfig(t.TempDir())
	for _, dir := range repoDirs(cfg) {
		require.NoError(t, os.MkdirAll(dir, 0700))
	}
	cfg.Mirror.DSN = filepath.Join(cfg.RepoRoot, "missing", "mirror.db")

	problems := checkConfig(cfg)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Error(), "mirror")
}

func TestCheckConfigStopsAtValidate(t *testing.T) {
	cfg := repo.DefaultConfig(t.TempDir())
	cfg.ChainID = 0
	problems := checkConfig(cfg)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Error(), "chain_id")
}
