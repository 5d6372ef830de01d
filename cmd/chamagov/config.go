package main

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"

	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/repo"
	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var configCMD = &cli.Command{
	Name:  "config",
	Usage: "Manage the chamagov repo and its config",
	Subcommands: []*cli.Command{
		{
			Name:   "generate",
			Usage:  "Create the repo layout with a default config",
			Action: generate,
		},
		{
			Name:   "show",
			Usage:  "Show the config with environment overrides applied",
			Action: show,
		},
		{
			Name:   "check",
			Usage:  "Validate the config, signer keys and mirror database",
			Action: check,
		},
		{
			Name:   "rewrite-with-env",
			Usage:  "Persist environment overrides into the config file",
			Action: rewriteWithEnv,
		},
	},
}

// repoDirs lists the directories a generated repo starts with.
func repoDirs(cfg *repo.Config) []string {
	return []string{
		cfg.RepoRoot,
		filepath.Join(cfg.RepoRoot, repo.LogsDirName),
		filepath.Join(cfg.RepoRoot, repo.JournalDirName),
		cfg.Path(cfg.Signer.KeystoreDir),
	}
}

func generate(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	r := &repo.Repo{Config: repo.DefaultConfig(p)}
	if repo.Initialized(p) {
		return errors.Errorf("chamagov repo already exists at %s", p)
	}

	for _, dir := range repoDirs(r.Config) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	if err := r.Flush(); err != nil {
		return err
	}

	fmt.Printf("initializing chamagov at %s\n", p)
	fmt.Printf("  config:   %s\n", r.ConfigPath())
	fmt.Printf("  journal:  %s\n", filepath.Join(p, repo.JournalDirName))
	fmt.Printf("  keystore: %s\n", r.Config.Path(r.Config.Signer.KeystoreDir))
	return nil
}

// loadRepo loads an existing repo; unlike repo.Load it never writes a
// default config.
func loadRepo(ctx *cli.Context) (*repo.Repo, error) {
	p, err := getRootPath(ctx)
	if err != nil {
		return nil, err
	}
	if !repo.Initialized(p) {
		return nil, errors.Errorf("chamagov repo not found at %s, run `chamagov config generate` first", p)
	}
	return repo.Load(p)
}

func show(ctx *cli.Context) error {
	r, err := loadRepo(ctx)
	if err != nil {
		return err
	}
	str, err := repo.MarshalConfig(r.Config)
	if err != nil {
		return err
	}
	fmt.Println(str)
	return nil
}

func check(ctx *cli.Context) error {
	r, err := loadRepo(ctx)
	if err != nil {
		return errors.Wrap(err, "config file format error")
	}
	problems := checkConfig(r.Config)
	for _, p := range problems {
		fmt.Println("  -", p)
	}
	if len(problems) > 0 {
		return cli.Exit(fmt.Sprintf("config is invalid: %d problem(s)", len(problems)), 1)
	}
	fmt.Println("config is valid")
	return nil
}

// checkConfig goes past Validate: it parses the signer keys, looks for the
// keystore and repo directories and opens the mirror database.
func checkConfig(cfg *repo.Config) []error {
	if err := cfg.Validate(); err != nil {
		return []error{err}
	}

	var problems []error
	if _, err := ledger.NewKeySigner(new(big.Int).SetUint64(cfg.ChainID), cfg.Signer.PrivateKeys); err != nil {
		problems = append(problems, errors.Wrap(err, "signer"))
	}
	for addr := range cfg.Signer.Passwords {
		if !common.IsHexAddress(addr) {
			problems = append(problems, errors.Errorf("signer: passphrase configured for invalid address %q", addr))
		}
	}
	for _, dir := range repoDirs(cfg) {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			problems = append(problems, errors.Errorf("missing directory %s", dir))
		}
	}
	for name, raw := range map[string]string{"blob.api_url": cfg.Blob.APIURL, "blob.gateway_url": cfg.Blob.GatewayURL} {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			problems = append(problems, errors.Errorf("%s: %q is not an http(s) url", name, raw))
		}
	}

	dsn := cfg.Mirror.DSN
	if cfg.Mirror.Driver != mirror.DriverPostgres {
		dsn = cfg.Path(dsn)
	}
	store, err := mirror.Open(mirror.Config{Driver: cfg.Mirror.Driver, DSN: dsn}, log.NewWithModule("mirror"))
	if err != nil {
		problems = append(problems, errors.Wrap(err, "mirror"))
	} else {
		_ = store.Close()
	}
	return problems
}

func rewriteWithEnv(ctx *cli.Context) error {
	r, err := loadRepo(ctx)
	if err != nil {
		return err
	}
	return r.Flush()
}

func getRootPath(ctx *cli.Context) (string, error) {
	p := ctx.String("repo")

	var err error
	if p == "" {
		p, err = repo.LoadRepoRootFromEnv(p)
		if err != nil {
			return "", err
		}
	}
	return p, nil
}
