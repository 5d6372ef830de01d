package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/Pindano/chamagov"
	"github.com/Pindano/chamagov/core"
	"github.com/Pindano/chamagov/core/api"
	"github.com/Pindano/chamagov/repo"
	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
)

func start(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	r, err := repo.Load(p)
	if err != nil {
		return err
	}
	if err := r.Config.Validate(); err != nil {
		return err
	}

	err = log.Initialize(
		log.WithReportCaller(r.Config.Log.ReportCaller),
		log.WithPersist(true),
		log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
		log.WithFileName(r.Config.Log.Filename),
		log.WithMaxAge(r.Config.Log.MaxAge),
		log.WithRotationTime(r.Config.Log.RotationTime),
	)
	if err != nil {
		return fmt.Errorf("log initialize: %w", err)
	}

	printVersion()

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	client, err := ethclient.DialContext(runCtx, r.Config.DialUrl)
	if err != nil {
		return err
	}

	engine, err := core.NewEngine(runCtx, r.Config, client)
	if err != nil {
		return fmt.Errorf("new engine error: %w", err)
	}

	if err := engine.Start(); err != nil {
		_ = engine.Stop()
		return fmt.Errorf("start engine failed: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server := api.NewServer(engine, engine.Registry, engine.Logger)
		if err := server.Serve(runCtx, r.Config.API.Listen); err != nil {
			engine.Logger.Errorf("api server: %s", err)
			cancel()
		}
	}()

	fmt.Println("=============Chamagov is ready=============")

	handleShutdown(runCtx, cancel)
	wg.Wait()

	if err := engine.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	return nil
}

func printVersion() {
	fmt.Printf("Chamagov version: %s-%s-%s\n", chamagov.CurrentVersion, chamagov.CurrentBranch, chamagov.CurrentCommit)
	fmt.Printf("App build date: %s\n", chamagov.BuildDate)
	fmt.Printf("System version: %s\n", chamagov.Platform)
	fmt.Printf("Golang version: %s\n", chamagov.GoVersion)
	fmt.Println()
}

// handleShutdown blocks until a termination signal arrives or ctx ends.
func handleShutdown(ctx context.Context, cancel context.CancelFunc) {
	var stop = make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM)
	signal.Notify(stop, syscall.SIGINT)
	defer signal.Stop(stop)

	select {
	case <-stop:
		fmt.Println("received interrupt signal, shutting down...")
	case <-ctx.Done():
	}
	cancel()
}
