package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forged/internal/config"
	"github.com/danmuck/forged/internal/logging"
	"github.com/danmuck/forged/internal/pool"
	"github.com/danmuck/forged/internal/server"
	"github.com/danmuck/forged/internal/worker/procexec"
)

func main() {
	configPath := flag.String("config", "", "path to forged config TOML")
	flag.Parse()

	logging.ConfigureRuntime()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "forgectl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("-config is required")
	}
	cfg, err := config.LoadDaemonConfig(configPath)
	if err != nil {
		return err
	}

	poolCfg, err := poolConfigFrom(cfg.Pool)
	if err != nil {
		return err
	}

	spawner := procexec.Spawner{
		Command:  cfg.Worker.Command,
		BaseArgs: cfg.Worker.BaseArgs,
	}
	p, err := pool.New(poolCfg, spawner)
	if err != nil {
		return err
	}
	monitor := pool.NewMonitor(p)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)

	srv := server.New(cfg.ID, cfg.CorsOrigins, p, monitor)
	serveErr := srv.Run(ctx, cfg.Addr)

	if err := p.ShutdownAll(); err != nil {
		log.Warn().Err(err).Msg("worker teardown reported failures")
	}
	return serveErr
}

func poolConfigFrom(in config.PoolConfig) (pool.Config, error) {
	out := pool.Config{DisableExpiration: in.DisableExpiration}
	var err error
	if out.MaxIdle, err = config.Duration(in.MaxIdle, 0); err != nil {
		return pool.Config{}, fmt.Errorf("pool.max_idle: %w", err)
	}
	if out.SweepInterval, err = config.Duration(in.SweepInterval, 0); err != nil {
		return pool.Config{}, fmt.Errorf("pool.sweep_interval: %w", err)
	}
	if out.ShutdownGrace, err = config.Duration(in.ShutdownGrace, 0); err != nil {
		return pool.Config{}, fmt.Errorf("pool.shutdown_grace: %w", err)
	}
	return out, nil
}
