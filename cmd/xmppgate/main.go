package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/meszmate/xmppgate/internal/agent"
	"github.com/meszmate/xmppgate/internal/config"
	"github.com/meszmate/xmppgate/internal/gateway"
	"github.com/meszmate/xmppgate/internal/logging"
	"github.com/meszmate/xmppgate/internal/setup"
	"github.com/meszmate/xmppgate/internal/storage/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: XDG config dir)")
		runSetup   = flag.Bool("setup", false, "run the interactive setup wizard")
		probe      = flag.String("probe", "", "probe connectivity for the given account and exit")
		approve    = flag.String("approve", "", "approve a pairing code and exit")
	)
	flag.Parse()

	path := *configPath
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			log.Fatalf("Failed to resolve config path: %v", err)
		}
		path = p
	}

	if *runSetup {
		if err := setup.Run(path); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closeLog, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer closeLog()

	if err := run(cfg, logger, *probe, *approve); err != nil {
		logger.Error("fatal", zap.Error(err))
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger, probeAccount, approveCode string) error {
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}
		if err := paths.EnsureDirectories(); err != nil {
			return err
		}
		dbPath = filepath.Join(paths.DataDir, "xmppgate.db")
	}
	db, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var runtime agent.Runtime
	if cfg.Agent.Plugin != "" {
		pr, err := agent.NewPluginRuntime(cfg.Agent.Plugin, logger.Named("agent"))
		if err != nil {
			return err
		}
		defer pr.Close()
		runtime = pr
	} else {
		runtime = agent.Echo{}
	}

	rt, err := gateway.NewRuntime(gateway.Options{
		Config:       cfg,
		Logger:       logger,
		Store:        db,
		PairingStore: db,
		Agent:        runtime,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if approveCode != "" {
		sender, err := rt.Pairing().Approve(ctx, approveCode)
		if err != nil {
			return err
		}
		fmt.Printf("Approved %s\n", sender)
		return nil
	}

	if probeAccount != "" {
		res := rt.Probe(ctx, probeAccount)
		if !res.OK {
			return fmt.Errorf("probe %s (%s): %s", res.AccountID, res.JID, res.Error)
		}
		fmt.Printf("OK %s (%s) via %s:%d tls=%v in %s\n",
			res.AccountID, res.JID, res.Host, res.Port, res.TLS, res.Elapsed)
		return nil
	}

	logger.Info("starting gateway")
	return rt.Run(ctx)
}
