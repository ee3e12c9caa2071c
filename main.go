package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dselans/gzseek/config"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Println("ERROR: ", err)
		os.Exit(1)
	}

	logrus.SetLevel(cfg.LogLevel())
	logrus.SetOutput(os.Stderr)

	if cfg.CLI.Debug {
		logrus.Info("debug mode enabled")
	}

	if !cfg.CLI.Quiet {
		displayConfig(cfg)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logrus.Errorf("error running '%s': %s", cfg.Command(), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	cmd := strings.Fields(cfg.Command())
	if len(cmd) == 0 {
		return errors.New("no command given")
	}

	switch cmd[0] {
	case "index":
		return runIndex(cfg)
	case "extract":
		return runExtract(cfg, os.Stdout)
	case "lines":
		return runLines(cfg, os.Stdout)
	case "scan":
		return runScan(ctx, cfg, os.Stdout)
	case "serve":
		return runServe(ctx, cfg)
	default:
		return errors.Errorf("unknown command '%s'", cmd[0])
	}
}

func displayConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	logrus.Info("gzseek settings:")
	logrus.Info("  [CLI]")
	logrus.Infof("  version: %s", config.VERSION)
	logrus.Infof("  command: %s", cfg.Command())
	logrus.Infof("  debug: %v", cfg.CLI.Debug)
	logrus.Infof("  config file: %s", cfg.CLI.ConfigFile)
	logrus.Info("")
	logrus.Info("  [CONFIG]")
	logrus.Infof("  config.log_level: %s", cfg.TOML.Config.LogLevel)
	logrus.Info("")
	logrus.Info("  [INDEX]")
	logrus.Infof("  index.spacing: %d", cfg.TOML.Index.Spacing)
	logrus.Infof("  index.read_all_buf_size: %d", cfg.TOML.Index.ReadAllBufSize)
	logrus.Infof("  index.file_suffix: %s", cfg.TOML.Index.FileSuffix)
	logrus.Info("")
	logrus.Info("  [SCAN]")
	logrus.Infof("  scan.num_workers: %d", cfg.TOML.Scan.NumWorkers)
	logrus.Infof("  scan.batch_size: %d", cfg.TOML.Scan.BatchSize)
	logrus.Infof("  scan.checkpoint_file: %s", cfg.TOML.Scan.CheckpointFile)
	logrus.Infof("  scan.checkpoint_index: %s", cfg.TOML.Scan.CheckpointIndex)
	logrus.Infof("  scan.checkpoint_interval: %s", cfg.TOML.Scan.CheckpointInterval)
	logrus.Infof("  scan.disable_checkpointing: %v", cfg.TOML.Scan.DisableCheckpointing)
	logrus.Info("")
	logrus.Info("  [SERVE]")
	logrus.Infof("  serve.listen_address: %s", cfg.TOML.Serve.ListenAddress)
	logrus.Infof("  serve.shutdown_timeout: %s", cfg.TOML.Serve.ShutdownTimeout)
}
