package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ConfigFileEnv names the environment variable holding an explicit config file path.
const ConfigFileEnv = "QAM_CONFIG_FILE"

// Run is the CLI entrypoint used by cmd/qamanager.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	cfg, err := LoadConfig(os.Getenv(ConfigFileEnv))
	if err != nil {
		return err
	}
	log := NewLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}

	return a.Run(ctx)
}
