package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jackzampolin/spider/internal/config"
	"github.com/jackzampolin/spider/internal/engine"
	"github.com/jackzampolin/spider/internal/home"
	"github.com/jackzampolin/spider/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// cliEnv is what every local command needs: the home layout, the loaded
// configuration and a logger built from it.
type cliEnv struct {
	home   *home.Dir
	config *config.Manager
	logger *slog.Logger
	closer io.Closer
}

func loadEnv() (*cliEnv, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	cm, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.Setup(cm.Get().Logging)
	if err != nil {
		return nil, err
	}
	return &cliEnv{home: h, config: cm, logger: logger, closer: closer}, nil
}

func (e *cliEnv) openEngine(ctx context.Context) (*engine.Engine, error) {
	return engine.Open(ctx, engine.Config{
		Config: e.config.Get(),
		Home:   e.home,
		Logger: e.logger,
	})
}

func (e *cliEnv) Close() error {
	return e.closer.Close()
}

// closeEngine gives sessions a bounded window to persist their state.
func closeEngine(eng *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("engine did not close cleanly", "error", err)
	}
}
