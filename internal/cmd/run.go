package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livecheck/livecheck/internal/api"
	"github.com/livecheck/livecheck/internal/app"
	"github.com/livecheck/livecheck/internal/config"
	"github.com/livecheck/livecheck/internal/logging"
	"github.com/livecheck/livecheck/internal/watcher"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// StartService runs the control API until SIGINT or SIGTERM. configPath, when
// non-empty, is watched for hot reloads.
func StartService(cfg *config.Config, configPath string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runService(ctx, cfg, configPath); err != nil {
		log.Errorf("service stopped with error: %v", err)
		return
	}
	log.Info("service stopped")
}

func runService(ctx context.Context, cfg *config.Config, configPath string) error {
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err = a.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(cfg, a)

	if configPath != "" {
		w, errWatcher := watcher.NewWatcher(configPath, func(newCfg *config.Config) {
			if errLog := logging.ConfigureLogOutput(newCfg); errLog != nil {
				log.Errorf("failed to reconfigure log output: %v", errLog)
			}
			a.ReloadConfig(newCfg)
			server.UpdateConfig(newCfg)
		})
		if errWatcher != nil {
			log.Warnf("config hot reload disabled: %v", errWatcher)
		} else {
			w.SetConfig(cfg)
			if errStart := w.Start(ctx); errStart != nil {
				log.Warnf("config hot reload disabled: %v", errStart)
			}
			defer func() {
				if errStop := w.Stop(); errStop != nil {
					log.Debugf("stop config watcher: %v", errStop)
				}
			}()
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err = <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
