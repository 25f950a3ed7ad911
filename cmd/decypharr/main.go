package decypharr

import (
	"context"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/config"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/darkiworld/debrid-blackhole/internal/metrics"
	"github.com/darkiworld/debrid-blackhole/internal/request"
	"github.com/darkiworld/debrid-blackhole/pkg/blackhole"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/debrid"
	"github.com/darkiworld/debrid-blackhole/pkg/manager"
	"github.com/darkiworld/debrid-blackhole/pkg/server"
	"github.com/darkiworld/debrid-blackhole/pkg/version"
	"github.com/darkiworld/debrid-blackhole/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"
)

func Start(ctx context.Context) error {

	if umaskStr := os.Getenv("UMASK"); umaskStr != "" {
		umask, err := strconv.ParseInt(umaskStr, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid UMASK value: %s", umaskStr)
		}
		syscall.Umask(int(umask))
	}

	cfg := config.Get()
	if err := logger.Setup(cfg.Path, cfg.LogLevel); err != nil {
		return err
	}
	_log := logger.Default()

	_log.Info().Msgf("Version: %s", version.GetInfo().String())
	_log.Debug().Msgf("Config Loaded: %s", cfg.JsonFile())
	_log.Info().Msgf("Default Log Level: %s", cfg.LogLevel)

	metrics.Register()

	engine := debrid.FromConfig(cfg)
	for _, c := range engine.Enabled() {
		_log.Info().Str("provider", c.GetName()).Bool("configured", c.IsConfigured()).Msg("Debrid provider loaded")
	}

	discord := request.NewDiscord(cfg.DiscordWebhook, nil)
	mgr := manager.New(engine,
		manager.WithStorage(manager.NewStorage(afero.NewOsFs(), cfg.DownloadsFile())),
		manager.WithTimeout(cfg.Manager.GetTimeout()),
		manager.WithPollInterval(cfg.Manager.GetPollInterval()),
		manager.WithDiscord(discord),
	)
	defer func() {
		if err := mgr.Close(); err != nil {
			_log.Error().Err(err).Msg("Failed to save downloads on shutdown")
		}
	}()

	srv := server.New(mgr, engine, server.WithPort(cfg.Port), server.WithAuth(cfg.Auth))

	services := []service{
		srv.Start,
		worker.New(mgr, cfg.Manager.GetRetention()).Start,
	}
	if cfg.Blackhole.Enabled {
		services = append(services, blackhole.New(cfg.Blackhole, mgr, blackhole.WithDiscord(discord)).Start)
	}
	return run(ctx, _log, services...)
}

type service func(ctx context.Context) error

// run starts every service and waits for all of them to return. The first
// failure or panic cancels the others and is returned once they are done.
func run(parent context.Context, _log zerolog.Logger, services ...service) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(services))

	safeGo := func(f service) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					_log.Error().
						Interface("panic", r).
						Str("stack", string(stack)).
						Msg("Recovered from panic in goroutine")

					errChan <- fmt.Errorf("panic: %v", r)
				}
			}()

			if err := f(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	for _, s := range services {
		safeGo(s)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	var failed error
	select {
	case err, ok := <-errChan:
		if ok {
			failed = err
			_log.Error().Err(err).Msg("Service failed, shutting down")
		}
	case <-ctx.Done():
	}
	// let the server drain and the worker take its final save
	cancel()
	for range errChan {
	}
	if failed != nil {
		return failed
	}
	return parent.Err()
}
