package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/fishnet/internal/lobbyserver"
	"github.com/blukai/fishnet/internal/relayserver"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	LobbyAddr   string        `envconfig:"LOBBY_ADDR" required:"true" default:"0.0.0.0:5000"`
	RelayAddr   string        `envconfig:"RELAY_ADDR" default:"0.0.0.0:5001"`
	PeerTimeout time.Duration `envconfig:"PEER_TIMEOUT" default:"10s"`
	Debug       bool          `envconfig:"DEBUG"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("fishnet", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger(config *Config) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.InfoLevel
	if config.Debug {
		logger.Level = log.DebugLevel
	}
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config)

	lobbyServer, err := lobbyserver.NewLobbyServer("udp4", config.LobbyAddr, logger)
	if err != nil {
		return fmt.Errorf("could not construct lobby server: %w", err)
	}
	lobbyServer.PeerTimeout = config.PeerTimeout
	logger.Info().Msgf("started lobby server on %s", lobbyServer.Addr())

	// NOTE: an empty relay addr turns the relay off
	var relayServer *relayserver.RelayServer
	if config.RelayAddr != "" {
		relayServer, err = relayserver.NewRelayServer("udp4", config.RelayAddr, logger)
		if err != nil {
			return fmt.Errorf("could not construct relay server: %w", err)
		}
		relayServer.PeerTimeout = config.PeerTimeout
		logger.Info().Msgf("started relay server on %s", relayServer.Addr())
	}

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu      sync.Mutex
		runErrs error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				runErrs = multierror.Append(runErrs, fmt.Errorf("%s run failed: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	run("lobby server", lobbyServer.Run)
	if relayServer != nil {
		run("relay server", relayServer.Run)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()

	return runErrs
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
