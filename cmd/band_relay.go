package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/band-relay/internal/band"
	"github.com/lowaak/band-relay/internal/bt"
	"github.com/lowaak/band-relay/internal/config"
	"github.com/lowaak/band-relay/internal/logging"
	"github.com/lowaak/band-relay/internal/relay"
)

func main() {
	fs := config.NewFlagSet(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "band-relay:", err)
		os.Exit(2)
	}

	logger, closer, err := logging.New(cfg.LogOptions())
	if err != nil {
		fmt.Fprintln(os.Stderr, "band-relay:", err)
		os.Exit(2)
	}

	err = run(cfg, logger)
	if err != nil {
		logger.Printf("BandRelay: %v", err)
	}
	closer.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	radio, cleanup, err := newRadio(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := band.NewRegistry(logger, radio, cfg.BandOptions())
	server := relay.New(logger, registry, cfg.RelayOptions())
	logger.Printf("BandRelay: starting on %s (%s commands)", cfg.Server.ListenAddress, cfg.Server.CommandFormat)
	return server.Run(ctx)
}

func newRadio(cfg *config.Config, logger *log.Logger) (bt.Radio, func(), error) {
	if !cfg.Radio.Mock {
		manager := bt.NewManager(bluetooth.DefaultAdapter, logger)
		if err := manager.Enable(); err != nil {
			return nil, nil, fmt.Errorf("enable BLE stack: %w", err)
		}
		return manager, manager.Shutdown, nil
	}

	mock := band.NewMockRadio(logger)
	for i := 0; i < cfg.Radio.MockBands; i++ {
		b := mock.AddBand(cfg.Band.Name, fmt.Sprintf("C8:0F:10:00:00:%02X", i+1))
		b.AutoMeasure(cfg.Radio.MockAutoMeasure)
	}
	if cfg.Radio.MockControlAddress == "" {
		return mock, func() {}, nil
	}

	control := band.NewMockControlServer(logger, mock)
	addr, err := control.Start(cfg.Radio.MockControlAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("start mock control API: %w", err)
	}
	logger.Printf("BandRelay: mock control API on http://%s/api/bands", addr)
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := control.Shutdown(ctx); err != nil {
			logger.Printf("BandRelay: mock control API shutdown: %v", err)
		}
	}
	return mock, cleanup, nil
}
