package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/config"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/dashboard"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/dircon"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/trainer"
)

func main() {
	fs := pflag.NewFlagSet("trainer-bridge", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, notes, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trainer-bridge: %v\n", err)
		if errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	var (
		console io.Writer = os.Stderr
		logs    *dashboard.LogBuffer
	)
	if cfg.Dashboard {
		logs = dashboard.NewLogBuffer()
		console = logs
	}
	logger, logCloser := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    console,
	})
	defer logCloser.Close()

	logger.Printf("Main: trainer-bridge %s starting", trainer.Version)
	for _, note := range notes {
		logger.Printf("Main: %s", note)
	}

	if err := run(cfg, logger, logs); err != nil {
		logger.Printf("Main: %v", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
	logger.Printf("Main: shutdown complete")
}

func run(cfg config.Config, logger *log.Logger, logs *dashboard.LogBuffer) error {
	var central bt.Central
	if cfg.BLE.Simulate {
		central = bt.NewSimCentral(bt.DefaultSimOptions(), logger)
	} else {
		central = bt.NewTinygoCentral(bluetooth.DefaultAdapter, logger)
	}
	if err := central.Enable(); err != nil {
		return fmt.Errorf("enable BLE stack: %w", err)
	}

	transport, err := dircon.Listen(fmt.Sprintf(":%d", cfg.DirCon.Port), logger)
	if err != nil {
		central.Close()
		return err
	}
	transport.Start()
	defer transport.Close()

	app, err := trainer.NewApp(cfg, central, transport, logger)
	if err != nil {
		central.Close()
		return err
	}

	if cfg.DirCon.MDNS {
		mac := dircon.HardwareAddr()
		advertiser, err := dircon.Advertise(dircon.Advertisement{
			Name:         cfg.DeviceName,
			Port:         transport.Port(),
			ServiceUUIDs: app.AdvertisedServices(),
			MACAddress:   mac,
			SerialNumber: strings.ReplaceAll(mac, "-", ""),
		}, logger)
		if err != nil {
			logger.Printf("Main: mDNS disabled: %v", err)
		} else {
			defer advertiser.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Dashboard {
		return app.Run(ctx)
	}

	dash := dashboard.New(logger, logs, stop)
	dash.Attach(app)
	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx)
		dash.Stop()
	}()

	uiErr := dash.Run()
	stop()
	runErr := <-done
	if uiErr != nil {
		return fmt.Errorf("dashboard: %w", uiErr)
	}
	return runErr
}
