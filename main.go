package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/caarlos0/env"
	"github.com/scheerer/rainbow-bulbs/internal/app"
	"github.com/scheerer/rainbow-bulbs/internal/bulbs"
	"github.com/scheerer/rainbow-bulbs/internal/console"
	"github.com/scheerer/rainbow-bulbs/internal/lights/ble"
	"github.com/scheerer/rainbow-bulbs/internal/lights/simulated"
	"github.com/scheerer/rainbow-bulbs/internal/logging"
	"github.com/scheerer/rainbow-bulbs/lights"
	"github.com/scheerer/rainbow-bulbs/rainbow"
)

var (
	logger        = logging.New("main")
	config        = BulbsConfig{}
	rainbowConfig = rainbow.Config{}
)

// shutdownTimeout bounds the red cue and disconnect of every bulb on exit.
const shutdownTimeout = 5 * time.Second

type BulbsConfig struct {
	LightType       string        `env:"LIGHT_TYPE" envDefault:"BLE"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DeviceNames     []string      `env:"DEVICE_NAMES" envSeparator:","`
	ScanTimeout     time.Duration `env:"SCAN_TIMEOUT" envDefault:"30s"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"2s"`
	DisplayBrighten int           `env:"DISPLAY_BRIGHTEN" envDefault:"110"`
	SimDevices      []string      `env:"SIM_DEVICES" envSeparator:"," envDefault:"sim-1,sim-2,sim-3"`
	SimLatency      time.Duration `env:"SIM_LATENCY" envDefault:"20ms"`
	SimFailureRate  float64       `env:"SIM_FAILURE_RATE" envDefault:"0"`
}

func main() {
	defer logger.Sync()

	if err := env.Parse(&config); err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to parse environment variables")
	}
	if err := env.Parse(&rainbowConfig); err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to parse rainbow environment variables")
	}

	level, err := logging.ParseLevel(config.LogLevel)
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Invalid LOG_LEVEL")
	}
	logging.GetLeveler().SetAll(level)

	settings, err := rainbow.NewSettings(rainbowConfig)
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Invalid rainbow settings")
	}

	logger.With(zap.Any("config", config), zap.Any("rainbow", rainbowConfig)).Info("Starting rainbow bulbs")

	logger.Info("LIGHT_TYPE selects the transport. Valid values are: [BLE, SIMULATED]")
	logger.Info("Adjust DEVICE_NAMES to only connect bulbs advertising these names.")
	logger.Info("Adjust INTERVAL, HUE_CHANGE_STEP and HUE_DISTANCE to change the rainbow, or use the set command.")
	logger.Info("Type help for commands, quit or Ctrl+C to stop")

	var discoverer lights.Discoverer
	switch config.LightType {
	case "BLE":
		discoverer = ble.NewRadio(ble.Config{
			DeviceNames:    config.DeviceNames,
			ScanTimeout:    config.ScanTimeout,
			ConnectTimeout: config.ConnectTimeout,
		})
	case "SIMULATED":
		discoverer = simulated.NewRadio(simulated.Config{
			Names:       config.SimDevices,
			Latency:     config.SimLatency,
			FailureRate: config.SimFailureRate,
		})
	default:
		logger.Fatalf("unknown light type: %v", config.LightType)
	}

	a := app.New(discoverer, settings, bulbs.WriteOptions{
		Timeout:         config.WriteTimeout,
		DisplayBrighten: config.DisplayBrighten,
	})

	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		if err := console.New(a, os.Stdin, os.Stdout).Run(ctx); err != nil {
			logger.With(zap.Error(err)).Error("Console stopped")
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-shutdown:
	case <-quit:
	}
	logger.Info("Shutting down")
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout+config.WriteTimeout)
	defer closeCancel()
	if err := a.Close(closeCtx); err != nil {
		logger.With(zap.Error(err)).Warn("Some devices did not disconnect cleanly")
	}
}
