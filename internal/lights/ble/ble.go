// Package ble drives the RGB bulbs over Bluetooth Low Energy.
package ble

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/scheerer/rainbow-bulbs/internal/logging"
	"github.com/scheerer/rainbow-bulbs/lights"
)

var logger = logging.New("ble")

type Config struct {
	// DeviceNames limits discovery to these advertised names. Empty accepts any bulb.
	DeviceNames    []string
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Radio discovers bulbs with the default Bluetooth adapter.
type Radio struct {
	config  Config
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	// the adapter runs one scan at a time
	scanMu sync.Mutex
}

var _ lights.Discoverer = (*Radio)(nil)

func NewRadio(config Config) *Radio {
	return &Radio{
		config:  config,
		adapter: bluetooth.DefaultAdapter,
	}
}

func (r *Radio) enable() error {
	r.enableOnce.Do(func() {
		r.enableErr = r.adapter.Enable()
	})
	return r.enableErr
}

// Discover scans until a bulb advertising serviceID shows up. Running out of
// ScanTimeout or ctx counts as a cancelled pick.
func (r *Radio) Discover(ctx context.Context, serviceID uint16) (lights.Peripheral, error) {
	if err := r.enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	if r.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ScanTimeout)
		defer cancel()
	}

	service := bluetooth.New16BitUUID(serviceID)
	logger.With(zap.Stringer("service", service), zap.Strings("deviceNames", r.config.DeviceNames)).
		Info("BLE discovery starting...")

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- r.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(service) || !r.accepts(result.LocalName()) {
				return
			}
			_ = adapter.StopScan()
			select {
			case found <- result:
			default:
			}
		})
	}()

	select {
	case result := <-found:
		logger.With(zap.String("deviceName", result.LocalName()),
			zap.Stringer("address", result.Address),
			zap.Int16("rssi", result.RSSI)).
			Info("Found BLE light")
		<-scanErr
		return &peripheral{radio: r, result: result}, nil
	case err := <-scanErr:
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		select {
		case result := <-found:
			return &peripheral{radio: r, result: result}, nil
		default:
			return nil, lights.ErrCancelled
		}
	case <-ctx.Done():
		_ = r.adapter.StopScan()
		<-scanErr
		logger.Info("BLE discovery ended without a device")
		return nil, fmt.Errorf("%w: %w", lights.ErrCancelled, ctx.Err())
	}
}

func (r *Radio) accepts(name string) bool {
	return len(r.config.DeviceNames) == 0 || slices.Contains(r.config.DeviceNames, name)
}

type peripheral struct {
	radio  *Radio
	result bluetooth.ScanResult
}

func (p *peripheral) Name() string {
	if name := p.result.LocalName(); name != "" {
		return name
	}
	return p.result.Address.String()
}

// Open connects and resolves the color characteristic. The connection is
// dropped again if any step of the handshake fails.
func (p *peripheral) Open(ctx context.Context, serviceID, characteristicID uint16) (lights.Handle, error) {
	if p.radio.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.radio.config.ConnectTimeout)
		defer cancel()
	}

	device, err := await(ctx, func() (bluetooth.Device, error) {
		return p.radio.adapter.Connect(p.result.Address, bluetooth.ConnectionParams{})
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	service := bluetooth.New16BitUUID(serviceID)
	characteristic := bluetooth.New16BitUUID(characteristicID)

	char, err := await(ctx, func() (bluetooth.DeviceCharacteristic, error) {
		services, err := device.DiscoverServices([]bluetooth.UUID{service})
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover service %s: %w", service, err)
		}
		if len(services) == 0 {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("service %s not found", service)
		}
		chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{characteristic})
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover characteristic %s: %w", characteristic, err)
		}
		if len(chars) == 0 {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not found", characteristic)
		}
		return chars[0], nil
	})
	if err != nil {
		if dErr := device.Disconnect(); dErr != nil {
			logger.With(zap.String("deviceName", p.Name()), zap.Error(dErr)).Warn("Disconnect after failed handshake")
		}
		return nil, err
	}

	logger.With(zap.String("deviceName", p.Name())).Info("BLE characteristic ready")
	return &handle{name: p.Name(), device: device, char: char}, nil
}

type handle struct {
	name   string
	device bluetooth.Device
	char   bluetooth.DeviceCharacteristic
}

func (h *handle) Write(ctx context.Context, frame []byte) error {
	_, err := await(ctx, func() (int, error) {
		return h.char.WriteWithoutResponse(frame)
	})
	return err
}

func (h *handle) Close() error {
	logger.With(zap.String("deviceName", h.name)).Debug("Closing BLE connection")
	return h.device.Disconnect()
}

// await runs a blocking radio call and gives up waiting when ctx ends.
// The call itself keeps running in the background.
func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
