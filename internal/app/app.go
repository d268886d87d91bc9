package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/scheerer/rainbow-bulbs/internal/bulbs"
	"github.com/scheerer/rainbow-bulbs/internal/logging"
	"github.com/scheerer/rainbow-bulbs/internal/util"
	"github.com/scheerer/rainbow-bulbs/lights"
	"github.com/scheerer/rainbow-bulbs/rainbow"
)

var logger = logging.New("app")

var (
	ErrInvalidHex   = errors.New("invalid hex color")
	ErrAmbiguousRef = errors.New("ambiguous device reference")
)

// minPrefix is the shortest id prefix accepted as a device reference.
const minPrefix = 4

// App is the whole application state: the live bulbs, the runtime settings
// and the rainbow loop, plus the actions a front end can bind to.
type App struct {
	manager   *bulbs.Manager
	settings  *rainbow.Settings
	scheduler *rainbow.Scheduler

	listenersMu sync.RWMutex
	listeners   []bulbs.RefreshFunc
}

func New(discoverer lights.Discoverer, settings *rainbow.Settings, opts bulbs.WriteOptions) *App {
	a := &App{settings: settings}
	a.manager = bulbs.NewManager(discoverer, opts, a.publish)
	a.scheduler = rainbow.NewScheduler(a.manager, settings)
	return a
}

// Subscribe registers fn for every device refresh. fn runs on the goroutine
// that completed the change and must not block.
func (a *App) Subscribe(fn bulbs.RefreshFunc) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *App) publish(state bulbs.BulbState) {
	a.listenersMu.RLock()
	listeners := a.listeners
	a.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// Devices lists every connected bulb in connection order.
func (a *App) Devices() []bulbs.BulbState {
	return a.manager.Devices()
}

// Device looks a bulb up by id, 1-based position, exact name or id prefix.
func (a *App) Device(ref string) (bulbs.BulbState, error) {
	b, err := a.resolve(ref)
	if err != nil {
		return bulbs.BulbState{}, err
	}
	return b.Snapshot(), nil
}

// Connect discovers and connects one bulb. ok is false when discovery was
// cancelled or the bulb was already connected.
func (a *App) Connect(ctx context.Context) (state bulbs.BulbState, ok bool, err error) {
	b, err := a.manager.Connect(ctx)
	if err != nil || b == nil {
		return bulbs.BulbState{}, false, err
	}
	return b.Snapshot(), true, nil
}

func (a *App) Disconnect(ctx context.Context, ref string) error {
	b, err := a.resolve(ref)
	if err != nil {
		return err
	}
	return a.manager.Disconnect(ctx, b.ID())
}

func (a *App) DisconnectAll(ctx context.Context) error {
	return a.manager.DisconnectAll(ctx)
}

// SetColorFromHex colors one bulb from "#rrggbb". Malformed input is rejected
// with ErrInvalidHex and nothing is written.
func (a *App) SetColorFromHex(ctx context.Context, ref, hex string) error {
	r, g, b, ok := util.HexToRgb(hex)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidHex, hex)
	}
	return a.SetColor(ctx, ref, lights.Color{Red: r, Green: g, Blue: b})
}

// SetColor colors one bulb. A bulb that is still busy drops the color; that
// only shows up in its error counter.
func (a *App) SetColor(ctx context.Context, ref string, c lights.Color) error {
	b, err := a.resolve(ref)
	if err != nil {
		return err
	}
	if err := b.SetColor(ctx, c, nil); err != nil && !errors.Is(err, lights.ErrBusy) {
		return err
	}
	return nil
}

func (a *App) StartRainbow(ctx context.Context) bool {
	return a.scheduler.Start(ctx)
}

func (a *App) StopRainbow() bool {
	return a.scheduler.Stop()
}

func (a *App) RainbowState() rainbow.State {
	return a.scheduler.State()
}

// RainbowSetup seeds every bulb with a starting hue HueDistance apart.
func (a *App) RainbowSetup(ctx context.Context) []float64 {
	return rainbow.Setup(ctx, a.manager.Bulbs(), a.settings.Get())
}

func (a *App) ResetErrorCounters() {
	a.manager.ResetCounters()
}

func (a *App) Settings() rainbow.Config {
	return a.settings.Get()
}

func (a *App) SetSetting(name, value string) error {
	if err := a.settings.Set(name, value); err != nil {
		return err
	}
	logger.With(zap.String("setting", name), zap.String("value", value)).Info("Setting changed")
	return nil
}

// Close stops the rainbow and disconnects every bulb.
func (a *App) Close(ctx context.Context) error {
	a.scheduler.Stop()
	if a.manager.Len() == 0 {
		return nil
	}
	logger.With(zap.Int("devices", a.manager.Len())).Info("Disconnecting all devices")
	return a.manager.DisconnectAll(ctx)
}

func (a *App) resolve(ref string) (*bulbs.Bulb, error) {
	ref = strings.TrimSpace(ref)
	if b, ok := a.manager.Get(ref); ok {
		return b, nil
	}

	all := a.manager.Bulbs()
	if i, err := strconv.Atoi(ref); err == nil && i >= 1 && i <= len(all) {
		return all[i-1], nil
	}
	for _, b := range all {
		if b.Name() == ref {
			return b, nil
		}
	}

	if len(ref) >= minPrefix {
		var match *bulbs.Bulb
		for _, b := range all {
			if strings.HasPrefix(b.ID(), ref) {
				if match != nil {
					return nil, fmt.Errorf("%w: %q", ErrAmbiguousRef, ref)
				}
				match = b
			}
		}
		if match != nil {
			return match, nil
		}
	}

	return nil, fmt.Errorf("%q: %w", ref, lights.ErrNotFound)
}
