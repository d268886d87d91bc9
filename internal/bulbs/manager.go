package bulbs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/scheerer/rainbow-bulbs/lights"
)

// Manager discovers and connects bulbs and owns the live, ordered list of
// connected bulbs. Only Manager adds to or removes from that list.
type Manager struct {
	discoverer lights.Discoverer
	opts       WriteOptions
	refresh    RefreshFunc

	bulbsMu sync.RWMutex
	bulbs   []*Bulb
}

func NewManager(discoverer lights.Discoverer, opts WriteOptions, refresh RefreshFunc) *Manager {
	return &Manager{
		discoverer: discoverer,
		opts:       opts,
		refresh:    refresh,
	}
}

// Connect discovers one bulb, opens its color characteristic, flashes it
// green and appends it to the live list.
//
// A cancelled discovery and an already connected name both return (nil, nil).
// A failed handshake returns the error and adds nothing.
func (m *Manager) Connect(ctx context.Context) (*Bulb, error) {
	peripheral, err := m.discoverer.Discover(ctx, lights.ServiceID)
	if err != nil {
		if isCancelled(err) {
			logger.With(zap.Error(err)).Info("Discovery cancelled")
			return nil, nil
		}
		return nil, fmt.Errorf("discover: %w", err)
	}

	name := peripheral.Name()
	if m.hasName(name) {
		logger.With(zap.String("deviceName", name)).Info("Device already connected - ignoring")
		return nil, nil
	}

	logger.With(zap.String("deviceName", name)).Info("Connecting to device")
	handle, err := peripheral.Open(ctx, lights.ServiceID, lights.CharacteristicID)
	if err != nil {
		logger.With(zap.String("deviceName", name), zap.Error(err)).Error("BLE connection failed")
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}

	b := newBulb(name, handle, m.opts, m.refresh)

	m.bulbsMu.Lock()
	if m.indexOfNameLocked(name) >= 0 {
		// lost a race with a concurrent Connect for the same bulb
		m.bulbsMu.Unlock()
		_ = handle.Close()
		return nil, nil
	}
	if err := b.SetColor(ctx, lights.Green, nil); err != nil {
		logger.With(zap.String("deviceName", name), zap.Error(err)).Warn("Failed to flash new device")
	}
	m.bulbs = append(m.bulbs, b)
	count := len(m.bulbs)
	m.bulbsMu.Unlock()

	logger.With(zap.String("deviceName", name), zap.String("id", b.ID()), zap.Int("connected", count)).
		Info("Device connected")
	b.notify()
	return b, nil
}

// Disconnect turns the bulb red, then releases its handle and removes it.
// Teardown happens even if the red write fails; that error is returned.
// A bulb that is already being disconnected reports lights.ErrNotFound.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	b, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("disconnect %s: %w", id, lights.ErrNotFound)
	}
	return m.disconnect(ctx, b)
}

// DisconnectAll disconnects every bulb connected at the time of the call.
// Bulbs are handled independently; all failures are returned together.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	bulbs := m.Bulbs()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, b := range bulbs {
		wg.Add(1)
		go func(b *Bulb) {
			defer wg.Done()
			err := m.disconnect(ctx, b)
			if errors.Is(err, lights.ErrNotFound) {
				// someone else is already tearing it down
				return
			}
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
		}(b)
	}
	wg.Wait()

	return errs
}

func (m *Manager) disconnect(ctx context.Context, b *Bulb) error {
	if !b.beginClose() {
		return fmt.Errorf("disconnect %s: %w", b.name, lights.ErrNotFound)
	}

	cueErr := b.sendCue(ctx, lights.Red)
	if cueErr != nil {
		cueErr = fmt.Errorf("disconnect cue: %w", cueErr)
	}

	closeErr := b.handle.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close %s: %w", b.name, closeErr)
	}

	remaining := m.remove(b)

	logger.With(zap.String("deviceName", b.name), zap.String("id", b.id), zap.Int("connected", remaining)).
		Info("Device disconnected")
	b.notify()

	return multierr.Combine(cueErr, closeErr)
}

// remove drops b by identity so concurrent removals never shift each other.
func (m *Manager) remove(b *Bulb) int {
	m.bulbsMu.Lock()
	defer m.bulbsMu.Unlock()

	if i := slices.Index(m.bulbs, b); i >= 0 {
		m.bulbs = slices.Delete(m.bulbs, i, i+1)
	}
	return len(m.bulbs)
}

// Bulbs returns the connected bulbs in connection order.
func (m *Manager) Bulbs() []*Bulb {
	m.bulbsMu.RLock()
	defer m.bulbsMu.RUnlock()
	return slices.Clone(m.bulbs)
}

// Devices returns a snapshot of every connected bulb in connection order.
func (m *Manager) Devices() []BulbState {
	bulbs := m.Bulbs()
	states := make([]BulbState, 0, len(bulbs))
	for _, b := range bulbs {
		states = append(states, b.Snapshot())
	}
	return states
}

func (m *Manager) Get(id string) (*Bulb, bool) {
	m.bulbsMu.RLock()
	defer m.bulbsMu.RUnlock()

	for _, b := range m.bulbs {
		if b.id == id {
			return b, true
		}
	}
	return nil, false
}

func (m *Manager) Len() int {
	m.bulbsMu.RLock()
	defer m.bulbsMu.RUnlock()
	return len(m.bulbs)
}

// ResetCounters zeroes the write counters of every connected bulb.
func (m *Manager) ResetCounters() {
	for _, b := range m.Bulbs() {
		b.ResetCounters()
	}
}

func (m *Manager) hasName(name string) bool {
	m.bulbsMu.RLock()
	defer m.bulbsMu.RUnlock()
	return m.indexOfNameLocked(name) >= 0
}

func (m *Manager) indexOfNameLocked(name string) int {
	return slices.IndexFunc(m.bulbs, func(b *Bulb) bool { return b.name == name })
}

func isCancelled(err error) bool {
	return errors.Is(err, lights.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
