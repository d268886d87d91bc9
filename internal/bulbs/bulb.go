package bulbs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scheerer/rainbow-bulbs/lights"
)

// BulbState is a point-in-time copy of a Bulb. The color fields are only
// meaningful when HasColor is set, and always describe the last write that
// completed successfully.
type BulbState struct {
	ID      string
	Name    string
	Busy    bool
	Closing bool

	HasColor   bool
	Color      lights.Color
	Hue        float64
	Saturation float64
	Lightness  float64
	Hex        string
	DisplayHex string

	WriteAttempts  uint64
	WriteSuccesses uint64
	WriteErrors    uint64
}

// RefreshFunc is told about every state change that a display should redraw.
type RefreshFunc func(BulbState)

// Bulb is one connected light. The handle is owned by the bulb and released
// by Manager on disconnect.
type Bulb struct {
	id      string
	name    string
	handle  lights.Handle
	opts    WriteOptions
	refresh RefreshFunc

	mu       sync.Mutex
	busy     bool
	closing  bool
	inflight chan struct{}
	state    BulbState
}

// WriteOptions tune how a bulb writes and renders its color.
type WriteOptions struct {
	// Timeout bounds a single frame write. Zero means no bound.
	Timeout time.Duration
	// DisplayBrighten is added to every channel of Hex to get DisplayHex.
	DisplayBrighten int
}

func newBulb(name string, handle lights.Handle, opts WriteOptions, refresh RefreshFunc) *Bulb {
	id := uuid.NewString()
	return &Bulb{
		id:      id,
		name:    name,
		handle:  handle,
		opts:    opts,
		refresh: refresh,
		state: BulbState{
			ID:   id,
			Name: name,
		},
	}
}

func (b *Bulb) ID() string   { return b.id }
func (b *Bulb) Name() string { return b.name }

// Snapshot returns a copy of the current state.
func (b *Bulb) Snapshot() BulbState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state
	s.Busy = b.busy
	s.Closing = b.closing
	return s
}

// Busy reports whether a write is in flight.
func (b *Bulb) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// beginClose marks the bulb as disconnecting. Only the first caller gets true.
func (b *Bulb) beginClose() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closing {
		return false
	}
	b.closing = true
	return true
}

// ResetCounters zeroes the attempt, success and error counters together.
func (b *Bulb) ResetCounters() {
	b.mu.Lock()
	b.state.WriteAttempts = 0
	b.state.WriteSuccesses = 0
	b.state.WriteErrors = 0
	b.mu.Unlock()

	b.notify()
}

// WaitIdle blocks until no write is in flight or ctx is done.
func (b *Bulb) WaitIdle(ctx context.Context) error {
	for {
		b.mu.Lock()
		if !b.busy {
			b.mu.Unlock()
			return nil
		}
		inflight := b.inflight
		b.mu.Unlock()

		select {
		case <-inflight:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bulb) notify() {
	if b.refresh != nil {
		b.refresh(b.Snapshot())
	}
}
