// Package simulated is an in-memory light transport. It stands in for the
// Bluetooth radio when LIGHT_TYPE=SIMULATED and gives tests full control over
// discovery, handshakes and writes.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scheerer/rainbow-bulbs/internal/logging"
	"github.com/scheerer/rainbow-bulbs/lights"
)

var logger = logging.New("simulated")

// ErrWriteFailed is returned by writes picked by the configured failure rate.
var ErrWriteFailed = errors.New("simulated write failure")

type Config struct {
	Names       []string
	Latency     time.Duration
	FailureRate float64
}

// Radio hands out its bulbs round robin, one per Discover call.
type Radio struct {
	config Config

	mu    sync.Mutex
	bulbs []*Bulb
	next  int
	rng   *rand.Rand
}

var _ lights.Discoverer = (*Radio)(nil)

func NewRadio(config Config) *Radio {
	r := &Radio{
		config: config,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, name := range config.Names {
		r.Add(NewBulb(name))
	}
	return r
}

// Add puts b in range of the radio.
func (r *Radio) Add(b *Bulb) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b.radio = r
	r.bulbs = append(r.bulbs, b)
}

func (r *Radio) Discover(ctx context.Context, serviceID uint16) (lights.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", lights.ErrCancelled, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if serviceID != lights.ServiceID || len(r.bulbs) == 0 {
		return nil, lights.ErrCancelled
	}

	b := r.bulbs[r.next%len(r.bulbs)]
	r.next++
	logger.With(zap.String("deviceName", b.name)).Debug("Simulated device picked")
	return b, nil
}

func (r *Radio) shouldFail() bool {
	if r == nil || r.config.FailureRate <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64() < r.config.FailureRate
}

func (r *Radio) latency() time.Duration {
	if r == nil {
		return 0
	}
	return r.config.Latency
}

// Bulb is a simulated device. It records every frame it is sent.
type Bulb struct {
	name  string
	radio *Radio

	mu       sync.Mutex
	openErr  error
	writeErr error
	gate     chan struct{}
	frames   [][]byte
	color    lights.Color
	closed   int
}

var _ lights.Peripheral = (*Bulb)(nil)

func NewBulb(name string) *Bulb {
	return &Bulb{name: name}
}

func (b *Bulb) Name() string { return b.name }

func (b *Bulb) Open(ctx context.Context, serviceID, characteristicID uint16) (lights.Handle, error) {
	if serviceID != lights.ServiceID || characteristicID != lights.CharacteristicID {
		return nil, fmt.Errorf("no characteristic %#04x on service %#04x", characteristicID, serviceID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return nil, b.openErr
	}
	return &handle{bulb: b}, nil
}

// FailOpen makes every following handshake fail with err. nil restores it.
func (b *Bulb) FailOpen(err error) {
	b.mu.Lock()
	b.openErr = err
	b.mu.Unlock()
}

// FailWrites makes every following write fail with err. nil restores it.
func (b *Bulb) FailWrites(err error) {
	b.mu.Lock()
	b.writeErr = err
	b.mu.Unlock()
}

// Hold parks writes after their frame is recorded until Release is called.
func (b *Bulb) Hold() {
	b.mu.Lock()
	if b.gate == nil {
		b.gate = make(chan struct{})
	}
	b.mu.Unlock()
}

func (b *Bulb) Release() {
	b.mu.Lock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
	b.mu.Unlock()
}

// Frames returns a copy of every frame sent so far.
func (b *Bulb) Frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, len(b.frames))
	for i, f := range b.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Color is the color the simulated bulb is currently showing.
func (b *Bulb) Color() lights.Color {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.color
}

// Closed reports how many handles were closed.
func (b *Bulb) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type handle struct {
	bulb *Bulb
}

func (h *handle) Write(ctx context.Context, frame []byte) error {
	b := h.bulb

	b.mu.Lock()
	b.frames = append(b.frames, append([]byte(nil), frame...))
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if d := b.radio.latency(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writeErr != nil {
		return b.writeErr
	}
	if b.radio.shouldFail() {
		return ErrWriteFailed
	}
	if len(frame) != lights.FrameLen || frame[0] != 0x56 {
		return fmt.Errorf("malformed frame % x", frame)
	}
	b.color = lights.Color{Red: frame[1], Green: frame[2], Blue: frame[3]}
	return nil
}

func (h *handle) Close() error {
	h.bulb.mu.Lock()
	h.bulb.closed++
	h.bulb.mu.Unlock()
	return nil
}
