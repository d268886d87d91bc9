package bulbs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/rainbow-bulbs/internal/lights/simulated"
	"github.com/scheerer/rainbow-bulbs/lights"
)

const waitFor = 2 * time.Second

func newTestBulb(t *testing.T, name string) (*Bulb, *simulated.Bulb) {
	t.Helper()

	sim := simulated.NewBulb(name)
	handle, err := sim.Open(context.Background(), lights.ServiceID, lights.CharacteristicID)
	require.NoError(t, err)

	return newBulb(name, handle, WriteOptions{DisplayBrighten: 110}, nil), sim
}

// setColorSync writes c and waits for the result.
func setColorSync(t *testing.T, b *Bulb, c lights.Color) error {
	t.Helper()

	done := make(chan error, 1)
	require.NoError(t, b.SetColor(context.Background(), c, func(err error) { done <- err }))
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("write did not complete")
		return nil
	}
}

func TestSetColorSendsFrame(t *testing.T) {
	b, sim := newTestBulb(t, "bulb")

	require.NoError(t, setColorSync(t, b, lights.Color{Red: 10, Green: 20, Blue: 30}))

	assert.Equal(t, [][]byte{{0x56, 0x0A, 0x14, 0x1E, 0x00, 0xF0, 0xAA}}, sim.Frames())
	assert.Equal(t, lights.Color{Red: 10, Green: 20, Blue: 30}, sim.Color())
}

func TestSetColorUpdatesDerivedFields(t *testing.T) {
	b, _ := newTestBulb(t, "bulb")

	s := b.Snapshot()
	assert.False(t, s.HasColor)
	assert.Empty(t, s.Hex)

	require.NoError(t, setColorSync(t, b, lights.Color{Green: 255}))

	s = b.Snapshot()
	assert.True(t, s.HasColor)
	assert.False(t, s.Busy)
	assert.Equal(t, lights.Color{Green: 255}, s.Color)
	assert.InDelta(t, 1.0/3.0, s.Hue, 1e-9)
	assert.InDelta(t, 1.0, s.Saturation, 1e-9)
	assert.InDelta(t, 0.5, s.Lightness, 1e-9)
	assert.Equal(t, "#00ff00", s.Hex)
	assert.Equal(t, "#6eff6e", s.DisplayHex)
	assert.Equal(t, uint64(1), s.WriteAttempts)
	assert.Equal(t, uint64(1), s.WriteSuccesses)
	assert.Equal(t, uint64(0), s.WriteErrors)
}

func TestSetColorWhileBusy(t *testing.T) {
	b, sim := newTestBulb(t, "bulb")
	sim.Hold()

	done := make(chan error, 1)
	require.NoError(t, b.SetColor(context.Background(), lights.Color{Red: 1}, func(err error) { done <- err }))
	assert.True(t, b.Busy())

	called := false
	err := b.SetColor(context.Background(), lights.Color{Blue: 2}, func(error) { called = true })
	require.ErrorIs(t, err, lights.ErrBusy)

	s := b.Snapshot()
	assert.Equal(t, uint64(2), s.WriteAttempts)
	assert.Equal(t, uint64(1), s.WriteErrors)
	assert.Equal(t, uint64(0), s.WriteSuccesses)

	sim.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("write did not complete")
	}

	s = b.Snapshot()
	assert.Len(t, sim.Frames(), 1)
	assert.Equal(t, uint64(1), s.WriteSuccesses)
	assert.Equal(t, uint64(1), s.WriteErrors)
	assert.Equal(t, lights.Color{Red: 1}, s.Color)
	assert.False(t, called)
}

func TestSetColorWriteFailure(t *testing.T) {
	b, sim := newTestBulb(t, "bulb")
	require.NoError(t, setColorSync(t, b, lights.Color{Blue: 255}))

	boom := errors.New("gatt rejected")
	sim.FailWrites(boom)

	err := setColorSync(t, b, lights.Color{Red: 255})
	require.ErrorIs(t, err, boom)

	s := b.Snapshot()
	assert.False(t, s.Busy, "a failed write must free the bulb")
	assert.Equal(t, lights.Color{Blue: 255}, s.Color)
	assert.Equal(t, "#0000ff", s.Hex)
	assert.Equal(t, uint64(2), s.WriteAttempts)
	assert.Equal(t, uint64(1), s.WriteSuccesses)
	assert.Equal(t, uint64(1), s.WriteErrors)

	sim.FailWrites(nil)
	require.NoError(t, setColorSync(t, b, lights.Color{Red: 255}))
	assert.Equal(t, lights.Color{Red: 255}, b.Snapshot().Color)
}

func TestSetColorRefreshes(t *testing.T) {
	sim := simulated.NewBulb("bulb")
	handle, err := sim.Open(context.Background(), lights.ServiceID, lights.CharacteristicID)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		states []BulbState
	)
	b := newBulb("bulb", handle, WriteOptions{}, func(s BulbState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, setColorSync(t, b, lights.Color{Red: 9}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 1)
	assert.Equal(t, lights.Color{Red: 9}, states[0].Color)
	assert.False(t, states[0].Busy)
}

func TestResetCounters(t *testing.T) {
	b, _ := newTestBulb(t, "bulb")
	require.NoError(t, setColorSync(t, b, lights.Color{Red: 9}))

	b.ResetCounters()

	s := b.Snapshot()
	assert.Zero(t, s.WriteAttempts)
	assert.Zero(t, s.WriteSuccesses)
	assert.Zero(t, s.WriteErrors)
	assert.Equal(t, lights.Color{Red: 9}, s.Color)
}

func TestWaitIdle(t *testing.T) {
	b, sim := newTestBulb(t, "bulb")
	require.NoError(t, b.WaitIdle(context.Background()))

	sim.Hold()
	require.NoError(t, b.SetColor(context.Background(), lights.Color{Red: 1}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.WaitIdle(ctx), context.DeadlineExceeded)

	sim.Release()
	ctx2, cancel2 := context.WithTimeout(context.Background(), waitFor)
	defer cancel2()
	require.NoError(t, b.WaitIdle(ctx2))
	assert.False(t, b.Busy())
}

func TestSetColorRejectedWhileClosing(t *testing.T) {
	b, sim := newTestBulb(t, "bulb")
	require.True(t, b.beginClose())
	assert.False(t, b.beginClose())

	err := b.SetColor(context.Background(), lights.Color{Blue: 1}, nil)
	require.ErrorIs(t, err, lights.ErrClosing)
	assert.Empty(t, sim.Frames())

	s := b.Snapshot()
	assert.True(t, s.Closing)
	assert.Zero(t, s.WriteAttempts)
	assert.Zero(t, s.WriteErrors)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.sendCue(ctx, lights.Red))
	assert.Equal(t, [][]byte{lights.Red.Frame()}, sim.Frames())
}
