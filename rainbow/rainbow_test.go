package rainbow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/rainbow-bulbs/internal/bulbs"
	"github.com/scheerer/rainbow-bulbs/internal/lights/simulated"
	"github.com/scheerer/rainbow-bulbs/lights"
)

const waitFor = 2 * time.Second

type rig struct {
	manager *bulbs.Manager
	sims    []*simulated.Bulb
}

// newRig connects n simulated bulbs and waits for their green flash to land.
func newRig(t *testing.T, n int) *rig {
	t.Helper()

	radio := simulated.NewRadio(simulated.Config{})
	r := &rig{manager: bulbs.NewManager(radio, bulbs.WriteOptions{}, nil)}
	for i := 0; i < n; i++ {
		sim := simulated.NewBulb(fmt.Sprintf("bulb-%d", i))
		radio.Add(sim)
		r.sims = append(r.sims, sim)
	}
	for i := 0; i < n; i++ {
		b, err := r.manager.Connect(context.Background())
		require.NoError(t, err)
		require.NotNil(t, b)
	}
	r.waitIdle(t)
	return r
}

func (r *rig) waitIdle(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for _, b := range r.manager.Bulbs() {
		require.NoError(t, b.WaitIdle(ctx))
	}
}

func (r *rig) frameCount() int {
	n := 0
	for _, s := range r.sims {
		n += len(s.Frames())
	}
	return n
}

func lastFrame(t *testing.T, sim *simulated.Bulb) []byte {
	t.Helper()

	frames := sim.Frames()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func TestNextHue(t *testing.T) {
	assert.InDelta(t, 0.005, NextHue(0.995, 0.01), 1e-9)
	assert.InDelta(t, 0.5, NextHue(0.25, 0.25), 1e-9)
	assert.InDelta(t, 0.25, NextHue(0.5, 0.75), 1e-9)
	assert.InDelta(t, 0.0, NextHue(0.5, 0.5), 1e-9)
}

func TestHueColor(t *testing.T) {
	config := Config{DefaultSaturation: 1, DefaultLightness: 0.5}
	assert.Equal(t, lights.Color{Red: 255}, HueColor(0, config))
	assert.Equal(t, lights.Color{Blue: 255}, HueColor(2.0/3.0, config))
}

func TestSetupSpacesHues(t *testing.T) {
	r := newRig(t, 3)
	config := DefaultConfig()
	config.HueDistance = 0.3

	hues := Setup(context.Background(), r.manager.Bulbs(), config)
	r.waitIdle(t)

	require.Len(t, hues, 3)
	assert.InDelta(t, 0.0, hues[0], 1e-9)
	assert.InDelta(t, 0.3, hues[1], 1e-9)
	assert.InDelta(t, 0.6, hues[2], 1e-9)

	for i, sim := range r.sims {
		assert.Equal(t, HueColor(hues[i], config).Frame(), lastFrame(t, sim), sim.Name())
	}
}

func TestSetupWrapsHues(t *testing.T) {
	r := newRig(t, 4)
	config := DefaultConfig()
	config.HueDistance = 1.4

	hues := Setup(context.Background(), r.manager.Bulbs(), config)

	require.Len(t, hues, 4)
	for i, want := range []float64{0, 0.4, 0.8, 0.2} {
		assert.InDelta(t, want, hues[i], 1e-9)
	}
}

func TestStepAdvancesFromLastWrittenHue(t *testing.T) {
	r := newRig(t, 2)
	config := DefaultConfig()
	config.HueChangeStep = 0.1

	before := r.manager.Devices()
	accepted := Step(context.Background(), r.manager.Bulbs(), config)
	r.waitIdle(t)

	assert.Equal(t, 2, accepted)
	for i, sim := range r.sims {
		want := HueColor(NextHue(before[i].Hue, 0.1), config)
		assert.Equal(t, want.Frame(), lastFrame(t, sim))
		assert.Equal(t, want, r.manager.Devices()[i].Color)
	}
}

func TestStepSkipsBusyBulb(t *testing.T) {
	r := newRig(t, 2)
	r.sims[0].Hold()
	defer r.sims[0].Release()

	bs := r.manager.Bulbs()
	require.NoError(t, bs[0].SetColor(context.Background(), lights.Color{Red: 1}, nil))

	accepted := Step(context.Background(), bs, DefaultConfig())
	assert.Equal(t, 1, accepted)

	s := bs[0].Snapshot()
	assert.Equal(t, uint64(1), s.WriteErrors)
}

func TestSchedulerStartStop(t *testing.T) {
	r := newRig(t, 2)
	settings, err := NewSettings(Config{
		Interval:          5 * time.Millisecond,
		DefaultLightness:  0.5,
		DefaultSaturation: 1,
		HueDistance:       0.1,
		HueChangeStep:     0.05,
	})
	require.NoError(t, err)

	s := NewScheduler(r.manager, settings)
	assert.Equal(t, Stopped, s.State())
	assert.False(t, s.Stop())

	base := r.frameCount()
	require.True(t, s.Start(context.Background()))
	assert.False(t, s.Start(context.Background()))
	assert.Equal(t, Running, s.State())

	require.Eventually(t, func() bool { return r.frameCount() >= base+10 }, waitFor, time.Millisecond)

	require.True(t, s.Stop())
	assert.Equal(t, Stopped, s.State())
	r.waitIdle(t)

	stopped := r.frameCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, r.frameCount(), "no steps after Stop")

	// restartable
	require.True(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return r.frameCount() > stopped }, waitFor, time.Millisecond)
	require.True(t, s.Stop())
}

func TestSchedulerStopsWithContext(t *testing.T) {
	r := newRig(t, 1)
	settings, err := NewSettings(DefaultConfig())
	require.NoError(t, err)

	s := NewScheduler(r.manager, settings)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.Start(ctx))

	cancel()
	require.Eventually(t, func() bool { return s.State() == Stopped }, waitFor, time.Millisecond)
}

func TestStepWrapsPastZero(t *testing.T) {
	r := newRig(t, 1)
	config := Config{Interval: time.Millisecond, DefaultLightness: 0.5, DefaultSaturation: 1, HueChangeStep: 0.01}
	b := r.manager.Bulbs()[0]

	require.NoError(t, b.SetColor(context.Background(), HueColor(0.995, config), nil))
	r.waitIdle(t)
	written := b.Snapshot().Hue
	require.InDelta(t, 0.995, written, 0.001)

	require.Equal(t, 1, Step(context.Background(), r.manager.Bulbs(), config))
	r.waitIdle(t)

	next := NextHue(written, config.HueChangeStep)
	assert.InDelta(t, 0.005, next, 0.001)
	assert.Equal(t, HueColor(next, config).Frame(), lastFrame(t, r.sims[0]))
	assert.Less(t, b.Snapshot().Hue, 0.01, "hue wrapped past 0")
}

func TestStepBelowMinVisibleStepStandsStill(t *testing.T) {
	r := newRig(t, 1)
	config := DefaultConfig()
	config.HueChangeStep = MinVisibleStep(config.DefaultSaturation, config.DefaultLightness) / 4

	Step(context.Background(), r.manager.Bulbs(), config)
	r.waitIdle(t)
	first := lastFrame(t, r.sims[0])

	for i := 0; i < 5; i++ {
		Step(context.Background(), r.manager.Bulbs(), config)
		r.waitIdle(t)
		assert.Equal(t, first, lastFrame(t, r.sims[0]))
	}
}

func TestDisconnectWhileRunning(t *testing.T) {
	r := newRig(t, 2)
	settings, err := NewSettings(Config{
		Interval:          time.Microsecond,
		DefaultLightness:  0.5,
		DefaultSaturation: 1,
		HueChangeStep:     0.05,
	})
	require.NoError(t, err)

	s := NewScheduler(r.manager, settings)
	base := r.frameCount()
	require.True(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return r.frameCount() >= base+50 }, waitFor, time.Microsecond)

	gone := r.manager.Bulbs()[0]
	require.NoError(t, r.manager.Disconnect(context.Background(), gone.ID()))

	sim := r.sims[0]
	require.Equal(t, 1, sim.Closed())
	frames := sim.Frames()
	assert.Equal(t, lights.Red.Frame(), frames[len(frames)-1], "red cue is the last frame")

	// the scheduler keeps driving the other bulb but never this one again
	other := len(r.sims[1].Frames())
	require.Eventually(t, func() bool { return len(r.sims[1].Frames()) > other+10 }, waitFor, time.Microsecond)
	assert.Len(t, sim.Frames(), len(frames), "no frame after the handle closed")
	assert.Equal(t, lights.Red, sim.Color())
	assert.True(t, gone.Snapshot().Closing)
}
