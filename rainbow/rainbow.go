package rainbow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scheerer/rainbow-bulbs/internal/bulbs"
	"github.com/scheerer/rainbow-bulbs/internal/logging"
	"github.com/scheerer/rainbow-bulbs/internal/util"
	"github.com/scheerer/rainbow-bulbs/lights"
)

var logger = logging.New("rainbow")

type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// Source lists the bulbs to animate, in display order.
type Source interface {
	Bulbs() []*bulbs.Bulb
}

// Scheduler advances every bulb's hue once per step while Running. Each step
// schedules the next one Interval after it finishes, so a slow step slows the
// animation down instead of piling up.
type Scheduler struct {
	source   Source
	settings *Settings

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	slow rate.Sometimes
}

func NewScheduler(source Source, settings *Settings) *Scheduler {
	return &Scheduler{
		source:   source,
		settings: settings,
		slow:     rate.Sometimes{Interval: 10 * time.Second},
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start runs the first step right away. It returns false if already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = Running
	s.cancel = cancel
	s.done = done

	logger.With(zap.Any("settings", s.settings.Get())).Info("Rainbow started")
	go s.run(runCtx, done)
	return true
}

// Stop ends the loop and waits for it to exit. Writes already handed to bulbs
// are left to finish. It returns false if already stopped.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return false
	}
	s.state = Stopped
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	logger.Info("Rainbow stopped")
	return true
}

func (s *Scheduler) running(done chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Running && s.done == done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.state = Stopped
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		if ctx.Err() != nil || !s.running(done) {
			return
		}

		config := s.settings.Get()
		startTime := time.Now()
		accepted := Step(ctx, s.source.Bulbs(), config)
		stepDuration := time.Since(startTime)

		if stepDuration > config.Interval {
			s.slow.Do(func() {
				logger.With(
					zap.Stringer("stepDuration", stepDuration),
					zap.Stringer("interval", config.Interval),
					zap.Int("accepted", accepted)).
					Warn("Cannot keep up with INTERVAL. Consider increasing INTERVAL.")
			})
		}

		// a Stop during the step must not schedule another one
		if !s.running(done) {
			return
		}

		timer := time.NewTimer(config.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// NextHue advances hue by step on the unit color wheel.
func NextHue(hue, step float64) float64 {
	return util.WrapUnit(hue + step)
}

// HueColor is the bulb color for hue at the configured saturation and lightness.
func HueColor(hue float64, config Config) lights.Color {
	r, g, b := util.HslToRgb(hue, config.DefaultSaturation, config.DefaultLightness)
	return lights.Color{Red: r, Green: g, Blue: b}
}

// Step hands every bulb the color one hue step past its last written hue and
// returns how many bulbs accepted the write. A busy bulb skips this step.
func Step(ctx context.Context, targets []*bulbs.Bulb, config Config) int {
	accepted := 0
	for _, b := range targets {
		state := b.Snapshot()
		hue := NextHue(state.Hue, config.HueChangeStep)
		if err := b.SetColor(ctx, HueColor(hue, config), nil); err != nil {
			if !errors.Is(err, lights.ErrBusy) && !errors.Is(err, lights.ErrClosing) {
				logger.With(zap.String("deviceName", state.Name), zap.Error(err)).Warn("Failed to step device")
			}
			continue
		}
		accepted++
	}
	return accepted
}

// Setup spreads the bulbs around the color wheel: the first gets hue 0 and
// each following one HueDistance more. It returns the hues handed out.
func Setup(ctx context.Context, targets []*bulbs.Bulb, config Config) []float64 {
	hues := make([]float64, 0, len(targets))
	hue := 0.0
	for _, b := range targets {
		hue = util.WrapUnit(hue)
		hues = append(hues, hue)

		if err := b.SetColor(ctx, HueColor(hue, config), nil); err != nil {
			logger.With(zap.String("deviceName", b.Name()), zap.Float64("hue", hue), zap.Error(err)).
				Debug("Device skipped rainbow setup")
		}
		hue += util.WrapUnit(config.HueDistance)
	}

	logger.With(zap.Int("devices", len(hues)), zap.Float64("hueDistance", config.HueDistance)).
		Info("Rainbow setup complete")
	return hues
}
