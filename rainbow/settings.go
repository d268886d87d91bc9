package rainbow

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scheerer/rainbow-bulbs/internal/util"
)

var ErrInvalidSetting = errors.New("invalid setting")

// Config holds the user adjustable rainbow settings.
type Config struct {
	// Interval is the pause between the end of one step and the start of the next.
	Interval time.Duration `env:"INTERVAL" envDefault:"100ms"`
	// DefaultLightness and DefaultSaturation color every hue driven write.
	DefaultLightness  float64 `env:"DEFAULT_LIGHTNESS" envDefault:"0.08"`
	DefaultSaturation float64 `env:"DEFAULT_SATURATION" envDefault:"1"`
	// HueDistance spaces the starting hues handed out by Setup. Wraps mod 1.
	HueDistance float64 `env:"HUE_DISTANCE" envDefault:"0.04"`
	// HueChangeStep is added to every bulb's hue on each step. Wraps mod 1.
	// The step starts from the hue of the last written 8-bit color, so a step
	// smaller than MinVisibleStep rounds back to the same color and the
	// animation stands still. At the default lightness that is about 0.004.
	HueChangeStep float64 `env:"HUE_CHANGE_STEP" envDefault:"0.01"`
}

func DefaultConfig() Config {
	return Config{
		Interval:          100 * time.Millisecond,
		DefaultLightness:  0.08,
		DefaultSaturation: 1,
		HueDistance:       0.04,
		HueChangeStep:     0.01,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidSetting, c.Interval)
	}
	if !inUnit(c.DefaultLightness) {
		return fmt.Errorf("%w: lightness must be within [0, 1], got %v", ErrInvalidSetting, c.DefaultLightness)
	}
	if !inUnit(c.DefaultSaturation) {
		return fmt.Errorf("%w: saturation must be within [0, 1], got %v", ErrInvalidSetting, c.DefaultSaturation)
	}
	if !finite(c.HueDistance) {
		return fmt.Errorf("%w: hue distance must be a number, got %v", ErrInvalidSetting, c.HueDistance)
	}
	if !finite(c.HueChangeStep) {
		return fmt.Errorf("%w: hue step must be a number, got %v", ErrInvalidSetting, c.HueChangeStep)
	}
	return nil
}

// Settings is the runtime owner of Config. Readers take a copy per use, so
// changes apply from the next step on.
type Settings struct {
	mu     sync.RWMutex
	config Config
}

func NewSettings(config Config) (*Settings, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	warnFrozenStep(config)
	return &Settings{config: config}, nil
}

func (s *Settings) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Update applies fn to a copy and keeps it only if the result validates.
func (s *Settings) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.config
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.config = next
	warnFrozenStep(next)
	return nil
}

// MinVisibleStep is the smallest hue change that moves an 8-bit channel at
// the given saturation and lightness. Greys have no hue and report 0.
func MinVisibleStep(saturation, lightness float64) float64 {
	chroma := (1 - math.Abs(2*lightness-1)) * saturation
	if chroma <= 0 {
		return 0
	}
	// one sixth of the wheel sweeps a single channel across the chroma range
	return 1 / (6 * 255 * chroma)
}

func warnFrozenStep(c Config) {
	// a step of 0.999 turns the wheel backwards by 0.001
	step := util.WrapUnit(c.HueChangeStep)
	step = math.Min(step, 1-step)
	if step == 0 {
		return
	}
	if floor := MinVisibleStep(c.DefaultSaturation, c.DefaultLightness); step < floor {
		logger.With(zap.Float64("hueChangeStep", c.HueChangeStep), zap.Float64("minVisibleStep", floor)).
			Warn("HUE_CHANGE_STEP is too small to change the color at this lightness - the rainbow will not move")
	}
}

// Set changes one setting by name from its text form.
func (s *Settings) Set(name, value string) error {
	switch strings.ToLower(name) {
	case "interval", "intervalms":
		d, err := parseInterval(value)
		if err != nil {
			return err
		}
		return s.Update(func(c *Config) { c.Interval = d })
	case "lightness", "defaultlightness":
		return s.setFloat(value, func(c *Config, v float64) { c.DefaultLightness = v })
	case "saturation", "defaultsaturation":
		return s.setFloat(value, func(c *Config, v float64) { c.DefaultSaturation = v })
	case "distance", "huedistance":
		return s.setFloat(value, func(c *Config, v float64) { c.HueDistance = v })
	case "step", "huechangestep":
		return s.setFloat(value, func(c *Config, v float64) { c.HueChangeStep = v })
	default:
		return fmt.Errorf("%w: unknown setting %q", ErrInvalidSetting, name)
	}
}

func (s *Settings) setFloat(value string, apply func(*Config, float64)) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSetting, err)
	}
	return s.Update(func(c *Config) { apply(c, v) })
}

// parseInterval accepts a duration ("250ms") or a bare number of milliseconds.
func parseInterval(value string) (time.Duration, error) {
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidSetting, err)
	}
	return d, nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
