package logging

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfg = zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.InfoLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		// stdout belongs to the console
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	leveler = &levelSetter{
		levelers:     make(map[string]zap.AtomicLevel),
		defaultLevel: zap.InfoLevel,
	}
)

// Leveler changes the level of named loggers at runtime.
type Leveler interface {
	SetLevel(name string, level zapcore.Level)
	GetLevel(name string) zapcore.Level
	SetAll(level zapcore.Level)
	Names() []string
}

type levelSetter struct {
	levelers     map[string]zap.AtomicLevel
	defaultLevel zapcore.Level
	mu           sync.RWMutex
}

var _ Leveler = (*levelSetter)(nil)

func GetLeveler() Leveler {
	return leveler
}

func (lw *levelSetter) SetLevel(name string, level zapcore.Level) {
	_ = lw.setLevel(name, level)
}

func (lw *levelSetter) GetLevel(name string) zapcore.Level {
	lw.mu.RLock()
	defer lw.mu.RUnlock()

	if l, ok := lw.levelers[name]; ok {
		return l.Level()
	}

	return lw.defaultLevel
}

// SetAll moves every registered logger, and loggers created later, to level.
func (lw *levelSetter) SetAll(level zapcore.Level) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.defaultLevel = level
	for _, l := range lw.levelers {
		l.SetLevel(level)
	}
}

func (lw *levelSetter) Names() []string {
	lw.mu.RLock()
	defer lw.mu.RUnlock()

	names := make([]string, 0, len(lw.levelers))
	for name := range lw.levelers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (lw *levelSetter) register(name string) zap.AtomicLevel {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if l, ok := lw.levelers[name]; ok {
		return l
	}
	l := zap.NewAtomicLevelAt(lw.defaultLevel)
	lw.levelers[name] = l
	return l
}

func (lw *levelSetter) setLevel(name string, level zapcore.Level) zap.AtomicLevel {
	l := lw.register(name)
	l.SetLevel(level)
	return l
}

// ParseLevel accepts the zap level names (debug, info, warn, error, ...).
func ParseLevel(s string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func New(name string) *zap.SugaredLogger {
	c := cfg
	c.Level = leveler.register(name)
	return zap.Must(c.Build(zap.AddStacktrace(zapcore.PanicLevel))).Named(name).Sugar()
}
