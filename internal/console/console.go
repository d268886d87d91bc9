// Package console is a line oriented front end for the app actions.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/scheerer/rainbow-bulbs/internal/app"
	"github.com/scheerer/rainbow-bulbs/internal/bulbs"
	"github.com/scheerer/rainbow-bulbs/internal/logging"
	"github.com/scheerer/rainbow-bulbs/lights"
)

var logger = logging.New("console")

// errQuit ends the command loop.
var errQuit = errors.New("quit")

const help = `commands:
  connect                 discover and connect one bulb
  list                    show connected bulbs
  color <dev> <#rrggbb>   set a bulb color
  rgb <dev> <r> <g> <b>   set a bulb color from channels
  disconnect <dev>        turn a bulb red and disconnect it
  disconnect-all          disconnect every bulb
  setup                   spread bulbs around the color wheel
  start | stop            start or stop the rainbow
  reset                   zero the write counters
  settings                show rainbow settings
  set <name> <value>      interval, lightness, saturation, distance, step
  watch on|off            print every device refresh
  log <name|all> <level>  change a logger level
  help | quit
<dev> is a list position, a name or an id (prefix).`

type Console struct {
	app *app.App
	in  io.Reader

	outMu sync.Mutex
	out   io.Writer

	watch atomic.Bool
}

func New(a *app.App, in io.Reader, out io.Writer) *Console {
	c := &Console{app: a, in: in, out: out}
	a.Subscribe(c.refresh)
	return c
}

// Run reads commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf("%s\n> ", help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := c.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.printf("error: %v\n", err)
			}
			c.printf("> ")
		}
	}
}

// Exec runs a single command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printf("%s\n", help)
	case "quit", "exit":
		return errQuit
	case "connect":
		return c.connect(ctx)
	case "list", "ls":
		c.list()
	case "color":
		if len(args) != 2 {
			return usage("color <dev> <#rrggbb>")
		}
		return c.app.SetColorFromHex(ctx, args[0], args[1])
	case "rgb":
		return c.rgb(ctx, args)
	case "disconnect":
		if len(args) != 1 {
			return usage("disconnect <dev>")
		}
		return c.app.Disconnect(ctx, args[0])
	case "disconnect-all":
		return c.app.DisconnectAll(ctx)
	case "setup":
		hues := c.app.RainbowSetup(ctx)
		c.printf("seeded %d bulbs: %v\n", len(hues), formatHues(hues))
	case "start":
		if !c.app.StartRainbow(ctx) {
			c.printf("rainbow already running\n")
		}
	case "stop":
		if !c.app.StopRainbow() {
			c.printf("rainbow not running\n")
		}
	case "reset":
		c.app.ResetErrorCounters()
	case "settings":
		c.settings()
	case "set":
		if len(args) != 2 {
			return usage("set <name> <value>")
		}
		return c.app.SetSetting(args[0], args[1])
	case "watch":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return usage("watch on|off")
		}
		c.watch.Store(args[0] == "on")
	case "log":
		return c.logLevel(args)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (c *Console) connect(ctx context.Context) error {
	c.printf("scanning...\n")
	state, ok, err := c.app.Connect(ctx)
	if err != nil {
		return err
	}
	if !ok {
		c.printf("nothing connected\n")
		return nil
	}
	c.printf("connected %s (%s)\n", state.Name, state.ID)
	return nil
}

func (c *Console) rgb(ctx context.Context, args []string) error {
	if len(args) != 4 {
		return usage("rgb <dev> <r> <g> <b>")
	}

	var ch [3]uint8
	for i, s := range args[1:] {
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return fmt.Errorf("channel %q: %w", s, err)
		}
		ch[i] = uint8(v)
	}
	return c.app.SetColor(ctx, args[0], lights.Color{Red: ch[0], Green: ch[1], Blue: ch[2]})
}

func (c *Console) list() {
	devices := c.app.Devices()

	c.outMu.Lock()
	defer c.outMu.Unlock()

	fmt.Fprintf(c.out, "rainbow %s, %d connected\n", c.app.RainbowState(), len(devices))
	if len(devices) == 0 {
		return
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tID\tCOLOR\tHSL\tBUSY\tATTEMPTS\tOK\tERRORS")
	for i, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%d\t%d\t%d\n",
			i+1, d.Name, shortID(d.ID), colorCell(d), hslCell(d), d.Busy,
			d.WriteAttempts, d.WriteSuccesses, d.WriteErrors)
	}
	_ = w.Flush()
}

func (c *Console) settings() {
	s := c.app.Settings()
	c.printf("interval=%s lightness=%.3f saturation=%.3f distance=%.3f step=%.3f\n",
		s.Interval, s.DefaultLightness, s.DefaultSaturation, s.HueDistance, s.HueChangeStep)
}

func (c *Console) logLevel(args []string) error {
	if len(args) != 2 {
		return usage(fmt.Sprintf("log <name|all> <level> (names: %s)",
			strings.Join(logging.GetLeveler().Names(), ", ")))
	}

	level, err := logging.ParseLevel(args[1])
	if err != nil {
		return err
	}
	if args[0] == "all" {
		logging.GetLeveler().SetAll(level)
	} else {
		logging.GetLeveler().SetLevel(args[0], level)
	}
	logger.With(zap.String("logger", args[0]), zap.Stringer("level", level)).Info("Log level changed")
	return nil
}

func (c *Console) refresh(d bulbs.BulbState) {
	if !c.watch.Load() {
		return
	}
	c.printf("\r%s %s %s busy=%t ok=%d err=%d\n",
		d.Name, colorCell(d), hslCell(d), d.Busy, d.WriteSuccesses, d.WriteErrors)
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func colorCell(d bulbs.BulbState) string {
	if !d.HasColor {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", d.Hex, d.DisplayHex)
}

func hslCell(d bulbs.BulbState) string {
	if !d.HasColor {
		return "-"
	}
	return fmt.Sprintf("%.3f/%.3f/%.3f", d.Hue, d.Saturation, d.Lightness)
}

func formatHues(hues []float64) string {
	parts := make([]string, len(hues))
	for i, h := range hues {
		parts[i] = strconv.FormatFloat(h, 'f', 3, 64)
	}
	return strings.Join(parts, " ")
}
