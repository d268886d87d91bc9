package util

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

var hexPattern = regexp.MustCompile(`^#?[0-9a-fA-F]{6}$`)

// RgbToHsl converts 8-bit channels to hue, saturation and lightness, each in [0, 1].
// Greys (all channels equal) report a hue and saturation of 0.
func RgbToHsl(r, g, b uint8) (float64, float64, float64) {
	c := colorful.Color{
		R: float64(r) / 255.0,
		G: float64(g) / 255.0,
		B: float64(b) / 255.0,
	}
	h, s, l := c.Hsl()
	return h / 360.0, s, l
}

// HslToRgb converts hue, saturation and lightness in [0, 1] to 8-bit channels.
// Each channel is rounded on its own, so a round trip through RgbToHsl may drift by one.
func HslToRgb(h, s, l float64) (uint8, uint8, uint8) {
	h = WrapUnit(h)
	s = clampUnit(s)
	l = clampUnit(l)
	return colorful.Hsl(h*360.0, s, l).RGB255()
}

// RgbToHex returns the lowercase "#rrggbb" form.
func RgbToHex(r, g, b uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

// HexToRgb parses "#rrggbb" or "rrggbb" in any case. ok is false for anything else.
func HexToRgb(hex string) (r, g, b uint8, ok bool) {
	if !hexPattern.MatchString(hex) {
		return 0, 0, 0, false
	}
	c, err := colorful.Hex("#" + strings.ToLower(strings.TrimPrefix(hex, "#")))
	if err != nil {
		return 0, 0, 0, false
	}
	r, g, b = c.RGB255()
	return r, g, b, true
}

// LightenDarkenColor adds amount to every channel of a hex color, clamping to [0, 255].
// The leading '#' is kept only when the input had one. Unparseable input is returned as is.
func LightenDarkenColor(hex string, amount int) string {
	r, g, b, ok := HexToRgb(hex)
	if !ok {
		return hex
	}

	out := RgbToHex(shiftChannel(r, amount), shiftChannel(g, amount), shiftChannel(b, amount))
	if !strings.HasPrefix(hex, "#") {
		return out[1:]
	}
	return out
}

// WrapUnit maps v into [0, 1) the way hue wraps around the color wheel.
func WrapUnit(v float64) float64 {
	v = math.Mod(v, 1)
	if v < 0 {
		v += 1
	}
	return v
}

func shiftChannel(c uint8, amount int) uint8 {
	v := int(c) + amount
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}

func clampUnit(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
