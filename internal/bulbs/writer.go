package bulbs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/scheerer/rainbow-bulbs/internal/logging"
	"github.com/scheerer/rainbow-bulbs/internal/util"
	"github.com/scheerer/rainbow-bulbs/lights"
)

var logger = logging.New("bulbs")

// SetColor sends c to the bulb unless a write is already in flight, in which
// case the color is dropped, the error counter is bumped and lights.ErrBusy is
// returned without calling onComplete. A bulb that is being disconnected
// refuses every color with lights.ErrClosing.
//
// An accepted write runs in the background. Once it completes onComplete (if
// any) receives nil, or the write error. A failed write leaves the color
// fields untouched but still frees the bulb for the next write.
func (b *Bulb) SetColor(ctx context.Context, c lights.Color, onComplete func(error)) error {
	return b.setColor(ctx, c, false, onComplete)
}

// setColor is SetColor with the disconnect cue let through while closing.
func (b *Bulb) setColor(ctx context.Context, c lights.Color, cue bool, onComplete func(error)) error {
	b.mu.Lock()
	if b.closing && !cue {
		b.mu.Unlock()
		return lights.ErrClosing
	}
	b.state.WriteAttempts++
	if b.busy {
		b.state.WriteErrors++
		b.mu.Unlock()

		logger.With(zap.String("deviceName", b.name), zap.Stringer("color", c)).
			Debug("Device busy - dropping color")
		return lights.ErrBusy
	}
	b.busy = true
	inflight := make(chan struct{})
	b.inflight = inflight
	b.mu.Unlock()

	// in-flight writes outlive whoever asked for them
	go b.write(context.WithoutCancel(ctx), c, inflight, onComplete)
	return nil
}

func (b *Bulb) write(ctx context.Context, c lights.Color, inflight chan struct{}, onComplete func(error)) {
	if b.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}

	err := b.handle.Write(ctx, c.Frame())
	if err != nil {
		err = fmt.Errorf("write %s to %s: %w", c, b.name, err)
	}

	b.mu.Lock()
	if err != nil {
		b.state.WriteErrors++
	} else {
		b.state.WriteSuccesses++
		b.applyLocked(c)
	}
	b.busy = false
	b.inflight = nil
	close(inflight)
	b.mu.Unlock()

	if err != nil {
		logger.With(zap.String("deviceName", b.name), zap.Error(err)).Warn("Failed to write color")
	}

	b.notify()

	if onComplete != nil {
		onComplete(err)
	}
}

// sendCue waits for the bulb to go idle, writes c past the closing gate and
// waits for the result. Losing the idle slot to a writer that got in before
// closing just means waiting again. If ctx ends first the write may still be
// in flight.
func (b *Bulb) sendCue(ctx context.Context, c lights.Color) error {
	for {
		if err := b.WaitIdle(ctx); err != nil {
			return err
		}

		done := make(chan error, 1)
		err := b.setColor(ctx, c, true, func(err error) { done <- err })
		if errors.Is(err, lights.ErrBusy) {
			continue
		}
		if err != nil {
			return err
		}

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// applyLocked records c and every color field derived from it.
func (b *Bulb) applyLocked(c lights.Color) {
	h, s, l := util.RgbToHsl(c.Red, c.Green, c.Blue)
	hex := util.RgbToHex(c.Red, c.Green, c.Blue)

	b.state.HasColor = true
	b.state.Color = c
	b.state.Hue = h
	b.state.Saturation = s
	b.state.Lightness = l
	b.state.Hex = hex
	b.state.DisplayHex = util.LightenDarkenColor(hex, b.opts.DisplayBrighten)
}
