package lights

import (
	"context"
	"errors"
	"fmt"
)

// Service and characteristic ids advertised by the RGB bulbs.
const (
	ServiceID        uint16 = 0xffe5
	CharacteristicID uint16 = 0xffe9
)

const (
	frameHeader byte = 0x56
	frameMode   byte = 0x00
	frameSuffix byte = 0xf0
	frameEnd    byte = 0xaa
)

// FrameLen is the size of a color command on the wire.
const FrameLen = 7

var (
	// ErrCancelled is returned by a Discoverer when nothing was picked.
	ErrCancelled = errors.New("discovery cancelled")
	// ErrBusy means a write is already in flight for the device.
	ErrBusy = errors.New("device busy")
	// ErrNotFound means no connected device matches the requested id.
	ErrNotFound = errors.New("device not found")
	// ErrClosing means the device is being disconnected and takes no more colors.
	ErrClosing = errors.New("device disconnecting")
)

type Color struct {
	Red   uint8
	Green uint8
	Blue  uint8
}

var (
	Green = Color{Green: 255}
	Red   = Color{Red: 255}
)

func (c Color) String() string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.Red, c.Green, c.Blue)
}

// Frame encodes the color command [0x56, R, G, B, 0x00, 0xF0, 0xAA].
func (c Color) Frame() []byte {
	return []byte{frameHeader, c.Red, c.Green, c.Blue, frameMode, frameSuffix, frameEnd}
}

// Discoverer finds one device offering serviceID. It returns ErrCancelled
// (possibly wrapped) when the user or a timeout ends discovery without a pick.
type Discoverer interface {
	Discover(ctx context.Context, serviceID uint16) (Peripheral, error)
}

// Peripheral is a discovered device that has not been opened yet.
type Peripheral interface {
	Name() string
	Open(ctx context.Context, serviceID, characteristicID uint16) (Handle, error)
}

// Handle is an open characteristic. Write blocks until the transport accepts
// or rejects the frame.
type Handle interface {
	Write(ctx context.Context, frame []byte) error
	Close() error
}
