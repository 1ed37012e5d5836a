// Package board drives the DTR/RTS lines to move a K210 board in and
// out of ISP mode. Different board designs wire the reset and boot
// pins through different invert/gate logic, so there are a handful of
// known dance patterns; the flasher's DetectBoard tries each, in
// Variants order, until one's greeting succeeds.
package board

import (
	"errors"
	"time"
)

// Variant identifies which DTR/RTS dance a board responds to.
type Variant int

const (
	Unknown Variant = iota
	KD233
	Generic
)

func (v Variant) String() string {
	switch v {
	case KD233:
		return "KD233"
	case Generic:
		return "Generic"
	default:
		return "Unknown"
	}
}

// Lines is the minimal line-control surface a board dance needs.
// *serial.Port satisfies it.
type Lines interface {
	SetDTR(bool) error
	SetRTS(bool) error
}

// Variants is the enumeration order DetectBoard tries.
var Variants = []Variant{KD233, Generic}

// EnterISP runs the DTR/RTS sequence that resets the board into ISP
// mode for the given variant.
func EnterISP(lines Lines, v Variant) error {
	switch v {
	case KD233:
		return kd233EnterISP(lines)
	case Generic:
		return genericEnterISP(lines)
	default:
		return errUnsupportedVariant
	}
}

// Reboot runs the DTR/RTS sequence that releases the board back into
// its flashed firmware.
func Reboot(lines Lines, v Variant) error {
	switch v {
	case KD233:
		return kd233Reboot(lines)
	case Generic:
		return genericReboot(lines)
	default:
		return errUnsupportedVariant
	}
}

var errUnsupportedVariant = errors.New("board: unsupported variant")

func kd233EnterISP(lines Lines) error {
	if err := lines.SetDTR(true); err != nil {
		return err
	}
	if err := lines.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	if err := lines.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

func kd233Reboot(lines Lines) error {
	return kd233EnterISP(lines)
}

func genericEnterISP(lines Lines) error {
	steps := []struct {
		dtr, rts bool
	}{
		{false, false},
		{false, true},
		{true, false},
	}

	for _, s := range steps {
		if err := lines.SetDTR(s.dtr); err != nil {
			return err
		}
		if err := lines.SetRTS(s.rts); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func genericReboot(lines Lines) error {
	return genericEnterISP(lines)
}
