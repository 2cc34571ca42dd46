//go:build cgo

package pointer

import (
	"fmt"

	"github.com/go-vgo/robotgo"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// Robot drives the real pointer through robotgo.
type Robot struct{}

// NewDevice returns the native pointer device.
func NewDevice() Device { return Robot{} }

// Inject implements Injector.
func (Robot) Inject(action protocol.MouseAction, x, y, delta int) error {
	switch action {
	case protocol.MouseMove:
		robotgo.Move(x, y)
		return nil
	case protocol.MouseLeftDown:
		return toggle(x, y, "left", "down")
	case protocol.MouseLeftUp:
		return toggle(x, y, "left", "up")
	case protocol.MouseRightDown:
		return toggle(x, y, "right", "down")
	case protocol.MouseRightUp:
		return toggle(x, y, "right", "up")
	case protocol.MouseWheel:
		robotgo.Move(x, y)
		robotgo.Scroll(0, wheelSteps(delta))
		return nil
	default:
		return fmt.Errorf("unsupported mouse action %q", action)
	}
}

func toggle(x, y int, button, direction string) error {
	robotgo.Move(x, y)
	return robotgo.Toggle(button, direction)
}

// Position implements Locator.
func (Robot) Position() (int, int, error) {
	x, y := robotgo.GetMousePos()
	return x, y, nil
}
