// Package pointer maps relayed mouse events onto the local screen.
//
// Positions travel normalized to the sender's virtual screen, the bounding
// box of every attached display, so machines with different layouts agree
// on where a point is. Injection and cursor sampling go through Device,
// backed by robotgo in cgo builds.
package pointer

import (
	"errors"
	"math"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// ErrUnsupported is returned by devices that cannot touch the real pointer.
var ErrUnsupported = errors.New("pointer injection is not supported in this build")

// Rect is a screen-space rectangle in pixels.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Union returns the smallest rectangle containing r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	minX, minY := min(r.X, o.X), min(r.Y, o.Y)
	maxX := max(r.X+r.Width, o.X+o.Width)
	maxY := max(r.Y+r.Height, o.Y+o.Height)
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Normalize maps a pixel inside b to [0,1] on both axes.
func Normalize(b Rect, x, y int) (nx, ny float64) {
	if b.Empty() {
		return 0, 0
	}
	nx = clamp01(float64(x-b.X) / float64(b.Width))
	ny = clamp01(float64(y-b.Y) / float64(b.Height))
	return nx, ny
}

// Denormalize maps normalized coordinates onto b. Out-of-range input is
// clamped to the edges.
func Denormalize(b Rect, nx, ny float64) (x, y int) {
	nx, ny = clamp01(nx), clamp01(ny)
	x = b.X + int(nx*float64(b.Width))
	y = b.Y + int(ny*float64(b.Height))
	return x, y
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Injector performs a mouse action at an absolute pixel position.
type Injector interface {
	Inject(action protocol.MouseAction, x, y, delta int) error
}

// Locator reports the current cursor position.
type Locator interface {
	Position() (x, y int, err error)
}

// Device is both halves of the pointer collaborator.
type Device interface {
	Injector
	Locator
}

// Nop is a Device that injects nothing and reports the origin.
type Nop struct{}

// Inject implements Injector.
func (Nop) Inject(protocol.MouseAction, int, int, int) error { return ErrUnsupported }

// Position implements Locator.
func (Nop) Position() (int, int, error) { return 0, 0, ErrUnsupported }
