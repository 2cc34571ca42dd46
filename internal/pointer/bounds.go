package pointer

import "github.com/kbinani/screenshot"

// VirtualBounds returns the union of all active display bounds. It falls
// back to a 1920x1080 box at the origin when no display is reported.
func VirtualBounds() Rect {
	var r Rect
	n := screenshot.NumActiveDisplays()
	for i := 0; i < n; i++ {
		b := screenshot.GetDisplayBounds(i)
		r = r.Union(Rect{X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()})
	}
	if r.Empty() {
		return Rect{Width: 1920, Height: 1080}
	}
	return r
}
