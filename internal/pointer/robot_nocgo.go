//go:build !cgo

package pointer

import "log"

// NewDevice returns a Nop device; robotgo needs cgo.
func NewDevice() Device {
	log.Printf("pointer: built without cgo, mouse capture and injection are disabled")
	return Nop{}
}
