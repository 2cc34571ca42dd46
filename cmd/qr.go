package main

import (
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"
)

// displayEndpoint prints the endpoint clients should configure.
func displayEndpoint(w io.Writer, endpoint string) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "  Client endpoint")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintf(w, "  %s\n", endpoint)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  deskrelay prefs set endpoint=%s\n", endpoint)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// displayEndpointQR prints the endpoint as a terminal QR code with a
// plain-text fallback underneath.
func displayEndpointQR(w io.Writer, endpoint string) {
	// Medium error correction keeps the code small enough for a terminal.
	qr, err := qrcode.New(endpoint, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Falling back to text display.\n")
		displayEndpoint(w, endpoint)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO CONNECT")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")

	// ToSmallString(false) uses half blocks and no border.
	fmt.Fprint(w, qr.ToSmallString(false))

	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintln(w, "  Plain-text fallback:")
	fmt.Fprintf(w, "  Endpoint:    %s\n", endpoint)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}
