// Package screen captures the local desktop and uploads it to the relay.
package screen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/deskrelay/deskrelay/internal/pointer"
)

// Capturer produces a PNG of the local screen.
type Capturer interface {
	Capture() ([]byte, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func() ([]byte, error)

// Capture calls f.
func (f CapturerFunc) Capture() ([]byte, error) { return f() }

// Desktop captures the whole virtual screen.
type Desktop struct{}

// Capture implements Capturer.
func (Desktop) Capture() ([]byte, error) {
	b := pointer.VirtualBounds()
	img, err := screenshot.CaptureRect(image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height))
	if err != nil {
		return nil, fmt.Errorf("capture screen: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// upload mirrors the relay's POST /clients/{identity}/screenshot body.
type upload struct {
	ClientID   string    `json:"clientId"`
	Base64PNG  string    `json:"base64Png"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Uploader posts captures to a relay.
type Uploader struct {
	Client   *http.Client
	Capturer Capturer
	Now      func() time.Time
}

// Upload captures the screen and posts it for identity to the relay at
// baseURL. It returns the relay's status code.
func (u *Uploader) Upload(ctx context.Context, baseURL, identity string) (int, error) {
	img, err := u.Capturer.Capture()
	if err != nil {
		return 0, err
	}

	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	body, err := json.Marshal(upload{
		ClientID:   identity,
		Base64PNG:  base64.StdEncoding.EncodeToString(img),
		CapturedAt: now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	endpoint := strings.TrimSuffix(baseURL, "/") + "/clients/" + url.PathEscape(identity) + "/screenshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload screenshot: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("upload screenshot: relay returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}
