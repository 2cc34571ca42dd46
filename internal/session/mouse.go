package session

import (
	"context"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/deskrelay/deskrelay/internal/pointer"
	"github.com/deskrelay/deskrelay/internal/prefs"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

const (
	// DefaultMouseHz is the capture rate when none is configured.
	DefaultMouseHz = prefs.DefaultMouseHz

	// MaxMouseHz caps the capture rate.
	MaxMouseHz = 240

	// moveThreshold is the normalized displacement a move must exceed on
	// at least one axis to be sent.
	moveThreshold = 0.002
)

// ClampHz maps a configured capture rate into (0, MaxMouseHz].
func ClampHz(hz float64) float64 {
	switch {
	case hz <= 0 || math.IsNaN(hz):
		return DefaultMouseHz
	case hz > MaxMouseHz:
		return MaxMouseHz
	default:
		return hz
	}
}

// captureFilter decides which captured events reach the relay.
// Movement is rate limited and jitter filtered; buttons and the wheel
// always pass.
type captureFilter struct {
	mu      sync.Mutex
	hz      float64
	limiter *rate.Limiter

	lastX, lastY float64
	hasLast      bool
}

func newCaptureFilter(hz float64) *captureFilter {
	hz = ClampHz(hz)
	return &captureFilter{hz: hz, limiter: rate.NewLimiter(rate.Limit(hz), 1)}
}

func (f *captureFilter) admit(action protocol.MouseAction, nx, ny float64, now time.Time) bool {
	if action != protocol.MouseMove {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasLast && math.Abs(nx-f.lastX) <= moveThreshold && math.Abs(ny-f.lastY) <= moveThreshold {
		return false
	}
	if !f.limiter.AllowN(now, 1) {
		return false
	}
	f.lastX, f.lastY, f.hasLast = nx, ny, true
	return true
}

// CaptureMouse offers one local pointer event in screen pixels. It is
// published only while capture is enabled, this session is the controller
// and the capture filter admits it. It reports whether the event was queued.
func (s *Session) CaptureMouse(action protocol.MouseAction, x, y, delta int) bool {
	if !s.captureMouse || !s.IsController() {
		return false
	}

	nx, ny := pointer.Normalize(s.bounds(), x, y)
	if !s.capture.admit(action, nx, ny, time.Now()) {
		return false
	}
	if action != protocol.MouseWheel {
		delta = 0
	}

	env := protocol.New(protocol.MouseEvent{
		ControllerClientID: s.identity,
		Action:             action,
		NormalizedX:        nx,
		NormalizedY:        ny,
		Delta:              delta,
	})
	if err := s.Publish(env); err != nil {
		if s.debug {
			log.Printf("session: mouse %s dropped: %v", action, err)
		}
		return false
	}
	return true
}

// TrackPointer polls loc at the capture rate and offers every position
// change as a Move until ctx is done. It returns at once when capture is
// disabled or the platform cannot report the cursor.
func (s *Session) TrackPointer(ctx context.Context, loc pointer.Locator) error {
	if !s.captureMouse {
		return nil
	}
	if _, _, err := loc.Position(); err != nil {
		log.Printf("session: mouse capture unavailable: %v", err)
		return err
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.capture.hz))
	defer ticker.Stop()

	lastX, lastY := math.MinInt, math.MinInt
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !s.IsController() || s.State() != Connected {
			continue
		}
		x, y, err := loc.Position()
		if err != nil {
			continue
		}
		if x == lastX && y == lastY {
			continue
		}
		lastX, lastY = x, y
		s.CaptureMouse(protocol.MouseMove, x, y, 0)
	}
}

// applyMouse injects a relayed event unless it is this session's own echo.
func (s *Session) applyMouse(ev protocol.MouseEvent) {
	if !s.followController {
		return
	}
	if strings.EqualFold(ev.ControllerClientID, s.identity) {
		if s.debug {
			log.Printf("session: ignoring own mouse %s", ev.Action)
		}
		return
	}

	x, y := pointer.Denormalize(s.bounds(), ev.NormalizedX, ev.NormalizedY)
	if err := s.pointer.Inject(ev.Action, x, y, ev.Delta); err != nil {
		if s.debug {
			log.Printf("session: inject %s at (%d,%d) failed: %v", ev.Action, x, y, err)
		}
	}
}
