package session

import (
	"math"
	"strings"

	"github.com/n64arcade/multiplayer-coordinator/internal/v1/apierr"
)

// MaxNameLen is the longest a member display name may be once whitespace
// is normalized.
const MaxNameLen = 32

// normalizeName collapses runs of whitespace, trims the ends, and rejects
// names that end up empty or still too long.
func normalizeName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" || len(name) > MaxNameLen {
		return "", apierr.ErrValidation
	}
	return name, nil
}

// validateAvatarURL allows only http(s) and data:image URLs, matching
// the data model's constraint that an avatar can't reach arbitrary
// schemes (javascript:, file:, ...).
func validateAvatarURL(avatarURL string) error {
	if avatarURL == "" {
		return nil
	}
	switch {
	case strings.HasPrefix(avatarURL, "http://"),
		strings.HasPrefix(avatarURL, "https://"),
		strings.HasPrefix(avatarURL, "data:image"):
		return nil
	default:
		return apierr.ErrValidation
	}
}

// KnownControls enumerates the 18-button N64 digital control set the
// relay will accept for a "digital" frame: A, B, Z, Start, L, R, the
// four D-Pad directions, the four C buttons, and the four directions of
// a digitally-thresholded analog stick. Anything else is rejected at
// ingress.
var KnownControls = map[string]bool{
	"a": true, "b": true, "z": true, "start": true, "l": true, "r": true,
	"dpad_up": true, "dpad_down": true, "dpad_left": true, "dpad_right": true,
	"c_up": true, "c_down": true, "c_left": true, "c_right": true,
	"stick_up": true, "stick_down": true, "stick_left": true, "stick_right": true,
}

// analogControl is the sole control identifier an "analog" frame may
// carry: the raw stick, reported as continuous x/y rather than the
// digitally-thresholded stick_* directions in KnownControls.
const analogControl = "stick"

// ValidateInput rejects malformed input payloads outright and normalizes
// the rest (clamping analog axes, zeroing sub-deadzone noise) so the
// relay contract to the host is byte-stable across client versions.
func ValidateInput(p InputPayload, deadzone float64) (InputPayload, bool) {
	switch p.Kind {
	case "digital":
		if !KnownControls[p.Control] {
			return InputPayload{}, false
		}
		if p.Pressed == nil {
			return InputPayload{}, false
		}
		return InputPayload{Kind: p.Kind, Control: p.Control, Pressed: p.Pressed}, true
	case "analog":
		if p.Control != analogControl {
			return InputPayload{}, false
		}
		if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
			return InputPayload{}, false
		}
		x := clamp(p.X, -1, 1)
		y := clamp(p.Y, -1, 1)
		if math.Abs(x) < deadzone {
			x = 0
		}
		if math.Abs(y) < deadzone {
			y = 0
		}
		return InputPayload{Kind: p.Kind, Control: p.Control, X: x, Y: y}, true
	default:
		return InputPayload{}, false
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
