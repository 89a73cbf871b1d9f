package volume

import (
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/piwall2/piwall2/internal/logging"
)

var log = logging.L("volume")

var mixerValuesRe = regexp.MustCompile(`values=(-?\d+)`)

// Mixer reads and writes the alsa mixer volume.
//
// On receivers it pins the hardware output at 100% once at startup; all real
// attenuation happens in the player. On the broadcaster, which has no audio
// output at all, the mixer doubles as the volume state store: the web server
// writes it and the queue loop reads it back to republish to receivers.
// SQLite was tried for this and was both slower and lock-prone under load.
type Mixer struct {
	// NumID is the alsa mixer control id, normally 1.
	NumID int
}

func NewMixer() *Mixer {
	return &Mixer{NumID: 1}
}

// Pct reads the mixer and returns perceptual loudness in [0, 100].
func (m *Mixer) Pct() (float64, error) {
	mb, err := m.Millibels()
	if err != nil {
		return 0, err
	}
	return MillibelsToPct(float64(mb)), nil
}

// SetPct writes a perceptual loudness percentage to the mixer.
func (m *Mixer) SetPct(pct float64) error {
	db := PctToMillibels(pct) / 100

	// The mixer control takes a raw percentage of its own millibel range,
	// not a loudness percentage.
	raw := ((db*100 - GlobalMinMillibels) / (GlobalMaxMillibels - GlobalMinMillibels)) * 100

	cmd := exec.Command("amixer", "cset", fmt.Sprintf("numid=%d", m.NumID), fmt.Sprintf("%f%%", raw))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("amixer cset: %w (output: %s)", err, out)
	}
	return nil
}

// Millibels reads the raw mixer level, clamped to [GlobalMinMillibels, 0].
func (m *Mixer) Millibels() (int, error) {
	out, err := exec.Command("amixer", "cget", fmt.Sprintf("numid=%d", m.NumID)).Output()
	if err != nil {
		return 0, fmt.Errorf("amixer cget: %w", err)
	}

	match := mixerValuesRe.FindSubmatch(out)
	if match == nil {
		log.Warn("could not parse amixer output, assuming muted")
		return GlobalMinMillibels, nil
	}
	mb, err := strconv.Atoi(string(match[1]))
	if err != nil {
		return 0, fmt.Errorf("parse amixer value: %w", err)
	}

	mb = int(math.Max(GlobalMinMillibels, math.Min(0, float64(mb))))
	return mb, nil
}
