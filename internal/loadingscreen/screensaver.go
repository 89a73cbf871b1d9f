package loadingscreen

import (
	"math/rand"
	"path/filepath"

	"github.com/piwall2/piwall2/internal/config"
)

// Screensaver is one idle-queue fallback clip.
type Screensaver struct {
	VideoPath string
	Height    int
}

// Screensavers loads the configured screensavers, dropping clips too tall
// for a dual-output wall.
type Screensavers struct {
	entries  []Screensaver
	randIntn func(int) int
}

// LoadScreensavers probes the configured screensaver clips.
func LoadScreensavers(cfg *config.Config, rootDir string, probe Prober) (*Screensavers, error) {
	s := &Screensavers{randIntn: rand.Intn}
	dual := cfg.IsAnyReceiverDualVideoOutput()

	for _, sc := range cfg.Screensavers {
		path := filepath.Join(rootDir, sc.VideoPath)
		_, height, err := probe.Dimensions(path)
		if err != nil {
			return nil, err
		}
		if dual && height > maxDualOutputHeight {
			log.Warn("skipping screensaver, resolution too high for a dual output receiver",
				"path", path, "height", height)
			continue
		}
		s.entries = append(s.entries, Screensaver{VideoPath: path, Height: height})
	}
	return s, nil
}

// Choose returns a random screensaver. ok is false when none is usable.
func (s *Screensavers) Choose() (Screensaver, bool) {
	if len(s.entries) == 0 {
		return Screensaver{}, false
	}
	return s.entries[s.randIntn(len(s.entries))], true
}
