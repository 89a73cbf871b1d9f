package loadingscreen

import (
	"encoding/json"
	"fmt"
	"os/exec"
)

// Prober extracts video stream metadata. The real implementation shells out
// to ffprobe; tests substitute a fake.
type Prober interface {
	Dimensions(videoPath string) (width, height int, err error)
}

// FFProber probes with ffprobe.
type FFProber struct{}

type ffprobeStream struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ffprobeOutput struct {
	Streams  []ffprobeStream `json:"streams"`
	Programs []struct {
		Streams []ffprobeStream `json:"streams"`
	} `json:"programs"`
}

// Dimensions returns the width and height of the first video stream.
func (FFProber) Dimensions(videoPath string) (int, int, error) {
	out, err := exec.Command("ffprobe",
		"-hide_banner", "-v", "0",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-print_format", "json",
		videoPath).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe %s: %w", videoPath, err)
	}

	var probed ffprobeOutput
	if err := json.Unmarshal(out, &probed); err != nil {
		return 0, 0, fmt.Errorf("parse ffprobe output for %s: %w", videoPath, err)
	}

	// Depending on the container, ffprobe reports streams at the top level
	// or nested under programs; check both.
	if len(probed.Streams) > 0 && probed.Streams[0].Width > 0 {
		return probed.Streams[0].Width, probed.Streams[0].Height, nil
	}
	if len(probed.Programs) > 0 && len(probed.Programs[0].Streams) > 0 {
		s := probed.Programs[0].Streams[0]
		return s.Width, s.Height, nil
	}
	return 0, 0, fmt.Errorf("no video stream found in %s", videoPath)
}
