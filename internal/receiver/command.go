package receiver

import (
	"fmt"
	"math"
	"strings"

	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/volume"
	"github.com/piwall2/piwall2/internal/wall"
)

// commandBuilder turns control messages into player pipelines for this
// receiver's one or two TVs.
type commandBuilder struct {
	stanza  config.ReceiverConfig
	wallW   int
	wallH   int
	selfExe string
}

func newCommandBuilder(stanza config.ReceiverConfig, w *wall.Wall, selfExe string) *commandBuilder {
	return &commandBuilder{
		stanza:  stanza,
		wallW:   w.Width,
		wallH:   w.Height,
		selfExe: selfExe,
	}
}

// receiveAndPlayVideoCommand builds the shell command that ingests the
// multicast video stream and plays it, and returns the crop args for both
// display modes so later DISPLAY_MODE messages can re-crop the running
// players. The command is a self invocation: the subprocess joins the video
// port, buffers, and feeds the player pipeline it spawns from --command.
func (b *commandBuilder) receiveAndPlayVideoCommand(
	logUUID string, videoW, videoH int, volumePct float64, mode, mode2 wall.DisplayMode,
) (cmd string, cropArgs, cropArgs2 wall.CropArgs, err error) {
	playerCmd, cropArgs, cropArgs2, err := b.playerPipelineCommand(videoW, videoH, volumePct, mode, mode2, roleVideo, "")
	if err != nil {
		return "", nil, nil, err
	}
	cmd = fmt.Sprintf("%s receive-and-play-video --command %s --log-uuid %s",
		shellQuote(b.selfExe), shellQuote(playerCmd), shellQuote(logUUID))
	return cmd, cropArgs, cropArgs2, nil
}

// loadingScreenCommand builds the command that plays a local loading screen
// clip on its own control handles, in parallel with any video ingest.
func (b *commandBuilder) loadingScreenCommand(
	data control.LoadingScreenData, volumePct float64, mode, mode2 wall.DisplayMode,
) (cmd string, cropArgs, cropArgs2 wall.CropArgs, err error) {
	return b.playerPipelineCommand(data.Width, data.Height, volumePct, mode, mode2, roleLoadingScreen, data.VideoPath)
}

type playerRole int

const (
	roleVideo playerRole = iota
	roleLoadingScreen
)

// playerPipelineCommand builds the player invocation(s) for this receiver.
// With videoPath empty the players read the stream from stdin (a dual output
// receiver tees it to both); with a path they play the local file directly.
func (b *commandBuilder) playerPipelineCommand(
	videoW, videoH int, volumePct float64, mode, mode2 wall.DisplayMode, role playerRole, videoPath string,
) (cmd string, cropArgs, cropArgs2 wall.CropArgs, err error) {
	adev, adev2, err := b.adevArgs()
	if err != nil {
		return "", nil, nil, err
	}
	display, display2, err := b.displayArgs()
	if err != nil {
		return "", nil, nil, err
	}
	cropArgs, cropArgs2 = b.cropArgs(videoW, videoH)

	mb := volume.PlayerMillibels(volumePct)

	omxCmd := b.omxCmd(cropArgs[mode], adev, display, mb, b.stanza.Orientation, busName(1, role), videoPath)
	if !b.stanza.IsDualVideoOutput() {
		return omxCmd, cropArgs, nil, nil
	}

	omxCmd2 := b.omxCmd(cropArgs2[mode2], adev2, display2, mb, b.stanza.Orientation2, busName(2, role), videoPath)
	if videoPath != "" {
		// Local file: both players read it independently.
		cmd = fmt.Sprintf("%s & %s & wait", omxCmd, omxCmd2)
	} else {
		cmd = fmt.Sprintf("set -o pipefail && tee >(%s) >(%s) >/dev/null", omxCmd, omxCmd2)
	}
	return cmd, cropArgs, cropArgs2, nil
}

func (b *commandBuilder) omxCmd(crop wall.Crop, adev, display string, millibels float64, orientation int, bus, videoPath string) string {
	live := ""
	if orientation != 0 {
		// Rotated output stutters without the player's live mode.
		live = " --live"
	}
	input := " pipe:0"
	if videoPath != "" {
		input = " " + shellQuote(videoPath)
	}
	return fmt.Sprintf(
		"omxplayer --crop %s --adev %s --display %s --vol %d --orientation %d%s "+
			"--no-keys --timeout 30 --threshold 0.2 --video_fifo 35 --genlog --dbus_name %s%s",
		shellQuote(crop.String()), shellQuote(adev), shellQuote(display),
		int(math.Round(millibels)), orientation, live, shellQuote(bus), input)
}

// cropArgs computes the crop rectangles for both display modes, for each TV
// on this receiver.
func (b *commandBuilder) cropArgs(videoW, videoH int) (cropArgs, cropArgs2 wall.CropArgs) {
	rect := wall.Rect{X: b.stanza.X, Y: b.stanza.Y, W: b.stanza.Width, H: b.stanza.Height}
	cropArgs = wall.CropArgsForTV(videoW, videoH, b.wallW, b.wallH, rect)
	if b.stanza.IsDualVideoOutput() {
		rect2 := wall.Rect{X: b.stanza.X2, Y: b.stanza.Y2, W: b.stanza.Width2, H: b.stanza.Height2}
		cropArgs2 = wall.CropArgsForTV(videoW, videoH, b.wallW, b.wallH, rect2)
	}
	return cropArgs, cropArgs2
}

// adevArgs maps the config's audio values onto the player's --adev argument.
func (b *commandBuilder) adevArgs() (adev, adev2 string, err error) {
	switch b.stanza.Audio {
	case "hdmi", "hdmi0":
		adev = "hdmi"
	case "headphone":
		adev = "local"
	case "hdmi_alsa", "hdmi0_alsa":
		adev = "alsa:default:CARD=b1"
	default:
		return "", "", fmt.Errorf("unexpected audio config value: %q", b.stanza.Audio)
	}

	if b.stanza.IsDualVideoOutput() {
		switch b.stanza.Audio2 {
		case "hdmi1":
			adev2 = "hdmi1"
		case "headphone":
			adev2 = "local"
		case "hdmi1_alsa":
			adev2 = "alsa:default:CARD=b2"
		default:
			return "", "", fmt.Errorf("unexpected audio2 config value: %q", b.stanza.Audio2)
		}
	}
	return adev, adev2, nil
}

// displayArgs maps the config's video values onto the player's --display
// argument (dispmanx display ids).
func (b *commandBuilder) displayArgs() (display, display2 string, err error) {
	switch b.stanza.Video {
	case "hdmi", "hdmi0":
		display = "2"
	case "composite":
		display = "3"
	default:
		return "", "", fmt.Errorf("unexpected video config value: %q", b.stanza.Video)
	}

	if b.stanza.IsDualVideoOutput() {
		switch b.stanza.Video2 {
		case "hdmi1":
			display2 = "7"
		default:
			return "", "", fmt.Errorf("unexpected video2 config value: %q", b.stanza.Video2)
		}
	}
	return display, display2, nil
}

// busName returns the control bus name for one TV output and role.
func busName(tvNum int, role playerRole) string {
	r := "video"
	if role == roleLoadingScreen {
		r = "loadingscreen"
	}
	return fmt.Sprintf("piwall.tv%d.%s", tvNum, r)
}

// shellQuote single-quotes s for safe interpolation into a bash command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
