package wall

import (
	"fmt"
	"math"

	"github.com/piwall2/piwall2/internal/logging"
)

var log = logging.L("wall")

// Crop is a sub-rectangle of the video, in video pixels, expressed by its
// corners. This is the unit the player's crop control consumes.
type Crop struct {
	X0, Y0, X1, Y1 int
}

// String renders the crop in the player's "x0 y0 x1 y1" argument format.
func (c Crop) String() string {
	return fmt.Sprintf("%d %d %d %d", c.X0, c.Y0, c.X1, c.Y1)
}

// CropArgs holds one crop per display mode for a single TV.
type CropArgs map[DisplayMode]Crop

// CropArgsForTV computes both display-mode crops for one TV: the tile crop
// projects the TV's wall rectangle onto the video, the repeat crop fits the
// whole video to the TV alone.
func CropArgsForTV(videoW, videoH, wallW, wallH int, tv Rect) CropArgs {
	return CropArgs{
		DisplayModeTile:   TileCrop(videoW, videoH, wallW, wallH, tv),
		DisplayModeRepeat: RepeatCrop(videoW, videoH, tv),
	}
}

// TileCrop maps the TV's rectangle from wall coordinates onto the centered
// displayable region of the video whose aspect ratio matches the wall.
func TileCrop(videoW, videoH, wallW, wallH int, tv Rect) Crop {
	dw, dh := displayableDimensions(float64(videoW), float64(videoH), float64(wallW), float64(wallH))
	offX := (float64(videoW) - dw) / 2
	offY := (float64(videoH) - dh) / 2

	c := Crop{
		X0: int(math.Round(offX + float64(tv.X)/float64(wallW)*dw)),
		Y0: int(math.Round(offY + float64(tv.Y)/float64(wallH)*dh)),
		X1: int(math.Round(offX + float64(tv.X+tv.W)/float64(wallW)*dw)),
		Y1: int(math.Round(offY + float64(tv.Y+tv.H)/float64(wallH)*dh)),
	}
	warnIfOutOfRange(c, videoW, videoH)
	return c
}

// RepeatCrop is the centered displayable region for the TV's own aspect
// ratio: the whole video, fill-cropped to the TV.
func RepeatCrop(videoW, videoH int, tv Rect) Crop {
	dw, dh := displayableDimensions(float64(videoW), float64(videoH), float64(tv.W), float64(tv.H))
	offX := (float64(videoW) - dw) / 2
	offY := (float64(videoH) - dh) / 2

	c := Crop{
		X0: int(math.Round(offX)),
		Y0: int(math.Round(offY)),
		X1: int(math.Round(offX + dw)),
		Y1: int(math.Round(offY + dh)),
	}
	warnIfOutOfRange(c, videoW, videoH)
	return c
}

// displayableDimensions returns the size of the centered video region that
// will be shown on a screen of the given aspect ratio, in "fill" semantics:
// no letterboxing and no aspect warping, so one video axis is cropped.
func displayableDimensions(videoW, videoH, screenW, screenH float64) (float64, float64) {
	videoAspect := videoW / videoH
	screenAspect := screenW / screenH
	if screenAspect >= videoAspect {
		return videoW, videoW / screenAspect
	}
	return screenAspect * videoH, videoH
}

// Out-of-range crops are logged but never clamped: they indicate a
// misconfigured wall, and clamping would hide the mistake.
func warnIfOutOfRange(c Crop, videoW, videoH int) {
	if c.X0 > videoW || c.X1 > videoW {
		log.Warn("crop x coordinate exceeds video width, check wall config",
			"crop", c.String(), "videoWidth", videoW)
	}
	if c.Y0 > videoH || c.Y1 > videoH {
		log.Warn("crop y coordinate exceeds video height, check wall config",
			"crop", c.String(), "videoHeight", videoH)
	}
}
