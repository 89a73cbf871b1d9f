package wall

import (
	"testing"

	"pgregory.net/rapid"
)

// Two 960x1080 TVs side by side, 16:9 video on a 16:9 wall: the tile crops
// split the video down the middle and the repeat crops are the whole video.
func TestCropTwoTVWallMatchingAspect(t *testing.T) {
	const videoW, videoH = 1920, 1080
	const wallW, wallH = 1920, 1080

	tv1 := Rect{X: 0, Y: 0, W: 960, H: 1080}
	tv2 := Rect{X: 960, Y: 0, W: 960, H: 1080}

	if got, want := TileCrop(videoW, videoH, wallW, wallH, tv1), (Crop{0, 0, 960, 1080}); got != want {
		t.Fatalf("tv1 tile crop = %v, want %v", got, want)
	}
	if got, want := TileCrop(videoW, videoH, wallW, wallH, tv2), (Crop{960, 0, 1920, 1080}); got != want {
		t.Fatalf("tv2 tile crop = %v, want %v", got, want)
	}

	want := Crop{0, 0, 1920, 1080}
	for _, tv := range []Rect{tv1, tv2} {
		if got := RepeatCrop(videoW, videoH, tv); got != want {
			t.Fatalf("repeat crop = %v, want %v", got, want)
		}
	}
}

// A 4:3 wall showing a 16:9 video crops the video's sides: displayable
// region is 1440x1080 offset by x=240.
func TestCropNarrowWallWideVideo(t *testing.T) {
	const videoW, videoH = 1920, 1080
	const wallW, wallH = 1280, 960 // 2x2 of 640x480 TVs

	topLeft := Rect{X: 0, Y: 0, W: 640, H: 480}
	if got, want := TileCrop(videoW, videoH, wallW, wallH, topLeft), (Crop{240, 0, 960, 540}); got != want {
		t.Fatalf("top-left tile crop = %v, want %v", got, want)
	}

	bottomRight := Rect{X: 640, Y: 480, W: 640, H: 480}
	if got, want := TileCrop(videoW, videoH, wallW, wallH, bottomRight), (Crop{960, 540, 1680, 1080}); got != want {
		t.Fatalf("bottom-right tile crop = %v, want %v", got, want)
	}
}

func TestCropArgsForTVHasBothModes(t *testing.T) {
	args := CropArgsForTV(1920, 1080, 1920, 1080, Rect{0, 0, 960, 1080})
	if _, ok := args[DisplayModeTile]; !ok {
		t.Fatal("missing tile crop")
	}
	if _, ok := args[DisplayModeRepeat]; !ok {
		t.Fatal("missing repeat crop")
	}
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// For any grid of TVs that exactly tiles the wall, the tile crops partition
// the displayable region: adjacent crops share edges and the extremes land
// on the displayable bounds, all within 1px of rounding per edge.
func TestTileCropsPartitionDisplayableRegion(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rows := rapid.IntRange(1, 4).Draw(t, "rows")
		cols := rapid.IntRange(1, 4).Draw(t, "cols")
		tileW := rapid.IntRange(100, 1000).Draw(t, "tileW")
		tileH := rapid.IntRange(100, 1000).Draw(t, "tileH")
		videoW := rapid.IntRange(320, 4096).Draw(t, "videoW")
		videoH := rapid.IntRange(240, 2160).Draw(t, "videoH")

		wallW := cols * tileW
		wallH := rows * tileH

		dw, dh := displayableDimensions(float64(videoW), float64(videoH), float64(wallW), float64(wallH))
		offX := (float64(videoW) - dw) / 2
		offY := (float64(videoH) - dh) / 2

		crops := make([][]Crop, rows)
		for r := 0; r < rows; r++ {
			crops[r] = make([]Crop, cols)
			for c := 0; c < cols; c++ {
				tv := Rect{X: c * tileW, Y: r * tileH, W: tileW, H: tileH}
				crops[r][c] = TileCrop(videoW, videoH, wallW, wallH, tv)
			}
		}

		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				crop := crops[r][c]
				if c > 0 && absDiff(crops[r][c-1].X1, crop.X0) > 1 {
					t.Fatalf("horizontal gap/overlap between (%d,%d) and (%d,%d): %v vs %v",
						r, c-1, r, c, crops[r][c-1], crop)
				}
				if r > 0 && absDiff(crops[r-1][c].Y1, crop.Y0) > 1 {
					t.Fatalf("vertical gap/overlap between (%d,%d) and (%d,%d): %v vs %v",
						r-1, c, r, c, crops[r-1][c], crop)
				}
			}
		}

		if absDiff(crops[0][0].X0, int(offX+0.5)) > 1 || absDiff(crops[0][0].Y0, int(offY+0.5)) > 1 {
			t.Fatalf("first crop does not start at displayable origin: %v (off %f,%f)", crops[0][0], offX, offY)
		}
		last := crops[rows-1][cols-1]
		if absDiff(last.X1, int(offX+dw+0.5)) > 1 || absDiff(last.Y1, int(offY+dh+0.5)) > 1 {
			t.Fatalf("last crop does not end at displayable extent: %v (off+d %f,%f)", last, offX+dw, offY+dh)
		}
	})
}
