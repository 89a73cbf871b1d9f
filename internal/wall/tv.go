// Package wall models the video wall: TV identity, the wall canvas derived
// from the receivers' configured rectangles, and the crop planner that maps a
// video onto each TV for tile and repeat display modes.
package wall

import (
	"fmt"
	"strconv"
	"strings"
)

// DisplayMode selects how a TV maps the video onto itself.
type DisplayMode string

const (
	// DisplayModeTile shows this TV's region of the wall-projected video;
	// the union of all TVs shows the whole video.
	DisplayModeTile DisplayMode = "DISPLAY_MODE_TILE"
	// DisplayModeRepeat shows the entire video fitted to this TV alone.
	DisplayModeRepeat DisplayMode = "DISPLAY_MODE_REPEAT"
)

// DisplayModes lists the valid display modes.
var DisplayModes = []DisplayMode{DisplayModeTile, DisplayModeRepeat}

// IsValidDisplayMode reports whether m is a known display mode.
func IsValidDisplayMode(m DisplayMode) bool {
	return m == DisplayModeTile || m == DisplayModeRepeat
}

const tvIDDelim = "_"

// TV identifies one television: the receiver host that drives it plus the
// output number on that host (1 or 2).
type TV struct {
	Hostname string
	Num      int
}

// ID returns the wall-unique TV id, e.g. "piwall1.local_1".
func (t TV) ID() string {
	return t.Hostname + tvIDDelim + strconv.Itoa(t.Num)
}

// ParseTVID splits a TV id back into its host and output number.
func ParseTVID(id string) (TV, error) {
	i := strings.LastIndex(id, tvIDDelim)
	if i < 0 {
		return TV{}, fmt.Errorf("malformed tv id %q", id)
	}
	num, err := strconv.Atoi(id[i+1:])
	if err != nil || (num != 1 && num != 2) {
		return TV{}, fmt.Errorf("malformed tv number in id %q", id)
	}
	return TV{Hostname: id[:i], Num: num}, nil
}
