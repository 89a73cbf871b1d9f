package wall

import (
	"fmt"
	"sort"

	"github.com/piwall2/piwall2/internal/config"
)

// Rect is a rectangle in wall coordinates. Units are whatever the config
// uses (inches, centimeters); only ratios matter.
type Rect struct {
	X, Y, W, H int
}

// Wall is the logical 2D canvas formed by all configured TVs.
type Wall struct {
	Width  int
	Height int

	tvRects map[string]Rect // keyed by TV id
	tvIDs   []string        // sorted for deterministic iteration

	rows    [][]string
	columns [][]string

	anyDualOutput bool
}

// New derives the wall from the receivers table: wall dimensions are the
// maximum extent of any TV rectangle, and each TV is bucketed into a row and
// column by its center point.
func New(cfg *config.Config) (*Wall, error) {
	w := &Wall{tvRects: make(map[string]Rect)}

	for host, rc := range cfg.Receivers {
		w.addTV(TV{Hostname: host, Num: 1}, Rect{rc.X, rc.Y, rc.Width, rc.Height})
		if rc.IsDualVideoOutput() {
			w.addTV(TV{Hostname: host, Num: 2}, Rect{rc.X2, rc.Y2, rc.Width2, rc.Height2})
			w.anyDualOutput = true
		}
	}

	if w.Width <= 0 || w.Height <= 0 {
		return nil, fmt.Errorf("wall has non-positive dimensions %dx%d", w.Width, w.Height)
	}

	sort.Strings(w.tvIDs)
	w.bucketRowsAndColumns(cfg.Rows, cfg.Columns)
	return w, nil
}

func (w *Wall) addTV(tv TV, r Rect) {
	id := tv.ID()
	w.tvRects[id] = r
	w.tvIDs = append(w.tvIDs, id)
	if r.X+r.W > w.Width {
		w.Width = r.X + r.W
	}
	if r.Y+r.H > w.Height {
		w.Height = r.Y + r.H
	}
}

func (w *Wall) bucketRowsAndColumns(numRows, numColumns int) {
	if numRows < 1 {
		numRows = 1
	}
	if numColumns < 1 {
		numColumns = 1
	}
	w.rows = make([][]string, numRows)
	w.columns = make([][]string, numColumns)

	rowHeight := float64(w.Height) / float64(numRows)
	columnWidth := float64(w.Width) / float64(numColumns)

	for _, id := range w.tvIDs {
		r := w.tvRects[id]
		centerX := float64(r.X) + float64(r.W)/2
		centerY := float64(r.Y) + float64(r.H)/2

		row := int(centerY / rowHeight)
		if row >= numRows {
			row = numRows - 1
		}
		col := int(centerX / columnWidth)
		if col >= numColumns {
			col = numColumns - 1
		}

		w.rows[row] = append(w.rows[row], id)
		w.columns[col] = append(w.columns[col], id)
	}
}

// TVIDs returns all TV ids in sorted order.
func (w *Wall) TVIDs() []string {
	out := make([]string, len(w.tvIDs))
	copy(out, w.tvIDs)
	return out
}

// TVRect returns the wall rectangle of the given TV.
func (w *Wall) TVRect(tvID string) (Rect, bool) {
	r, ok := w.tvRects[tvID]
	return r, ok
}

// Rows returns the TV ids of each row bucket, top to bottom.
func (w *Wall) Rows() [][]string { return w.rows }

// Columns returns the TV ids of each column bucket, left to right.
func (w *Wall) Columns() [][]string { return w.columns }

// NumRows returns the configured row bucket count.
func (w *Wall) NumRows() int { return len(w.rows) }

// NumColumns returns the configured column bucket count.
func (w *Wall) NumColumns() int { return len(w.columns) }

// IsAnyDualOutput reports whether any receiver drives two TVs.
func (w *Wall) IsAnyDualOutput() bool { return w.anyDualOutput }
