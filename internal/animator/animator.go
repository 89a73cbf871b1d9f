// Package animator drives per-TV display mode animations on the broadcaster.
// It ticks at a fixed rate, derives a display mode for every TV from the
// current animation mode, and publishes DISPLAY_MODE control messages.
// Receivers converge even after packet loss because the idle path republishes
// the persisted modes every two seconds.
package animator

import (
	"errors"
	"fmt"
	"time"

	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/logging"
	"github.com/piwall2/piwall2/internal/store"
	"github.com/piwall2/piwall2/internal/wall"
)

var log = logging.L("animator")

// Mode is an animation mode. Pseudo modes are never persisted: setting one
// writes the implied display mode to all TVs and persists ModeNone.
type Mode string

const (
	ModeNone           Mode = "ANIMATION_MODE_NONE"
	ModeTileRepeat     Mode = "ANIMATION_MODE_TILE_REPEAT"
	ModeFullscreenTile Mode = "ANIMATION_MODE_FULLSCREEN_TILE"
	ModeLeft           Mode = "ANIMATION_MODE_LEFT"
	ModeRight          Mode = "ANIMATION_MODE_RIGHT"
	ModeUp             Mode = "ANIMATION_MODE_UP"
	ModeDown           Mode = "ANIMATION_MODE_DOWN"
	ModeRain           Mode = "ANIMATION_MODE_RAIN"
	ModeSpiral         Mode = "ANIMATION_MODE_SPIRAL"

	// Pseudo modes.
	ModeTile       Mode = "ANIMATION_MODE_TILE"
	ModeRepeat     Mode = "ANIMATION_MODE_REPEAT"
	ModeFullscreen Mode = "ANIMATION_MODE_FULLSCREEN"
)

// Modes lists every settable animation mode, pseudo modes included.
var Modes = []Mode{
	ModeNone, ModeTileRepeat, ModeFullscreenTile,
	ModeLeft, ModeRight, ModeUp, ModeDown, ModeRain, ModeSpiral,
	ModeTile, ModeRepeat, ModeFullscreen,
}

func isPseudo(m Mode) bool {
	return m == ModeTile || m == ModeRepeat || m == ModeFullscreen
}

func isValid(m Mode) bool {
	for _, v := range Modes {
		if m == v {
			return true
		}
	}
	return false
}

// Settings keys.
const (
	SettingAnimationMode = "animation_mode"
	SettingDisplayMode   = "display_mode"
)

const (
	// TicksPerSecond is the animator tick rate.
	TicksPerSecond = 10

	// noneRepublishTicks: idle republish of persisted modes every 2 s.
	noneRepublishTicks = 2 * TicksPerSecond
	// toggleTicks: all-TV toggle animations flip every 2 s.
	toggleTicks = 2 * TicksPerSecond
	// stepTicks: sweep, rain and spiral advance one step per second.
	stepTicks = TicksPerSecond
	// spiralPauseSteps: spiral holds one step (1 s) at cycle end.
	spiralPauseSteps = 1

	// storeWriteInterval throttles settings-store writes during animations.
	storeWriteInterval = 2 * time.Second
)

// publisher sends control messages. Satisfied by *control.Broadcaster.
type publisher interface {
	Send(t control.MessageType, content any) error
}

type cell struct{ row, col int }

// Animator owns the tick loop state. It is driven from the single queue
// goroutine; it is not safe for concurrent use.
type Animator struct {
	settings *store.Settings
	wall     *wall.Wall
	pub      publisher

	mode  Mode
	ticks int

	// desired display mode per TV for the running animation.
	state map[string]wall.DisplayMode

	spiralOrder    []cell
	lastStoreWrite time.Time
	now            func() time.Time
}

// New returns an animator over the given wall.
func New(settings *store.Settings, w *wall.Wall, pub publisher) *Animator {
	return &Animator{
		settings:    settings,
		wall:        w,
		pub:         pub,
		mode:        Mode(""),
		spiralOrder: spiralOrder(w.NumRows(), w.NumColumns()),
		now:         time.Now,
	}
}

// SetMode persists a new animation mode. Pseudo modes write the implied
// display mode to every TV and persist ModeNone instead.
func (a *Animator) SetMode(m Mode) error {
	if !isValid(m) {
		return fmt.Errorf("invalid animation mode %q", m)
	}
	if isPseudo(m) {
		dm := wall.DisplayModeTile
		if m == ModeRepeat || m == ModeFullscreen {
			dm = wall.DisplayModeRepeat
		}
		modes := make(control.DisplayModesByTV)
		for _, id := range a.wall.TVIDs() {
			modes[id] = dm
		}
		if err := a.SetDisplayModes(modes); err != nil {
			return err
		}
		m = ModeNone
	}
	return a.settings.Set(SettingAnimationMode, string(m))
}

// Mode returns the effective animation mode. When the persisted mode is
// ModeNone and every TV shares one display mode, the matching pseudo mode is
// inferred so the UI can highlight it.
func (a *Animator) Mode() (Mode, error) {
	raw, err := a.settings.Get(SettingAnimationMode, string(ModeNone))
	if err != nil {
		return ModeNone, err
	}
	m := Mode(raw)
	if m != ModeNone && !isPseudo(m) {
		return m, nil
	}

	modes, err := a.DisplayModes()
	if err != nil {
		return ModeNone, err
	}
	shared := wall.DisplayMode("")
	for _, dm := range modes {
		if shared == "" {
			shared = dm
		} else if dm != shared {
			return ModeNone, nil
		}
	}
	switch shared {
	case wall.DisplayModeTile:
		return ModeTile, nil
	case wall.DisplayModeRepeat:
		return ModeRepeat, nil
	}
	return ModeNone, nil
}

// DisplayModes reads the persisted per-TV display modes. Absent TVs default
// to tile.
func (a *Animator) DisplayModes() (control.DisplayModesByTV, error) {
	ids := a.wall.TVIDs()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = store.TVSettingKey(SettingDisplayMode, id)
	}
	raw, err := a.settings.GetMulti(keys, string(wall.DisplayModeTile))
	if err != nil {
		return nil, err
	}
	modes := make(control.DisplayModesByTV, len(ids))
	for i, id := range ids {
		dm := wall.DisplayMode(raw[keys[i]])
		if !wall.IsValidDisplayMode(dm) {
			dm = wall.DisplayModeTile
		}
		modes[id] = dm
	}
	return modes, nil
}

// SetDisplayModes persists the given per-TV display modes and publishes them
// on the control channel.
func (a *Animator) SetDisplayModes(modes control.DisplayModesByTV) error {
	kv := make(map[string]string, len(modes))
	for id, dm := range modes {
		if !wall.IsValidDisplayMode(dm) {
			return fmt.Errorf("invalid display mode %q for tv %s", dm, id)
		}
		kv[store.TVSettingKey(SettingDisplayMode, id)] = string(dm)
	}
	if err := a.settings.SetMulti(kv); err != nil {
		return err
	}
	return a.pub.Send(control.TypeDisplayMode, modes)
}

// Tick advances the animation by one tick. Called at TicksPerSecond by the
// queue loop. A briefly locked settings store skips the tick.
func (a *Animator) Tick() {
	raw, err := a.settings.Get(SettingAnimationMode, string(ModeNone))
	if err != nil {
		if errors.Is(err, store.ErrBusy) {
			log.Debug("settings store busy, skipping animator tick")
			return
		}
		log.Error("could not read animation mode", logging.KeyError, err)
		return
	}
	mode := Mode(raw)
	if !isValid(mode) || isPseudo(mode) {
		mode = ModeNone
	}

	if mode != a.mode {
		a.mode = mode
		a.ticks = 0
		a.resetState()
	} else {
		a.ticks++
	}

	switch a.mode {
	case ModeNone:
		a.tickNone()
	case ModeTileRepeat:
		a.tickToggle(wall.DisplayModeRepeat, wall.DisplayModeTile)
	case ModeFullscreenTile:
		a.tickToggle(wall.DisplayModeTile, wall.DisplayModeRepeat)
	case ModeLeft:
		a.tickSweep(a.wall.Columns(), true)
	case ModeRight:
		a.tickSweep(a.wall.Columns(), false)
	case ModeUp:
		a.tickSweep(a.wall.Rows(), true)
	case ModeDown:
		a.tickSweep(a.wall.Rows(), false)
	case ModeRain:
		a.tickRain()
	case ModeSpiral:
		a.tickSpiral()
	}
}

// tickNone republishes the persisted modes every 2 s. No store write: the
// modes already live in the store.
func (a *Animator) tickNone() {
	if a.ticks%noneRepublishTicks != 0 {
		return
	}
	modes, err := a.DisplayModes()
	if err != nil {
		if !errors.Is(err, store.ErrBusy) {
			log.Error("could not read display modes", logging.KeyError, err)
		}
		return
	}
	if err := a.pub.Send(control.TypeDisplayMode, modes); err != nil {
		log.Error("could not republish display modes", logging.KeyError, err)
	}
}

// tickToggle flips every TV between two modes every 2 s.
func (a *Animator) tickToggle(even, odd wall.DisplayMode) {
	if a.ticks%toggleTicks != 0 {
		return
	}
	dm := even
	if (a.ticks/toggleTicks)%2 == 1 {
		dm = odd
	}
	for _, id := range a.wall.TVIDs() {
		a.state[id] = dm
	}
	a.publishState()
}

// tickSweep wipes one bucket (column or row) per step. Step 0 resets the
// wall to tile; step k flips bucket (k-1) mod n, and each completed pass
// reverses which mode is being painted, so the wipe washes in and back out.
func (a *Animator) tickSweep(buckets [][]string, reverse bool) {
	if a.ticks%stepTicks != 0 {
		return
	}
	k := a.ticks / stepTicks
	if k == 0 {
		a.resetState()
		a.publishState()
		return
	}
	n := len(buckets)
	if n == 0 {
		return
	}
	idx := (k - 1) % n
	if reverse {
		idx = n - 1 - idx
	}
	dm := wall.DisplayModeRepeat
	if ((k-1)/n)%2 == 1 {
		dm = wall.DisplayModeTile
	}
	for _, id := range buckets[idx] {
		a.state[id] = dm
	}
	a.publishState()
}

// tickRain toggles one grid cell per step, cycling through all R*C cells.
func (a *Animator) tickRain() {
	if a.ticks%stepTicks != 0 {
		return
	}
	k := a.ticks / stepTicks
	if k == 0 {
		a.resetState()
		a.publishState()
		return
	}
	r := a.wall.NumRows()
	c := a.wall.NumColumns()
	a.toggleCell(cell{row: (k - 1) % r, col: ((k - 1) / c) % c})
	a.publishState()
}

// tickSpiral toggles cells in spiral order (perimeter clockwise, then
// peeling inward), holding one step at cycle end before starting over.
func (a *Animator) tickSpiral() {
	if a.ticks%stepTicks != 0 {
		return
	}
	k := a.ticks / stepTicks
	if k == 0 {
		a.resetState()
		a.publishState()
		return
	}
	cycle := len(a.spiralOrder) + spiralPauseSteps
	pos := (k - 1) % cycle
	if pos >= len(a.spiralOrder) {
		return // pause at cycle end
	}
	if pos == 0 {
		a.resetState()
	}
	a.toggleCell(a.spiralOrder[pos])
	a.publishState()
}

func (a *Animator) resetState() {
	a.state = make(map[string]wall.DisplayMode, len(a.wall.TVIDs()))
	for _, id := range a.wall.TVIDs() {
		a.state[id] = wall.DisplayModeTile
	}
}

// toggleCell flips the display mode of every TV at the intersection of one
// row bucket and one column bucket.
func (a *Animator) toggleCell(c cell) {
	rows := a.wall.Rows()
	cols := a.wall.Columns()
	if c.row >= len(rows) || c.col >= len(cols) {
		return
	}
	inCol := make(map[string]bool, len(cols[c.col]))
	for _, id := range cols[c.col] {
		inCol[id] = true
	}
	for _, id := range rows[c.row] {
		if !inCol[id] {
			continue
		}
		if a.state[id] == wall.DisplayModeTile {
			a.state[id] = wall.DisplayModeRepeat
		} else {
			a.state[id] = wall.DisplayModeTile
		}
	}
}

// publishState sends the animation's current modes on the control channel
// and persists them at most every storeWriteInterval. The idle republish
// path heals any receiver that missed the intermediate messages.
func (a *Animator) publishState() {
	modes := make(control.DisplayModesByTV, len(a.state))
	for id, dm := range a.state {
		modes[id] = dm
	}
	if err := a.pub.Send(control.TypeDisplayMode, modes); err != nil {
		log.Error("could not publish display modes", logging.KeyError, err)
	}

	if a.now().Sub(a.lastStoreWrite) < storeWriteInterval {
		return
	}
	kv := make(map[string]string, len(a.state))
	for id, dm := range a.state {
		kv[store.TVSettingKey(SettingDisplayMode, id)] = string(dm)
	}
	if err := a.settings.SetMulti(kv); err != nil {
		if !errors.Is(err, store.ErrBusy) {
			log.Error("could not persist display modes", logging.KeyError, err)
		}
		return
	}
	a.lastStoreWrite = a.now()
}

// spiralOrder lists the grid cells clockwise around the perimeter and then
// inward, ring by ring, ending at the center.
func spiralOrder(rows, cols int) []cell {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	order := make([]cell, 0, rows*cols)
	top, bottom, left, right := 0, rows-1, 0, cols-1
	for top <= bottom && left <= right {
		for c := left; c <= right; c++ {
			order = append(order, cell{top, c})
		}
		for r := top + 1; r <= bottom; r++ {
			order = append(order, cell{r, right})
		}
		if top < bottom {
			for c := right - 1; c >= left; c-- {
				order = append(order, cell{bottom, c})
			}
		}
		if left < right {
			for r := bottom - 1; r > top; r-- {
				order = append(order, cell{r, left})
			}
		}
		top++
		bottom--
		left++
		right--
	}
	return order
}
