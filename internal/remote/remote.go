// Package remote reads infrared key presses from the lircd unix socket and
// maps them onto queue actions: channel surfing enqueues channel videos at
// maximum priority, volume keys adjust the broadcaster's volume state, and
// the mode key flips the wall between tile and repeat.
package remote

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/piwall2/piwall2/internal/animator"
	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/logging"
	"github.com/piwall2/piwall2/internal/store"
)

var log = logging.L("remote")

// DefaultSocketPath is where lircd listens.
const DefaultSocketPath = "/var/run/lirc/lircd"

const volumeStepPct = 5

// enqueuer is the slice of the playlist the remote needs.
type enqueuer interface {
	Enqueue(url string, meta store.PlaylistItemMeta, videoType string) (int64, error)
	RemoveVideosOfType(videoType string) (bool, error)
	Skip(id int64) (bool, error)
}

// volumeStore reads and writes the broadcaster's volume percentage.
type volumeStore interface {
	Pct() (float64, error)
	SetPct(pct float64) error
}

// modeToggler reads and sets the wall's animation mode.
type modeToggler interface {
	Mode() (animator.Mode, error)
	SetMode(m animator.Mode) error
}

// Remote polls the lircd socket without blocking the queue loop. A missing
// lircd is not an error: the wall just has no IR remote.
type Remote struct {
	conn     net.Conn
	buf      []byte
	playlist enqueuer
	volume   volumeStore
	anim     modeToggler

	channelVideos []string
	channel       int // index into channelVideos; -1 before first press
}

// New connects to the lircd socket. When lircd is not running the remote is
// disabled and every poll is a no-op.
func New(socketPath string, cfg *config.Config, playlist enqueuer, volume volumeStore, anim modeToggler) *Remote {
	r := &Remote{
		playlist: playlist,
		volume:   volume,
		anim:     anim,
		channel:  -1,
	}
	for _, cv := range cfg.ChannelVideos {
		r.channelVideos = append(r.channelVideos, cv.VideoPath)
	}

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		log.Info("lircd socket unavailable, remote disabled", "path", socketPath, logging.KeyError, err)
		return r
	}
	log.Info("connected to lircd", "path", socketPath)
	r.conn = conn
	return r
}

// CheckForInput drains any pending key presses and handles them. Called once
// per queue tick; it never blocks. currentItemID is the playing playlist id,
// or 0 when nothing from the playlist is playing.
func (r *Remote) CheckForInput(currentItemID int64) {
	if r.conn == nil {
		return
	}

	r.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	chunk := make([]byte, 512)
	n, err := r.conn.Read(chunk)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		log.Warn("lircd read failed, remote disabled", logging.KeyError, err)
		r.conn.Close()
		r.conn = nil
		return
	}
	r.buf = append(r.buf, chunk[:n]...)

	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			return
		}
		line := string(r.buf[:i])
		r.buf = r.buf[i+1:]
		r.handleLine(line, currentItemID)
	}
}

// handleLine parses one lircd broadcast line: "<code> <repeat> <key> <remote>".
// Key repeats (holding the button) are ignored.
func (r *Remote) handleLine(line string, currentItemID int64) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return
	}
	repeat, key := fields[1], fields[2]
	if repeat != "00" && repeat != "0" {
		return
	}
	log.Info("remote key pressed", "key", key)

	switch key {
	case "KEY_CHANNELUP":
		r.IncrementChannel()
		r.playCurrentChannel(currentItemID)
	case "KEY_CHANNELDOWN":
		r.DecrementChannel()
		r.playCurrentChannel(currentItemID)
	case "KEY_VOLUMEUP":
		r.adjustVolume(volumeStepPct)
	case "KEY_VOLUMEDOWN":
		r.adjustVolume(-volumeStepPct)
	case "KEY_MODE":
		r.toggleDisplayMode()
	case "KEY_MUTE":
		if err := r.volume.SetPct(0); err != nil {
			log.Error("could not mute", logging.KeyError, err)
		}
	case "KEY_STOP":
		if currentItemID != 0 {
			if _, err := r.playlist.Skip(currentItemID); err != nil {
				log.Error("could not skip current item", logging.KeyError, err)
			}
		}
	}
}

// IncrementChannel advances to the next configured channel video.
func (r *Remote) IncrementChannel() {
	if len(r.channelVideos) == 0 {
		return
	}
	r.channel = (r.channel + 1) % len(r.channelVideos)
}

// DecrementChannel steps back to the previous configured channel video.
func (r *Remote) DecrementChannel() {
	if len(r.channelVideos) == 0 {
		return
	}
	if r.channel <= 0 {
		r.channel = len(r.channelVideos)
	}
	r.channel--
}

// VideoPathForCurrentChannel returns the clip for the tuned channel, or ""
// before any channel press / with no channel videos configured.
func (r *Remote) VideoPathForCurrentChannel() string {
	if r.channel < 0 || r.channel >= len(r.channelVideos) {
		return ""
	}
	return r.channelVideos[r.channel]
}

// playCurrentChannel enqueues the tuned channel video and skips whatever is
// playing. Channel videos preempt: the channel change takes effect
// immediately, not after the current video ends.
func (r *Remote) playCurrentChannel(currentItemID int64) {
	if !r.enqueueCurrentChannel() {
		return
	}
	if currentItemID == 0 {
		return
	}
	if _, err := r.playlist.Skip(currentItemID); err != nil {
		log.Error("could not skip current item for channel video", logging.KeyError, err)
	}
}

// enqueueCurrentChannel replaces any queued channel videos with the newly
// tuned one. Surfing faster than videos can play must not pile them up.
func (r *Remote) enqueueCurrentChannel() bool {
	path := r.VideoPathForCurrentChannel()
	if path == "" {
		return false
	}
	if _, err := r.playlist.RemoveVideosOfType(store.TypeChannelVideo); err != nil {
		log.Error("could not drop stale channel videos", logging.KeyError, err)
		return false
	}
	meta := store.PlaylistItemMeta{Title: channelTitle(path, r.channel)}
	if _, err := r.playlist.Enqueue(path, meta, store.TypeChannelVideo); err != nil {
		log.Error("could not enqueue channel video", "path", path, logging.KeyError, err)
		return false
	}
	return true
}

// toggleDisplayMode flips the whole wall between tile and repeat.
func (r *Remote) toggleDisplayMode() {
	if r.anim == nil {
		return
	}
	mode, err := r.anim.Mode()
	if err != nil {
		log.Error("could not read animation mode", logging.KeyError, err)
		return
	}
	next := animator.ModeRepeat
	if mode == animator.ModeRepeat {
		next = animator.ModeTile
	}
	if err := r.anim.SetMode(next); err != nil {
		log.Error("could not set display mode", logging.KeyError, err)
	}
}

func (r *Remote) adjustVolume(deltaPct float64) {
	pct, err := r.volume.Pct()
	if err != nil {
		log.Error("could not read volume", logging.KeyError, err)
		return
	}
	if err := r.volume.SetPct(pct + deltaPct); err != nil {
		log.Error("could not set volume", logging.KeyError, err)
	}
}

func channelTitle(path string, channel int) string {
	return fmt.Sprintf("Channel %d: %s", channel+1, path)
}

// Close releases the lircd connection.
func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
