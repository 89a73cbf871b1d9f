package receiver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piwall2/piwall2/internal/logging"
	"github.com/piwall2/piwall2/internal/volume"
	"github.com/piwall2/piwall2/internal/wall"
)

// Player control bus names. Each TV output gets one handle per role so the
// loading screen and the main video can be driven independently.
const (
	TV1VideoBusName         = "piwall.tv1.video"
	TV1LoadingScreenBusName = "piwall.tv1.loadingscreen"
	TV2VideoBusName         = "piwall.tv2.video"
	TV2LoadingScreenBusName = "piwall.tv2.loadingscreen"
)

const (
	dbusTimeout = 2 * time.Second

	// In-flight caps per command kind. Volume and crop are tracked
	// separately: the queue sets both in quick succession, and a shared
	// cap of 1 would starve whichever arrives second.
	maxInFlightVol  = 1
	maxInFlightCrop = 1
)

// PlayerController drives running players over the dbus session the first
// player creates. Commands are dispatched on goroutines so the receiver's
// event loop is never blocked on a slow bus; volume and crop commands are
// capped at one in flight each and excess requests are dropped. Lost
// commands are harmless: every state write is republished within 2 seconds.
type PlayerController struct {
	userName string

	mu       sync.Mutex
	dbusAddr string
	dbusPID  string

	inFlightVol  atomic.Int32
	inFlightCrop atomic.Int32

	// send is swapped out by tests.
	send func(dest string, args []string)
}

func NewPlayerController() *PlayerController {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	p := &PlayerController{userName: name}
	p.send = p.dbusSend
	return p
}

// Play unpauses the players behind the given bus names. Play is never
// throttled: it is what starts playback in sync across the wall.
func (p *PlayerController) Play(busNames []string) {
	for _, name := range busNames {
		name := name
		go p.send(name, []string{"org.mpris.MediaPlayer2.Player.Play"})
	}
}

// SetVolPct fans a volume write out to each handle. pairs maps bus name to a
// perceptual loudness percentage in [0, 100].
func (p *PlayerController) SetVolPct(pairs map[string]float64) {
	if len(pairs) == 0 {
		return
	}
	if !acquire(&p.inFlightVol, maxInFlightVol) {
		log.Warn("too many in-flight player volume commands, dropping volume set")
		return
	}
	go func() {
		defer p.inFlightVol.Add(-1)
		var wg sync.WaitGroup
		for name, pct := range pairs {
			wg.Add(1)
			go func(name string, pct float64) {
				defer wg.Done()
				frac := volume.PctToPlayerFraction(pct)
				p.send(name, []string{
					"org.freedesktop.DBus.Properties.Set",
					"string:org.mpris.MediaPlayer2.Player",
					"string:Volume",
					fmt.Sprintf("double:%.2f", frac),
				})
			}(name, pct)
		}
		wg.Wait()
	}()
}

// SetCrop fans a crop write out to each handle.
func (p *PlayerController) SetCrop(pairs map[string]wall.Crop) {
	if len(pairs) == 0 {
		return
	}
	if !acquire(&p.inFlightCrop, maxInFlightCrop) {
		log.Warn("too many in-flight player crop commands, dropping crop set")
		return
	}
	go func() {
		defer p.inFlightCrop.Add(-1)
		var wg sync.WaitGroup
		for name, crop := range pairs {
			wg.Add(1)
			go func(name string, crop wall.Crop) {
				defer wg.Done()
				p.send(name, []string{
					"org.mpris.MediaPlayer2.Player.SetVideoCropPos",
					"objpath:/not/used",
					"string:" + crop.String(),
				})
			}(name, crop)
		}
		wg.Wait()
	}()
}

// acquire increments ctr unless it is already at max.
func acquire(ctr *atomic.Int32, max int32) bool {
	if ctr.Add(1) > max {
		ctr.Add(-1)
		return false
	}
	return true
}

func (p *PlayerController) dbusSend(dest string, args []string) {
	addr, pid, err := p.sessionInfo()
	if err != nil {
		log.Debug("player dbus session not available", logging.KeyError, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbusTimeout)
	defer cancel()

	full := []string{
		"--print-reply=literal",
		"--session",
		fmt.Sprintf("--reply-timeout=%d", dbusTimeout.Milliseconds()),
		"--dest=" + dest,
		"/org/mpris/MediaPlayer2",
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "dbus-send", full...)
	cmd.Env = append(os.Environ(),
		"DBUS_SESSION_BUS_ADDRESS="+addr,
		"DBUS_SESSION_BUS_PID="+pid,
	)
	if err := cmd.Run(); err != nil {
		// A dead player or a slow bus; the periodic republish recovers.
		log.Debug("player dbus command failed", "dest", dest, logging.KeyError, err)
	}
}

// sessionInfo reads the dbus session address and pid from the files the
// player writes on its first run after boot. Cached once read; the files do
// not exist until the warmup video has played.
func (p *PlayerController) sessionInfo() (addr, pid string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dbusAddr != "" && p.dbusPID != "" {
		return p.dbusAddr, p.dbusPID, nil
	}

	addrFile := "/tmp/omxplayerdbus." + p.userName
	pidFile := addrFile + ".pid"

	addrBytes, err := os.ReadFile(addrFile)
	if err != nil {
		return "", "", fmt.Errorf("read dbus session address: %w", err)
	}
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		return "", "", fmt.Errorf("read dbus session pid: %w", err)
	}

	p.dbusAddr = strings.TrimSpace(string(addrBytes))
	p.dbusPID = strings.TrimSpace(string(pidBytes))
	return p.dbusAddr, p.dbusPID, nil
}
