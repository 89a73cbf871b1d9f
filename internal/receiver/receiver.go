// Package receiver runs on each wall host: it listens for control messages
// on the multicast control port, spawns and kills player pipelines for the
// video and the loading screen, and drives running players through the
// player controller. Playback state is fully derived from control messages,
// so a restarted receiver converges as soon as the next broadcast starts.
package receiver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/logging"
	"github.com/piwall2/piwall2/internal/multicast"
	"github.com/piwall2/piwall2/internal/volume"
	"github.com/piwall2/piwall2/internal/wall"
)

var log = logging.L("receiver")

// defaultPlayerVolumePct is the player volume used until the first VOLUME
// message arrives. The hardware mixer is pinned at 100% and all attenuation
// happens in the player.
const defaultPlayerVolumePct = 50

// Receiver is the per-host event loop. It is single-goroutine: every control
// message is handled to completion before the next is read, and anything
// slow (player commands, pipeline spawns) is pushed onto child processes or
// the player controller's goroutines.
type Receiver struct {
	cfg      *config.Config
	stanza   config.ReceiverConfig
	hostname string
	assetDir string

	builder  *commandBuilder
	listener *control.Listener
	players  *PlayerController
	handlers map[control.MessageType]func(control.Message) error

	// Current display mode per TV output on this host.
	displayMode  wall.DisplayMode
	displayMode2 wall.DisplayMode

	// Crop args are captured when a playback starts so DISPLAY_MODE
	// messages can re-crop the running players.
	videoCropArgs    wall.CropArgs
	videoCropArgs2   wall.CropArgs
	loadingCropArgs  wall.CropArgs
	loadingCropArgs2 wall.CropArgs

	videoPlayback   *playback
	loadingPlayback *playback

	playerVolumePct float64
}

// playback tracks one spawned player pipeline. The pgid is recorded at spawn
// time because looking it up later races with the process exiting.
type playback struct {
	cmd    *exec.Cmd
	pgid   int
	exited atomic.Bool
}

// New builds a receiver for this host. hostname must match a key of the
// receivers config table.
func New(cfg *config.Config, hostname, assetDir string) (*Receiver, error) {
	stanza, ok := cfg.Receivers[hostname]
	if !ok {
		return nil, fmt.Errorf("host %q has no receivers stanza in config", hostname)
	}

	w, err := wall.New(cfg)
	if err != nil {
		return nil, err
	}

	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}

	listener, err := control.NewListener(multicast.DefaultGroup)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		cfg:             cfg,
		stanza:          stanza,
		hostname:        hostname,
		assetDir:        assetDir,
		builder:         newCommandBuilder(stanza, w, selfExe),
		listener:        listener,
		players:         NewPlayerController(),
		displayMode:     wall.DisplayModeTile,
		displayMode2:    wall.DisplayModeTile,
		playerVolumePct: defaultPlayerVolumePct,
	}
	r.initHandlers()
	return r, nil
}

func (r *Receiver) initHandlers() {
	r.handlers = map[control.MessageType]func(control.Message) error{
		control.TypeInitVideo:         r.handleInitVideo,
		control.TypePlayVideo:         r.handlePlayVideo,
		control.TypeSkipVideo:         r.handleSkipVideo,
		control.TypeVolume:            r.handleVolume,
		control.TypeDisplayMode:       r.handleDisplayMode,
		control.TypeShowLoadingScreen: r.handleShowLoadingScreen,
		control.TypeEndLoadingScreen:  r.handleEndLoadingScreen,
	}
}

// Run blocks forever handling control messages. Handler errors are logged
// and the loop keeps going; only a dead control socket ends it.
func (r *Receiver) Run() error {
	log.Info("started receiver", "hostname", r.hostname)

	// Pin the hardware output at 100% once; the players do the real
	// attenuation.
	if err := volume.NewMixer().SetPct(100); err != nil {
		log.Warn("could not set hardware volume", logging.KeyError, err)
	}

	if err := r.blankFramebuffer(); err != nil {
		log.Warn("could not blank framebuffer", logging.KeyError, err)
	} else {
		defer r.unblankFramebuffer()
	}

	if err := r.playWarmupVideo(); err != nil {
		return err
	}

	for {
		msg, err := r.listener.Receive()
		if err != nil {
			if errors.Is(err, control.ErrBadMessage) {
				log.Warn("discarding undecodable control message", logging.KeyError, err)
				continue
			}
			// Anything else is the socket failing underneath us.
			return fmt.Errorf("receive control message: %w", err)
		}

		r.reapFinishedPlaybacks()

		if !msg.Known() {
			log.Warn("ignoring unknown control message type", "type", string(msg.Type))
			continue
		}
		if err := r.handlers[msg.Type](msg); err != nil {
			log.Error("control message handler failed", "type", string(msg.Type), logging.KeyError, err)
		}
	}
}

// reapFinishedPlaybacks clears playback state for pipelines that exited on
// their own (end of video, player crash) rather than by a kill from us.
func (r *Receiver) reapFinishedPlaybacks() {
	if r.videoPlayback != nil && r.videoPlayback.exited.Load() {
		log.Info("ending video playback, player pipeline is no longer running")
		r.stopVideoPlayback(true)
	}
	if r.loadingPlayback != nil && r.loadingPlayback.exited.Load() {
		log.Info("ending loading screen playback, player pipeline is no longer running")
		r.stopLoadingScreenPlayback(false)
	}
}

func (r *Receiver) handleInitVideo(msg control.Message) error {
	var content control.InitVideo
	if err := msg.DecodeContent(&content); err != nil {
		return err
	}

	// A new video always preempts the current one, but the loading screen
	// keeps playing until the stream actually starts.
	r.stopVideoPlayback(false)
	logging.SetUUID(content.LogUUID)

	cmd, cropArgs, cropArgs2, err := r.builder.receiveAndPlayVideoCommand(
		content.LogUUID, content.VideoWidth, content.VideoHeight,
		r.playerVolumePct, r.displayMode, r.displayMode2)
	if err != nil {
		return err
	}
	log.Info("starting receive and play video pipeline", "cmd", cmd)

	pb, err := startPlayback(cmd)
	if err != nil {
		return err
	}
	r.videoPlayback = pb
	r.videoCropArgs = cropArgs
	r.videoCropArgs2 = cropArgs2
	return nil
}

func (r *Receiver) handlePlayVideo(control.Message) error {
	if r.videoPlayback == nil {
		return nil
	}
	r.players.Play(r.videoBusNames())
	return nil
}

func (r *Receiver) handleSkipVideo(control.Message) error {
	r.stopVideoPlayback(true)
	return nil
}

func (r *Receiver) handleVolume(msg control.Message) error {
	var pct float64
	if err := msg.DecodeContent(&pct); err != nil {
		return err
	}
	r.playerVolumePct = volume.NormalizePct(pct)

	pairs := make(map[string]float64)
	if r.videoPlayback != nil {
		for _, name := range r.videoBusNames() {
			pairs[name] = r.playerVolumePct
		}
	}
	if r.loadingPlayback != nil {
		for _, name := range r.loadingScreenBusNames() {
			pairs[name] = r.playerVolumePct
		}
	}
	r.players.SetVolPct(pairs)
	return nil
}

func (r *Receiver) handleDisplayMode(msg control.Message) error {
	var modes control.DisplayModesByTV
	if err := msg.DecodeContent(&modes); err != nil {
		return err
	}

	for tvNum, tvID := range r.tvIDs() {
		mode, ok := modes[tvID]
		if !ok {
			continue
		}
		if !wall.IsValidDisplayMode(mode) {
			mode = wall.DisplayModeTile
		}
		if tvNum == 1 {
			r.displayMode = mode
		} else {
			r.displayMode2 = mode
		}
	}

	pairs := make(map[string]wall.Crop)
	if r.videoPlayback != nil && r.videoCropArgs != nil {
		pairs[TV1VideoBusName] = r.videoCropArgs[r.displayMode]
		if r.stanza.IsDualVideoOutput() && r.videoCropArgs2 != nil {
			pairs[TV2VideoBusName] = r.videoCropArgs2[r.displayMode2]
		}
	}
	if r.loadingPlayback != nil && r.loadingCropArgs != nil {
		pairs[TV1LoadingScreenBusName] = r.loadingCropArgs[r.displayMode]
		if r.stanza.IsDualVideoOutput() && r.loadingCropArgs2 != nil {
			pairs[TV2LoadingScreenBusName] = r.loadingCropArgs2[r.displayMode2]
		}
	}
	r.players.SetCrop(pairs)
	return nil
}

func (r *Receiver) handleShowLoadingScreen(msg control.Message) error {
	var content control.ShowLoadingScreen
	if err := msg.DecodeContent(&content); err != nil {
		return err
	}
	if r.loadingPlayback != nil {
		// Republished message for a loading screen we are already showing.
		return nil
	}
	logging.SetUUID(content.LogUUID)

	cmd, cropArgs, cropArgs2, err := r.builder.loadingScreenCommand(
		content.LoadingScreenData, r.playerVolumePct, r.displayMode, r.displayMode2)
	if err != nil {
		return err
	}
	log.Info("showing loading screen", "cmd", cmd)

	pb, err := startPlayback(cmd)
	if err != nil {
		return err
	}
	r.loadingPlayback = pb
	r.loadingCropArgs = cropArgs
	r.loadingCropArgs2 = cropArgs2
	return nil
}

func (r *Receiver) handleEndLoadingScreen(control.Message) error {
	r.stopLoadingScreenPlayback(false)
	return nil
}

func (r *Receiver) stopVideoPlayback(stopLoadingScreen bool) {
	if stopLoadingScreen {
		r.stopLoadingScreenPlayback(false)
	}
	if r.videoPlayback == nil {
		if stopLoadingScreen {
			logging.SetUUID("")
		}
		return
	}

	log.Info("killing receive and play video pipeline")
	killProcessGroup(r.videoPlayback.pgid)
	logging.SetUUID("")
	r.videoPlayback = nil
	r.videoCropArgs = nil
	r.videoCropArgs2 = nil
}

func (r *Receiver) stopLoadingScreenPlayback(resetLogUUID bool) {
	if r.loadingPlayback == nil {
		return
	}

	log.Info("killing loading screen pipeline")
	killProcessGroup(r.loadingPlayback.pgid)
	if resetLogUUID {
		logging.SetUUID("")
	}
	r.loadingPlayback = nil
	r.loadingCropArgs = nil
	r.loadingCropArgs2 = nil
}

// startPlayback spawns a pipeline in its own session and arranges for its
// exit to be observed without blocking the event loop.
func startPlayback(cmdStr string) (*playback, error) {
	cmd := exec.Command("/usr/bin/bash", "-c", cmdStr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playback pipeline: %w", err)
	}

	pb := &playback{cmd: cmd, pgid: cmd.Process.Pid}
	go func() {
		cmd.Wait()
		pb.exited.Store(true)
	}()
	return pb, nil
}

// killProcessGroup SIGTERMs an entire pipeline's session. A group that has
// already exited is not an error.
func killProcessGroup(pgid int) {
	if pgid <= 0 {
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		log.Warn("could not kill process group", "pgid", pgid, logging.KeyError, err)
	}
}

// tvIDs returns the wall-unique TV ids this host drives, keyed by output
// number.
func (r *Receiver) tvIDs() map[int]string {
	ids := map[int]string{1: wall.TV{Hostname: r.hostname, Num: 1}.ID()}
	if r.stanza.IsDualVideoOutput() {
		ids[2] = wall.TV{Hostname: r.hostname, Num: 2}.ID()
	}
	return ids
}

func (r *Receiver) videoBusNames() []string {
	names := []string{TV1VideoBusName}
	if r.stanza.IsDualVideoOutput() {
		names = append(names, TV2VideoBusName)
	}
	return names
}

func (r *Receiver) loadingScreenBusNames() []string {
	names := []string{TV1LoadingScreenBusName}
	if r.stanza.IsDualVideoOutput() {
		names = append(names, TV2LoadingScreenBusName)
	}
	return names
}

// playWarmupVideo plays a short silent clip before handling any control
// messages. The first playback after boot starts with a lag that would break
// sync across receivers, and it is also what brings up the player's control
// bus session.
func (r *Receiver) playWarmupVideo() error {
	clip := filepath.Join(r.assetDir, "short_black_screen.ts")
	log.Info("playing receiver warmup video")
	cmd := exec.Command("omxplayer", "--vol", "0", clip)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("warmup video: %w (output: %s)", err, out)
	}
	return nil
}

// blankFramebuffer keeps a black image on the framebuffer underneath the
// players so terminal output never shows on the TVs between videos.
func (r *Receiver) blankFramebuffer() error {
	img := filepath.Join(r.assetDir, "black_screen.jpg")
	cmd := exec.Command("sudo", "fbi", "-T", "1", "--noverbose", "--autozoom", img)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("fbi: %w (output: %s)", err, out)
	}
	return nil
}

func (r *Receiver) unblankFramebuffer() {
	exec.Command("sudo", "pkill", "fbi").Run()
}
