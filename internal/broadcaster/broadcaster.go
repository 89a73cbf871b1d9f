// Package broadcaster runs one video broadcast: it downloads and transcodes
// the source in Pipeline A, announces the video to the receivers over the
// control channel, and streams the MPEG-TS bytes to the multicast group in
// Pipeline B at a paced rate.
package broadcaster

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/loadingscreen"
	"github.com/piwall2/piwall2/internal/logging"
	"github.com/piwall2/piwall2/internal/multicast"
)

var log = logging.L("broadcaster")

// EndOfVideoMagicBytes is the literal payload of the stream-terminating
// datagram. Receivers close the player's stdin when they see it.
const EndOfVideoMagicBytes = "PIWALL2_END_OF_VIDEO_MAGIC_BYTES"

// PlaybackDoneFile is touched by Pipeline B's pacing sink when the stream
// has been fully replayed at its native rate.
const PlaybackDoneFile = "/tmp/video_playback_done.file"

// initToPlayDelay gives receivers time to spawn their players (paused)
// before the stream starts; it is what keeps the TVs starting in sync.
const initToPlayDelay = 2 * time.Second

// dimensionsTimeout bounds the wait for ffprobe's first decodable frames.
const dimensionsTimeout = 75 * time.Second

// errDownloadFailed marks a Pipeline A failure, which usually means yt-dlp
// needs updating.
var errDownloadFailed = errors.New("download and convert pipeline failed")

// Options configures one broadcast.
type Options struct {
	VideoURL          string
	LogUUID           string
	ShowLoadingScreen bool
	// YtDLPExtractors whitelists yt-dlp extractors to speed up download
	// initialization. Empty means all.
	YtDLPExtractors string
	// Interface to pin the multicast route to. Empty skips pinning.
	Interface string
}

// Broadcaster drives one broadcast end to end.
type Broadcaster struct {
	cfg  *config.Config
	pub  *control.Broadcaster
	ls   *loadingscreen.Helper
	opts Options

	downloadPGID  int
	broadcastPGID int
	fifo          string
}

// New prepares a broadcast: pins the multicast route, cleans up debris from
// any earlier run, and installs signal handlers that tear down the pipeline
// groups before exiting.
func New(cfg *config.Config, pub *control.Broadcaster, ls *loadingscreen.Helper, opts Options) *Broadcaster {
	if opts.LogUUID == "" {
		opts.LogUUID = logging.MakeUUID()
	}
	logging.SetUUID(opts.LogUUID)

	if opts.Interface != "" {
		// Multicast over wifi drops too many packets for video; force the
		// wired interface.
		if err := multicast.PinRouteToInterface(multicast.DefaultGroup, opts.Interface); err != nil {
			log.Warn("could not pin multicast route", logging.KeyError, err)
		}
	}

	b := &Broadcaster{cfg: cfg, pub: pub, ls: ls, opts: opts}
	b.housekeeping(false)
	b.registerSignalHandlers()
	return b
}

// Broadcast runs the broadcast, retrying once after updating yt-dlp if the
// download pipeline fails.
func (b *Broadcaster) Broadcast() error {
	const maxAttempts = 2
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = b.broadcastOnce()
		b.housekeeping(true)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errDownloadFailed) || attempt == maxAttempts {
			return err
		}
		log.Warn("download pipeline failed, updating yt-dlp and retrying", logging.KeyError, err)
		b.updateYtDLP()
	}
	return err
}

func (b *Broadcaster) broadcastOnce() error {
	log.Info("starting broadcast", "url", b.opts.VideoURL)
	if b.opts.ShowLoadingScreen && b.ls != nil {
		if err := b.ls.Signal(b.pub, b.opts.LogUUID); err != nil {
			log.Warn("could not signal loading screen", logging.KeyError, err)
		}
	}

	// Pipeline A blocks its mux stage on the dimensions probe, so receivers
	// always learn the dimensions before any stream bytes exist.
	downloadCmd, err := b.startDownloadAndConvert()
	if err != nil {
		return err
	}

	width, height, err := b.readDimensions()
	if err != nil {
		return err
	}
	if err := b.pub.Send(control.TypeInitVideo, control.InitVideo{
		LogUUID:     b.opts.LogUUID,
		VideoWidth:  width,
		VideoHeight: height,
	}); err != nil {
		return fmt.Errorf("send init_video: %w", err)
	}
	log.Info("sent init_video", "width", width, "height", height)

	time.Sleep(initToPlayDelay)

	broadcastShell, err := startShell(
		broadcastCmd(selfExecutable(), b.opts.LogUUID, PlaybackDoneFile),
		downloadCmd.stdout, nil)
	if err != nil {
		return err
	}
	b.broadcastPGID = broadcastShell.Process.Pid

	if err := b.pub.Send(control.TypePlayVideo, nil); err != nil {
		log.Warn("could not send play_video", logging.KeyError, err)
	}

	if err := b.waitForPipelines(downloadCmd.cmd, broadcastShell); err != nil {
		return err
	}
	if err := b.waitForPlaybackDone(); err != nil {
		return err
	}

	// Data collected suggests one second is enough for the receivers'
	// players to drain after the pacing sink finishes.
	time.Sleep(time.Second)
	log.Info("video playback is likely over")
	return nil
}

type downloadPipeline struct {
	cmd    *exec.Cmd
	stdout *os.File
}

func (b *Broadcaster) startDownloadAndConvert() (*downloadPipeline, error) {
	fifo, err := makeFIFO("dimensions")
	if err != nil {
		return nil, err
	}
	b.fifo = fifo

	format := singleOutputVideoFormat
	if b.cfg.IsAnyReceiverDualVideoOutput() {
		format = dualOutputVideoFormat
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipeline pipe: %w", err)
	}
	cmdStr := downloadAndConvertCmd(b.opts.VideoURL, fifo, format, b.opts.YtDLPExtractors)
	log.Info("running download and convert pipeline", "cmd", cmdStr)
	cmd, err := startShell(cmdStr, nil, w)
	w.Close()
	if err != nil {
		r.Close()
		return nil, err
	}
	b.downloadPGID = cmd.Process.Pid
	return &downloadPipeline{cmd: cmd, stdout: r}, nil
}

// readDimensions blocks on the probe FIFO. On timeout or garbage it assumes
// the wall's default resolution rather than failing the broadcast; a dual
// output wall with a stream over 720p does fail, the hardware cannot decode
// it.
func (b *Broadcaster) readDimensions() (int, int, error) {
	type result struct {
		w, h int
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := os.ReadFile(b.fifo)
		if err != nil {
			ch <- result{err: err}
			return
		}
		w, h, err := parseDimensions(string(raw))
		ch <- result{w: w, h: h, err: err}
	}()

	dual := b.cfg.IsAnyReceiverDualVideoOutput()
	var width, height int
	select {
	case res := <-ch:
		if res.err != nil {
			width, height = fallbackDimensions(dual)
			log.Error("could not determine video dimensions, assuming defaults",
				logging.KeyError, res.err, "width", width, "height", height)
		} else {
			width, height = res.w, res.h
		}
	case <-time.After(dimensionsTimeout):
		width, height = fallbackDimensions(dual)
		log.Error("timed out waiting for video dimensions, assuming defaults",
			"width", width, "height", height)
	}

	log.Info("calculated video dimensions", "width", width, "height", height)
	if dual && height > 720 {
		return 0, 0, fmt.Errorf(
			"video resolution too high for a dual output receiver: %dp is greater than 720p", height)
	}
	return width, height, nil
}

func fallbackDimensions(dual bool) (int, int) {
	if dual {
		return 1280, 720
	}
	return 1920, 1080
}

// parseDimensions reads "width,height" from the first line of the probe
// output; some containers make ffprobe emit more than one line.
func parseDimensions(raw string) (int, int, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	wStr, hStr, ok := strings.Cut(strings.TrimSpace(line), ",")
	if !ok {
		return 0, 0, fmt.Errorf("malformed dimensions %q", line)
	}
	w, err := strconv.Atoi(strings.TrimSpace(wStr))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed width %q", wStr)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hStr))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed height %q", hStr)
	}
	return w, h, nil
}

// waitForPipelines waits for both pipeline groups. A non-zero exit from the
// download pipeline is flagged as errDownloadFailed so Broadcast can retry
// after updating yt-dlp.
func (b *Broadcaster) waitForPipelines(download, broadcast *exec.Cmd) error {
	downloadErr := make(chan error, 1)
	broadcastErr := make(chan error, 1)
	go func() { downloadErr <- download.Wait() }()
	go func() { broadcastErr <- broadcast.Wait() }()

	var firstErr error
	for i := 0; i < 2; i++ {
		select {
		case err := <-downloadErr:
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", errDownloadFailed, err)
			}
			log.Info("download and convert pipeline ended")
		case err := <-broadcastErr:
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("video broadcast pipeline exited non-zero: %w", err)
			}
			log.Info("video broadcast pipeline ended")
		}
	}
	return firstErr
}

// waitForPlaybackDone watches for the pacing sink's done file.
func (b *Broadcaster) waitForPlaybackDone() error {
	if _, err := os.Stat(PlaybackDoneFile); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch playback done file: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(PlaybackDoneFile)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(PlaybackDoneFile), err)
	}
	// The touch may have raced the watcher setup.
	if _, err := os.Stat(PlaybackDoneFile); err == nil {
		return nil
	}

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == PlaybackDoneFile && ev.Has(fsnotify.Create) {
				return nil
			}
		case err := <-watcher.Errors:
			log.Warn("playback done watcher error", logging.KeyError, err)
		}
	}
}

func (b *Broadcaster) updateYtDLP() {
	out, err := exec.Command("yt-dlp", "--update").CombinedOutput()
	if err != nil {
		log.Error("could not update yt-dlp", logging.KeyError, err, "output", string(out))
		return
	}
	log.Info("updated yt-dlp", "output", string(out))
}

// housekeeping kills both pipeline groups and removes their on-disk debris.
// At end of video it also tells receivers to stop; at the start it must not,
// a skip then would kill the loading screen.
func (b *Broadcaster) housekeeping(endOfVideo bool) {
	killProcessGroup(b.downloadPGID)
	killProcessGroup(b.broadcastPGID)
	b.downloadPGID = 0
	b.broadcastPGID = 0

	if endOfVideo {
		if err := b.pub.Send(control.TypeSkipVideo, nil); err != nil {
			log.Warn("could not send skip_video", logging.KeyError, err)
		}
	}
	cleanupBroadcastFiles(PlaybackDoneFile)
}

// registerSignalHandlers tears the pipelines down on any fatal signal, then
// exits with the signal's number like a shell would report it.
func (b *Broadcaster) registerSignalHandlers() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch,
		syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGABRT,
		syscall.SIGFPE, syscall.SIGSEGV, syscall.SIGPIPE, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.Info("caught signal, exiting gracefully", "signal", sig.String())
		b.housekeeping(true)
		os.Exit(int(sig.(syscall.Signal)))
	}()
}

func selfExecutable() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}
