// Package playlist runs the broadcaster host's scheduler: it pulls the next
// item off the persistent queue, spawns a broadcast subprocess for it, and
// fills idle time with screensavers. It also owns the periodic receiver
// state republish (display modes via the animator, volume from the mixer)
// that makes the fire-and-forget control protocol eventually consistent.
package playlist

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/piwall2/piwall2/internal/animator"
	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/loadingscreen"
	"github.com/piwall2/piwall2/internal/logging"
	"github.com/piwall2/piwall2/internal/store"
)

var log = logging.L("playlist")

const (
	loopInterval = 50 * time.Millisecond

	tickInterval = time.Second / animator.TicksPerSecond

	// Volume republish cadence. Volume changes are also pushed immediately
	// on user action; this is the convergence path for dropped datagrams
	// and restarted receivers.
	volumeRepublishInterval = 2 * time.Second

	// screensaverUUIDPrefix marks a broadcast's log uuid as a screensaver,
	// which is how a restarted queue knows there is no playlist row for it.
	screensaverUUIDPrefix = "SCREENSAVER__"
)

type publisher interface {
	Send(t control.MessageType, content any) error
}

type volumeSource interface {
	Pct() (float64, error)
	SetPct(pct float64) error
}

// remoteInput is the slice of the infrared remote the queue drives.
type remoteInput interface {
	CheckForInput(currentItemID int64)
	IncrementChannel()
	VideoPathForCurrentChannel() string
}

// Queue schedules broadcasts. Single goroutine; the broadcast itself always
// runs as a child process so a wedged download can be killed as a unit.
type Queue struct {
	cfg      *config.Config
	playlist *store.Playlist
	pub      publisher
	anim     *animator.Animator
	remote   remoteInput
	loading  *loadingscreen.Helper
	savers   *loadingscreen.Screensavers
	mixer    volumeSource
	selfExe  string

	now           func() time.Time
	lastTick      time.Time
	lastVolumeSet time.Time

	broadcast *broadcastProc
	current   *store.PlaylistItem // nil while a screensaver is broadcasting
}

// broadcastProc is one spawned broadcast subprocess. Its exit is observed on
// a channel so the scheduler loop never blocks in Wait.
type broadcastProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (b *broadcastProc) exited() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func New(
	cfg *config.Config,
	pl *store.Playlist,
	pub publisher,
	anim *animator.Animator,
	remote remoteInput,
	loading *loadingscreen.Helper,
	savers *loadingscreen.Screensavers,
	mixer volumeSource,
) (*Queue, error) {
	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}
	return &Queue{
		cfg:      cfg,
		playlist: pl,
		pub:      pub,
		anim:     anim,
		remote:   remote,
		loading:  loading,
		savers:   savers,
		mixer:    mixer,
		selfExe:  selfExe,
		now:      time.Now,
	}, nil
}

// Run blocks forever scheduling broadcasts.
func (q *Queue) Run() error {
	log.Info("starting queue")

	// Housekeeping: a fresh boot starts at half volume, and any item left
	// PLAYING by a previous crash is marked done.
	if err := q.mixer.SetPct(50); err != nil {
		log.Warn("could not set startup volume", logging.KeyError, err)
	}
	if err := q.playlist.CleanUpState(); err != nil {
		return fmt.Errorf("clean up playlist state: %w", err)
	}

	for {
		q.runOnce()
		time.Sleep(loopInterval)
	}
}

// runOnce is a single scheduler pass.
func (q *Queue) runOnce() {
	if q.broadcast != nil {
		q.maybeSkipBroadcast()
		if q.broadcast != nil && q.broadcast.exited() {
			log.Info("ending broadcast, broadcast proc is no longer running")
			q.stopBroadcast(false)
		}
	} else {
		next, err := q.playlist.GetNext()
		switch {
		case errors.Is(err, store.ErrBusy):
			// Try again next pass.
		case err != nil:
			log.Error("could not read next playlist item", logging.KeyError, err)
		case next != nil:
			q.playItem(next)
		default:
			q.playScreensaver()
		}
	}

	q.tickAnimationAndReceiverState()

	var currentID int64
	if q.current != nil {
		currentID = q.current.ID
	}
	q.remote.CheckForInput(currentID)
}

func (q *Queue) playItem(item *store.PlaylistItem) {
	ok, err := q.playlist.SetCurrent(item.ID)
	if err != nil {
		log.Warn("could not mark item playing", "id", item.ID, logging.KeyError, err)
		return
	}
	if !ok {
		// Removed from the queue between GetNext and here.
		return
	}

	logUUID := logging.MakeUUID()
	logging.SetUUID(logUUID)
	log.Info("starting broadcast for playlist item", "id", item.ID, "url", item.URL)

	if err := q.loading.Signal(q.pub, logUUID); err != nil {
		log.Warn("could not send loading screen signal", logging.KeyError, err)
	}
	if err := q.startBroadcast(item.URL, logUUID); err != nil {
		log.Error("could not start broadcast", logging.KeyError, err)
		// Settle the row: left PLAYING, it would block the scheduler until
		// a restart's CleanUpState.
		if err := q.playlist.EndVideo(item.ID); err != nil {
			log.Warn("could not mark item done", "id", item.ID, logging.KeyError, err)
		}
		logging.SetUUID("")
		return
	}
	q.current = item
}

func (q *Queue) playScreensaver() {
	useChannelVideos := q.cfg.UseChannelVideosAsScreensavers
	if !useChannelVideos && !q.cfg.UseScreensavers {
		return
	}

	logUUID := screensaverUUIDPrefix + logging.MakeUUID()
	logging.SetUUID(logUUID)

	var videoPath string
	if useChannelVideos {
		q.remote.IncrementChannel()
		videoPath = q.remote.VideoPathForCurrentChannel()
		if videoPath == "" {
			log.Info("no screensavers found in channel video config")
			logging.SetUUID("")
			return
		}
	} else {
		saver, ok := q.savers.Choose()
		if !ok {
			log.Info("no screensavers found in config")
			logging.SetUUID("")
			return
		}
		videoPath = saver.VideoPath
	}

	log.Info("starting broadcast of screensaver", "videoPath", videoPath)
	if err := q.startBroadcast(videoPath, logUUID); err != nil {
		log.Error("could not start screensaver broadcast", logging.KeyError, err)
		logging.SetUUID("")
	}
}

// startBroadcast spawns the broadcast subcommand. The loading screen signal
// has already been sent by the queue, so the child is told not to resend it.
func (q *Queue) startBroadcast(url, logUUID string) error {
	cmd := exec.Command(q.selfExe, "broadcast",
		"--url", url,
		"--log-uuid", logUUID,
		"--no-show-loading-screen")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start broadcast proc: %w", err)
	}

	b := &broadcastProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(b.done)
	}()
	q.broadcast = b
	return nil
}

// maybeSkipBroadcast stops the current broadcast when a skip was requested,
// or when a screensaver is playing and a real item has been enqueued.
func (q *Queue) maybeSkipBroadcast() {
	shouldSkip := false
	if q.current != nil {
		skip, err := q.playlist.ShouldSkip(q.current.ID)
		if err != nil {
			if !errors.Is(err, store.ErrBusy) {
				log.Warn("could not check skip flag", logging.KeyError, err)
			}
			return
		}
		shouldSkip = skip
	} else {
		next, err := q.playlist.GetNext()
		shouldSkip = err == nil && next != nil
	}

	if shouldSkip {
		q.stopBroadcast(true)
	}
}

// stopBroadcast kills the broadcast subprocess, tells receivers to stop, and
// settles the playlist row.
func (q *Queue) stopBroadcast(wasSkipped bool) {
	if q.broadcast == nil {
		return
	}

	log.Info("killing broadcast proc")
	killed := q.broadcast.cmd.Process.Signal(syscall.SIGTERM) == nil
	<-q.broadcast.done
	if !expectedBroadcastExit(q.broadcast.cmd, killed) {
		log.Error("broadcast proc exited non-zero",
			"exitCode", q.broadcast.cmd.ProcessState.ExitCode())
	}

	if err := q.pub.Send(control.TypeSkipVideo, nil); err != nil {
		log.Warn("could not send skip message", logging.KeyError, err)
	}

	if q.current != nil {
		if q.shouldReenqueueCurrent(wasSkipped) {
			// Reenqueued items are also bumped ahead of every other
			// regular video, so after the channel videos play, the wall
			// resumes where it was interrupted.
			if _, err := q.playlist.Reenqueue(q.current.ID); err != nil {
				log.Warn("could not reenqueue item", "id", q.current.ID, logging.KeyError, err)
			} else if _, err := q.playlist.PlayNext(q.current.ID); err != nil {
				log.Warn("could not bump reenqueued item", "id", q.current.ID, logging.KeyError, err)
			}
		} else {
			if err := q.playlist.EndVideo(q.current.ID); err != nil {
				log.Warn("could not mark item done", "id", q.current.ID, logging.KeyError, err)
			}
		}
	}

	log.Info("ended video broadcast")
	logging.SetUUID("")
	q.broadcast = nil
	q.current = nil
}

// expectedBroadcastExit reports whether the broadcast proc's exit status is
// one we do not need to log: a clean exit, or the SIGTERM exit convention
// after we killed it ourselves.
func expectedBroadcastExit(cmd *exec.Cmd, killed bool) bool {
	state := cmd.ProcessState
	if state == nil {
		return false
	}
	if state.ExitCode() == 0 {
		return true
	}
	if !killed {
		return false
	}
	if state.ExitCode() == int(syscall.SIGTERM) {
		// The broadcaster exits with the signal number after running its
		// signal-handler housekeeping.
		return true
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM {
		return true
	}
	return false
}

// shouldReenqueueCurrent decides whether the interrupted item goes back in
// the queue. Channel videos preempt whatever is playing the moment they are
// enqueued; without reenqueueing, flipping through channels would silently
// deplete the queue before anything got a chance to play.
func (q *Queue) shouldReenqueueCurrent(wasSkipped bool) bool {
	if q.current.Type != store.TypeVideo {
		return false
	}
	if !wasSkipped {
		return false
	}
	next, err := q.playlist.GetNext()
	return err == nil && next != nil && next.Type == store.TypeChannelVideo
}

// tickAnimationAndReceiverState periodically republishes all receiver state
// so receivers converge after dropped datagrams, throttled player commands,
// or a restart.
func (q *Queue) tickAnimationAndReceiverState() {
	now := q.now()

	if now.Sub(q.lastTick) > tickInterval {
		q.anim.Tick()
		q.lastTick = now
	}

	if now.Sub(q.lastVolumeSet) > volumeRepublishInterval {
		pct, err := q.mixer.Pct()
		if err != nil {
			log.Warn("could not read mixer volume", logging.KeyError, err)
		} else if err := q.pub.Send(control.TypeVolume, pct); err != nil {
			log.Warn("could not send volume message", logging.KeyError, err)
		}
		q.lastVolumeSet = now
	}
}
