package playlist

import (
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/piwall2/piwall2/internal/animator"
	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/loadingscreen"
	"github.com/piwall2/piwall2/internal/store"
	"github.com/piwall2/piwall2/internal/wall"
)

type fakePub struct {
	mu   sync.Mutex
	sent []control.MessageType
}

func (f *fakePub) Send(t control.MessageType, content any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, t)
	return nil
}

func (f *fakePub) count(t control.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s == t {
			n++
		}
	}
	return n
}

type fakeMixer struct {
	pct float64
}

func (f *fakeMixer) Pct() (float64, error)    { return f.pct, nil }
func (f *fakeMixer) SetPct(pct float64) error { f.pct = pct; return nil }

type fakeRemote struct {
	channelPath string
	increments  int
	polls       []int64
}

func (f *fakeRemote) CheckForInput(currentItemID int64) { f.polls = append(f.polls, currentItemID) }
func (f *fakeRemote) IncrementChannel()                 { f.increments++ }
func (f *fakeRemote) VideoPathForCurrentChannel() string {
	return f.channelPath
}

func testConfig() *config.Config {
	return &config.Config{
		Receivers: map[string]config.ReceiverConfig{
			"piwall1.local": {Width: 160, Height: 90, Audio: "hdmi", Video: "hdmi"},
		},
		Rows:            1,
		Columns:         1,
		UseScreensavers: true,
	}
}

// newTestQueue wires a queue over a real temp-dir store with fakes for
// everything that would touch the network or spawn players.
func newTestQueue(t *testing.T) (*Queue, *store.Playlist, *fakePub) {
	t.Helper()

	cfg := testConfig()
	db, err := store.Open(filepath.Join(t.TempDir(), "piwall2.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	w, err := wall.New(cfg)
	if err != nil {
		t.Fatalf("wall.New: %v", err)
	}

	pub := &fakePub{}
	loading, err := loadingscreen.New(cfg, t.TempDir(), filepath.Join(t.TempDir(), "cache.json"), nil)
	if err != nil {
		t.Fatalf("loadingscreen.New: %v", err)
	}
	savers, err := loadingscreen.LoadScreensavers(cfg, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("LoadScreensavers: %v", err)
	}

	pl := store.NewPlaylist(db)
	q := &Queue{
		cfg:      cfg,
		playlist: pl,
		pub:      pub,
		anim:     animator.New(store.NewSettings(db), w, pub),
		remote:   &fakeRemote{},
		loading:  loading,
		savers:   savers,
		mixer:    &fakeMixer{pct: 50},
		selfExe:  "/bin/true",
		now:      time.Now,
	}
	return q, pl, pub
}

func enqueue(t *testing.T, pl *store.Playlist, url, videoType string) int64 {
	t.Helper()
	id, err := pl.Enqueue(url, store.PlaylistItemMeta{Title: url}, videoType)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

// startPlaying marks the item playing and hangs a long-lived broadcast proc
// off the queue, the state runOnce reaches after playItem.
func startPlaying(t *testing.T, q *Queue, pl *store.Playlist, id int64) {
	t.Helper()
	ok, err := pl.SetCurrent(id)
	if err != nil || !ok {
		t.Fatalf("SetCurrent(%d) = %v, %v", id, ok, err)
	}
	item, err := pl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	q.current = item
	attachBroadcast(t, q)
}

func attachBroadcast(t *testing.T, q *Queue) {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start fake broadcast: %v", err)
	}
	b := &broadcastProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(b.done)
	}()
	q.broadcast = b
	t.Cleanup(func() { cmd.Process.Signal(syscall.SIGKILL) })
}

func TestStopBroadcastReenqueuesSkippedItemWhenChannelVideoIsNext(t *testing.T) {
	q, pl, pub := newTestQueue(t)

	id := enqueue(t, pl, "a.ts", store.TypeVideo)
	enqueue(t, pl, "older.ts", store.TypeVideo)
	startPlaying(t, q, pl, id)
	chID := enqueue(t, pl, "channel.ts", store.TypeChannelVideo)

	q.stopBroadcast(true)

	if q.broadcast != nil || q.current != nil {
		t.Fatal("broadcast state not cleared")
	}
	if pub.count(control.TypeSkipVideo) != 1 {
		t.Fatal("receivers not told to skip")
	}

	// The channel video plays next, then the reenqueued item before any
	// older regular video.
	next, err := pl.GetNext()
	if err != nil || next == nil || next.ID != chID {
		t.Fatalf("next = %v, %v; want channel video", next, err)
	}
	if _, err := pl.Remove(chID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	next, err = pl.GetNext()
	if err != nil || next == nil || next.ID != id {
		t.Fatalf("next after channel = %v, %v; want reenqueued item %d", next, err, id)
	}
}

func TestStopBroadcastEndsVideoWithoutChannelVideoNext(t *testing.T) {
	q, pl, _ := newTestQueue(t)

	id := enqueue(t, pl, "a.ts", store.TypeVideo)
	enqueue(t, pl, "b.ts", store.TypeVideo)
	startPlaying(t, q, pl, id)

	q.stopBroadcast(true)

	item, err := pl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != store.StatusDone {
		t.Fatalf("skipped item with no channel video next should be done, got %s", item.Status)
	}
}

func TestStopBroadcastEndsVideoWhenNotSkipped(t *testing.T) {
	q, pl, _ := newTestQueue(t)

	id := enqueue(t, pl, "a.ts", store.TypeVideo)
	startPlaying(t, q, pl, id)
	enqueue(t, pl, "channel.ts", store.TypeChannelVideo)

	// Natural end of video: even with a channel video queued, no reenqueue.
	q.stopBroadcast(false)

	item, err := pl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != store.StatusDone {
		t.Fatalf("naturally ended item should be done, got %s", item.Status)
	}
}

func TestChannelVideoNeverReenqueued(t *testing.T) {
	q, pl, _ := newTestQueue(t)

	id := enqueue(t, pl, "channel1.ts", store.TypeChannelVideo)
	startPlaying(t, q, pl, id)
	enqueue(t, pl, "channel2.ts", store.TypeChannelVideo)

	q.stopBroadcast(true)

	item, err := pl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != store.StatusDone {
		t.Fatalf("skipped channel video should be done, got %s", item.Status)
	}
}

func TestScreensaverPreemptedByEnqueuedItem(t *testing.T) {
	q, pl, pub := newTestQueue(t)

	// Screensaver broadcast: proc running, no playlist row.
	attachBroadcast(t, q)
	enqueue(t, pl, "a.ts", store.TypeVideo)

	q.maybeSkipBroadcast()

	if q.broadcast != nil {
		t.Fatal("screensaver should be stopped when an item is enqueued")
	}
	if pub.count(control.TypeSkipVideo) != 1 {
		t.Fatal("receivers not told to skip the screensaver")
	}
}

func TestScreensaverKeepsPlayingOnEmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t)

	attachBroadcast(t, q)
	q.maybeSkipBroadcast()

	if q.broadcast == nil {
		t.Fatal("screensaver should keep playing while the queue is empty")
	}
}

func TestPlayItemLosesRemovalRace(t *testing.T) {
	q, pl, _ := newTestQueue(t)

	id := enqueue(t, pl, "a.ts", store.TypeVideo)
	item, err := pl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := pl.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	q.playItem(item)

	if q.broadcast != nil || q.current != nil {
		t.Fatal("a removed item must not start a broadcast")
	}
}

func TestPlayItemSettlesRowWhenBroadcastFailsToStart(t *testing.T) {
	q, pl, _ := newTestQueue(t)
	q.selfExe = filepath.Join(t.TempDir(), "missing-binary")
	id := enqueue(t, pl, "a.ts", store.TypeVideo)

	q.runOnce()

	if q.broadcast != nil || q.current != nil {
		t.Fatal("failed broadcast start must not leave scheduler state")
	}
	item, err := pl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != store.StatusDone {
		t.Fatalf("item status = %s after failed start, want done", item.Status)
	}
}

func TestRunOncePlaysAndSettlesItem(t *testing.T) {
	q, pl, _ := newTestQueue(t)
	id := enqueue(t, pl, "a.ts", store.TypeVideo)

	// First pass picks the item up and spawns the (instantly exiting)
	// broadcast stub.
	q.runOnce()
	if q.current == nil || q.current.ID != id {
		t.Fatalf("current = %v, want item %d", q.current, id)
	}

	<-q.broadcast.done
	q.runOnce()

	if q.broadcast != nil || q.current != nil {
		t.Fatal("finished broadcast not reaped")
	}
	item, err := pl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != store.StatusDone {
		t.Fatalf("item status = %s, want done", item.Status)
	}
}

func TestChannelVideosAsScreensavers(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.cfg.UseChannelVideosAsScreensavers = true
	rem := &fakeRemote{channelPath: "channel.ts"}
	q.remote = rem

	q.playScreensaver()

	if rem.increments != 1 {
		t.Fatalf("channel increments = %d", rem.increments)
	}
	if q.broadcast == nil {
		t.Fatal("channel video screensaver should start a broadcast")
	}
	<-q.broadcast.done
}

func TestNoScreensaversConfiguredIsIdle(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.cfg.UseScreensavers = false

	q.playScreensaver()

	if q.broadcast != nil {
		t.Fatal("nothing should be broadcast with screensavers disabled")
	}
}

func TestVolumeRepublishCadence(t *testing.T) {
	q, _, pub := newTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	q.tickAnimationAndReceiverState()
	if got := pub.count(control.TypeVolume); got != 1 {
		t.Fatalf("volume sends = %d, want 1", got)
	}

	// Within the republish interval nothing more is sent.
	clock = base.Add(time.Second)
	q.tickAnimationAndReceiverState()
	if got := pub.count(control.TypeVolume); got != 1 {
		t.Fatalf("volume sends = %d, want still 1", got)
	}

	clock = base.Add(3*time.Second + time.Millisecond)
	q.tickAnimationAndReceiverState()
	if got := pub.count(control.TypeVolume); got != 2 {
		t.Fatalf("volume sends = %d, want 2", got)
	}
}

func TestExpectedBroadcastExit(t *testing.T) {
	run := func(script string) *exec.Cmd {
		cmd := exec.Command("sh", "-c", script)
		cmd.Run()
		return cmd
	}

	if !expectedBroadcastExit(run("exit 0"), false) {
		t.Fatal("clean exit is always expected")
	}
	// The broadcaster's signal handler exits with the signal number.
	if !expectedBroadcastExit(run("exit 15"), true) {
		t.Fatal("exit 15 after a kill is the broadcaster's termination convention")
	}
	if expectedBroadcastExit(run("exit 15"), false) {
		t.Fatal("exit 15 without a kill is a failure")
	}
	if expectedBroadcastExit(run("exit 3"), true) {
		t.Fatal("exit 3 is a failure even after a kill")
	}
}
