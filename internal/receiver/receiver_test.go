package receiver

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/wall"
)

func singleOutputStanza() config.ReceiverConfig {
	return config.ReceiverConfig{
		X: 0, Y: 0, Width: 160, Height: 90,
		Audio: "hdmi", Video: "hdmi",
	}
}

func dualOutputStanza() config.ReceiverConfig {
	s := singleOutputStanza()
	s.X2, s.Y2, s.Width2, s.Height2 = 160, 0, 160, 90
	s.Audio2, s.Video2 = "hdmi1", "hdmi1"
	return s
}

func testWall(t *testing.T, stanza config.ReceiverConfig) *wall.Wall {
	t.Helper()
	cfg := &config.Config{
		Receivers: map[string]config.ReceiverConfig{"piwall1.local": stanza},
		Rows:      1,
		Columns:   1,
	}
	w, err := wall.New(cfg)
	if err != nil {
		t.Fatalf("wall.New: %v", err)
	}
	return w
}

func TestReceiveAndPlayVideoCommandSingleOutput(t *testing.T) {
	stanza := singleOutputStanza()
	b := newCommandBuilder(stanza, testWall(t, stanza), "/usr/bin/piwall2")

	cmd, cropArgs, cropArgs2, err := b.receiveAndPlayVideoCommand(
		"uuid-1", 1920, 1080, 50, wall.DisplayModeTile, wall.DisplayModeTile)
	if err != nil {
		t.Fatalf("receiveAndPlayVideoCommand: %v", err)
	}

	for _, want := range []string{
		"receive-and-play-video",
		"--log-uuid 'uuid-1'",
		"omxplayer",
		"--adev '\\''hdmi'\\''",
		"--display '\\''2'\\''",
		"--no-keys --timeout 30 --threshold 0.2 --video_fifo 35",
		"--dbus_name '\\''piwall.tv1.video'\\''",
		"pipe:0",
	} {
		if !strings.Contains(cmd, want) {
			t.Fatalf("command missing %q: %s", want, cmd)
		}
	}
	if strings.Contains(cmd, "tee") {
		t.Fatalf("single output command should not tee: %s", cmd)
	}
	// 50% loudness is -602 millibels on the player's scale.
	if !strings.Contains(cmd, "--vol -602") {
		t.Fatalf("volume millibels wrong: %s", cmd)
	}

	if cropArgs2 != nil {
		t.Fatal("single output should have no second crop args")
	}
	// The only TV covers the whole wall, so the tile crop is the full video.
	if got := cropArgs[wall.DisplayModeTile]; got != (wall.Crop{X0: 0, Y0: 0, X1: 1920, Y1: 1080}) {
		t.Fatalf("tile crop = %v", got)
	}
}

func TestReceiveAndPlayVideoCommandDualOutput(t *testing.T) {
	stanza := dualOutputStanza()
	b := newCommandBuilder(stanza, testWall(t, stanza), "/usr/bin/piwall2")

	cmd, cropArgs, cropArgs2, err := b.receiveAndPlayVideoCommand(
		"uuid-1", 1280, 720, 50, wall.DisplayModeTile, wall.DisplayModeRepeat)
	if err != nil {
		t.Fatalf("receiveAndPlayVideoCommand: %v", err)
	}

	for _, want := range []string{
		"tee >(",
		"piwall.tv1.video",
		"piwall.tv2.video",
		"--adev '\\''hdmi1'\\''",
		"--display '\\''7'\\''",
	} {
		if !strings.Contains(cmd, want) {
			t.Fatalf("command missing %q: %s", want, cmd)
		}
	}
	if cropArgs == nil || cropArgs2 == nil {
		t.Fatal("dual output should have crop args for both TVs")
	}
	// The wall is twice as wide as the video's aspect, so the displayable
	// region is 1280x360 centered vertically; TV1 gets its left half.
	if got := cropArgs[wall.DisplayModeTile]; got != (wall.Crop{X0: 0, Y0: 180, X1: 640, Y1: 540}) {
		t.Fatalf("tv1 tile crop = %v", got)
	}
}

func TestLoadingScreenCommandPlaysLocalFile(t *testing.T) {
	stanza := singleOutputStanza()
	b := newCommandBuilder(stanza, testWall(t, stanza), "/usr/bin/piwall2")

	data := control.LoadingScreenData{VideoPath: "/assets/loading.ts", Width: 1920, Height: 1080}
	cmd, _, _, err := b.loadingScreenCommand(data, 50, wall.DisplayModeTile, wall.DisplayModeTile)
	if err != nil {
		t.Fatalf("loadingScreenCommand: %v", err)
	}

	if !strings.Contains(cmd, "'/assets/loading.ts'") {
		t.Fatalf("loading screen should play the local file: %s", cmd)
	}
	if !strings.Contains(cmd, "piwall.tv1.loadingscreen") {
		t.Fatalf("loading screen must use its own bus name: %s", cmd)
	}
	if strings.Contains(cmd, "pipe:0") || strings.Contains(cmd, "receive-and-play-video") {
		t.Fatalf("loading screen must not read the video stream: %s", cmd)
	}
}

func TestOrientationAddsLiveFlag(t *testing.T) {
	stanza := singleOutputStanza()
	stanza.Orientation = 180
	b := newCommandBuilder(stanza, testWall(t, stanza), "/usr/bin/piwall2")

	cmd, _, _, err := b.receiveAndPlayVideoCommand(
		"uuid-1", 1920, 1080, 50, wall.DisplayModeTile, wall.DisplayModeTile)
	if err != nil {
		t.Fatalf("receiveAndPlayVideoCommand: %v", err)
	}
	if !strings.Contains(cmd, "--orientation 180 --live") {
		t.Fatalf("orientation should add the live flag: %s", cmd)
	}
}

func TestBadAudioVideoConfigRejected(t *testing.T) {
	stanza := singleOutputStanza()
	stanza.Audio = "bluetooth"
	b := newCommandBuilder(stanza, testWall(t, singleOutputStanza()), "/usr/bin/piwall2")
	if _, _, _, err := b.receiveAndPlayVideoCommand("u", 1920, 1080, 50, wall.DisplayModeTile, wall.DisplayModeTile); err == nil {
		t.Fatal("unknown audio value should error")
	}

	stanza = singleOutputStanza()
	stanza.Video = "dvi"
	b = newCommandBuilder(stanza, testWall(t, singleOutputStanza()), "/usr/bin/piwall2")
	if _, _, _, err := b.receiveAndPlayVideoCommand("u", 1920, 1080, 50, wall.DisplayModeTile, wall.DisplayModeTile); err == nil {
		t.Fatal("unknown video value should error")
	}
}

// capturingController returns a PlayerController whose bus sends are recorded
// instead of executed. release blocks in-flight commands until closed, so
// tests can hold commands in flight deterministically.
func capturingController(release <-chan struct{}) (*PlayerController, *[]string, *sync.Mutex) {
	var mu sync.Mutex
	var sent []string
	p := NewPlayerController()
	p.send = func(dest string, args []string) {
		if release != nil {
			<-release
		}
		mu.Lock()
		sent = append(sent, dest+" "+strings.Join(args, " "))
		mu.Unlock()
	}
	return p, &sent, &mu
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestVolumeCommandsThrottled(t *testing.T) {
	release := make(chan struct{})
	p, sent, mu := capturingController(release)

	p.SetVolPct(map[string]float64{TV1VideoBusName: 50})
	// The first set is still in flight; this one must be dropped.
	p.SetVolPct(map[string]float64{TV1VideoBusName: 60})
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*sent) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains((*sent)[0], "double:0.50") {
		t.Fatalf("expected the first volume set to win: %v", *sent)
	}
}

func TestCropAndVolumeThrottledIndependently(t *testing.T) {
	release := make(chan struct{})
	p, sent, mu := capturingController(release)

	// A volume command in flight must not throttle a crop command.
	p.SetVolPct(map[string]float64{TV1VideoBusName: 50})
	p.SetCrop(map[string]wall.Crop{TV1VideoBusName: {X0: 0, Y0: 0, X1: 10, Y1: 10}})
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*sent) == 2
	})
}

func TestPlayNeverThrottled(t *testing.T) {
	p, sent, mu := capturingController(nil)

	for i := 0; i < 5; i++ {
		p.Play([]string{TV1VideoBusName, TV2VideoBusName})
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*sent) == 10
	})
}

func newTestReceiver(t *testing.T, stanza config.ReceiverConfig, players *PlayerController) *Receiver {
	t.Helper()
	r := &Receiver{
		stanza:          stanza,
		hostname:        "piwall1.local",
		builder:         newCommandBuilder(stanza, testWall(t, stanza), "/usr/bin/piwall2"),
		players:         players,
		displayMode:     wall.DisplayModeTile,
		displayMode2:    wall.DisplayModeTile,
		playerVolumePct: defaultPlayerVolumePct,
	}
	r.initHandlers()
	return r
}

func msg(t *testing.T, typ control.MessageType, content any) control.Message {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	return control.Message{Type: typ, Content: raw}
}

func TestDisplayModeUpdatesStateAndRecrops(t *testing.T) {
	stanza := singleOutputStanza()
	p, sent, mu := capturingController(nil)
	r := newTestReceiver(t, stanza, p)

	r.videoPlayback = &playback{}
	r.videoCropArgs = wall.CropArgs{
		wall.DisplayModeTile:   {X0: 0, Y0: 0, X1: 1920, Y1: 1080},
		wall.DisplayModeRepeat: {X0: 100, Y0: 100, X1: 200, Y1: 200},
	}

	m := msg(t, control.TypeDisplayMode, control.DisplayModesByTV{
		"piwall1.local_1": wall.DisplayModeRepeat,
	})
	if err := r.handleDisplayMode(m); err != nil {
		t.Fatalf("handleDisplayMode: %v", err)
	}

	if r.displayMode != wall.DisplayModeRepeat {
		t.Fatalf("display mode = %s", r.displayMode)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*sent) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains((*sent)[0], "string:100 100 200 200") {
		t.Fatalf("expected repeat crop to be sent: %v", *sent)
	}
}

func TestDisplayModeInvalidFallsBackToTile(t *testing.T) {
	p, _, _ := capturingController(nil)
	r := newTestReceiver(t, singleOutputStanza(), p)
	r.displayMode = wall.DisplayModeRepeat

	m := msg(t, control.TypeDisplayMode, map[string]string{
		"piwall1.local_1": "DISPLAY_MODE_BOGUS",
	})
	if err := r.handleDisplayMode(m); err != nil {
		t.Fatalf("handleDisplayMode: %v", err)
	}
	if r.displayMode != wall.DisplayModeTile {
		t.Fatalf("invalid mode should fall back to tile, got %s", r.displayMode)
	}
}

func TestDisplayModeIgnoresOtherHosts(t *testing.T) {
	p, _, _ := capturingController(nil)
	r := newTestReceiver(t, singleOutputStanza(), p)

	m := msg(t, control.TypeDisplayMode, control.DisplayModesByTV{
		"piwall9.local_1": wall.DisplayModeRepeat,
	})
	if err := r.handleDisplayMode(m); err != nil {
		t.Fatalf("handleDisplayMode: %v", err)
	}
	if r.displayMode != wall.DisplayModeTile {
		t.Fatalf("other host's mode should not apply, got %s", r.displayMode)
	}
}

func TestVolumeMessageFansOutToActiveHandles(t *testing.T) {
	stanza := dualOutputStanza()
	p, sent, mu := capturingController(nil)
	r := newTestReceiver(t, stanza, p)
	r.videoPlayback = &playback{}
	r.loadingPlayback = &playback{}

	if err := r.handleVolume(msg(t, control.TypeVolume, 75.0)); err != nil {
		t.Fatalf("handleVolume: %v", err)
	}
	if r.playerVolumePct != 75 {
		t.Fatalf("player volume = %f", r.playerVolumePct)
	}

	// Two video handles plus two loading screen handles.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*sent) == 4
	})
}

func TestVolumeMessageWithNoPlaybackSendsNothing(t *testing.T) {
	p, sent, mu := capturingController(nil)
	r := newTestReceiver(t, singleOutputStanza(), p)

	if err := r.handleVolume(msg(t, control.TypeVolume, 30.0)); err != nil {
		t.Fatalf("handleVolume: %v", err)
	}
	if r.playerVolumePct != 30 {
		t.Fatalf("player volume = %f", r.playerVolumePct)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*sent) != 0 {
		t.Fatalf("no playback in progress, nothing should be sent: %v", *sent)
	}
}

func TestTVIDs(t *testing.T) {
	p, _, _ := capturingController(nil)

	r := newTestReceiver(t, singleOutputStanza(), p)
	ids := r.tvIDs()
	if len(ids) != 1 || ids[1] != "piwall1.local_1" {
		t.Fatalf("single output tv ids = %v", ids)
	}

	r = newTestReceiver(t, dualOutputStanza(), p)
	ids = r.tvIDs()
	if len(ids) != 2 || ids[2] != "piwall1.local_2" {
		t.Fatalf("dual output tv ids = %v", ids)
	}
}

func TestJitterBufferRoundTrip(t *testing.T) {
	jb := newJitterBuffer(16)

	// Force the ring to wrap several times.
	var got []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 7)
		for {
			n, err := jb.Read(buf)
			got = append(got, buf[:n]...)
			if err == io.EOF {
				return
			}
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
		}
	}()

	var want []byte
	for i := 0; i < 20; i++ {
		chunk := []byte(strings.Repeat(string(rune('a'+i%26)), 5))
		if _, err := jb.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
		want = append(want, chunk...)
	}
	jb.Close()
	<-done

	if string(got) != string(want) {
		t.Fatalf("round trip mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestJitterBufferCloseUnblocksReader(t *testing.T) {
	jb := newJitterBuffer(8)

	done := make(chan error, 1)
	go func() {
		_, err := jb.Read(make([]byte, 4))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	jb.Close()

	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("expected EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader not unblocked by close")
	}
}

func TestJitterBufferCloseUnblocksFullWriter(t *testing.T) {
	jb := newJitterBuffer(8)
	if _, err := jb.Write(make([]byte, 8)); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// The reading side dying (player exit mid-stream) closes the buffer;
	// a writer parked on the full ring must fail instead of wedging.
	done := make(chan error, 1)
	go func() {
		_, err := jb.Write([]byte("x"))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	jb.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("write into a closed ring should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer not unblocked by close")
	}
}

func TestJitterBufferWriteAfterCloseFails(t *testing.T) {
	jb := newJitterBuffer(8)
	jb.Close()
	if _, err := jb.Write([]byte("x")); err == nil {
		t.Fatal("write after close should fail")
	}
}

func TestJitterBufferLen(t *testing.T) {
	jb := newJitterBuffer(8)
	jb.Write([]byte("abc"))
	if jb.Len() != 3 {
		t.Fatalf("len = %d", jb.Len())
	}
	jb.Read(make([]byte, 2))
	if jb.Len() != 1 {
		t.Fatalf("len after read = %d", jb.Len())
	}
}
