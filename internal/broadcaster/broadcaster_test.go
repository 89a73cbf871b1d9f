package broadcaster

import (
	"os"
	"strings"
	"testing"
)

func TestParseDimensions(t *testing.T) {
	w, h, err := parseDimensions("1920,1080\n")
	if err != nil {
		t.Fatalf("parseDimensions: %v", err)
	}
	if w != 1920 || h != 1080 {
		t.Fatalf("got %dx%d", w, h)
	}

	// Some containers make ffprobe emit multiple lines; only the first counts.
	w, h, err = parseDimensions("1280,720\n1280,720\n")
	if err != nil {
		t.Fatalf("parseDimensions multiline: %v", err)
	}
	if w != 1280 || h != 720 {
		t.Fatalf("got %dx%d", w, h)
	}

	for _, bad := range []string{"", "garbage", "1920", "w,h"} {
		if _, _, err := parseDimensions(bad); err == nil {
			t.Fatalf("parseDimensions(%q) should fail", bad)
		}
	}
}

func TestFallbackDimensions(t *testing.T) {
	if w, h := fallbackDimensions(false); w != 1920 || h != 1080 {
		t.Fatalf("single output fallback = %dx%d", w, h)
	}
	if w, h := fallbackDimensions(true); w != 1280 || h != 720 {
		t.Fatalf("dual output fallback = %dx%d", w, h)
	}
}

func TestDownloadAndConvertCmdLocalFile(t *testing.T) {
	cmd := downloadAndConvertCmd("/videos/clip.ts", "/tmp/fifo", singleOutputVideoFormat, "")
	if strings.Contains(cmd, "yt-dlp") {
		t.Fatal("local file should not invoke yt-dlp")
	}
	if !strings.Contains(cmd, "'/videos/clip.ts'") {
		t.Fatalf("local file path missing: %s", cmd)
	}
	if !strings.Contains(cmd, "ffprobe") || !strings.Contains(cmd, "/tmp/fifo") {
		t.Fatalf("dimensions probe missing: %s", cmd)
	}
}

func TestDownloadAndConvertCmdRemoteURL(t *testing.T) {
	cmd := downloadAndConvertCmd("https://example.com/watch?v=x", "/tmp/fifo", dualOutputVideoFormat, "youtube")
	for _, want := range []string{
		"yt-dlp",
		"--retries infinite",
		dualOutputVideoFormat,
		audioFormat,
		"--use-extractors 'youtube'",
		"-c:a mp2",
		"-f mpegts",
		"set -o pipefail",
	} {
		if !strings.Contains(cmd, want) {
			t.Fatalf("command missing %q: %s", want, cmd)
		}
	}
	// Two parallel yt-dlp invocations: video and audio.
	if got := strings.Count(cmd, "yt-dlp"); got != 2 {
		t.Fatalf("yt-dlp invoked %d times, want 2", got)
	}
}

func TestBroadcastCmd(t *testing.T) {
	cmd := broadcastCmd("/usr/bin/piwall2", "uuid-1", "/tmp/done")
	for _, want := range []string{
		"pv --rate-limit 4M",
		"mbuffer",
		"-re",
		"msend-video",
		"--log-uuid 'uuid-1'",
		EndOfVideoMagicBytes,
		"touch '/tmp/done'",
	} {
		if !strings.Contains(cmd, want) {
			t.Fatalf("command missing %q: %s", want, cmd)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("plain.ts"); got != "'plain.ts'" {
		t.Fatalf("got %s", got)
	}
	if got := shellQuote("it's here"); got != `'it'\''s here'` {
		t.Fatalf("got %s", got)
	}
}

func TestMakeFIFO(t *testing.T) {
	name, err := makeFIFO("dimensions")
	if err != nil {
		t.Fatalf("makeFIFO: %v", err)
	}
	defer os.Remove(name)

	info, err := os.Stat(name)
	if err != nil {
		t.Fatalf("stat fifo: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("%s is not a named pipe", name)
	}
	if !strings.Contains(name, fifoPrefix) {
		t.Fatalf("fifo name %s missing prefix", name)
	}
}

func TestIsRemoteURL(t *testing.T) {
	if !isRemoteURL("https://example.com/v") || !isRemoteURL("http://example.com/v") {
		t.Fatal("http(s) urls are remote")
	}
	if isRemoteURL("/videos/clip.ts") || isRemoteURL("clip.ts") {
		t.Fatal("paths are not remote")
	}
}
