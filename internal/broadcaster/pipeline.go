package broadcaster

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/piwall2/piwall2/internal/logging"
)

const (
	// Buffer sizes chosen from observed bitrates: 1080p avc1 video runs
	// ~0.36 MB/s and audio ~0.016 MB/s, so these absorb minutes of
	// downloader stalls.
	videoBufferBytes = 50 * 1024 * 1024
	audioBufferBytes = 5 * 1024 * 1024

	// probeBufferBytes keeps the ffprobe fork of the tee from blocking the
	// mux path (and vice versa) while dimensions are being calculated.
	probeBufferBytes = 50 * 1024 * 1024

	// burstBufferBytes is half the receivers' jitter buffer: the broadcast
	// side absorbs bursts before pacing the multicast send.
	burstBufferBytes = receiverJitterBufferBytes / 2
	// receiverJitterBufferBytes mirrors the receivers' in-process buffer.
	receiverJitterBufferBytes = 400 * 1024 * 1024

	// sendRateLimit caps the multicast send so local files cannot saturate
	// the LAN and starve the control channel.
	sendRateLimit = "4M"

	fifoPrefix = "piwall2_fifo"

	videoTmpDir = "/tmp/piwall2_video_tmp"
	audioTmpDir = "/tmp/piwall2_audio_tmp"

	// Yt-dlp format selection. Dual-output receivers can only decode up to
	// 720p per output.
	singleOutputVideoFormat = "bestvideo[vcodec^=avc1][height<=1080]"
	dualOutputVideoFormat   = "bestvideo[vcodec^=avc1][height<=720]"
	audioFormat             = "bestaudio"
)

// isRemoteURL reports whether the source must be downloaded rather than read
// from disk.
func isRemoteURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// standardFFmpegCmd returns the ffmpeg invocation prefix with log options
// matched to the session.
func standardFFmpegCmd() string {
	logOpts := "-nostats -loglevel error"
	if fileIsTTY(os.Stderr) {
		logOpts = "-stats -loglevel error"
	}
	return "ffmpeg -hide_banner " + logOpts + " "
}

func fileIsTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// makeFIFO creates a private named pipe in the temp dir.
func makeFIFO(kind string) (string, error) {
	f, err := os.CreateTemp("", fifoPrefix+"__"+kind+"__*")
	if err != nil {
		return "", fmt.Errorf("reserve fifo name: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	if err := unix.Mkfifo(name, 0o600); err != nil {
		return "", fmt.Errorf("mkfifo %s: %w", name, err)
	}
	return name, nil
}

// dimensionsPipelineCmd builds the tee that forks the stream into ffprobe,
// which writes "width,height" to the FIFO as soon as the first frames are
// decodable. The cat keeps tee from dying of SIGPIPE once ffprobe exits; the
// mbuffers keep either half of the tee from blocking the other.
func dimensionsPipelineCmd(fifo string) string {
	probe := fmt.Sprintf(
		"ffprobe -v 0 -of csv=p=0 -select_streams v:0 -show_entries stream=width,height - > %s", fifo)
	return fmt.Sprintf(
		"tee >( mbuffer -q -m %db | { %s && cat - >/dev/null ; } ) | mbuffer -q -m %db ",
		probeBufferBytes, probe, probeBufferBytes)
}

// downloadAndConvertCmd builds Pipeline A: fetch the source, probe its
// dimensions inline, and mux to MPEG-TS on stdout. Local files skip the
// download; remote URLs pull video and audio in parallel through in-memory
// buffers and mux them.
func downloadAndConvertCmd(videoURL, fifo, videoFormat, extractors string) string {
	if !isRemoteURL(videoURL) {
		return fmt.Sprintf("< %s %s", shellQuote(videoURL), dimensionsPipelineCmd(fifo))
	}

	// --retries infinite: long downloads hit transient connection resets;
	// the mbuffer absorbs the stall while yt-dlp reconnects.
	ytdlp := func(tmpDir, format string, bufBytes int) string {
		useExtractors := ""
		if extractors != "" {
			useExtractors = " --use-extractors " + shellQuote(extractors)
		}
		return fmt.Sprintf(
			"mkdir -p %[1]s && cd %[1]s && yt-dlp %s --retries infinite --format %s --output - --no-progress --newline%s | mbuffer -q -Q -m %db",
			shellQuote(tmpDir), shellQuote(videoURL), shellQuote(format), useExtractors, bufBytes)
	}

	videoCmd := ytdlp(videoTmpDir, videoFormat, videoBufferBytes) + " | " + dimensionsPipelineCmd(fifo)
	audioCmd := ytdlp(audioTmpDir, audioFormat, audioBufferBytes)

	return fmt.Sprintf("set -o pipefail && export SHELLOPTS && %s -i <(%s) -i <(%s) -c:v copy -c:a mp2 -b:a 192k -f mpegts -",
		standardFFmpegCmd(), videoCmd, audioCmd)
}

// broadcastCmd builds Pipeline B: a pv rate limit, then a tee into (a) the
// pacing sink that replays the stream at its native rate and touches the
// done file, and (b) the multicast sender.
func broadcastCmd(selfExe, logUUID, doneFile string) string {
	pacingSink := fmt.Sprintf(
		"mbuffer -q -m %db | %s -re -i pipe:0 -c:v copy -c:a copy -f mpegts - >/dev/null ; touch %s",
		burstBufferBytes, standardFFmpegCmd(), shellQuote(doneFile))
	sender := fmt.Sprintf("%s msend-video --log-uuid %s --end-of-video-magic-bytes %s",
		shellQuote(selfExe), shellQuote(logUUID), EndOfVideoMagicBytes)

	return fmt.Sprintf("set -o pipefail && export SHELLOPTS && pv --rate-limit %s | tee >(%s) >(%s) >/dev/null",
		sendRateLimit, pacingSink, sender)
}

// startShell runs a bash pipeline in its own session so the whole tree
// (subshells, children, grandchildren) can be killed as a group.
func startShell(cmdStr string, stdin io.Reader, stdout io.Writer) (*exec.Cmd, error) {
	cmd := exec.Command("/usr/bin/bash", "-c", cmdStr)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	return cmd, nil
}

// killProcessGroup SIGTERMs an entire pipeline's session. A group that has
// already exited is not an error.
func killProcessGroup(pgid int) {
	if pgid <= 0 {
		return
	}
	log.Info("killing process group", "pgid", pgid)
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		log.Warn("could not kill process group", "pgid", pgid, logging.KeyError, err)
	}
}

// shellQuote single-quotes s for safe interpolation into a bash command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// cleanupBroadcastFiles removes fifos, temp download dirs and the playback
// done file left over from this or any previous broadcast.
func cleanupBroadcastFiles(doneFile string) {
	patterns, _ := filepath.Glob(filepath.Join(os.TempDir(), fifoPrefix+"*"))
	for _, p := range patterns {
		os.Remove(p)
	}
	os.Remove(doneFile)
	os.RemoveAll(videoTmpDir)
	os.RemoveAll(audioTmpDir)
}
