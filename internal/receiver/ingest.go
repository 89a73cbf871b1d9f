package receiver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/piwall2/piwall2/internal/multicast"
)

const (
	// JitterBufferBytes decouples the UDP read loop from the player's
	// consumption rate. If reads ever blocked on a slow player write, the
	// kernel's much smaller socket buffer would fill and drop datagrams.
	JitterBufferBytes = 400 * 1024 * 1024

	// The broadcaster may spend a long time downloading before the first
	// datagram arrives; once the stream has started, gaps are short.
	firstDatagramTimeout  = 60 * time.Second
	steadyDatagramTimeout = 10 * time.Second

	measurementWindow = 10 * time.Second
)

// ReceiveAndPlayVideo joins the multicast video port, spawns the player
// pipeline, and pumps datagrams through an in-process jitter buffer into the
// pipeline's stdin. It returns once the end-of-video sentinel has arrived
// and the player has drained the buffer and exited.
func ReceiveAndPlayVideo(playerCmd, magicBytes string) error {
	recv, err := multicast.NewReceiver(multicast.DefaultGroup, multicast.VideoPort)
	if err != nil {
		return err
	}
	defer recv.Close()

	cmd := exec.Command("/usr/bin/bash", "-c", playerCmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player pipeline: %w", err)
	}
	log.Info("started player pipeline", "cmd", playerCmd)

	jb := newJitterBuffer(JitterBufferBytes)

	// The writer drains the buffer into the player independently of the
	// read loop, and closes the player's stdin once the buffer is closed
	// and empty: that is how the player learns the video is over. A write
	// failure means the player died mid-stream; closing the buffer is what
	// unblocks a pump parked in a full-ring Write.
	writeErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdin, jb)
		stdin.Close()
		if err != nil {
			jb.Close()
		}
		writeErr <- err
	}()

	if err := pumpVideoStream(recv, jb, magicBytes); err != nil {
		jb.Close()
		killProcessGroup(cmd.Process.Pid)
		<-writeErr
		cmd.Wait()
		return err
	}

	if err := <-writeErr; err != nil {
		killProcessGroup(cmd.Process.Pid)
		cmd.Wait()
		return fmt.Errorf("write video stream to player: %w", err)
	}

	log.Info("waiting for video to finish playing")
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("player pipeline: %w", err)
	}
	log.Info("video is done playing")
	return nil
}

// pumpVideoStream reads datagrams into the jitter buffer until the sentinel
// arrives, logging throughput and memory every measurement window.
func pumpVideoStream(recv *multicast.Receiver, jb *jitterBuffer, magicBytes string) error {
	self, _ := process.NewProcess(int32(os.Getpid()))

	windowStart := time.Now()
	var windowBytes, totalBytes int64

	recv.SetDeadline(time.Now().Add(firstDatagramTimeout))
	for {
		msg, err := recv.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return fmt.Errorf("no video data within deadline after %d bytes", totalBytes)
			}
			return fmt.Errorf("read video datagram: %w", err)
		}
		if totalBytes == 0 {
			log.Info("received first bytes of video")
		}
		recv.SetDeadline(time.Now().Add(steadyDatagramTimeout))

		windowBytes += int64(len(msg))
		totalBytes += int64(len(msg))

		if string(msg) == magicBytes {
			log.Info("received end of video sentinel", "totalBytes", totalBytes)
			jb.Close()
			return nil
		}

		if _, err := jb.Write(msg); err != nil {
			return fmt.Errorf("buffer video datagram: %w", err)
		}

		if elapsed := time.Since(windowStart); elapsed > measurementWindow {
			kbps := float64(windowBytes) / elapsed.Seconds() / 1024
			attrs := []any{
				"kb_per_s", fmt.Sprintf("%.2f", kbps),
				"buffered", jb.Len(),
			}
			if self != nil {
				if mi, err := self.MemoryInfo(); err == nil {
					attrs = append(attrs, "rss", mi.RSS)
				}
			}
			log.Info("reading video stream", attrs...)
			windowStart = time.Now()
			windowBytes = 0
		}
	}
}

// jitterBuffer is a blocking in-memory ring. Writes block when full (the
// same backpressure an external buffer process would apply) and reads block
// when empty until the buffer is closed.
type jitterBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf    []byte
	r, w   int
	length int
	closed bool
}

func newJitterBuffer(size int) *jitterBuffer {
	jb := &jitterBuffer{buf: make([]byte, size)}
	jb.notEmpty = sync.NewCond(&jb.mu)
	jb.notFull = sync.NewCond(&jb.mu)
	return jb
}

// Write copies p into the ring, blocking while the ring is full.
func (jb *jitterBuffer) Write(p []byte) (int, error) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	written := 0
	for written < len(p) {
		for jb.length == len(jb.buf) && !jb.closed {
			jb.notFull.Wait()
		}
		if jb.closed {
			return written, errors.New("write to closed buffer")
		}

		n := copy(jb.ringSpace(), p[written:])
		jb.w = (jb.w + n) % len(jb.buf)
		jb.length += n
		written += n
		jb.notEmpty.Signal()
	}
	return written, nil
}

// Read copies buffered bytes into p, blocking while the ring is empty. After
// Close it drains the remainder and then returns io.EOF.
func (jb *jitterBuffer) Read(p []byte) (int, error) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	for jb.length == 0 {
		if jb.closed {
			return 0, io.EOF
		}
		jb.notEmpty.Wait()
	}

	n := copy(p, jb.ringData())
	jb.r = (jb.r + n) % len(jb.buf)
	jb.length -= n
	jb.notFull.Signal()
	return n, nil
}

// Close marks the stream as ended. Blocked readers drain and see io.EOF.
func (jb *jitterBuffer) Close() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.closed = true
	jb.notEmpty.Broadcast()
	jb.notFull.Broadcast()
}

// Len returns the number of buffered bytes.
func (jb *jitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.length
}

// ringSpace is the contiguous free region starting at the write cursor.
func (jb *jitterBuffer) ringSpace() []byte {
	if jb.w >= jb.r && jb.length < len(jb.buf) {
		return jb.buf[jb.w:]
	}
	return jb.buf[jb.w:jb.r]
}

// ringData is the contiguous filled region starting at the read cursor.
func (jb *jitterBuffer) ringData() []byte {
	if jb.r < jb.w {
		return jb.buf[jb.r:jb.w]
	}
	return jb.buf[jb.r:]
}
