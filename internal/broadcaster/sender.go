package broadcaster

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/piwall2/piwall2/internal/multicast"
)

// SendVideoStream copies an MPEG-TS stream from r to the multicast video
// port in max-size datagrams, then transmits the end-of-video sentinel as
// its own final datagram. This is the msend-video subcommand's core; it runs
// at the tail of Pipeline B.
func SendVideoStream(r io.Reader, magicBytes string) error {
	sender, err := multicast.NewSender(multicast.DefaultGroup, multicast.VideoPort)
	if err != nil {
		return err
	}
	defer sender.Close()

	start := time.Now()
	var sent int64
	buf := make([]byte, multicast.MaxDatagramSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if serr := sender.Send(buf[:n]); serr != nil {
				return fmt.Errorf("send video datagram: %w", serr)
			}
			sent += int64(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("read video stream: %w", err)
			}
			break
		}
	}

	if err := sender.Send([]byte(magicBytes)); err != nil {
		return fmt.Errorf("send end of video sentinel: %w", err)
	}

	elapsed := time.Since(start)
	log.Info("video stream sent",
		"bytes", sent,
		"duration", elapsed.Round(time.Millisecond).String(),
		"throughput_mbps", fmt.Sprintf("%.2f", float64(sent)*8/1e6/elapsed.Seconds()))
	return nil
}
