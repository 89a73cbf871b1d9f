// Package multicast provides the UDP multicast transport shared by the video
// stream and the control channel: one class-D group, two ports. Datagram
// boundaries are the message framing; a datagram is never split across
// receives, so senders chunk to the maximum UDP payload.
package multicast

import (
	"fmt"
	"net"
	"os/exec"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/piwall2/piwall2/internal/logging"
)

var log = logging.L("multicast")

const (
	// DefaultGroup is the multicast group the wall runs on.
	DefaultGroup = "239.0.1.23"
	// VideoPort carries the raw MPEG-TS stream.
	VideoPort = 1234
	// ControlPort carries JSON control messages.
	ControlPort = 1235

	// TTL of 1: the wall is a single-hop LAN, packets must not be routed.
	TTL = 1

	// MaxDatagramSize is the largest UDP payload (65535 minus IP and UDP
	// headers). One datagram is one message.
	MaxDatagramSize = 65507

	// minReceiveBuffer is the socket receive buffer receivers need so a
	// slow reader does not drop video datagrams.
	minReceiveBuffer = 2 * 1024 * 1024

	sendRetryCap = 10
)

// Sender transmits datagrams to one group:port.
type Sender struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// NewSender opens a send socket to group:port with TTL 1 and multicast
// loopback disabled, so the broadcaster never receives its own stream.
func NewSender(group string, port int) (*Sender, error) {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", group, port))
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial multicast group: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(TTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("disable multicast loopback: %w", err)
	}

	return &Sender{conn: conn, pc: pc}, nil
}

// Send transmits msg, split into datagrams of at most MaxDatagramSize.
// Partial sends are retried up to a cap; UDP sends of a full datagram either
// succeed whole or error, so the retry is belt and braces.
func (s *Sender) Send(msg []byte) error {
	for len(msg) > 0 {
		chunk := msg
		if len(chunk) > MaxDatagramSize {
			chunk = chunk[:MaxDatagramSize]
		}
		if err := s.sendDatagram(chunk); err != nil {
			return err
		}
		msg = msg[len(chunk):]
	}
	return nil
}

func (s *Sender) sendDatagram(chunk []byte) error {
	for attempt := 0; attempt <= sendRetryCap; attempt++ {
		n, err := s.conn.Write(chunk)
		if err != nil {
			return fmt.Errorf("multicast send: %w", err)
		}
		if n >= len(chunk) {
			return nil
		}
		chunk = chunk[n:]
	}
	log.Warn("unable to send full datagram within retry cap", "remaining", len(chunk))
	return nil
}

func (s *Sender) Close() error {
	return s.conn.Close()
}

// Receiver reads datagrams from one group:port.
type Receiver struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	buf  []byte
}

// NewReceiver binds to group:port with SO_REUSEADDR, joins the group, and
// raises the socket receive buffer so bursty video traffic is not dropped
// while the process is busy writing to the player.
func NewReceiver(group string, port int) (*Receiver, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", group, port))
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("listen multicast: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(nil, &net.UDPAddr{IP: gaddr.IP}); err != nil {
		// ListenMulticastUDP already joined on the default interface;
		// a second join can report "address in use" and is harmless.
		log.Debug("join group", logging.KeyError, err)
	}

	if err := conn.SetReadBuffer(minReceiveBuffer); err != nil {
		log.Warn("could not raise receive buffer, may need net.core.rmem_max bumped",
			logging.KeyError, err, "wanted", minReceiveBuffer)
	}
	if achieved, err := receiveBufferSize(conn); err == nil {
		log.Info("multicast receive socket ready", "port", port, "rcvbuf", achieved)
		if achieved < minReceiveBuffer {
			log.Warn("receive buffer below target, raise net.core.rmem_max via sysctl",
				"achieved", achieved, "wanted", minReceiveBuffer)
		}
	}

	return &Receiver{
		conn: conn,
		pc:   pc,
		// Sized to the max datagram so messages are never truncated.
		buf: make([]byte, MaxDatagramSize),
	}, nil
}

// SetDeadline bounds the next ReadMessage. A zero time clears the deadline.
func (r *Receiver) SetDeadline(t time.Time) error {
	return r.conn.SetReadDeadline(t)
}

// ReadMessage blocks for the next datagram and returns a copy of its
// payload. One datagram = one message.
func (r *Receiver) ReadMessage() ([]byte, error) {
	n, _, err := r.conn.ReadFromUDP(r.buf)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, n)
	copy(msg, r.buf[:n])
	return msg, nil
}

func (r *Receiver) Close() error {
	return r.conn.Close()
}

// PinRouteToInterface installs a host route for the multicast group on the
// wired interface. Without it the kernel may egress multicast over wifi,
// which drops far too many packets for a video stream. `ip route replace`
// makes the call idempotent.
func PinRouteToInterface(group, iface string) error {
	out, err := exec.Command("ip", "route", "replace", group+"/32", "dev", iface).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pin multicast route to %s: %w (output: %s)", iface, err, out)
	}
	log.Info("pinned multicast route", "group", group, "dev", iface)
	return nil
}
