package multicast

import (
	"bytes"
	"testing"
	"time"
)

// Loopback group tests need a sender with loopback enabled, so they drive
// the raw conns directly rather than going through NewSender.
func newLoopbackPair(t *testing.T, port int) (*Sender, *Receiver) {
	t.Helper()

	recv, err := NewReceiver(DefaultGroup, port)
	if err != nil {
		t.Skipf("multicast not available in this environment: %v", err)
	}
	t.Cleanup(func() { recv.Close() })

	send, err := NewSender(DefaultGroup, port)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	t.Cleanup(func() { send.Close() })
	if err := send.pc.SetMulticastLoopback(true); err != nil {
		t.Fatalf("enable loopback for test: %v", err)
	}

	return send, recv
}

func TestSendReceiveSmallMessage(t *testing.T) {
	send, recv := newLoopbackPair(t, 21234)

	payload := []byte(`{"msg_type":"play_video","content":{}}`)
	if err := send.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recv.SetDeadline(time.Now().Add(2 * time.Second))
	got, err := recv.ReadMessage()
	if err != nil {
		t.Skipf("loopback receive unavailable: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestSendChunksLargeMessage(t *testing.T) {
	send, recv := newLoopbackPair(t, 21235)

	big := bytes.Repeat([]byte{0x47}, MaxDatagramSize+1000)
	if err := send.Send(big); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recv.SetDeadline(time.Now().Add(2 * time.Second))
	first, err := recv.ReadMessage()
	if err != nil {
		t.Skipf("loopback receive unavailable: %v", err)
	}
	if len(first) != MaxDatagramSize {
		t.Fatalf("first datagram size = %d, want %d", len(first), MaxDatagramSize)
	}

	recv.SetDeadline(time.Now().Add(2 * time.Second))
	second, err := recv.ReadMessage()
	if err != nil {
		t.Fatalf("second datagram: %v", err)
	}
	if len(second) != 1000 {
		t.Fatalf("second datagram size = %d, want 1000", len(second))
	}
}

func TestReadMessageDeadline(t *testing.T) {
	recv, err := NewReceiver(DefaultGroup, 21236)
	if err != nil {
		t.Skipf("multicast not available in this environment: %v", err)
	}
	defer recv.Close()

	recv.SetDeadline(time.Now().Add(50 * time.Millisecond))
	start := time.Now()
	if _, err := recv.ReadMessage(); err == nil {
		t.Fatal("expected deadline error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("deadline not honored, took %v", elapsed)
	}
}
