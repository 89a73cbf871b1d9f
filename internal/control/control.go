// Package control implements the JSON control protocol the broadcaster uses
// to drive receiver state over the multicast control port. Messages are
// fire-and-forget and idempotent at the receiver; loss is tolerated because
// every state write is periodically republished.
package control

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/piwall2/piwall2/internal/logging"
	"github.com/piwall2/piwall2/internal/multicast"
	"github.com/piwall2/piwall2/internal/wall"
)

var log = logging.L("control")

// MessageType tags a control message.
type MessageType string

const (
	TypeInitVideo         MessageType = "init_video"
	TypePlayVideo         MessageType = "play_video"
	TypeSkipVideo         MessageType = "skip_video"
	TypeVolume            MessageType = "volume"
	TypeDisplayMode       MessageType = "display_mode"
	TypeShowLoadingScreen MessageType = "show_loading_screen"
	TypeEndLoadingScreen  MessageType = "end_loading_screen"
)

var knownTypes = map[MessageType]bool{
	TypeInitVideo:         true,
	TypePlayVideo:         true,
	TypeSkipVideo:         true,
	TypeVolume:            true,
	TypeDisplayMode:       true,
	TypeShowLoadingScreen: true,
	TypeEndLoadingScreen:  true,
}

// Message is the wire envelope: one JSON object per datagram.
type Message struct {
	Type    MessageType     `json:"msg_type"`
	Content json.RawMessage `json:"content"`
}

// DecodeContent unmarshals the content into a typed payload.
func (m Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Type, err)
	}
	return nil
}

// Known reports whether the receiver understands this message type.
// Unknown types are logged and ignored, never an error.
func (m Message) Known() bool {
	return knownTypes[m.Type]
}

// InitVideo tells receivers to spawn their players, paused, for a video of
// the given dimensions.
type InitVideo struct {
	LogUUID     string `json:"log_uuid"`
	VideoWidth  int    `json:"video_width"`
	VideoHeight int    `json:"video_height"`
}

// LoadingScreenData describes the clip a receiver should show while the
// real video is being prepared.
type LoadingScreenData struct {
	VideoPath string `json:"video_path"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ShowLoadingScreen starts an auxiliary player on its own control handle.
type ShowLoadingScreen struct {
	LogUUID           string            `json:"log_uuid"`
	LoadingScreenData LoadingScreenData `json:"loading_screen_data"`
}

// DisplayModesByTV maps tv_id to the display mode it should use.
type DisplayModesByTV map[string]wall.DisplayMode

// Broadcaster sends control messages to all receivers.
type Broadcaster struct {
	sender *multicast.Sender
}

// NewBroadcaster opens the control-port send socket.
func NewBroadcaster(group string) (*Broadcaster, error) {
	sender, err := multicast.NewSender(group, multicast.ControlPort)
	if err != nil {
		return nil, fmt.Errorf("open control sender: %w", err)
	}
	return &Broadcaster{sender: sender}, nil
}

// Send marshals and transmits one control message. Content may be nil for
// message types with no payload.
func (b *Broadcaster) Send(t MessageType, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal %s content: %w", t, err)
	}
	msg, err := json.Marshal(Message{Type: t, Content: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", t, err)
	}
	log.Debug("sending control message", "type", string(t), "bytes", len(msg))
	return b.sender.Send(msg)
}

func (b *Broadcaster) Close() error {
	return b.sender.Close()
}

// Listener receives control messages on a receiver host.
type Listener struct {
	recv *multicast.Receiver
}

// NewListener joins the control port.
func NewListener(group string) (*Listener, error) {
	recv, err := multicast.NewReceiver(group, multicast.ControlPort)
	if err != nil {
		return nil, fmt.Errorf("open control listener: %w", err)
	}
	return &Listener{recv: recv}, nil
}

// ErrBadMessage marks a datagram that arrived but could not be decoded.
// Callers log these and keep listening; any other Receive error means the
// socket itself failed.
var ErrBadMessage = errors.New("bad control message")

// Receive blocks until the next control message arrives and decodes its
// envelope. A malformed datagram returns ErrBadMessage.
func (l *Listener) Receive() (Message, error) {
	raw, err := l.recv.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	return decodeEnvelope(raw)
}

func decodeEnvelope(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: decode %q: %v", ErrBadMessage, raw, err)
	}
	return msg, nil
}

func (l *Listener) Close() error {
	return l.recv.Close()
}
