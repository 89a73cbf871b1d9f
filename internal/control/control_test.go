package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/piwall2/piwall2/internal/wall"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	content := InitVideo{LogUUID: "abc-123", VideoWidth: 1920, VideoHeight: 1080}
	raw, err := json.Marshal(content)
	require.NoError(t, err)

	wire, err := json.Marshal(Message{Type: TypeInitVideo, Content: raw})
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(wire, &msg))
	require.Equal(t, TypeInitVideo, msg.Type)

	var got InitVideo
	require.NoError(t, msg.DecodeContent(&got))
	require.Equal(t, content, got)
}

func TestDisplayModeContent(t *testing.T) {
	modes := DisplayModesByTV{
		"pi1.local_1": wall.DisplayModeTile,
		"pi1.local_2": wall.DisplayModeRepeat,
	}
	raw, err := json.Marshal(modes)
	require.NoError(t, err)

	msg := Message{Type: TypeDisplayMode, Content: raw}
	var got DisplayModesByTV
	require.NoError(t, msg.DecodeContent(&got))
	require.Equal(t, modes, got)
}

func TestVolumeContent(t *testing.T) {
	raw, err := json.Marshal(63.5)
	require.NoError(t, err)

	msg := Message{Type: TypeVolume, Content: raw}
	var pct float64
	require.NoError(t, msg.DecodeContent(&pct))
	require.Equal(t, 63.5, pct)
}

func TestEmptyContentDecodesToZeroValue(t *testing.T) {
	msg := Message{Type: TypeSkipVideo}
	var payload struct{}
	require.NoError(t, msg.DecodeContent(&payload))
}

func TestMalformedDatagramIsBadMessage(t *testing.T) {
	_, err := decodeEnvelope([]byte("{not json"))
	require.ErrorIs(t, err, ErrBadMessage)

	msg, err := decodeEnvelope([]byte(`{"msg_type":"skip_video","content":null}`))
	require.NoError(t, err)
	require.Equal(t, TypeSkipVideo, msg.Type)
}

func TestUnknownTypeIsNotAnError(t *testing.T) {
	wire := []byte(`{"msg_type":"reboot_everything","content":{"now":true}}`)
	var msg Message
	require.NoError(t, json.Unmarshal(wire, &msg))
	require.False(t, msg.Known())
}

func TestKnownTypes(t *testing.T) {
	for _, mt := range []MessageType{
		TypeInitVideo, TypePlayVideo, TypeSkipVideo, TypeVolume,
		TypeDisplayMode, TypeShowLoadingScreen, TypeEndLoadingScreen,
	} {
		require.True(t, Message{Type: mt}.Known(), "type %s", mt)
	}
}

// The envelope must carry arbitrary content through encode/decode without
// altering it.
func TestEnvelopePreservesArbitraryContent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		content := rapid.MapOf(
			rapid.StringMatching(`[a-z_]{1,12}`),
			rapid.OneOf(
				rapid.Float64Range(-1e6, 1e6).AsAny(),
				rapid.String().AsAny(),
				rapid.Bool().AsAny(),
			),
		).Draw(t, "content")

		raw, err := json.Marshal(content)
		require.NoError(t, err)

		wire, err := json.Marshal(Message{Type: TypePlayVideo, Content: raw})
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(wire, &msg))

		var got map[string]any
		require.NoError(t, msg.DecodeContent(&got))

		var want map[string]any
		require.NoError(t, json.Unmarshal(raw, &want))
		require.Equal(t, want, got)
	})
}
