package blipmsg

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-protocol/blip/pkg/blipcrc"
	"github.com/strand-protocol/blip/pkg/properties"
)

func buildPayload(profile, body string) []byte {
	props := properties.NewBuilder().SetProfile(profile).Bytes()
	return append(props, body...)
}

// drain pulls frames from out until Done, feeding each through a fresh
// MessageIn on the "peer" side, and returns the reassembled body.
func drainToPeer(t *testing.T, out *MessageOut, sendCodec *blipcrc.SendCodec, recvCodec *blipcrc.RecvCodec) (*MessageIn, []Disposition) {
	t.Helper()
	in := NewIncoming(out.Number)
	var dispositions []Disposition

	for {
		frame, flags, _, err := out.NextFrameToSend(sendCodec, MaxFrameSize)
		require.NoError(t, err)

		d, err := in.ReceivedFrame(recvCodec, frame, flags)
		require.NoError(t, err)
		dispositions = append(dispositions, d)

		if !flags.MoreComing() {
			break
		}
	}
	return in, dispositions
}

func TestRawMessageRoundTrip(t *testing.T) {
	payload := buildPayload("echo", "hello world")
	flags := FrameFlags(0).WithType(TypeRequest)
	out := NewOutgoing(1, flags, payload, nil)

	sendCodec := blipcrc.NewSendCodec()
	recvCodec := blipcrc.NewRecvCodec()

	in, dispositions := drainToPeer(t, out, sendCodec, recvCodec)

	require.True(t, in.Complete())
	assert.Equal(t, "echo", in.Profile())
	assert.Equal(t, "hello world", string(in.Body()))
	assert.Equal(t, End, dispositions[len(dispositions)-1])
}

func TestCompressedMessageRoundTrip(t *testing.T) {
	body := strings.Repeat("the quick brown fox jumps over the lazy dog ", 500)
	payload := buildPayload("bulk", body)
	flags := FrameFlags(0).WithType(TypeRequest) | FlagCompressed

	out := NewOutgoing(7, flags, payload, nil)
	sendCodec := blipcrc.NewSendCodec()
	recvCodec := blipcrc.NewRecvCodec()

	in, _ := drainToPeer(t, out, sendCodec, recvCodec)

	require.True(t, in.Complete())
	assert.Equal(t, body, string(in.Body()))
}

func TestStreamingDataSourceAppendsToPayload(t *testing.T) {
	props := properties.NewBuilder().SetProfile("stream").Bytes()
	source := strings.NewReader(strings.Repeat("x", 5000))
	flags := FrameFlags(0).WithType(TypeRequest)

	out := NewOutgoing(2, flags, props, source)
	sendCodec := blipcrc.NewSendCodec()
	recvCodec := blipcrc.NewRecvCodec()

	in, _ := drainToPeer(t, out, sendCodec, recvCodec)

	require.True(t, in.Complete())
	assert.Equal(t, strings.Repeat("x", 5000), string(in.Body()))
}

func TestNoReplyMessageReachesCompleteWithoutAwaitingReply(t *testing.T) {
	payload := buildPayload("fire-and-forget", "payload")
	flags := FrameFlags(0).WithType(TypeRequest) | FlagNoReply
	out := NewOutgoing(3, flags, payload, nil)

	assert.False(t, out.AwaitingReply())

	sendCodec := blipcrc.NewSendCodec()
	var lastState ProgressState
	for {
		_, frameFlags, state, err := out.NextFrameToSend(sendCodec, MaxFrameSize)
		require.NoError(t, err)
		lastState = state
		if !frameFlags.MoreComing() {
			break
		}
	}
	assert.Equal(t, Complete, lastState)
}

func TestAckThresholdTriggersAfterLargeBody(t *testing.T) {
	body := bytes.Repeat([]byte("a"), AckThreshold+10000)
	payload := buildPayload("big", string(body))
	flags := FrameFlags(0).WithType(TypeRequest)
	out := NewOutgoing(4, flags, payload, nil)

	sendCodec := blipcrc.NewSendCodec()
	recvCodec := blipcrc.NewRecvCodec()
	in := NewIncoming(out.Number)

	var sawAck bool
	for {
		frame, frameFlags, _, err := out.NextFrameToSend(sendCodec, MaxFrameSize)
		require.NoError(t, err)
		_, err = in.ReceivedFrame(recvCodec, frame, frameFlags)
		require.NoError(t, err)
		if in.NeedsAck() {
			sawAck = true
		}
		if !frameFlags.MoreComing() {
			break
		}
	}
	assert.True(t, sawAck, "expected unackedBytes to cross ackThreshold at least once")
}

func TestReceivedAckShrinksUnackedWindow(t *testing.T) {
	payload := buildPayload("p", "body")
	out := NewOutgoing(5, FrameFlags(0).WithType(TypeRequest), payload, nil)
	sendCodec := blipcrc.NewSendCodec()

	_, _, _, err := out.NextFrameToSend(sendCodec, MaxFrameSize)
	require.NoError(t, err)

	before := out.UnackedBytes()
	require.Greater(t, before, int64(0))

	out.ReceivedAck(uint64(out.bytesSent))
	assert.Equal(t, int64(0), out.UnackedBytes())
}

func TestMarkRespondedIsOneShot(t *testing.T) {
	payload := buildPayload("p", "body")
	flags := FrameFlags(0).WithType(TypeRequest)
	out := NewOutgoing(6, flags, payload, nil)
	sendCodec := blipcrc.NewSendCodec()
	recvCodec := blipcrc.NewRecvCodec()

	in, _ := drainToPeer(t, out, sendCodec, recvCodec)

	require.NoError(t, in.MarkResponded())
	assert.ErrorIs(t, in.MarkResponded(), ErrAlreadyResponded)
}

func TestCompressedMessageIsSmallerOnTheWire(t *testing.T) {
	body := strings.Repeat("the quick brown fox jumps over the lazy dog ", 2000)
	payload := buildPayload("bulk", body)

	uncompressed := NewOutgoing(10, FrameFlags(0).WithType(TypeRequest), payload, nil)
	uncompressedCodec := blipcrc.NewSendCodec()
	var uncompressedWire int
	for {
		frame, flags, _, err := uncompressed.NextFrameToSend(uncompressedCodec, MaxFrameSize)
		require.NoError(t, err)
		uncompressedWire += len(frame)
		if !flags.MoreComing() {
			break
		}
	}

	compressed := NewOutgoing(11, FrameFlags(0).WithType(TypeRequest)|FlagCompressed, payload, nil)
	compressedCodec := blipcrc.NewSendCodec()
	var compressedWire int
	for {
		frame, flags, _, err := compressed.NextFrameToSend(compressedCodec, MaxFrameSize)
		require.NoError(t, err)
		compressedWire += len(frame)
		if !flags.MoreComing() {
			break
		}
	}

	assert.Less(t, compressedWire, uncompressedWire/2,
		"highly repetitive body should compress to well under half its raw wire size")
}

func TestAckMessageBypassesCodec(t *testing.T) {
	ack := NewAck(9, TypeAckResponse, 12345)
	assert.True(t, ack.IsAck())

	sendCodec := blipcrc.NewSendCodec()
	frame, flags, state, err := ack.NextFrameToSend(sendCodec, MaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, Complete, state)
	assert.Equal(t, TypeAckResponse, flags.Type())
	assert.NotEmpty(t, frame)
}
