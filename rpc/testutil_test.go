package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/capnproto2"

	"github.com/go-capnp/vatrpc/internal/wire"
)

// mustAnyPointer builds a minimal one-word struct pointer carrying tag,
// the same shape internal/wire's own codec tests use, so a test can
// assert on a round-tripped value without caring about its content's
// exact structure.
func mustAnyPointer(t *testing.T, tag uint64) wire.AnyPointer {
	t.Helper()
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	require.NoError(t, err)
	s, err := capnp.NewStruct(seg, capnp.ObjectSize{DataSize: 8})
	require.NoError(t, err)
	require.NoError(t, s.SetUint64(0, tag))
	require.NoError(t, msg.SetRoot(s))
	root, err := msg.Root()
	require.NoError(t, err)
	return wire.AnyPointer{Msg: msg, Ptr: root}
}

func mustResultPayload(t *testing.T, tag uint64) wire.Payload {
	return wire.Payload{Content: mustAnyPointer(t, tag)}
}

// fakeClient is a minimal capnp.Client test double: fn decides the
// answer for every call, and Close just flips a flag so tests can
// assert an export's handler was actually released.
type fakeClient struct {
	fn     func(*capnp.Call) capnp.Answer
	closed bool
}

func (f *fakeClient) Call(c *capnp.Call) capnp.Answer {
	return f.fn(c)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newEchoClient(t *testing.T, tag uint64) *fakeClient {
	return &fakeClient{fn: func(c *capnp.Call) capnp.Answer {
		msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
		require.NoError(t, err)
		s, err := capnp.NewStruct(seg, capnp.ObjectSize{DataSize: 8})
		require.NoError(t, err)
		require.NoError(t, s.SetUint64(0, tag))
		require.NoError(t, msg.SetRoot(s))
		return capnp.ImmediateAnswer(s)
	}}
}

// frameRecorder captures every frame a Peer sends via
// SetSendFrameOverride, decoded as wire.Messages in send order.
type frameRecorder struct {
	t        *testing.T
	messages []*wire.Message
}

func newFrameRecorder(t *testing.T, p *Peer) *frameRecorder {
	fr := &frameRecorder{t: t}
	p.SetSendFrameOverride(func(frame []byte) error {
		msg, err := wire.Decode(frame)
		require.NoError(t, err)
		fr.messages = append(fr.messages, msg)
		return nil
	})
	return fr
}

func (fr *frameRecorder) last() *wire.Message {
	fr.t.Helper()
	require.NotEmpty(fr.t, fr.messages)
	return fr.messages[len(fr.messages)-1]
}
