package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-capnp/vatrpc/internal/wire"
)

func TestHandleFrameDispatchesCallToExport(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	exportID := p.AddExport(newEchoClient(t, 1))

	msg := wire.BeginCall(1, 0x1, 0).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: exportID}).
		Build()
	raw, err := msg.Encode()
	require.NoError(t, err)

	require.NoError(t, p.HandleFrame(raw))
	require.Equal(t, wire.ReturnResults, fr.last().Return.Tag)

	tag, ok := p.GetLastInboundTag()
	require.True(t, ok)
	require.Equal(t, wire.TagCall, tag)
}

func TestHandleFrameOnAbortRecordsReasonAndReturnsError(t *testing.T) {
	p := NewPeer()
	raw, err := wire.BuildAbort("peer misbehaved", 0).Encode()
	require.NoError(t, err)

	err = p.HandleFrame(raw)
	require.ErrorIs(t, err, ErrRemoteAbort)

	reason, ok := p.GetLastRemoteAbortReason()
	require.True(t, ok)
	require.Equal(t, "peer misbehaved", reason)
}

func TestHandleFrameUnknownTagRepliesUnimplemented(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	raw, err := wire.BuildBootstrap(1).Encode()
	require.NoError(t, err)
	// Flip the tag byte after encoding to something the codec still
	// decodes structurally but that HandleFrame's switch does not
	// recognize, exercising the "unknown tag never mutates state"
	// invariant rather than a decode failure.
	raw[0] = 250
	require.NoError(t, p.HandleFrame(raw))
	require.Equal(t, wire.TagUnimplemented, fr.last().Tag)
}

func TestShutdownWithNoOutstandingQuestionsFiresImmediately(t *testing.T) {
	p := NewPeer()
	called := false
	p.Shutdown(func() { called = true })
	require.True(t, called)
}

func TestShutdownWaitsForOutstandingQuestionsToDrain(t *testing.T) {
	p := NewPeer()
	p.questions[1] = &questionEntry{}
	called := false

	p.Shutdown(func() { called = true })
	require.False(t, called, "must wait for the outstanding question to finish")

	p.removeQuestion(1)
	require.True(t, called)
}

func TestShutdownRejectsNewOutboundCalls(t *testing.T) {
	p := NewPeer()
	p.Shutdown(func() {})
	_, err := p.SendCall(0x1, 0, wire.MessageTarget{}, wire.Payload{}, nil)
	require.ErrorIs(t, err, ErrPeerShuttingDown)
}

func TestHandleUnimplementedQuestionDeliversExceptionAndCleansUp(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	var got *wire.Return
	p.questions[1] = &questionEntry{onReturn: func(r *wire.Return) { got = r }}

	p.handleUnimplementedQuestion(1)

	require.NotNil(t, got)
	require.Equal(t, wire.ReturnException, got.Tag)
	require.Equal(t, wire.TagFinish, fr.last().Tag)
	_, stillPending := p.questions[1]
	require.False(t, stillPending)
}

// TestHandleFrameUnimplementedRecoversQuestionID exercises the wire-level
// path: a genuine unimplemented reply to a Call this peer sent must
// decode the echoed original bytes to find the question id and resolve
// it, not just the private handleUnimplementedQuestion shortcut.
func TestHandleFrameUnimplementedRecoversQuestionID(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	var got *wire.Return
	p.questions[7] = &questionEntry{onReturn: func(r *wire.Return) { got = r }}

	original := wire.BeginCall(7, 0x1, 0).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: 0}).
		Build()
	originalRaw, err := original.Encode()
	require.NoError(t, err)

	frame, err := wire.BuildUnimplementedFromAnyPointer(original, originalRaw).Encode()
	require.NoError(t, err)

	require.NoError(t, p.HandleFrame(frame))

	require.NotNil(t, got)
	require.Equal(t, wire.ReturnException, got.Tag)
	require.Equal(t, wire.TagFinish, fr.last().Tag)
	_, stillPending := p.questions[7]
	require.False(t, stillPending)
}
