package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-capnp/vatrpc/internal/wire"
)

func TestHandleCallAgainstConcreteExportReturnsResults(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	exportID := p.AddExport(newEchoClient(t, 0xBEEF))

	call := wire.BeginCall(1, 0x1111, 2).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: exportID}).
		Build().Call

	require.NoError(t, p.handleCall(call))

	ret := fr.last()
	require.Equal(t, wire.TagReturn, ret.Tag)
	require.Equal(t, wire.ReturnResults, ret.Return.Tag)
	require.Equal(t, uint32(1), ret.Return.AnswerID)
	require.False(t, p.answersInFlight[1])
	require.Contains(t, p.resolvedAnswers, uint32(1))
}

func TestHandleCallAgainstUnknownExportReturnsException(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)

	call := wire.BeginCall(1, 0x1111, 2).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: 999}).
		Build().Call

	require.NoError(t, p.handleCall(call))

	ret := fr.last()
	require.Equal(t, wire.ReturnException, ret.Return.Tag)
}

func TestHandleCallDuplicateAnswerIDRejected(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)

	// A promise export never resolves its first queued call, so the
	// answer id stays "in flight" and a second Call reusing it must be
	// rejected rather than silently clobbering the first.
	promiseID := p.AddPromiseExport()
	call := wire.BeginCall(5, 0x1, 0).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: promiseID}).
		Build().Call
	require.NoError(t, p.handleCall(call))
	require.True(t, p.answersInFlight[5])

	dup := wire.BeginCall(5, 0x1, 0).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: promiseID}).
		Build().Call
	require.NoError(t, p.handleCall(dup))

	ret := fr.last()
	require.Equal(t, wire.ReturnException, ret.Return.Tag)
}

func TestQueuedPromiseCallsReplayInOrderOnResolve(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	promiseID := p.AddPromiseExport()

	for i, qid := range []uint32{1, 2, 3} {
		call := wire.BeginCall(qid, 0x1, uint16(i)).
			SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: promiseID}).
			Build().Call
		require.NoError(t, p.handleCall(call))
	}
	require.Empty(t, fr.messages, "no call should be dispatched before the promise resolves")

	require.NoError(t, p.ResolvePromiseExportToExport(promiseID, newEchoClient(t, 0xCAFE)))

	// One Resolve frame plus three Return frames, in the original order.
	require.Len(t, fr.messages, 4)
	require.Equal(t, wire.TagResolve, fr.messages[0].Tag)
	for i, qid := range []uint32{1, 2, 3} {
		msg := fr.messages[i+1]
		require.Equal(t, wire.TagReturn, msg.Tag)
		require.Equal(t, qid, msg.Return.AnswerID)
	}
}

func TestPromiseQueueOverflowRejectsCall(t *testing.T) {
	p := NewPeer(WithPromiseQueueLimit(1))
	fr := newFrameRecorder(t, p)
	promiseID := p.AddPromiseExport()

	first := wire.BeginCall(1, 0x1, 0).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: promiseID}).
		Build().Call
	require.NoError(t, p.handleCall(first))
	require.Empty(t, fr.messages)

	second := wire.BeginCall(2, 0x1, 0).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: promiseID}).
		Build().Call
	require.NoError(t, p.handleCall(second))

	ret := fr.last()
	require.Equal(t, wire.ReturnException, ret.Return.Tag)
	kind, ok := KindOf(ErrPromiseQueueOverflow)
	require.True(t, ok)
	require.Equal(t, KindPromiseQueueOverflow, kind)
}

func TestSendCallRegistersQuestionAndHandleReturnDelivers(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)

	var gotReturn *wire.Return
	qid, err := p.SendCall(0x1, 0, wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: 3}, wire.Payload{}, func(r *wire.Return) {
		gotReturn = r
	})
	require.NoError(t, err)
	require.Len(t, fr.messages, 1)
	require.Equal(t, wire.TagCall, fr.messages[0].Tag)

	require.NoError(t, p.handleReturn(&wire.Return{AnswerID: qid, Tag: wire.ReturnResults, Results: mustResultPayload(t, 1)}))
	require.NotNil(t, gotReturn)
	require.Equal(t, wire.ReturnResults, gotReturn.Tag)

	// handleReturn's auto-Finish should have sent a Finish and dropped
	// the question from the table.
	last := fr.last()
	require.Equal(t, wire.TagFinish, last.Tag)
	_, stillPending := p.questions[qid]
	require.False(t, stillPending)
}
