package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-capnp/vatrpc/internal/wire"
)

func TestDeliverReturnToUnknownQuestionIsError(t *testing.T) {
	p := NewPeer()
	err := p.deliverReturnToQuestion(42, &wire.Return{AnswerID: 42, Tag: wire.ReturnResults})
	require.ErrorIs(t, err, ErrUnknownQuestion)
}

func TestLoopbackQuestionSuppressesAutoFinish(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	p.questions[1] = &questionEntry{isLoopback: true, onReturn: func(*wire.Return) {}}

	require.NoError(t, p.deliverReturnToQuestion(1, &wire.Return{AnswerID: 1, Tag: wire.ReturnResults}))
	require.Empty(t, fr.messages, "a loopback question must not trigger an outbound Finish")
}

func TestTakeFromOtherQuestionTranslatesCachedPayload(t *testing.T) {
	p := NewPeer()
	p.resolvedAnswers[9] = &resolvedAnswerFrame{payload: mustResultPayload(t, 0x1234)}

	var got *wire.Return
	p.questions[1] = &questionEntry{onReturn: func(r *wire.Return) { got = r }}
	p.sendOverride = func([]byte) error { return nil }

	require.NoError(t, p.deliverReturnToQuestion(1, &wire.Return{AnswerID: 1, Tag: wire.ReturnTakeFromOtherQuestion, TakeFromOtherQ: 9}))
	require.NotNil(t, got)
	require.Equal(t, wire.ReturnResults, got.Tag)
	require.True(t, got.Results.Content.Valid())
}

func TestAwaitThenAnswerAdoptsThirdPartyReturn(t *testing.T) {
	p := NewPeer()
	ptr := mustAnyPointer(t, 0xAAAA)

	var got *wire.Return
	p.questions[1] = &questionEntry{onReturn: func(r *wire.Return) { got = r }}
	p.sendOverride = func([]byte) error { return nil }

	require.NoError(t, p.handleReturn(&wire.Return{AnswerID: 1, Tag: wire.ReturnAwaitFromThirdParty, ThirdPartyPointer: ptr}))
	require.Nil(t, got, "must not deliver before the matching announcement arrives")

	adoptedID := thirdPartyAnswerBase + 5
	require.NoError(t, p.handleThirdPartyAnswer(&wire.ThirdPartyAnswer{AnswerID: adoptedID, Completion: ptr}))
	require.Nil(t, got, "adoption alone does not deliver a result; a Return for the adopted id still must arrive")

	require.NoError(t, p.handleReturn(&wire.Return{AnswerID: adoptedID, Tag: wire.ReturnResults, Results: mustResultPayload(t, 1)}))
	require.NotNil(t, got)
	require.Equal(t, wire.ReturnResults, got.Tag)
}

func TestAnswerThenAwaitAdoptsThirdPartyReturn(t *testing.T) {
	p := NewPeer()
	ptr := mustAnyPointer(t, 0xBBBB)
	adoptedID := thirdPartyAnswerBase + 6

	// The announcement and the terminal Return for the adopted id can
	// arrive before the local question even asks to await it.
	require.NoError(t, p.handleThirdPartyAnswer(&wire.ThirdPartyAnswer{AnswerID: adoptedID, Completion: ptr}))
	require.NoError(t, p.handleReturn(&wire.Return{AnswerID: adoptedID, Tag: wire.ReturnResults, Results: mustResultPayload(t, 1)}))

	var got *wire.Return
	p.questions[2] = &questionEntry{onReturn: func(r *wire.Return) { got = r }}
	p.sendOverride = func([]byte) error { return nil }

	require.NoError(t, p.handleReturn(&wire.Return{AnswerID: 2, Tag: wire.ReturnAwaitFromThirdParty, ThirdPartyPointer: ptr}))
	require.NotNil(t, got)
	require.Equal(t, wire.ReturnResults, got.Tag)
}

func TestConflictingThirdPartyAnswerRejected(t *testing.T) {
	p := NewPeer()
	ptr := mustAnyPointer(t, 0xCCCC)
	require.NoError(t, p.handleThirdPartyAnswer(&wire.ThirdPartyAnswer{AnswerID: thirdPartyAnswerBase + 1, Completion: ptr}))
	err := p.handleThirdPartyAnswer(&wire.ThirdPartyAnswer{AnswerID: thirdPartyAnswerBase + 2, Completion: ptr})
	require.ErrorIs(t, err, ErrConflictingThirdPartyAnswer)
}

func TestHandleAcceptFromThirdPartyDeliversImmediately(t *testing.T) {
	p := NewPeer()
	ptr := mustAnyPointer(t, 0xDDDD)
	var got *wire.Return
	p.questions[3] = &questionEntry{onReturn: func(r *wire.Return) { got = r }}
	p.sendOverride = func([]byte) error { return nil }

	require.NoError(t, p.handleReturn(&wire.Return{AnswerID: 3, Tag: wire.ReturnAcceptFromThirdParty, ThirdPartyPointer: ptr}))
	require.NotNil(t, got)
	require.Equal(t, wire.ReturnResults, got.Tag)
	require.True(t, got.Results.Content.Valid())
}
