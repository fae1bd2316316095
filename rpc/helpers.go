package rpc

import (
	"zombiezen.com/go/capnproto2"

	"github.com/go-capnp/vatrpc/internal/wire"
)

// pendingEmbargoEntry is a call the peer has delayed sending until the
// matching disembargo round-trip confirms ordering (spec §4.D
// Disembargo).
type pendingEmbargoEntry struct {
	queuedCall *wire.Call
}

// resolvedImportEntry records, for an import whose senderPromise
// resolved locally, whether later sends against it must still wait on
// an outstanding disembargo.
type resolvedImportEntry struct {
	embargoed bool
	embargoID uint32
}

// HasKnownResolvePromise reports whether importID is present in this
// peer's cap table (i.e. has been referenced by an inbound descriptor).
func (p *Peer) HasKnownResolvePromise(importID uint32) bool {
	_, ok := p.importRefs[importID]
	return ok
}

// RememberPendingEmbargo records call as blocked on embargoID.
func (p *Peer) RememberPendingEmbargo(embargoID uint32, call *wire.Call) {
	p.pendingEmbargoes[embargoID] = &pendingEmbargoEntry{queuedCall: call}
}

// TakePendingEmbargoPromise removes and returns the call blocked on
// embargoID, if any.
func (p *Peer) TakePendingEmbargoPromise(embargoID uint32) (*wire.Call, bool) {
	e, ok := p.pendingEmbargoes[embargoID]
	if !ok {
		return nil, false
	}
	delete(p.pendingEmbargoes, embargoID)
	return e.queuedCall, true
}

// ClearResolvedImportEmbargo clears the embargoed flag for importID,
// e.g. after the matching Disembargo{accept} arrives.
func (p *Peer) ClearResolvedImportEmbargo(importID uint32) {
	if ri, ok := p.resolvedImports[importID]; ok {
		ri.embargoed = false
	}
}

// NoteCallSendResults inspects a Call's sendResultsTo and routes to the
// appropriate bookkeeping. `caller` (the default) is a no-op.
func (p *Peer) NoteCallSendResults(answerID uint32, sendTo wire.SendResultsTo) {
	switch sendTo.Kind {
	case wire.SendToCaller:
		// no-op
	case wire.SendToYourself:
		p.noteSendResultsYourself(answerID)
	case wire.SendToThirdParty:
		p.noteSendResultsThirdParty(answerID, sendTo.ThirdParty)
	}
}

// Peer.sendResultsYourself tracks answer ids whose results the local
// handler is expected to consume itself rather than return over the
// wire (sendResultsTo.yourself).
var _ = struct{}{}

func (p *Peer) noteSendResultsYourself(answerID uint32) {
	if p.sendResultsYourself == nil {
		p.sendResultsYourself = make(map[uint32]bool)
	}
	p.sendResultsYourself[answerID] = true
}

func (p *Peer) noteSendResultsThirdParty(answerID uint32, ptr wire.AnyPointer) {
	if p.sendResultsThirdParty == nil {
		p.sendResultsThirdParty = make(map[uint32]wire.AnyPointer)
	}
	p.sendResultsThirdParty[answerID] = ptr
}

func (p *Peer) clearSendResultsYourself(answerID uint32) {
	delete(p.sendResultsYourself, answerID)
}

func (p *Peer) clearSendResultsThirdParty(answerID uint32) {
	delete(p.sendResultsThirdParty, answerID)
}

// CaptureAnyPointerPayload returns ptr unchanged. It makes no copy: the
// result shares ptr's owning *capnp.Message. AnyPointer already pairs a
// Ptr with the message that owns it (see internal/wire), and Decode
// allocates a fresh *capnp.Message per call, so the pointer stays valid
// after the inbound frame has been handled.
func (p *Peer) CaptureAnyPointerPayload(ptr wire.AnyPointer) wire.AnyPointer {
	return ptr
}

// resolveProvideTarget resolves a MessageTarget the way handle_provide
// needs: straight to a concrete export id, with no queueing on an
// unresolved promise (unlike call target resolution). Errors are
// reported via the sentinel PeerError kinds named in spec §7.
func (p *Peer) resolveProvideTarget(target wire.MessageTarget) (uint32, error) {
	switch target.Kind {
	case wire.TargetImportedCap:
		if _, ok := p.exports[target.ImportedCap]; !ok {
			return 0, ErrUnknownExport
		}
		return target.ImportedCap, nil
	case wire.TargetPromisedAnswer:
		return p.resolveProvidePromisedAnswer(target.PromisedAnswer)
	default:
		return 0, ErrMissingCallTarget
	}
}

func (p *Peer) resolveProvidePromisedAnswer(pa wire.PromisedAnswer) (uint32, error) {
	cached, ok := p.resolvedAnswers[pa.QuestionID]
	if !ok {
		return 0, ErrPromiseUnresolved
	}
	if cached.released {
		return 0, ErrPromiseBroken
	}
	desc, err := p.walkTransformToCapDescriptor(cached.payload, pa.Transform)
	if err != nil {
		return 0, err
	}
	if desc.Kind != wire.DescSenderHosted {
		return 0, ErrMissingPromisedAnswer
	}
	return desc.SenderHosted, nil
}

// walkTransformToCapDescriptor walks a cached Payload's capability
// table to the descriptor a PromisedAnswer transform names. This
// protocol's transforms are pointer-field selectors (capnp.PipelineOp).
// The content is not read: the Field of the transform's last op (0 for
// an empty transform) is used directly as the index into the cap
// table. Pointer-chasing through nested structs in the content is not
// done.
func (p *Peer) walkTransformToCapDescriptor(payload wire.Payload, transform []capnp.PipelineOp) (wire.CapDescriptor, error) {
	if len(payload.CapTable) == 0 {
		return wire.CapDescriptor{}, ErrMissingPromisedAnswer
	}
	idx := 0
	if len(transform) > 0 {
		idx = int(transform[len(transform)-1].Field)
	}
	if idx < 0 || idx >= len(payload.CapTable) {
		return wire.CapDescriptor{}, ErrMissingPromisedAnswer
	}
	return payload.CapTable[idx], nil
}

// handleFinish implements spec §4.C handle_finish: five idempotent
// clear steps, forwarded-tail propagation, and resolved-answer-frame
// release.
func (p *Peer) handleFinish(questionID uint32, releaseResultCaps bool) error {
	p.clearSendResultsYourself(questionID)
	p.clearSendResultsThirdParty(questionID)
	p.clearProvide(questionID)
	p.clearPendingJoinQuestion(questionID)
	p.clearPendingAcceptQuestion(questionID)

	if forwardedQID, ok := p.forwardedTailQuestions[questionID]; ok {
		delete(p.forwardedTailQuestions, questionID)
		delete(p.forwardedQuestions, forwardedQID)
		delete(p.answersInFlight, questionID)
		if fq, ok := p.questions[forwardedQID]; ok {
			fq.suppressAutoFinish = true
		}
		msg := wire.BuildFinish(forwardedQID, false)
		if err := p.sendFrame(msg); err != nil {
			p.logMalformedFrame("finish-upstream", err)
		}
	}

	if frame, ok := p.resolvedAnswers[questionID]; ok {
		delete(p.resolvedAnswers, questionID)
		p.releaseCapsForFrame(frame, releaseResultCaps)
	}
	return nil
}

func (p *Peer) releaseCapsForFrame(frame *resolvedAnswerFrame, releaseResultCaps bool) {
	frame.released = true
	if !releaseResultCaps {
		return
	}
	ict := p.NewInboundCapTable(frame.payload.CapTable)
	ict.Release()
}

// handleUnimplementedQuestion synthesizes a Return exception for a
// question the remote claims not to understand, and swallows
// UnknownQuestion silently.
func (p *Peer) handleUnimplementedQuestion(answerID uint32) {
	q, ok := p.questions[answerID]
	if !ok {
		return
	}
	if q.onReturn != nil {
		q.onReturn(&wire.Return{
			AnswerID:  answerID,
			Tag:       wire.ReturnException,
			Exception: wire.Exception{Reason: "unimplemented"},
		})
	}
	if !q.isLoopback && !q.suppressAutoFinish {
		p.sendFrame(wire.BuildFinish(answerID, true))
	}
	p.removeQuestion(answerID)
}

// adoptThirdPartyAnswer validates and records the bidirectional mapping
// between an original question id and the third-party-reserved adopted
// id, replaying any buffered terminal Return for the adopted id.
func (p *Peer) adoptThirdPartyAnswer(originalQID, adoptedQID uint32) error {
	if !isThirdPartyAnswerID(adoptedQID) {
		return ErrMissingThirdPartyPayload
	}
	if _, ok := p.adoptedThirdPartyAnswers[adoptedQID]; ok {
		return ErrConflictingThirdPartyAnswer
	}
	p.adoptedThirdPartyAnswers[adoptedQID] = originalQID

	if ret, ok := p.pendingThirdPartyReturns[adoptedQID]; ok {
		delete(p.pendingThirdPartyReturns, adoptedQID)
		p.deliverReturnToQuestion(originalQID, ret)
	}
	return nil
}
