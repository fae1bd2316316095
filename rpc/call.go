package rpc

import (
	"zombiezen.com/go/capnproto2"

	"github.com/go-capnp/vatrpc/internal/wire"
)

// handleCall implements spec §4.D handle_call: resolve the target,
// either dispatch immediately against a local export or queue against
// an unresolved promise export, rejecting duplicate answer ids and
// malformed targets up front.
func (p *Peer) handleCall(c *wire.Call) error {
	if err := wire.ValidateCall(c); err != nil {
		return p.sendReturnException(c.QuestionID, err)
	}
	if p.answersInFlight[c.QuestionID] {
		return p.sendReturnException(c.QuestionID, ErrUnknownQuestion)
	}

	ict := p.NewInboundCapTable(c.Params.CapTable)
	pc := &pendingCall{call: c, ict: ict}

	switch c.Target.Kind {
	case wire.TargetImportedCap:
		exp, ok := p.exports[c.Target.ImportedCap]
		if !ok {
			return p.sendReturnException(c.QuestionID, ErrUnknownExport)
		}
		if exp.isPromise {
			return p.queueCallAgainstPromise(exp, c.Target.ImportedCap, pc)
		}
		p.answersInFlight[c.QuestionID] = true
		return p.handleResolvedCallAgainstExport(pc, c.Target.ImportedCap)

	case wire.TargetPromisedAnswer:
		return p.handleCallAgainstPromisedAnswer(pc)

	default:
		return p.sendReturnException(c.QuestionID, ErrMissingCallTarget)
	}
}

func (p *Peer) queueCallAgainstPromise(exp *exportEntry, exportID uint32, pc *pendingCall) error {
	if p.promiseQueueLimit > 0 && len(exp.promiseQueue) >= p.promiseQueueLimit {
		return p.sendReturnException(pc.call.QuestionID, ErrPromiseQueueOverflow)
	}
	p.answersInFlight[pc.call.QuestionID] = true
	exp.promiseQueue = append(exp.promiseQueue, queuedPromiseCall{call: pc})
	return nil
}

// handleCallAgainstPromisedAnswer resolves a call whose target is a
// promisedAnswer against this peer's own resolved-answer cache: if the
// underlying question already returned a capability, the call proceeds
// against it (replaying through handleResolvedCall's forwarding logic);
// if not yet returned, spec §4.D has no queue for this case (unlike the
// promise-export path) so the caller gets PromiseUnresolved.
func (p *Peer) handleCallAgainstPromisedAnswer(pc *pendingCall) error {
	pa := pc.call.Target.PromisedAnswer
	frame, ok := p.resolvedAnswers[pa.QuestionID]
	if !ok {
		return p.sendReturnException(pc.call.QuestionID, ErrPromiseUnresolved)
	}
	if frame.released {
		return p.sendReturnException(pc.call.QuestionID, ErrPromiseBroken)
	}
	desc, err := p.walkTransformToCapDescriptor(frame.payload, pa.Transform)
	if err != nil {
		return p.sendReturnException(pc.call.QuestionID, err)
	}
	p.answersInFlight[pc.call.QuestionID] = true
	return p.handleResolvedCall(pc, desc)
}

// handleResolvedCall dispatches pc once its target capability descriptor
// is known: a sender-hosted (local export) descriptor runs the call
// here; a receiverHosted or receiverAnswer descriptor names a capability
// the remote hosts, so the call is forwarded to it as a tail call; any
// other kind is answered with a CapabilityUnavailable exception.
func (p *Peer) handleResolvedCall(pc *pendingCall, desc wire.CapDescriptor) error {
	switch desc.Kind {
	case wire.DescSenderHosted:
		return p.handleResolvedCallAgainstExport(pc, desc.SenderHosted)
	case wire.DescReceiverHosted:
		return p.forwardCallToImport(pc, desc.ReceiverHosted)
	case wire.DescReceiverAnswer:
		return p.forwardCallToPromisedAnswer(pc, desc.ReceiverAnswer)
	default:
		return p.sendReturnException(pc.call.QuestionID, ErrCapabilityUnavailable)
	}
}

// handleResolvedCallAgainstExport runs pc synchronously against the
// concrete handler behind exportID using the real zombiezen capnp.Client
// call contract, then routes the resulting capnp.Answer back through
// sendReturnResults/sendReturnException per pc.call's sendResultsTo.
func (p *Peer) handleResolvedCallAgainstExport(pc *pendingCall, exportID uint32) error {
	exp, ok := p.exports[exportID]
	if !ok || exp.handler == nil {
		return p.sendReturnException(pc.call.QuestionID, ErrUnknownExport)
	}

	p.NoteCallSendResults(pc.call.QuestionID, pc.call.SendResultsTo)

	call := &capnp.Call{
		Method: capnp.Method{InterfaceID: pc.call.InterfaceID, MethodID: pc.call.MethodID},
	}
	if pc.call.Params.Content.Valid() {
		call.Params = pc.call.Params.Content.Ptr.Struct()
	}

	ans := exp.handler.Call(call)
	result, err := ans.Struct()
	if err != nil {
		return p.sendReturnException(pc.call.QuestionID, err)
	}

	results := wire.Payload{Content: wire.AnyPointer{Msg: result.Segment().Message(), Ptr: result.ToPtr()}}
	return p.sendReturnResults(pc.call.QuestionID, results, pc.call.SendResultsTo)
}

// forwardCallToImport implements the tail-call path for a call whose
// resolved target is one of the remote's own exports as seen through
// our import table (spec §4.D "Imported target (forward)"): the call is
// re-sent upstream under a freshly allocated question id, with its
// payload cap table remapped into the forwarded message's own
// namespace.
func (p *Peer) forwardCallToImport(pc *pendingCall, importID uint32) error {
	return p.forwardCall(pc, wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: importID})
}

// forwardCallToPromisedAnswer forwards a call whose resolved target is
// itself still a promisedAnswer on the remote side: the call is re-sent
// with a promisedAnswer target instead of an importedCap one.
func (p *Peer) forwardCallToPromisedAnswer(pc *pendingCall, pa wire.PromisedAnswer) error {
	return p.forwardCall(pc, wire.MessageTarget{Kind: wire.TargetPromisedAnswer, PromisedAnswer: pa})
}

// forwardCall is the shared tail-call machinery behind
// forwardCallToImport/forwardCallToPromisedAnswer. For the default
// sendResultsTo.caller case it immediately answers the original caller
// with Return(takeFromOtherQuestion=Q'), per spec §4.D and scenario S5,
// rather than blocking on the eventual upstream Return; forwardedQuestions
// and forwardedTailQuestions are populated only for that case.
// yourself/thirdParty are translated and passed through on the forwarded
// Call instead, with no immediate reply to the caller, since the results
// are not headed back through us.
func (p *Peer) forwardCall(pc *pendingCall, target wire.MessageTarget) error {
	newQID := p.nextQuestionID()

	params, rb, err := p.remapForwardedParams(pc)
	if err != nil {
		return p.sendReturnException(pc.call.QuestionID, err)
	}

	msg := wire.BeginCall(newQID, pc.call.InterfaceID, pc.call.MethodID).
		SetTarget(target).
		SetParams(params).
		SetSendResultsTo(p.translateForwardedSendResultsTo(pc.call.SendResultsTo)).
		Build()

	if err := p.sendFrame(msg); err != nil {
		if rb != nil {
			rb.run()
		}
		return p.sendReturnException(pc.call.QuestionID, err)
	}

	p.forwardedQuestions[newQID] = pc.call.QuestionID
	qe := &questionEntry{}

	if pc.call.SendResultsTo.Kind != wire.SendToCaller {
		qe.expectResultsSentElsewhere = pc.call.SendResultsTo.Kind == wire.SendToYourself
		p.questions[newQID] = qe
		delete(p.answersInFlight, pc.call.QuestionID)
		return nil
	}

	p.forwardedTailQuestions[pc.call.QuestionID] = newQID
	p.questions[newQID] = qe

	ret := wire.BeginReturn(pc.call.QuestionID, wire.ReturnTakeFromOtherQuestion).
		SetTakeFromOtherQuestion(newQID).Build()
	if err := p.sendPrebuiltReturn(ret); err != nil {
		p.logMalformedFrame("take-from-other-question", err)
	}
	delete(p.answersInFlight, pc.call.QuestionID)
	return nil
}

// remapForwardedParams rewrites pc's resolved inbound cap table into
// LogicalCaps for the forwarded Call, per spec §4.D's "Payload
// remapping when forwarding": a capability hosted by the peer we're
// forwarding back to (it arrived as senderHosted or senderPromise) is
// described as receiverHosted, since it already lives there; one
// of our own exports becomes senderHosted, since we are now the sender;
// a promised result of one of our own questions keeps referring to that
// same question. The struct content itself is untouched -- only the
// parallel cap table describes a different set of capabilities for it.
func (p *Peer) remapForwardedParams(pc *pendingCall) (wire.Payload, *capRollback, error) {
	if pc.ict == nil || pc.ict.Len() == 0 {
		return pc.call.Params, nil, nil
	}
	caps := make([]LogicalCap, pc.ict.Len())
	for i := 0; i < pc.ict.Len(); i++ {
		rc := pc.ict.Resolve(i)
		switch rc.Kind {
		case ResolvedNone:
			caps[i] = LogicalCap{Kind: LogicalNone}
		case ResolvedImported:
			caps[i] = LogicalCap{Kind: LogicalImported, ImportID: rc.ImportID}
		case ResolvedExported:
			caps[i] = LogicalCap{Kind: LogicalExported, ExportID: rc.ExportID}
		case ResolvedPromised:
			caps[i] = LogicalCap{Kind: LogicalPromised, QuestionID: rc.QuestionID, Transform: rc.Transform}
		}
	}
	descs, rb, err := p.EncodePayloadCaps(caps)
	if err != nil {
		return wire.Payload{}, nil, err
	}
	return wire.Payload{Content: pc.call.Params.Content, CapTable: descs}, rb, nil
}

// translateForwardedSendResultsTo implements spec §4.D's sendResultsTo
// translation for a forwarded Call: yourself passes through verbatim,
// thirdParty passes through with its captured AnyPointer payload cloned,
// and caller is translated to the default (the forwarder becomes the
// new caller, since it is the one awaiting the upstream Return).
func (p *Peer) translateForwardedSendResultsTo(orig wire.SendResultsTo) wire.SendResultsTo {
	switch orig.Kind {
	case wire.SendToYourself:
		return wire.SendResultsTo{Kind: wire.SendToYourself}
	case wire.SendToThirdParty:
		return wire.SendResultsTo{Kind: wire.SendToThirdParty, ThirdParty: p.CaptureAnyPointerPayload(orig.ThirdParty)}
	default:
		return wire.SendResultsTo{}
	}
}

// sendReturnResults builds and sends the Return for a locally-serviced
// call, honoring sendResultsTo per spec §4.D: the caller case sends the
// results Return as normal; yourself/thirdParty instead send
// resultsSentElsewhere, since completion for those modes runs through
// the destination NoteCallSendResults already recorded, not back over
// the wire to the caller.
func (p *Peer) sendReturnResults(answerID uint32, results wire.Payload, sendTo wire.SendResultsTo) error {
	if sendTo.Kind != wire.SendToCaller {
		delete(p.answersInFlight, answerID)
		return p.sendFrame(wire.BeginReturn(answerID, wire.ReturnResultsSentElsewhere).Build())
	}

	msg := wire.BeginReturn(answerID, wire.ReturnResults).SetResults(results).Build()
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := p.rawSendFrame(raw); err != nil {
		return err
	}
	delete(p.answersInFlight, answerID)
	p.resolvedAnswers[answerID] = &resolvedAnswerFrame{bytes: raw, payload: results}
	return nil
}

// sendReturnException builds and sends an exception Return for a call
// this peer could not service, recording nothing in resolvedAnswers
// since there is no result payload to pipeline against.
func (p *Peer) sendReturnException(answerID uint32, err error) error {
	delete(p.answersInFlight, answerID)
	msg := wire.BeginReturn(answerID, wire.ReturnException).SetException(wire.Exception{Reason: err.Error()}).Build()
	return p.sendFrame(msg)
}

// sendPrebuiltReturn sends a fully built Return message as-is, used for
// shapes sendReturnResults/sendReturnException don't construct
// themselves, such as the immediate takeFromOtherQuestion reply a
// forwarded call sends to its original caller.
func (p *Peer) sendPrebuiltReturn(msg *wire.Message) error {
	return p.sendFrame(msg)
}

// SendCall is the peer's public outbound-call surface: it allocates a
// fresh question id, sends the Call frame, and registers onReturn to be
// invoked once the matching Return arrives.
func (p *Peer) SendCall(interfaceID uint64, methodID uint16, target wire.MessageTarget, params wire.Payload, onReturn func(*wire.Return)) (uint32, error) {
	if p.shuttingDown {
		return 0, ErrPeerShuttingDown
	}
	qid := p.nextQuestionID()
	msg := wire.BeginCall(qid, interfaceID, methodID).SetTarget(target).SetParams(params).Build()
	if err := p.sendFrame(msg); err != nil {
		return 0, err
	}
	p.questions[qid] = &questionEntry{onReturn: onReturn}
	return qid, nil
}
