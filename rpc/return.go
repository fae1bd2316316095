package rpc

import "github.com/go-capnp/vatrpc/internal/wire"

// handleReturn implements spec §4.D handle_return: deliver the result to
// the waiting question, send an automatic Finish unless the question is
// a loopback or has suppressed it, and release param caps per
// releaseParamCaps was already the caller's concern (it lives on the
// Call we sent, not here).
func (p *Peer) handleReturn(r *wire.Return) error {
	switch r.Tag {
	case wire.ReturnAcceptFromThirdParty:
		return p.handleAcceptFromThirdParty(r)
	case wire.ReturnAwaitFromThirdParty:
		return p.handleAwaitFromThirdParty(r)
	}

	if isThirdPartyAnswerID(r.AnswerID) {
		if originalQID, ok := p.adoptedThirdPartyAnswers[r.AnswerID]; ok {
			return p.deliverReturnToQuestion(originalQID, r)
		}
		p.pendingThirdPartyReturns[r.AnswerID] = r
		return nil
	}

	return p.deliverReturnToQuestion(r.AnswerID, r)
}

// deliverReturnToQuestion is the common terminal-delivery path used both
// for ordinary Returns and for third-party-adopted ones.
func (p *Peer) deliverReturnToQuestion(questionID uint32, r *wire.Return) error {
	q, ok := p.questions[questionID]
	if !ok {
		return ErrUnknownQuestion
	}

	effective := r
	switch r.Tag {
	case wire.ReturnTakeFromOtherQuestion:
		other := r.TakeFromOtherQ
		if orig, ok := p.forwardedQuestions[other]; ok {
			other = orig
		}
		if frame, ok := p.resolvedAnswers[other]; ok {
			effective = &wire.Return{AnswerID: questionID, Tag: wire.ReturnResults, Results: frame.payload}
		} else {
			effective = &wire.Return{AnswerID: questionID, Tag: wire.ReturnTakeFromOtherQuestion, TakeFromOtherQ: other}
		}
	case wire.ReturnResultsSentElsewhere:
		// Valid only as the upstream completion of a question this peer
		// itself forwarded under sendResultsTo.yourself (spec §4.D); any
		// other arrival means the remote claims to have sent results
		// somewhere this peer never negotiated.
		if !q.expectResultsSentElsewhere {
			effective = &wire.Return{
				AnswerID:  questionID,
				Tag:       wire.ReturnException,
				Exception: wire.Exception{Reason: ErrUnexpectedForwardedTailReturn.Error()},
			}
		}
	}

	if q.onReturn != nil {
		q.onReturn(effective)
	}

	if orig, ok := p.forwardedQuestions[questionID]; ok {
		delete(p.forwardedQuestions, questionID)
		delete(p.forwardedTailQuestions, orig)
	}

	if !q.isLoopback && !q.suppressAutoFinish {
		releaseCaps := effective.Tag == wire.ReturnResults
		if err := p.sendFrame(wire.BuildFinish(questionID, releaseCaps)); err != nil {
			p.logMalformedFrame("finish", err)
		}
	}
	p.removeQuestion(questionID)
	return nil
}

// handleAcceptFromThirdParty treats the Return's third-party pointer as
// an immediately usable capability reference: "accept" means the
// pointer is already resolvable, so it becomes the call's results
// content directly with no further round trip.
func (p *Peer) handleAcceptFromThirdParty(r *wire.Return) error {
	results := wire.Payload{Content: r.ThirdPartyPointer}
	return p.deliverReturnToQuestion(r.AnswerID, &wire.Return{AnswerID: r.AnswerID, Tag: wire.ReturnResults, Results: results})
}

// handleAwaitFromThirdParty means the real answer has not been
// announced yet: record this question against the completion pointer's
// canonical key and let handleThirdPartyAnswer complete the delivery
// once the matching announcement arrives.
func (p *Peer) handleAwaitFromThirdParty(r *wire.Return) error {
	key := string(wire.CanonicalBytes(r.ThirdPartyPointer))
	c := p.thirdPartyCorrelation(key)
	c.questionID = r.AnswerID
	c.hasQuestion = true
	if c.hasAdopted {
		delete(p.pendingThirdPartyAwaits, key)
		return p.adoptThirdPartyAnswer(c.questionID, c.adoptedQID)
	}
	return nil
}
