package rpc

import "github.com/go-capnp/vatrpc/internal/wire"

// provideEntry records a Provide this peer has acknowledged: a local
// export now reachable by whichever third party later presents the
// matching recipient key via Accept.
type provideEntry struct {
	questionID   uint32
	exportID     uint32
	recipientKey string
}

// pendingAccept is an Accept this peer cannot complete yet because the
// capability it names is still embargoed behind a disembargo
// round-trip.
type pendingAccept struct {
	questionID   uint32
	provisionKey string
}

// joinPartRef locates which join a part's own question id belongs to.
type joinPartRef struct {
	joinID  uint32
	partNum uint16
}

// joinEntry accumulates the parts of a multi-part Join until every part
// named by partCount has arrived.
type joinEntry struct {
	partCount uint16
	parts     map[uint16]uint32 // partNum -> resolved export id
	questions map[uint16]uint32 // partNum -> that part's own question id
}

// handleProvide implements spec §4.D handle_provide: resolve the named
// target to a concrete local export, reject duplicate recipients or
// question ids, and record the mapping so a later Accept bearing the
// same canonical recipient pointer can complete the hand-off.
func (p *Peer) handleProvide(pv *wire.Provide) error {
	exportID, err := p.resolveProvideTarget(pv.Target)
	if err != nil {
		return p.sendReturnException(pv.QuestionID, err)
	}
	key := string(wire.CanonicalBytes(pv.Recipient))
	if _, exists := p.provideByKey[key]; exists {
		return p.sendReturnException(pv.QuestionID, ErrDuplicateProvideRecipient)
	}
	if _, exists := p.provideByQuestion[pv.QuestionID]; exists {
		return p.sendReturnException(pv.QuestionID, ErrDuplicateProvideQuestionId)
	}

	exp, ok := p.exports[exportID]
	if !ok {
		return p.sendReturnException(pv.QuestionID, ErrUnknownExport)
	}
	exp.refCount++

	entry := &provideEntry{questionID: pv.QuestionID, exportID: exportID, recipientKey: key}
	p.provideByKey[key] = entry
	p.provideByQuestion[pv.QuestionID] = entry
	return p.sendReturnResults(pv.QuestionID, wire.Payload{}, wire.SendResultsTo{})
}

// clearProvide undoes handleProvide's bookkeeping and refcount bump when
// the provider's own Finish arrives for that question.
func (p *Peer) clearProvide(questionID uint32) {
	entry, ok := p.provideByQuestion[questionID]
	if !ok {
		return
	}
	delete(p.provideByQuestion, questionID)
	delete(p.provideByKey, entry.recipientKey)
	if exp, ok := p.exports[entry.exportID]; ok {
		exp.refCount--
	}
}

// handleAccept implements spec §4.D handle_accept: look up the
// provision by its canonicalized pointer and hand back a senderHosted
// descriptor for the underlying export, or MissingThirdPartyPayload if
// no matching Provide is on file. resolveProvideTarget already resolves
// Provide's target synchronously against a concrete export, so by the
// time a provideEntry exists there is nothing left to embargo;
// pendingAcceptsByEmbargo exists for symmetry with the Disembargo{accept}
// dispatch case and is only ever populated by a future extension that
// lets Provide target an as-yet-unresolved promise.
func (p *Peer) handleAccept(ac *wire.Accept) error {
	key := string(wire.CanonicalBytes(ac.Provision))
	entry, ok := p.provideByKey[key]
	if !ok {
		return p.sendReturnException(ac.QuestionID, ErrMissingThirdPartyPayload)
	}
	return p.completeAccept(ac.QuestionID, entry)
}

func (p *Peer) completeAccept(questionID uint32, entry *provideEntry) error {
	exp, ok := p.exports[entry.exportID]
	if !ok {
		return p.sendReturnException(questionID, ErrUnknownExport)
	}
	exp.refCount++
	results := wire.Payload{CapTable: []wire.CapDescriptor{{Kind: wire.DescSenderHosted, SenderHosted: entry.exportID}}}
	return p.sendReturnResults(questionID, results, wire.SendResultsTo{})
}

// flushPendingAcceptsForEmbargo completes every Accept queued behind
// embargoID once the matching Disembargo{accept} arrives.
func (p *Peer) flushPendingAcceptsForEmbargo(embargoID uint32) error {
	pending := p.pendingAcceptsByEmbargo[embargoID]
	delete(p.pendingAcceptsByEmbargo, embargoID)
	for _, pa := range pending {
		delete(p.pendingAcceptsByQuestion, pa.questionID)
		entry, ok := p.provideByKey[pa.provisionKey]
		if !ok {
			p.sendReturnException(pa.questionID, ErrMissingThirdPartyPayload)
			continue
		}
		p.completeAccept(pa.questionID, entry)
	}
	return nil
}

// clearPendingAcceptQuestion cancels a queued Accept if its own Finish
// arrives before the embargo it is waiting on clears.
func (p *Peer) clearPendingAcceptQuestion(questionID uint32) {
	pa, ok := p.pendingAcceptsByQuestion[questionID]
	if !ok {
		return
	}
	delete(p.pendingAcceptsByQuestion, questionID)
	for embargoID, list := range p.pendingAcceptsByEmbargo {
		for i, e := range list {
			if e == pa {
				p.pendingAcceptsByEmbargo[embargoID] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// handleJoin implements spec §4.D handle_join: accumulate parts by
// {joinId, partCount, partNum}, resolving each part's own target
// independently, and once every part has arrived, confirm they all name
// the same underlying capability before answering each part's question
// with the joined capability.
func (p *Peer) handleJoin(j *wire.Join) error {
	exportID, err := p.resolveProvideTarget(j.Target)
	if err != nil {
		return p.sendReturnException(j.QuestionID, err)
	}

	entry, ok := p.joins[j.KeyPart.JoinID]
	if !ok {
		entry = &joinEntry{
			partCount: j.KeyPart.PartCount,
			parts:     make(map[uint16]uint32),
			questions: make(map[uint16]uint32),
		}
		p.joins[j.KeyPart.JoinID] = entry
	}
	if entry.partCount != j.KeyPart.PartCount {
		return p.sendReturnException(j.QuestionID, ErrDuplicateJoinQuestionId)
	}
	if _, dup := entry.parts[j.KeyPart.PartNum]; dup {
		return p.sendReturnException(j.QuestionID, ErrDuplicateJoinQuestionId)
	}
	entry.parts[j.KeyPart.PartNum] = exportID
	entry.questions[j.KeyPart.PartNum] = j.QuestionID

	if uint16(len(entry.parts)) < entry.partCount {
		return nil
	}

	delete(p.joins, j.KeyPart.JoinID)
	var joined uint32
	first := true
	mismatched := false
	for _, id := range entry.parts {
		if first {
			joined = id
			first = false
			continue
		}
		if id != joined {
			mismatched = true
		}
	}
	for partNum, qid := range entry.questions {
		if mismatched {
			p.sendReturnException(qid, ErrCapabilityUnavailable)
			continue
		}
		results := wire.Payload{CapTable: []wire.CapDescriptor{{Kind: wire.DescSenderHosted, SenderHosted: entry.parts[partNum]}}}
		p.sendReturnResults(qid, results, wire.SendResultsTo{})
	}
	return nil
}

// clearPendingJoinQuestion drops a still-incomplete join part if its own
// Finish arrives before the rest of the parts do.
func (p *Peer) clearPendingJoinQuestion(questionID uint32) {
	for joinID, entry := range p.joins {
		for partNum, qid := range entry.questions {
			if qid == questionID {
				delete(entry.parts, partNum)
				delete(entry.questions, partNum)
				if len(entry.questions) == 0 {
					delete(p.joins, joinID)
				}
				return
			}
		}
	}
}
