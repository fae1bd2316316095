package rpc

import "github.com/go-capnp/vatrpc/internal/wire"

// thirdPartyAwait correlates a local question awaiting a third party's
// announcement with that announcement, whichever of the two arrives
// first: handleAwaitFromThirdParty records questionID as soon as the
// Return naming the completion pointer shows up; handleThirdPartyAnswer
// records adoptedQID as soon as the announcement itself shows up. Once
// both halves are present, adoptThirdPartyAnswer fires and the entry is
// dropped.
type thirdPartyAwait struct {
	questionID  uint32
	hasQuestion bool
	adoptedQID  uint32
	hasAdopted  bool
}

func (p *Peer) thirdPartyCorrelation(key string) *thirdPartyAwait {
	c, ok := p.pendingThirdPartyAwaits[key]
	if !ok {
		c = &thirdPartyAwait{}
		p.pendingThirdPartyAwaits[key] = c
	}
	return c
}

// handleThirdPartyAnswer implements spec §4.D's 3PH answer-adoption
// case: the remote is telling us which locally reserved
// third-party-answer id (drawn from the ≥0x4000_0000 half-space) a
// pending awaitFromThirdParty resolved to.
func (p *Peer) handleThirdPartyAnswer(ta *wire.ThirdPartyAnswer) error {
	if !ta.Completion.Valid() {
		return ErrMissingThirdPartyPayload
	}
	key := string(wire.CanonicalBytes(ta.Completion))
	c := p.thirdPartyCorrelation(key)
	if c.hasAdopted {
		return ErrConflictingThirdPartyAnswer
	}
	c.adoptedQID = ta.AnswerID
	c.hasAdopted = true
	if c.hasQuestion {
		delete(p.pendingThirdPartyAwaits, key)
		return p.adoptThirdPartyAnswer(c.questionID, c.adoptedQID)
	}
	return nil
}
