package rpc

import "github.com/go-capnp/vatrpc/internal/idgen"

// thirdPartyAnswerBase is the low end of the reserved half-space
// adopted third-party answer ids are drawn from (spec §4.D).
const thirdPartyAnswerBase uint32 = 0x4000_0000

func isThirdPartyAnswerID(id uint32) bool {
	return id >= thirdPartyAnswerBase
}

// questionIDs, exportIDs and embargoIDs are independent idgen.Gen
// instances: each table gets its own monotonic-with-wraparound counter,
// matching the teacher's separate questionID/exportID/embargoID fields.
type peerIDs struct {
	question idgen.Gen
	export   idgen.Gen
	embargo  idgen.Gen
}

func (p *Peer) nextQuestionID() uint32 {
	return p.ids.question.Next(func(id uint32) bool {
		_, ok := p.questions[id]
		return ok
	})
}

func (p *Peer) nextExportID() uint32 {
	return p.ids.export.Next(func(id uint32) bool {
		_, ok := p.exports[id]
		return ok
	})
}

// allocateEmbargoID hands out the next embargo id not already pending.
func (p *Peer) allocateEmbargoID() uint32 {
	return p.ids.embargo.Next(func(id uint32) bool {
		_, ok := p.pendingEmbargoes[id]
		return ok
	})
}
