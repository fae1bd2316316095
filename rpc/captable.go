package rpc

import (
	"zombiezen.com/go/capnproto2"

	"github.com/go-capnp/vatrpc/internal/wire"
)

// ReceiverAnswerRecord is one receiverAnswer descriptor this peer has
// attached to an outbound message: "the capability at this slot is the
// eventual result of one of your own outstanding questions, refined by
// this transform".
type ReceiverAnswerRecord struct {
	ForeignAnswerID uint32
	Transform       []capnp.PipelineOp
}

// CapTable is the outbound bookkeeping structure from spec §4.B: it
// accumulates side effects made while building a payload's cap table
// (import notes, receiver-answer allocations). If the frame carrying
// them fails to send, capRollback forgets the receiver-answer
// allocations; import notes are not rolled back.
type CapTable struct {
	imports          map[uint32]uint32
	receiverAnswers  map[uint32]ReceiverAnswerRecord
	nextReceiverID   uint32
}

func newCapTable() *CapTable {
	return &CapTable{
		imports:         make(map[uint32]uint32),
		receiverAnswers: make(map[uint32]ReceiverAnswerRecord),
	}
}

// NoteImport increments the refcount tracked for a remote id referenced
// by an outbound payload, inserting a zero entry first if necessary.
func (ct *CapTable) NoteImport(id uint32) {
	ct.imports[id]++
}

// NoteReceiverAnswerOps allocates a fresh local id for a receiverAnswer
// descriptor and records its foreign answer id and transform.
func (ct *CapTable) NoteReceiverAnswerOps(foreignAnswerID uint32, ops []capnp.PipelineOp) uint32 {
	id := ct.nextReceiverID
	ct.nextReceiverID++
	cp := make([]capnp.PipelineOp, len(ops))
	copy(cp, ops)
	ct.receiverAnswers[id] = ReceiverAnswerRecord{ForeignAnswerID: foreignAnswerID, Transform: cp}
	return id
}

// ForgetReceiverAnswer undoes NoteReceiverAnswerOps; used by rollback.
func (ct *CapTable) ForgetReceiverAnswer(id uint32) {
	delete(ct.receiverAnswers, id)
}

// LogicalCapKind discriminates the four ways a slot in a Payload's
// capability table can be populated before it is lowered to a wire
// CapDescriptor.
type LogicalCapKind int

const (
	LogicalNone LogicalCapKind = iota
	LogicalExported
	LogicalImported
	LogicalPromised
)

// LogicalCap is what callers building an outbound payload hand to
// EncodePayloadCaps: "this slot holds my local export E" / "this slot
// holds my reference to your import I" / "this slot holds a result of
// my own pending question".
type LogicalCap struct {
	Kind       LogicalCapKind
	ExportID   uint32
	ImportID   uint32
	QuestionID uint32
	Transform  []capnp.PipelineOp
}

// capRollback undoes every export-refcount increment and
// receiver-answer allocation EncodePayloadCaps performed, in case the
// frame carrying the resulting cap table fails to send (spec invariant
// §8.4, scenario S6).
type capRollback struct {
	peer             *Peer
	incrementedExports []uint32
	allocatedReceiverAnswers []uint32
}

func (r *capRollback) run() {
	for _, id := range r.incrementedExports {
		if exp, ok := r.peer.exports[id]; ok {
			exp.refCount--
		}
	}
	for _, id := range r.allocatedReceiverAnswers {
		r.peer.capTable.ForgetReceiverAnswer(id)
	}
}

// EncodePayloadCaps converts a slice of LogicalCap into the wire
// CapDescriptor list for an outbound Payload, incrementing the
// corresponding Export refcount for each exported slot and allocating a
// receiver-answer id for each promised slot. The returned capRollback
// undoes exactly those side effects.
func (p *Peer) EncodePayloadCaps(caps []LogicalCap) ([]wire.CapDescriptor, *capRollback, error) {
	out := make([]wire.CapDescriptor, len(caps))
	rb := &capRollback{peer: p}
	for i, c := range caps {
		switch c.Kind {
		case LogicalNone:
			out[i] = wire.CapDescriptor{Kind: wire.DescNone}
		case LogicalExported:
			exp, ok := p.exports[c.ExportID]
			if !ok {
				return nil, nil, ErrUnknownExport
			}
			exp.refCount++
			rb.incrementedExports = append(rb.incrementedExports, c.ExportID)
			out[i] = wire.CapDescriptor{Kind: wire.DescSenderHosted, SenderHosted: c.ExportID}
		case LogicalImported:
			p.capTable.NoteImport(c.ImportID)
			out[i] = wire.CapDescriptor{Kind: wire.DescReceiverHosted, ReceiverHosted: c.ImportID}
		case LogicalPromised:
			id := p.capTable.NoteReceiverAnswerOps(c.QuestionID, c.Transform)
			rb.allocatedReceiverAnswers = append(rb.allocatedReceiverAnswers, id)
			out[i] = wire.CapDescriptor{Kind: wire.DescReceiverAnswer, ReceiverAnswer: wire.PromisedAnswer{
				QuestionID: c.QuestionID,
				Transform:  c.Transform,
			}}
		}
	}
	return out, rb, nil
}

// ResolvedCapKind discriminates an inbound CapDescriptor once resolved
// against this peer's tables.
type ResolvedCapKind int

const (
	ResolvedNone ResolvedCapKind = iota
	ResolvedImported
	ResolvedExported
	ResolvedPromised
)

// ResolvedCap is the local meaning of one inbound CapDescriptor.
type ResolvedCap struct {
	Kind       ResolvedCapKind
	ImportID   uint32
	ExportID   uint32
	QuestionID uint32
	Transform  []capnp.PipelineOp
}

// InboundCapTable resolves the CapDescriptors carried by one inbound
// Payload against this peer's tables, and tracks which of them a
// handler has retained so the rest can be batch-released when the
// payload's arena is dropped.
type InboundCapTable struct {
	peer     *Peer
	resolved []ResolvedCap
	retained []bool
}

// NewInboundCapTable resolves every descriptor in table. senderHosted
// and senderPromise both produce Imported (and bump that import's local
// refcount); receiverHosted produces Exported; receiverAnswer produces
// Promised; thirdPartyHosted produces Imported keyed by the vine id.
func (p *Peer) NewInboundCapTable(table []wire.CapDescriptor) *InboundCapTable {
	ict := &InboundCapTable{
		peer:     p,
		resolved: make([]ResolvedCap, len(table)),
		retained: make([]bool, len(table)),
	}
	for i, d := range table {
		switch d.Kind {
		case wire.DescNone:
			ict.resolved[i] = ResolvedCap{Kind: ResolvedNone}
		case wire.DescSenderHosted:
			p.importRefs[d.SenderHosted]++
			ict.resolved[i] = ResolvedCap{Kind: ResolvedImported, ImportID: d.SenderHosted}
		case wire.DescSenderPromise:
			p.importRefs[d.SenderPromise]++
			ict.resolved[i] = ResolvedCap{Kind: ResolvedImported, ImportID: d.SenderPromise}
		case wire.DescReceiverHosted:
			ict.resolved[i] = ResolvedCap{Kind: ResolvedExported, ExportID: d.ReceiverHosted}
		case wire.DescReceiverAnswer:
			ict.resolved[i] = ResolvedCap{
				Kind:       ResolvedPromised,
				QuestionID: d.ReceiverAnswer.QuestionID,
				Transform:  d.ReceiverAnswer.Transform,
			}
		case wire.DescThirdPartyHosted:
			p.importRefs[d.ThirdPartyVineID]++
			ict.resolved[i] = ResolvedCap{Kind: ResolvedImported, ImportID: d.ThirdPartyVineID}
		}
	}
	return ict
}

// Resolve returns the i'th resolved capability.
func (ict *InboundCapTable) Resolve(i int) ResolvedCap {
	return ict.resolved[i]
}

// Len reports the number of resolved capability slots.
func (ict *InboundCapTable) Len() int {
	return len(ict.resolved)
}

// RetainCapability marks slot i as retained by a handler, preventing
// its release when the table is dropped.
func (ict *InboundCapTable) RetainCapability(i int) {
	ict.retained[i] = true
}

// Release flushes every unretained Imported capability as a single
// batched Release(id, count) per distinct import id, and removes any
// import whose refcount reaches zero.
func (ict *InboundCapTable) Release() {
	counts := make(map[uint32]uint32)
	for i, rc := range ict.resolved {
		if rc.Kind != ResolvedImported || ict.retained[i] {
			continue
		}
		counts[rc.ImportID]++
	}
	for id, n := range counts {
		cur := ict.peer.importRefs[id]
		if n > cur {
			n = cur
		}
		ict.peer.importRefs[id] -= n
		if ict.peer.importRefs[id] == 0 {
			delete(ict.peer.importRefs, id)
		}
		if n > 0 {
			ict.peer.sendReleaseForHost(id, n)
		}
	}
}
