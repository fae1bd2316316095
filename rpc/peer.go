// Package rpc implements the per-peer Cap'n Proto level-4 RPC state
// machine: the four-way table of imports, exports, questions and
// answers, protocol dispatch, call forwarding, promise pipelining, and
// the three-party provide/accept/join hand-off.
package rpc

import (
	"zombiezen.com/go/capnproto2"

	"github.com/sirupsen/logrus"

	"github.com/go-capnp/vatrpc/internal/wire"
)

// questionEntry is an outbound call or bootstrap awaiting its Return.
type questionEntry struct {
	onReturn           func(*wire.Return)
	isLoopback         bool
	suppressAutoFinish bool

	// expectResultsSentElsewhere is set on a forwarded question whose
	// call carried sendResultsTo.yourself: only for such a question is
	// an inbound Return(resultsSentElsewhere) valid (spec §4.D).
	expectResultsSentElsewhere bool
}

// pendingCall is an inbound Call the peer has decoded but not yet fully
// dispatched, paired with its inbound cap table. handleCall builds one
// for every inbound call; it is also what waits in a promise export's
// queue when the call targets an unresolved promise, and what is
// replayed from that queue once the promise resolves.
type pendingCall struct {
	call *wire.Call
	ict  *InboundCapTable
}

// resolvedAnswerFrame caches the wire bytes of a just-sent results
// Return so pipelined inbound calls targeting that question id can
// resolve cap descriptors inside it without re-running the handler.
type resolvedAnswerFrame struct {
	bytes    []byte
	payload  wire.Payload
	released bool
}

// Peer is the per-connection Cap'n Proto RPC state machine. It is not
// safe for concurrent use: spec-wise, scheduling is single-threaded
// cooperative per peer (see the design notes on concurrency), so every
// public method must be invoked from a single driver goroutine.
type Peer struct {
	name string
	log  *logrus.Entry

	ids peerIDs

	transport    Transport
	sendOverride sendFrameOverride

	bootstrapCloser    capnp.Client
	bootstrapExportID  uint32
	hasBootstrapExport bool

	promiseQueueLimit int

	exports    map[uint32]*exportEntry
	questions  map[uint32]*questionEntry
	importRefs map[uint32]uint32
	capTable   *CapTable

	resolvedAnswers map[uint32]*resolvedAnswerFrame
	answersInFlight map[uint32]bool

	sendResultsYourself   map[uint32]bool
	sendResultsThirdParty map[uint32]wire.AnyPointer

	pendingEmbargoes map[uint32]*pendingEmbargoEntry
	resolvedImports  map[uint32]*resolvedImportEntry

	provideByQuestion       map[uint32]*provideEntry
	provideByKey            map[string]*provideEntry
	pendingAcceptsByEmbargo map[uint32][]*pendingAccept
	pendingAcceptsByQuestion map[uint32]*pendingAccept

	joins map[uint32]*joinEntry

	forwardedQuestions     map[uint32]uint32
	forwardedTailQuestions map[uint32]uint32

	pendingThirdPartyAwaits  map[string]*thirdPartyAwait
	pendingThirdPartyReturns map[uint32]*wire.Return
	adoptedThirdPartyAnswers map[uint32]uint32

	shuttingDown   bool
	shutdownCB     func()
	lastInboundTag wire.MessageTag
	hasInboundTag  bool
	lastAbortReason string
	hasAbortReason  bool
	aborted         bool
}

// NewPeer constructs a Peer with no transport attached; call
// AttachTransport (or SetSendFrameOverride, for tests) before sending.
func NewPeer(opts ...PeerOption) *Peer {
	pp := &peerParams{}
	for _, o := range opts {
		o.f(pp)
	}
	log := pp.logger
	if log == nil {
		log = defaultLogger
	}
	p := &Peer{
		name:                     pp.name,
		log:                      log,
		bootstrapCloser:          pp.bootstrapCloser,
		promiseQueueLimit:        pp.promiseQueueLimit,
		exports:                  make(map[uint32]*exportEntry),
		questions:                make(map[uint32]*questionEntry),
		importRefs:               make(map[uint32]uint32),
		capTable:                 newCapTable(),
		resolvedAnswers:          make(map[uint32]*resolvedAnswerFrame),
		answersInFlight:          make(map[uint32]bool),
		pendingEmbargoes:         make(map[uint32]*pendingEmbargoEntry),
		resolvedImports:          make(map[uint32]*resolvedImportEntry),
		provideByQuestion:        make(map[uint32]*provideEntry),
		provideByKey:             make(map[string]*provideEntry),
		pendingAcceptsByEmbargo:  make(map[uint32][]*pendingAccept),
		pendingAcceptsByQuestion: make(map[uint32]*pendingAccept),
		joins:                    make(map[uint32]*joinEntry),
		forwardedQuestions:       make(map[uint32]uint32),
		forwardedTailQuestions:   make(map[uint32]uint32),
		pendingThirdPartyAwaits:  make(map[string]*thirdPartyAwait),
		pendingThirdPartyReturns: make(map[uint32]*wire.Return),
		adoptedThirdPartyAnswers: make(map[uint32]uint32),
	}
	p.ids.embargo.Seed(pp.embargoSeed)
	if pp.bootstrap != nil {
		p.SetBootstrap(pp.bootstrap())
	}
	return p
}

// sendFrame encodes msg and sends it through rawSendFrame, the single
// chokepoint every outbound message goes through.
func (p *Peer) sendFrame(msg *wire.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return p.rawSendFrame(raw)
}

// GetLastInboundTag returns the most recently dispatched inbound
// message tag, if any frame has been handled yet.
func (p *Peer) GetLastInboundTag() (wire.MessageTag, bool) {
	return p.lastInboundTag, p.hasInboundTag
}

// GetLastRemoteAbortReason returns the reason string from the most
// recent inbound abort frame, if one has been received.
func (p *Peer) GetLastRemoteAbortReason() (string, bool) {
	return p.lastAbortReason, p.hasAbortReason
}

// HandleFrame is the peer's single public entry point for inbound data.
// Unknown or obsolete tags get an unimplemented reply and no further
// action; abort records terminal state; everything else dispatches to
// its handler.
func (p *Peer) HandleFrame(frame []byte) error {
	msg, err := wire.Decode(frame)
	if err != nil {
		p.logMalformedFrame("?", err)
		return err
	}
	p.lastInboundTag = msg.Tag
	p.hasInboundTag = true

	switch msg.Tag {
	case wire.TagAbort:
		p.aborted = true
		p.lastAbortReason = msg.Abort.Reason
		p.hasAbortReason = true
		p.logRemoteAbort(msg.Abort.Reason)
		return ErrRemoteAbort
	case wire.TagObsoleteSave, wire.TagObsoleteDelete:
		return p.sendFrame(wire.BuildUnimplementedFromAnyPointer(msg, frame))
	case wire.TagCall:
		return p.handleCall(msg.Call)
	case wire.TagReturn:
		return p.handleReturn(msg.Return)
	case wire.TagFinish:
		return p.handleFinish(msg.Finish.QuestionID, msg.Finish.ReleaseResultCaps)
	case wire.TagResolve:
		return p.handleResolve(msg.Resolve)
	case wire.TagRelease:
		return p.handleRelease(msg.Release.ID, msg.Release.ReferenceCount)
	case wire.TagBootstrap:
		return p.handleBootstrap(msg.Bootstrap.QuestionID)
	case wire.TagProvide:
		return p.handleProvide(msg.Provide)
	case wire.TagAccept:
		return p.handleAccept(msg.Accept)
	case wire.TagJoin:
		return p.handleJoin(msg.Join)
	case wire.TagDisembargo:
		return p.handleDisembargo(msg.Disembargo)
	case wire.TagThirdPartyAnswer:
		return p.handleThirdPartyAnswer(msg.ThirdPartyAnswer)
	case wire.TagUnimplemented:
		return p.handleUnimplemented(msg.Unimplemented)
	default:
		return p.sendFrame(wire.BuildUnimplementedFromAnyPointer(msg, frame))
	}
}

// Shutdown marks the peer as shutting down: new outbound calls are
// rejected with ErrPeerShuttingDown. Once the questions table drains to
// zero, the transport is closed and cb fires; if there are no
// outstanding questions already, it fires immediately.
func (p *Peer) Shutdown(cb func()) {
	p.shuttingDown = true
	p.shutdownCB = cb
	p.maybeFinishShutdown()
}

func (p *Peer) maybeFinishShutdown() {
	if !p.shuttingDown || len(p.questions) != 0 {
		return
	}
	if p.transport != nil {
		p.transport.Close()
	}
	if p.bootstrapCloser != nil {
		p.bootstrapCloser.Close()
	}
	if cb := p.shutdownCB; cb != nil {
		p.shutdownCB = nil
		cb()
	}
}

func (p *Peer) removeQuestion(id uint32) {
	delete(p.questions, id)
	p.maybeFinishShutdown()
}

// handleUnimplemented recovers the question id of the frame the remote
// claims not to understand by re-decoding its raw bytes, then routes it
// through handleUnimplementedQuestion. Only Call and Bootstrap can be
// the original of a question-bearing frame we sent; any other original
// tag, or a question id we don't recognize, is silently dropped, same
// as handleUnimplementedQuestion's own UnknownQuestion swallow.
func (p *Peer) handleUnimplemented(u *wire.Unimplemented) error {
	original, err := wire.Decode(u.OriginalBytes)
	if err != nil {
		return nil
	}
	switch original.Tag {
	case wire.TagCall:
		p.handleUnimplementedQuestion(original.Call.QuestionID)
	case wire.TagBootstrap:
		p.handleUnimplementedQuestion(original.Bootstrap.QuestionID)
	}
	return nil
}
