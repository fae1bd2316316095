// Package wire is the thin Cap'n Proto RPC codec: it encodes and decodes
// the 15 Message variants of rpc.capnp (extended with the three-party
// handoff ThirdPartyAnswer message and thirdPartyHosted cap descriptor)
// and the structures nested inside them (CapDescriptor, MessageTarget,
// PromisedAnswer, Payload, Return).
//
// The application-level content of a Call or Return (the method
// parameters or results struct, including any embedded capabilities) is
// carried as a genuine zombiezen.com/go/capnproto2 Ptr so that callers
// can build it with the real arena/struct/pointer API and so transforms
// (PromisedAnswer.Transform) can be applied with capnp.TransformPtr. The
// envelope around it -- message tag, ids, targets, cap descriptors -- is
// this package's own concern and is not required to match the bit layout
// of any particular rpc.capnp compilation, since spec-wise it is a
// black-boxed collaborator behind the MessageBuilder/MessageReader
// contract the peer state machine consumes.
package wire

import (
	"zombiezen.com/go/capnproto2"
)

// MessageTag is the root union discriminant. Ordinals are locked by wire
// compatibility; do not renumber.
type MessageTag uint16

const (
	TagUnimplemented    MessageTag = 0
	TagAbort            MessageTag = 1
	TagCall             MessageTag = 2
	TagReturn           MessageTag = 3
	TagFinish           MessageTag = 4
	TagResolve          MessageTag = 5
	TagRelease          MessageTag = 6
	TagObsoleteSave     MessageTag = 7
	TagBootstrap        MessageTag = 8
	TagObsoleteDelete   MessageTag = 9
	TagProvide          MessageTag = 10
	TagAccept           MessageTag = 11
	TagJoin             MessageTag = 12
	TagDisembargo       MessageTag = 13
	TagThirdPartyAnswer MessageTag = 14
)

func (t MessageTag) String() string {
	switch t {
	case TagUnimplemented:
		return "unimplemented"
	case TagAbort:
		return "abort"
	case TagCall:
		return "call"
	case TagReturn:
		return "return"
	case TagFinish:
		return "finish"
	case TagResolve:
		return "resolve"
	case TagRelease:
		return "release"
	case TagObsoleteSave:
		return "obsoleteSave"
	case TagBootstrap:
		return "bootstrap"
	case TagObsoleteDelete:
		return "obsoleteDelete"
	case TagProvide:
		return "provide"
	case TagAccept:
		return "accept"
	case TagJoin:
		return "join"
	case TagDisembargo:
		return "disembargo"
	case TagThirdPartyAnswer:
		return "thirdPartyAnswer"
	default:
		return "unknown"
	}
}

// Known reports whether t is one of the 15 recognized discriminants.
func (t MessageTag) Known() bool {
	return t <= TagThirdPartyAnswer
}

// AnyPointer bundles a capnp.Ptr with the capnp.Message that owns it.
// The envelope-level fields of this protocol (third-party completion
// pointers, provide recipients, accept provisions) are untyped payloads
// from the RPC core's point of view, but still need their own arena to
// marshal, canonicalize, or compare -- hence the pairing, rather than a
// bare capnp.Ptr.
type AnyPointer struct {
	Msg *capnp.Message
	Ptr capnp.Ptr
}

// Valid reports whether a carries an actual pointer.
func (a AnyPointer) Valid() bool {
	return a.Msg != nil && a.Ptr.IsValid()
}

// MessageTargetKind discriminates a MessageTarget.
type MessageTargetKind uint8

const (
	TargetImportedCap MessageTargetKind = iota
	TargetPromisedAnswer
)

// MessageTarget identifies the recipient of a Call or the subject of a
// Provide/Disembargo.
type MessageTarget struct {
	Kind           MessageTargetKind
	ImportedCap    uint32
	PromisedAnswer PromisedAnswer
}

// PromisedAnswer names a not-yet-returned answer plus a transform to
// apply to its eventual result.
type PromisedAnswer struct {
	QuestionID uint32
	Transform  []capnp.PipelineOp
}

// CapDescriptorKind discriminates a CapDescriptor.
type CapDescriptorKind uint8

const (
	DescNone CapDescriptorKind = iota
	DescSenderHosted
	DescSenderPromise
	DescReceiverHosted
	DescReceiverAnswer
	DescThirdPartyHosted
)

// CapDescriptor is the wire encoding of one capability reference inside
// a Payload's cap table.
type CapDescriptor struct {
	Kind             CapDescriptorKind
	SenderHosted     uint32
	SenderPromise    uint32
	ReceiverHosted   uint32
	ReceiverAnswer   PromisedAnswer
	ThirdPartyID     AnyPointer
	ThirdPartyVineID uint32
}

// Payload is a struct (or interface) content pointer plus the
// capability table that content's embedded interface pointers index
// into.
type Payload struct {
	Content  AnyPointer
	CapTable []CapDescriptor
}

// SendResultsToKind discriminates where a Call's results should go.
type SendResultsToKind uint8

const (
	SendToCaller SendResultsToKind = iota
	SendToYourself
	SendToThirdParty
)

// SendResultsTo is the Call.sendResultsTo union. Default zero value is
// SendToCaller, matching the spec's required default.
type SendResultsTo struct {
	Kind       SendResultsToKind
	ThirdParty AnyPointer
}

// Call is the decoded/built content of a call message.
type Call struct {
	QuestionID    uint32
	InterfaceID   uint64
	MethodID      uint16
	Target        MessageTarget
	Params        Payload
	SendResultsTo SendResultsTo
}

// ReturnTag discriminates a Return.
type ReturnTag uint8

const (
	ReturnResults ReturnTag = iota
	ReturnException
	ReturnCanceled
	ReturnResultsSentElsewhere
	ReturnTakeFromOtherQuestion
	ReturnAcceptFromThirdParty
	ReturnAwaitFromThirdParty
)

// Exception is the wire shape of a Cap'n Proto exception.
type Exception struct {
	Reason string
	Type   uint16
}

// Return is the decoded/built content of a return message.
type Return struct {
	AnswerID          uint32
	ReleaseParamCaps  bool
	Tag               ReturnTag
	Results           Payload
	Exception         Exception
	TakeFromOtherQ    uint32
	ThirdPartyPointer AnyPointer
}

// Finish is the decoded/built content of a finish message.
type Finish struct {
	QuestionID        uint32
	ReleaseResultCaps bool
}

// ResolveKind discriminates a Resolve message.
type ResolveKind uint8

const (
	ResolveCap ResolveKind = iota
	ResolveException
)

// Resolve is the decoded/built content of a resolve message.
type Resolve struct {
	PromiseID uint32
	Kind      ResolveKind
	Cap       CapDescriptor
	Exception Exception
}

// Release is the decoded/built content of a release message.
type Release struct {
	ID             uint32
	ReferenceCount uint32
}

// Bootstrap is the decoded/built content of a bootstrap message.
type Bootstrap struct {
	QuestionID uint32
}

// Provide is the decoded/built content of a provide message.
type Provide struct {
	QuestionID uint32
	Target     MessageTarget
	Recipient  AnyPointer
}

// Accept is the decoded/built content of an accept message.
type Accept struct {
	QuestionID uint32
	Provision  AnyPointer
}

// JoinKeyPart identifies one part of a multi-part join.
type JoinKeyPart struct {
	JoinID    uint32
	PartCount uint16
	PartNum   uint16
}

// Join is the decoded/built content of a join message.
type Join struct {
	QuestionID uint32
	Target     MessageTarget
	KeyPart    JoinKeyPart
}

// DisembargoContextKind discriminates a Disembargo.
type DisembargoContextKind uint8

const (
	DisembargoSenderLoopback DisembargoContextKind = iota
	DisembargoReceiverLoopback
	DisembargoAccept
)

// DisembargoContext is the Disembargo.context union.
type DisembargoContext struct {
	Kind      DisembargoContextKind
	EmbargoID uint32
}

// Disembargo is the decoded/built content of a disembargo message.
type Disembargo struct {
	Context DisembargoContext
	Target  MessageTarget
}

// ThirdPartyAnswer is the decoded/built content of a thirdPartyAnswer
// message: the remote is telling us which adopted answer id a prior
// awaitFromThirdParty completion pointer resolved to.
type ThirdPartyAnswer struct {
	AnswerID   uint32
	Completion AnyPointer
}

// Unimplemented carries the tag and raw bytes of a frame this peer (or
// its remote) did not recognize, echoed back as an AnyPointer.
type Unimplemented struct {
	OriginalTag   MessageTag
	OriginalBytes []byte
}

// ObsoletePassthrough round-trips an obsoleteSave/obsoleteDelete frame's
// raw bytes without interpreting them.
type ObsoletePassthrough struct {
	Tag   MessageTag
	Bytes []byte
}

// Message is the root tagged union. Exactly one of the pointer fields
// matching Tag is non-nil.
type Message struct {
	Tag MessageTag

	Call             *Call
	Return           *Return
	Finish           *Finish
	Resolve          *Resolve
	Release          *Release
	Bootstrap        *Bootstrap
	Provide          *Provide
	Accept           *Accept
	Join             *Join
	Disembargo       *Disembargo
	ThirdPartyAnswer *ThirdPartyAnswer
	Abort            *Exception
	Unimplemented    *Unimplemented
	Obsolete         *ObsoletePassthrough
}
