package rpc

import "github.com/pkg/errors"

// ErrorKind classifies a failure the peer state machine can produce, so
// callers can branch on "what kind of thing went wrong" the way spec §7
// describes, while still getting a wrapped, logged, stack-annotated
// error via github.com/pkg/errors for humans.
type ErrorKind int

const (
	KindTransportNotAttached ErrorKind = iota
	KindPeerShuttingDown
	KindCapabilityUnavailable
	KindUnknownExport
	KindUnknownQuestion
	KindPromiseUnresolved
	KindPromiseBroken
	KindPromisedAnswerMissing
	KindDuplicateProvideRecipient
	KindDuplicateProvideQuestionId
	KindDuplicateJoinQuestionId
	KindDuplicateThirdPartyAwait
	KindDuplicateThirdPartyReturn
	KindConflictingThirdPartyAnswer
	KindInvalidMessageTag
	KindMissingThirdPartyPayload
	KindMissingCallTarget
	KindMissingPromisedAnswer
	KindUnexpectedForwardedTailReturn
	KindRemoteAbort
	KindOutOfMemory
	// KindPromiseQueueOverflow is additive to the kinds spec.md §7 names:
	// a PromiseQueueLimit rejected a pipelined call against an
	// unresolved promise export (see Open Question resolutions).
	KindPromiseQueueOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportNotAttached:
		return "TransportNotAttached"
	case KindPeerShuttingDown:
		return "PeerShuttingDown"
	case KindCapabilityUnavailable:
		return "CapabilityUnavailable"
	case KindUnknownExport:
		return "UnknownExport"
	case KindUnknownQuestion:
		return "UnknownQuestion"
	case KindPromiseUnresolved:
		return "PromiseUnresolved"
	case KindPromiseBroken:
		return "PromiseBroken"
	case KindPromisedAnswerMissing:
		return "PromisedAnswerMissing"
	case KindDuplicateProvideRecipient:
		return "DuplicateProvideRecipient"
	case KindDuplicateProvideQuestionId:
		return "DuplicateProvideQuestionId"
	case KindDuplicateJoinQuestionId:
		return "DuplicateJoinQuestionId"
	case KindDuplicateThirdPartyAwait:
		return "DuplicateThirdPartyAwait"
	case KindDuplicateThirdPartyReturn:
		return "DuplicateThirdPartyReturn"
	case KindConflictingThirdPartyAnswer:
		return "ConflictingThirdPartyAnswer"
	case KindInvalidMessageTag:
		return "InvalidMessageTag"
	case KindMissingThirdPartyPayload:
		return "MissingThirdPartyPayload"
	case KindMissingCallTarget:
		return "MissingCallTarget"
	case KindMissingPromisedAnswer:
		return "MissingPromisedAnswer"
	case KindUnexpectedForwardedTailReturn:
		return "UnexpectedForwardedTailReturn"
	case KindRemoteAbort:
		return "RemoteAbort"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindPromiseQueueOverflow:
		return "PromiseQueueOverflow"
	default:
		return "Unknown"
	}
}

// PeerError is a typed error carrying an ErrorKind, so callers can
// branch on kind without string-matching while logs still get a full
// annotated message.
type PeerError struct {
	Kind ErrorKind
	msg  string
	err  error
}

func newError(kind ErrorKind, msg string) *PeerError {
	return &PeerError{Kind: kind, msg: msg, err: errors.New(kind.String() + ": " + msg)}
}

func wrapError(kind ErrorKind, err error, msg string) *PeerError {
	return &PeerError{Kind: kind, msg: msg, err: errors.Wrap(err, kind.String()+": "+msg)}
}

func (e *PeerError) Error() string { return e.err.Error() }

func (e *PeerError) Unwrap() error { return e.err }

// Is lets errors.Is(err, ErrX) work against the sentinel values below.
func (e *PeerError) Is(target error) bool {
	other, ok := target.(*PeerError)
	return ok && other.Kind == e.Kind
}

// KindOf extracts the ErrorKind from err if it (or something it wraps)
// is a *PeerError, and reports whether one was found.
func KindOf(err error) (ErrorKind, bool) {
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// Sentinel instances for errors.Is comparisons against a fixed kind,
// independent of message text.
var (
	ErrTransportNotAttached          = newError(KindTransportNotAttached, "no transport attached")
	ErrPeerShuttingDown              = newError(KindPeerShuttingDown, "peer is shutting down")
	ErrCapabilityUnavailable         = newError(KindCapabilityUnavailable, "resolved capability unavailable")
	ErrUnknownExport                 = newError(KindUnknownExport, "unknown export id")
	ErrUnknownQuestion               = newError(KindUnknownQuestion, "unknown question id")
	ErrPromiseUnresolved             = newError(KindPromiseUnresolved, "promise not yet resolved")
	ErrPromiseBroken                 = newError(KindPromiseBroken, "promise broken")
	ErrPromisedAnswerMissing         = newError(KindPromisedAnswerMissing, "promised answer missing")
	ErrDuplicateProvideRecipient     = newError(KindDuplicateProvideRecipient, "duplicate provide recipient")
	ErrDuplicateProvideQuestionId    = newError(KindDuplicateProvideQuestionId, "duplicate provide question")
	ErrDuplicateJoinQuestionId       = newError(KindDuplicateJoinQuestionId, "duplicate join question")
	ErrDuplicateThirdPartyAwait      = newError(KindDuplicateThirdPartyAwait, "duplicate awaitFromThirdParty completion")
	ErrDuplicateThirdPartyReturn     = newError(KindDuplicateThirdPartyReturn, "duplicate buffered third-party return")
	ErrConflictingThirdPartyAnswer   = newError(KindConflictingThirdPartyAnswer, "conflicting thirdPartyAnswer completion")
	ErrInvalidMessageTag             = newError(KindInvalidMessageTag, "invalid message tag")
	ErrMissingThirdPartyPayload      = newError(KindMissingThirdPartyPayload, "missing third-party payload")
	ErrMissingCallTarget             = newError(KindMissingCallTarget, "missing call target")
	ErrMissingPromisedAnswer         = newError(KindMissingPromisedAnswer, "missing promised answer")
	ErrUnexpectedForwardedTailReturn = newError(KindUnexpectedForwardedTailReturn, "forwarded resultsSentElsewhere unsupported")
	ErrRemoteAbort                   = newError(KindRemoteAbort, "remote aborted the connection")
	ErrOutOfMemory                   = newError(KindOutOfMemory, "allocation failed")
	ErrPromiseQueueOverflow          = newError(KindPromiseQueueOverflow, "pending_export_promises queue limit exceeded")
)
