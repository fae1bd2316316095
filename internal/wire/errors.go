package wire

import "github.com/pkg/errors"

// Errors returned while decoding or validating a frame at the codec
// level, before the peer state machine ever sees it. The peer layer
// wraps these into its own ErrorKind taxonomy; wire only needs to
// distinguish "malformed frame" from "frame I don't recognize".
var (
	// ErrMissingCallTarget is returned by validation helpers when a Call
	// frame carries neither an importedCap nor a promisedAnswer target.
	ErrMissingCallTarget = errors.New("wire: call is missing a target")

	// ErrMissingPromisedAnswer is returned when a MessageTarget or
	// CapDescriptor claims kind promisedAnswer/receiverAnswer but carries
	// a zero-length transform table pointing nowhere meaningful, or when
	// a promisedAnswer target is required but absent.
	ErrMissingPromisedAnswer = errors.New("wire: missing promised answer")

	// ErrMissingThirdPartyPayload is returned when a Return tagged
	// acceptFromThirdParty/awaitFromThirdParty, or a CapDescriptor tagged
	// thirdPartyHosted, carries an invalid AnyPointer where one is
	// required.
	ErrMissingThirdPartyPayload = errors.New("wire: missing third-party payload")
)

// ValidateCall checks the structural requirements Decode cannot express
// in the type system alone.
func ValidateCall(c *Call) error {
	switch c.Target.Kind {
	case TargetImportedCap:
	case TargetPromisedAnswer:
		if c.Target.PromisedAnswer.QuestionID == 0 && len(c.Target.PromisedAnswer.Transform) == 0 {
			return ErrMissingPromisedAnswer
		}
	default:
		return ErrMissingCallTarget
	}
	return nil
}

// ValidateReturn checks that a Return's tag-specific payload was
// actually populated.
func ValidateReturn(r *Return) error {
	switch r.Tag {
	case ReturnAcceptFromThirdParty, ReturnAwaitFromThirdParty:
		if !r.ThirdPartyPointer.Valid() {
			return ErrMissingThirdPartyPayload
		}
	}
	return nil
}

// ValidateCapDescriptor checks a thirdPartyHosted descriptor carries its
// required identity pointer.
func ValidateCapDescriptor(d *CapDescriptor) error {
	if d.Kind == DescThirdPartyHosted && !d.ThirdPartyID.Valid() {
		return ErrMissingThirdPartyPayload
	}
	return nil
}
