package wire

// CallBuilder builds a Call message. The zero value is not usable;
// obtain one from BeginCall.
type CallBuilder struct {
	c Call
}

// BeginCall starts building a call message. Per spec, SendResultsTo
// defaults to SendToCaller; callers that need otherwise must call
// SetSendResultsTo explicitly.
func BeginCall(questionID uint32, interfaceID uint64, methodID uint16) *CallBuilder {
	return &CallBuilder{c: Call{
		QuestionID:  questionID,
		InterfaceID: interfaceID,
		MethodID:    methodID,
	}}
}

func (b *CallBuilder) SetTarget(t MessageTarget) *CallBuilder {
	b.c.Target = t
	return b
}

func (b *CallBuilder) SetParams(p Payload) *CallBuilder {
	b.c.Params = p
	return b
}

func (b *CallBuilder) SetSendResultsTo(s SendResultsTo) *CallBuilder {
	b.c.SendResultsTo = s
	return b
}

// Build validates the cap table length against the content's
// capabilities is the caller's responsibility (the peer does this,
// since only it knows how many capability pointers Content actually
// carries); Build just assembles the frame.
func (b *CallBuilder) Build() *Message {
	c := b.c
	return &Message{Tag: TagCall, Call: &c}
}

// ReturnBuilder builds a Return message.
type ReturnBuilder struct {
	r Return
}

// BeginReturn starts building a return message with the given tag.
func BeginReturn(answerID uint32, tag ReturnTag) *ReturnBuilder {
	return &ReturnBuilder{r: Return{AnswerID: answerID, Tag: tag}}
}

func (b *ReturnBuilder) SetReleaseParamCaps(v bool) *ReturnBuilder {
	b.r.ReleaseParamCaps = v
	return b
}

func (b *ReturnBuilder) SetResults(p Payload) *ReturnBuilder {
	b.r.Results = p
	return b
}

func (b *ReturnBuilder) SetException(e Exception) *ReturnBuilder {
	b.r.Exception = e
	return b
}

func (b *ReturnBuilder) SetTakeFromOtherQuestion(id uint32) *ReturnBuilder {
	b.r.TakeFromOtherQ = id
	return b
}

func (b *ReturnBuilder) SetThirdPartyPointer(p AnyPointer) *ReturnBuilder {
	b.r.ThirdPartyPointer = p
	return b
}

func (b *ReturnBuilder) Build() *Message {
	r := b.r
	return &Message{Tag: TagReturn, Return: &r}
}

// BuildBootstrap builds a bootstrap message.
func BuildBootstrap(questionID uint32) *Message {
	return &Message{Tag: TagBootstrap, Bootstrap: &Bootstrap{QuestionID: questionID}}
}

// BuildFinish builds a finish message.
func BuildFinish(questionID uint32, releaseResultCaps bool) *Message {
	return &Message{Tag: TagFinish, Finish: &Finish{QuestionID: questionID, ReleaseResultCaps: releaseResultCaps}}
}

// BuildRelease builds a release message.
func BuildRelease(id uint32, refs uint32) *Message {
	return &Message{Tag: TagRelease, Release: &Release{ID: id, ReferenceCount: refs}}
}

// BuildResolveCap builds a resolve message carrying a concrete cap
// descriptor for the promise id.
func BuildResolveCap(promiseID uint32, cap CapDescriptor) *Message {
	return &Message{Tag: TagResolve, Resolve: &Resolve{PromiseID: promiseID, Kind: ResolveCap, Cap: cap}}
}

// BuildResolveException builds a resolve message reporting that the
// promise was broken.
func BuildResolveException(promiseID uint32, exc Exception) *Message {
	return &Message{Tag: TagResolve, Resolve: &Resolve{PromiseID: promiseID, Kind: ResolveException, Exception: exc}}
}

// BuildDisembargoSenderLoopback builds a disembargo message in the
// senderLoopback context, sent by the party that will receive the echo.
func BuildDisembargoSenderLoopback(embargoID uint32, target MessageTarget) *Message {
	return &Message{Tag: TagDisembargo, Disembargo: &Disembargo{
		Context: DisembargoContext{Kind: DisembargoSenderLoopback, EmbargoID: embargoID},
		Target:  target,
	}}
}

// BuildDisembargoReceiverLoopback echoes a senderLoopback disembargo
// back to its origin.
func BuildDisembargoReceiverLoopback(embargoID uint32, target MessageTarget) *Message {
	return &Message{Tag: TagDisembargo, Disembargo: &Disembargo{
		Context: DisembargoContext{Kind: DisembargoReceiverLoopback, EmbargoID: embargoID},
		Target:  target,
	}}
}

// BuildDisembargoAccept builds a disembargo message acknowledging a
// pending Accept's embargo.
func BuildDisembargoAccept(embargoID uint32, target MessageTarget) *Message {
	return &Message{Tag: TagDisembargo, Disembargo: &Disembargo{
		Context: DisembargoContext{Kind: DisembargoAccept, EmbargoID: embargoID},
		Target:  target,
	}}
}

// BuildProvide builds a provide message.
func BuildProvide(questionID uint32, target MessageTarget, recipient AnyPointer) *Message {
	return &Message{Tag: TagProvide, Provide: &Provide{QuestionID: questionID, Target: target, Recipient: recipient}}
}

// BuildAccept builds an accept message.
func BuildAccept(questionID uint32, provision AnyPointer) *Message {
	return &Message{Tag: TagAccept, Accept: &Accept{QuestionID: questionID, Provision: provision}}
}

// BuildJoin builds a join message.
func BuildJoin(questionID uint32, target MessageTarget, key JoinKeyPart) *Message {
	return &Message{Tag: TagJoin, Join: &Join{QuestionID: questionID, Target: target, KeyPart: key}}
}

// BuildThirdPartyAnswer builds a thirdPartyAnswer message.
func BuildThirdPartyAnswer(answerID uint32, completion AnyPointer) *Message {
	return &Message{Tag: TagThirdPartyAnswer, ThirdPartyAnswer: &ThirdPartyAnswer{AnswerID: answerID, Completion: completion}}
}

// BuildAbort builds an abort message from an error's message text.
func BuildAbort(reason string, typ uint16) *Message {
	return &Message{Tag: TagAbort, Abort: &Exception{Reason: reason, Type: typ}}
}

// BuildUnimplementedFromAnyPointer echoes back a frame the peer did not
// recognize or otherwise declines to process.
func BuildUnimplementedFromAnyPointer(original *Message, raw []byte) *Message {
	return &Message{Tag: TagUnimplemented, Unimplemented: &Unimplemented{OriginalTag: original.Tag, OriginalBytes: raw}}
}
