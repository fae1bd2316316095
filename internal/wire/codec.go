package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"zombiezen.com/go/capnproto2"
)

// ErrInvalidMessageTag is returned by Encode when the message's tag is
// outside the recognized 0..14 range. Decode does not return it: an
// unknown tag decodes to a Message carrying only that Tag.
var ErrInvalidMessageTag = errors.New("wire: invalid message tag")

// Encode serializes m into a byte slice suitable for framing by a
// Transport. Encode never retains m past the call.
func (m *Message) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint16(m.Tag)); err != nil {
		return nil, err
	}
	var err error
	switch m.Tag {
	case TagUnimplemented:
		err = encodeUnimplemented(&buf, m.Unimplemented)
	case TagAbort:
		err = encodeException(&buf, m.Abort)
	case TagCall:
		err = encodeCall(&buf, m.Call)
	case TagReturn:
		err = encodeReturn(&buf, m.Return)
	case TagFinish:
		err = encodeFinish(&buf, m.Finish)
	case TagResolve:
		err = encodeResolve(&buf, m.Resolve)
	case TagRelease:
		err = encodeRelease(&buf, m.Release)
	case TagObsoleteSave, TagObsoleteDelete:
		err = encodeObsolete(&buf, m.Obsolete)
	case TagBootstrap:
		err = encodeBootstrap(&buf, m.Bootstrap)
	case TagProvide:
		err = encodeProvide(&buf, m.Provide)
	case TagAccept:
		err = encodeAccept(&buf, m.Accept)
	case TagJoin:
		err = encodeJoin(&buf, m.Join)
	case TagDisembargo:
		err = encodeDisembargo(&buf, m.Disembargo)
	case TagThirdPartyAnswer:
		err = encodeThirdPartyAnswer(&buf, m.ThirdPartyAnswer)
	default:
		return nil, errors.Wrapf(ErrInvalidMessageTag, "tag %d", m.Tag)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "wire: encode")
	}
	return buf.Bytes(), nil
}

// Decode parses a frame built by Encode and validates the root union
// discriminant. It does not allocate shared state across calls.
func Decode(data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	var tag uint16
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return nil, errors.Wrap(err, "wire: decode tag")
	}
	t := MessageTag(tag)
	if !t.Known() {
		// Structurally valid frame, unrecognized discriminant: the peer
		// layer replies `unimplemented` rather than treating this as a
		// decode failure (spec invariant: unknown-tag handling).
		return &Message{Tag: t}, nil
	}
	m := &Message{Tag: t}
	var err error
	switch t {
	case TagUnimplemented:
		m.Unimplemented, err = decodeUnimplemented(r)
	case TagAbort:
		m.Abort, err = decodeException(r)
	case TagCall:
		m.Call, err = decodeCall(r)
	case TagReturn:
		m.Return, err = decodeReturn(r)
	case TagFinish:
		m.Finish, err = decodeFinish(r)
	case TagResolve:
		m.Resolve, err = decodeResolve(r)
	case TagRelease:
		m.Release, err = decodeRelease(r)
	case TagObsoleteSave, TagObsoleteDelete:
		m.Obsolete, err = decodeObsolete(r, t)
	case TagBootstrap:
		m.Bootstrap, err = decodeBootstrap(r)
	case TagProvide:
		m.Provide, err = decodeProvide(r)
	case TagAccept:
		m.Accept, err = decodeAccept(r)
	case TagJoin:
		m.Join, err = decodeJoin(r)
	case TagDisembargo:
		m.Disembargo, err = decodeDisembargo(r)
	case TagThirdPartyAnswer:
		m.ThirdPartyAnswer, err = decodeThirdPartyAnswer(r)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "wire: decode %s", t)
	}
	return m, nil
}

// --- AnyPointer ---

func encodeAnyPointer(w *bytes.Buffer, a AnyPointer) error {
	if !a.Valid() {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}
	raw, err := a.Msg.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal pointer")
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(raw))); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func decodeAnyPointer(r *bytes.Reader) (AnyPointer, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return AnyPointer{}, err
	}
	if n == 0 {
		return AnyPointer{}, nil
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return AnyPointer{}, err
	}
	msg, err := capnp.Unmarshal(raw)
	if err != nil {
		return AnyPointer{}, errors.Wrap(err, "unmarshal pointer")
	}
	root, err := msg.Root()
	if err != nil {
		return AnyPointer{}, errors.Wrap(err, "pointer root")
	}
	return AnyPointer{Msg: msg, Ptr: root}, nil
}

// --- Payload / CapTable ---

func encodePayload(w *bytes.Buffer, p Payload) error {
	if err := encodeAnyPointer(w, p.Content); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(p.CapTable))); err != nil {
		return err
	}
	for i := range p.CapTable {
		if err := encodeCapDescriptor(w, &p.CapTable[i]); err != nil {
			return err
		}
	}
	return nil
}

func decodePayload(r *bytes.Reader) (Payload, error) {
	content, err := decodeAnyPointer(r)
	if err != nil {
		return Payload{}, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return Payload{}, err
	}
	table := make([]CapDescriptor, n)
	for i := range table {
		d, err := decodeCapDescriptor(r)
		if err != nil {
			return Payload{}, err
		}
		table[i] = *d
	}
	return Payload{Content: content, CapTable: table}, nil
}

func encodeCapDescriptor(w *bytes.Buffer, d *CapDescriptor) error {
	if err := w.WriteByte(byte(d.Kind)); err != nil {
		return err
	}
	switch d.Kind {
	case DescNone:
	case DescSenderHosted:
		return binary.Write(w, binary.BigEndian, d.SenderHosted)
	case DescSenderPromise:
		return binary.Write(w, binary.BigEndian, d.SenderPromise)
	case DescReceiverHosted:
		return binary.Write(w, binary.BigEndian, d.ReceiverHosted)
	case DescReceiverAnswer:
		return encodePromisedAnswer(w, d.ReceiverAnswer)
	case DescThirdPartyHosted:
		if err := encodeAnyPointer(w, d.ThirdPartyID); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, d.ThirdPartyVineID)
	default:
		return fmt.Errorf("wire: unknown cap descriptor kind %d", d.Kind)
	}
	return nil
}

func decodeCapDescriptor(r *bytes.Reader) (*CapDescriptor, error) {
	kb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	d := &CapDescriptor{Kind: CapDescriptorKind(kb)}
	switch d.Kind {
	case DescNone:
	case DescSenderHosted:
		err = binary.Read(r, binary.BigEndian, &d.SenderHosted)
	case DescSenderPromise:
		err = binary.Read(r, binary.BigEndian, &d.SenderPromise)
	case DescReceiverHosted:
		err = binary.Read(r, binary.BigEndian, &d.ReceiverHosted)
	case DescReceiverAnswer:
		d.ReceiverAnswer, err = decodePromisedAnswer(r)
	case DescThirdPartyHosted:
		d.ThirdPartyID, err = decodeAnyPointer(r)
		if err == nil {
			err = binary.Read(r, binary.BigEndian, &d.ThirdPartyVineID)
		}
	default:
		return nil, fmt.Errorf("wire: unknown cap descriptor kind %d", kb)
	}
	return d, err
}

func encodePromisedAnswer(w *bytes.Buffer, pa PromisedAnswer) error {
	if err := binary.Write(w, binary.BigEndian, pa.QuestionID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(pa.Transform))); err != nil {
		return err
	}
	for _, op := range pa.Transform {
		if err := binary.Write(w, binary.BigEndian, op.Field); err != nil {
			return err
		}
	}
	return nil
}

func decodePromisedAnswer(r *bytes.Reader) (PromisedAnswer, error) {
	var pa PromisedAnswer
	if err := binary.Read(r, binary.BigEndian, &pa.QuestionID); err != nil {
		return pa, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return pa, err
	}
	pa.Transform = make([]capnp.PipelineOp, n)
	for i := range pa.Transform {
		if err := binary.Read(r, binary.BigEndian, &pa.Transform[i].Field); err != nil {
			return pa, err
		}
	}
	return pa, nil
}

func encodeMessageTarget(w *bytes.Buffer, t MessageTarget) error {
	if err := w.WriteByte(byte(t.Kind)); err != nil {
		return err
	}
	switch t.Kind {
	case TargetImportedCap:
		return binary.Write(w, binary.BigEndian, t.ImportedCap)
	case TargetPromisedAnswer:
		return encodePromisedAnswer(w, t.PromisedAnswer)
	default:
		return fmt.Errorf("wire: unknown target kind %d", t.Kind)
	}
}

func decodeMessageTarget(r *bytes.Reader) (MessageTarget, error) {
	kb, err := r.ReadByte()
	if err != nil {
		return MessageTarget{}, err
	}
	t := MessageTarget{Kind: MessageTargetKind(kb)}
	switch t.Kind {
	case TargetImportedCap:
		err = binary.Read(r, binary.BigEndian, &t.ImportedCap)
	case TargetPromisedAnswer:
		t.PromisedAnswer, err = decodePromisedAnswer(r)
	default:
		return MessageTarget{}, fmt.Errorf("wire: unknown target kind %d", kb)
	}
	return t, err
}

// --- per-variant encode/decode ---

func encodeCall(w *bytes.Buffer, c *Call) error {
	if err := binary.Write(w, binary.BigEndian, c.QuestionID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.InterfaceID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.MethodID); err != nil {
		return err
	}
	if err := encodeMessageTarget(w, c.Target); err != nil {
		return err
	}
	if err := encodePayload(w, c.Params); err != nil {
		return err
	}
	if err := w.WriteByte(byte(c.SendResultsTo.Kind)); err != nil {
		return err
	}
	if c.SendResultsTo.Kind == SendToThirdParty {
		return encodeAnyPointer(w, c.SendResultsTo.ThirdParty)
	}
	return nil
}

func decodeCall(r *bytes.Reader) (*Call, error) {
	c := &Call{}
	if err := binary.Read(r, binary.BigEndian, &c.QuestionID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.InterfaceID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.MethodID); err != nil {
		return nil, err
	}
	t, err := decodeMessageTarget(r)
	if err != nil {
		return nil, err
	}
	c.Target = t
	p, err := decodePayload(r)
	if err != nil {
		return nil, err
	}
	c.Params = p
	kb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	c.SendResultsTo.Kind = SendResultsToKind(kb)
	if c.SendResultsTo.Kind == SendToThirdParty {
		c.SendResultsTo.ThirdParty, err = decodeAnyPointer(r)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func encodeException(w *bytes.Buffer, e *Exception) error {
	if err := binary.Write(w, binary.BigEndian, e.Type); err != nil {
		return err
	}
	return writeString(w, e.Reason)
}

func decodeException(r *bytes.Reader) (*Exception, error) {
	e := &Exception{}
	if err := binary.Read(r, binary.BigEndian, &e.Type); err != nil {
		return nil, err
	}
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	e.Reason = s
	return e, nil
}

func encodeReturn(w *bytes.Buffer, ret *Return) error {
	if err := binary.Write(w, binary.BigEndian, ret.AnswerID); err != nil {
		return err
	}
	if err := w.WriteByte(boolByte(ret.ReleaseParamCaps)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(ret.Tag)); err != nil {
		return err
	}
	switch ret.Tag {
	case ReturnResults:
		return encodePayload(w, ret.Results)
	case ReturnException:
		return encodeException(w, &ret.Exception)
	case ReturnCanceled, ReturnResultsSentElsewhere:
		return nil
	case ReturnTakeFromOtherQuestion:
		return binary.Write(w, binary.BigEndian, ret.TakeFromOtherQ)
	case ReturnAcceptFromThirdParty, ReturnAwaitFromThirdParty:
		return encodeAnyPointer(w, ret.ThirdPartyPointer)
	default:
		return fmt.Errorf("wire: unknown return tag %d", ret.Tag)
	}
}

func decodeReturn(r *bytes.Reader) (*Return, error) {
	ret := &Return{}
	if err := binary.Read(r, binary.BigEndian, &ret.AnswerID); err != nil {
		return nil, err
	}
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	ret.ReleaseParamCaps = b != 0
	tb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	ret.Tag = ReturnTag(tb)
	switch ret.Tag {
	case ReturnResults:
		ret.Results, err = decodePayload(r)
	case ReturnException:
		var e *Exception
		e, err = decodeException(r)
		if err == nil {
			ret.Exception = *e
		}
	case ReturnCanceled, ReturnResultsSentElsewhere:
	case ReturnTakeFromOtherQuestion:
		err = binary.Read(r, binary.BigEndian, &ret.TakeFromOtherQ)
	case ReturnAcceptFromThirdParty, ReturnAwaitFromThirdParty:
		ret.ThirdPartyPointer, err = decodeAnyPointer(r)
	default:
		return nil, fmt.Errorf("wire: unknown return tag %d", tb)
	}
	return ret, err
}

func encodeFinish(w *bytes.Buffer, f *Finish) error {
	if err := binary.Write(w, binary.BigEndian, f.QuestionID); err != nil {
		return err
	}
	return w.WriteByte(boolByte(f.ReleaseResultCaps))
}

func decodeFinish(r *bytes.Reader) (*Finish, error) {
	f := &Finish{}
	if err := binary.Read(r, binary.BigEndian, &f.QuestionID); err != nil {
		return nil, err
	}
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	f.ReleaseResultCaps = b != 0
	return f, nil
}

func encodeResolve(w *bytes.Buffer, res *Resolve) error {
	if err := binary.Write(w, binary.BigEndian, res.PromiseID); err != nil {
		return err
	}
	if err := w.WriteByte(byte(res.Kind)); err != nil {
		return err
	}
	if res.Kind == ResolveCap {
		return encodeCapDescriptor(w, &res.Cap)
	}
	return encodeException(w, &res.Exception)
}

func decodeResolve(r *bytes.Reader) (*Resolve, error) {
	res := &Resolve{}
	if err := binary.Read(r, binary.BigEndian, &res.PromiseID); err != nil {
		return nil, err
	}
	kb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	res.Kind = ResolveKind(kb)
	if res.Kind == ResolveCap {
		d, err := decodeCapDescriptor(r)
		if err != nil {
			return nil, err
		}
		res.Cap = *d
		return res, nil
	}
	e, err := decodeException(r)
	if err != nil {
		return nil, err
	}
	res.Exception = *e
	return res, nil
}

func encodeRelease(w *bytes.Buffer, rel *Release) error {
	if err := binary.Write(w, binary.BigEndian, rel.ID); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, rel.ReferenceCount)
}

func decodeRelease(r *bytes.Reader) (*Release, error) {
	rel := &Release{}
	if err := binary.Read(r, binary.BigEndian, &rel.ID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &rel.ReferenceCount); err != nil {
		return nil, err
	}
	return rel, nil
}

func encodeBootstrap(w *bytes.Buffer, b *Bootstrap) error {
	return binary.Write(w, binary.BigEndian, b.QuestionID)
}

func decodeBootstrap(r *bytes.Reader) (*Bootstrap, error) {
	b := &Bootstrap{}
	if err := binary.Read(r, binary.BigEndian, &b.QuestionID); err != nil {
		return nil, err
	}
	return b, nil
}

func encodeProvide(w *bytes.Buffer, p *Provide) error {
	if err := binary.Write(w, binary.BigEndian, p.QuestionID); err != nil {
		return err
	}
	if err := encodeMessageTarget(w, p.Target); err != nil {
		return err
	}
	return encodeAnyPointer(w, p.Recipient)
}

func decodeProvide(r *bytes.Reader) (*Provide, error) {
	p := &Provide{}
	if err := binary.Read(r, binary.BigEndian, &p.QuestionID); err != nil {
		return nil, err
	}
	t, err := decodeMessageTarget(r)
	if err != nil {
		return nil, err
	}
	p.Target = t
	p.Recipient, err = decodeAnyPointer(r)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func encodeAccept(w *bytes.Buffer, a *Accept) error {
	if err := binary.Write(w, binary.BigEndian, a.QuestionID); err != nil {
		return err
	}
	return encodeAnyPointer(w, a.Provision)
}

func decodeAccept(r *bytes.Reader) (*Accept, error) {
	a := &Accept{}
	if err := binary.Read(r, binary.BigEndian, &a.QuestionID); err != nil {
		return nil, err
	}
	var err error
	a.Provision, err = decodeAnyPointer(r)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func encodeJoin(w *bytes.Buffer, j *Join) error {
	if err := binary.Write(w, binary.BigEndian, j.QuestionID); err != nil {
		return err
	}
	if err := encodeMessageTarget(w, j.Target); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, j.KeyPart.JoinID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, j.KeyPart.PartCount); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, j.KeyPart.PartNum)
}

func decodeJoin(r *bytes.Reader) (*Join, error) {
	j := &Join{}
	if err := binary.Read(r, binary.BigEndian, &j.QuestionID); err != nil {
		return nil, err
	}
	t, err := decodeMessageTarget(r)
	if err != nil {
		return nil, err
	}
	j.Target = t
	if err := binary.Read(r, binary.BigEndian, &j.KeyPart.JoinID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &j.KeyPart.PartCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &j.KeyPart.PartNum); err != nil {
		return nil, err
	}
	return j, nil
}

func encodeDisembargo(w *bytes.Buffer, d *Disembargo) error {
	if err := w.WriteByte(byte(d.Context.Kind)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, d.Context.EmbargoID); err != nil {
		return err
	}
	return encodeMessageTarget(w, d.Target)
}

func decodeDisembargo(r *bytes.Reader) (*Disembargo, error) {
	d := &Disembargo{}
	kb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	d.Context.Kind = DisembargoContextKind(kb)
	if err := binary.Read(r, binary.BigEndian, &d.Context.EmbargoID); err != nil {
		return nil, err
	}
	d.Target, err = decodeMessageTarget(r)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func encodeThirdPartyAnswer(w *bytes.Buffer, t *ThirdPartyAnswer) error {
	if err := binary.Write(w, binary.BigEndian, t.AnswerID); err != nil {
		return err
	}
	return encodeAnyPointer(w, t.Completion)
}

func decodeThirdPartyAnswer(r *bytes.Reader) (*ThirdPartyAnswer, error) {
	t := &ThirdPartyAnswer{}
	if err := binary.Read(r, binary.BigEndian, &t.AnswerID); err != nil {
		return nil, err
	}
	var err error
	t.Completion, err = decodeAnyPointer(r)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func encodeUnimplemented(w *bytes.Buffer, u *Unimplemented) error {
	if err := binary.Write(w, binary.BigEndian, uint16(u.OriginalTag)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(u.OriginalBytes))); err != nil {
		return err
	}
	_, err := w.Write(u.OriginalBytes)
	return err
}

func decodeUnimplemented(r *bytes.Reader) (*Unimplemented, error) {
	u := &Unimplemented{}
	var tag uint16
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return nil, err
	}
	u.OriginalTag = MessageTag(tag)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	u.OriginalBytes = make([]byte, n)
	if _, err := io.ReadFull(r, u.OriginalBytes); err != nil {
		return nil, err
	}
	return u, nil
}

func encodeObsolete(w *bytes.Buffer, o *ObsoletePassthrough) error {
	if o == nil {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(o.Bytes))); err != nil {
		return err
	}
	_, err := w.Write(o.Bytes)
	return err
}

func decodeObsolete(r *bytes.Reader, tag MessageTag) (*ObsoletePassthrough, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return &ObsoletePassthrough{Tag: tag, Bytes: b}, nil
}

func writeString(w *bytes.Buffer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
