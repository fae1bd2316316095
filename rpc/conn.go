package rpc

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// maxFrameSize bounds a single inbound frame so a corrupt or hostile
// peer cannot make StreamTransport allocate an unbounded buffer from a
// forged length prefix.
const maxFrameSize = 64 << 20

// StreamTransport implements Transport by length-prefixing frames (a
// uint32 big-endian byte count) over an arbitrary io.ReadWriteCloser.
// The peer's own wire codec already frames structurally inside each
// message, so this layer only needs to know where one message ends and
// the next begins; a dedicated length-prefixed stream format needs no
// library beyond encoding/binary, which is why this is the one wire-
// adjacent piece of vatrpc built directly on the standard library (see
// DESIGN.md).
type StreamTransport struct {
	rwc io.ReadWriteCloser

	writeMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// NewStreamTransport wraps rwc. Call Run in its own goroutine to start
// delivering inbound frames to peer via HandleFrame.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rwc: rwc}
}

// SendFrame writes one length-prefixed frame. Safe for concurrent use
// even though Peer itself is not, since a transport may be shared with
// a writer goroutine independent of the peer's single driver goroutine.
func (t *StreamTransport) SendFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.IsClosing() {
		return ErrTransportNotAttached
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(frame)))
	if _, err := t.rwc.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "stream transport: write length prefix")
	}
	if _, err := t.rwc.Write(frame); err != nil {
		return errors.Wrap(err, "stream transport: write frame")
	}
	return nil
}

// IsClosing reports whether Close has been called.
func (t *StreamTransport) IsClosing() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}

// Close is idempotent.
func (t *StreamTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return t.closeErr
	}
	t.closed = true
	t.closeErr = t.rwc.Close()
	return t.closeErr
}

// Run reads length-prefixed frames until the stream closes or peer
// reports a fatal error (remote abort, malformed frame), handing each
// one to peer.HandleFrame in order. It blocks; callers run it in its
// own goroutine and drive Peer's other methods from a single separate
// goroutine, per Peer's single-threaded-cooperative contract.
func (t *StreamTransport) Run(peer *Peer) error {
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(t.rwc, lenPrefix[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "stream transport: read length prefix")
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		if n > maxFrameSize {
			return errors.Errorf("stream transport: frame of %d bytes exceeds limit", n)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(t.rwc, frame); err != nil {
			return errors.Wrap(err, "stream transport: read frame")
		}
		if err := peer.HandleFrame(frame); err != nil {
			if errors.Is(err, ErrRemoteAbort) {
				return nil
			}
			return err
		}
	}
}
