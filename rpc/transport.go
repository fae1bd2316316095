package rpc

// Transport is the narrow abstraction the peer drives outbound frames
// through and is driven by inbound frames from. The peer never assumes
// anything about framing, connect, or TLS; see rpc/conn.go for one
// concrete implementation over a byte stream.
type Transport interface {
	// SendFrame enqueues bytes for transmission. It must not retain
	// bytes past the call and may fail if the transport is congested,
	// closing, or closed.
	SendFrame(frame []byte) error
	// IsClosing reports whether the transport is in the process of
	// shutting down and will reject further sends.
	IsClosing() bool
	// Close is idempotent and safe to call during shutdown.
	Close() error
}

// sendFrameOverride lets tests capture outbound frames in memory
// instead of routing them through a real Transport.
type sendFrameOverride func(frame []byte) error

// AttachTransport wires t as the peer's outbound sink. Any previously
// attached transport or override is replaced.
func (p *Peer) AttachTransport(t Transport) {
	p.transport = t
	p.sendOverride = nil
}

// DetachTransport removes the peer's transport; subsequent sends fail
// with ErrTransportNotAttached until a new one is attached.
func (p *Peer) DetachTransport() {
	p.transport = nil
}

// HasAttachedTransport reports whether a transport or override is
// currently wired.
func (p *Peer) HasAttachedTransport() bool {
	return p.transport != nil || p.sendOverride != nil
}

// SetSendFrameOverride bypasses the transport entirely; outbound frames
// are handed to fn instead. Passing nil restores normal transport
// sending.
func (p *Peer) SetSendFrameOverride(fn func(frame []byte) error) {
	p.sendOverride = fn
}

// rawSendFrame is the single chokepoint every outbound message goes
// through: override first, then the attached transport, then failure.
func (p *Peer) rawSendFrame(frame []byte) error {
	if p.sendOverride != nil {
		return p.sendOverride(frame)
	}
	if p.transport == nil {
		return ErrTransportNotAttached
	}
	return p.transport.SendFrame(frame)
}

// HandleFrame is the peer's single public entry point for inbound data.
// It is implemented in peer.go (dispatch).
