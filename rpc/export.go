package rpc

import (
	"zombiezen.com/go/capnproto2"

	"github.com/go-capnp/vatrpc/internal/wire"
)

// exportEntry is a locally hosted capability the remote may call.
// promiseQueue is non-nil only while the export represents an
// unresolved promise (added via AddPromiseExport); once resolved, the
// entry's handler is swapped for the concrete one and promiseQueue is
// drained and cleared.
type exportEntry struct {
	handler      capnp.Client
	refCount     uint32
	isBootstrap  bool
	isPromise    bool
	promiseQueue []queuedPromiseCall
}

// queuedPromiseCall is one inbound call parked against an unresolved
// promise export, to be replayed once the promise resolves.
type queuedPromiseCall struct {
	call *pendingCall
}

// AddExport registers handler as a new, immediately-usable export and
// returns its id. The export starts with refcount 0, matching the
// source: refcount is only incremented when a descriptor referencing it
// is actually sent to the remote.
func (p *Peer) AddExport(handler capnp.Client) uint32 {
	id := p.nextExportID()
	p.exports[id] = &exportEntry{handler: handler}
	return id
}

// AddPromiseExport registers a placeholder export that queues inbound
// calls until ResolvePromiseExportToExport is called.
func (p *Peer) AddPromiseExport() uint32 {
	id := p.nextExportID()
	p.exports[id] = &exportEntry{isPromise: true}
	return id
}

// SetBootstrap installs handler as the bootstrap export, exempting it
// from removal by Release, and returns its id.
func (p *Peer) SetBootstrap(handler capnp.Client) uint32 {
	id := p.nextExportID()
	p.exports[id] = &exportEntry{handler: handler, isBootstrap: true}
	p.bootstrapExportID = id
	p.hasBootstrapExport = true
	return id
}

// removeExportIfOrphaned deletes id from the exports table if its
// refcount has reached zero and it is not the bootstrap export
// (invariant §8.1, §8.7).
func (p *Peer) removeExportIfOrphaned(id uint32) {
	exp, ok := p.exports[id]
	if !ok {
		return
	}
	if exp.refCount == 0 && !exp.isBootstrap {
		delete(p.exports, id)
	}
}

// ResolvePromiseExportToExport resolves a pending promise export to a
// concrete handler: it sends Resolve(promiseID, senderHosted(concrete))
// and replays every queued call against the concrete handler in
// original order (spec invariant §8.6).
func (p *Peer) ResolvePromiseExportToExport(promiseID uint32, concrete capnp.Client) error {
	exp, ok := p.exports[promiseID]
	if !ok || !exp.isPromise {
		return ErrUnknownExport
	}
	concreteID := p.AddExport(concrete)
	concreteExp := p.exports[concreteID]

	msg := wire.BuildResolveCap(promiseID, wire.CapDescriptor{Kind: wire.DescSenderHosted, SenderHosted: concreteID})
	if err := p.sendFrame(msg); err != nil {
		delete(p.exports, concreteID)
		return err
	}

	queued := exp.promiseQueue
	exp.handler = concrete
	exp.isPromise = false
	exp.promiseQueue = nil

	for _, qc := range queued {
		concreteExp.refCount++
		p.handleResolvedCallAgainstExport(qc.call, concreteID)
	}
	return nil
}
