package rpc

import "github.com/go-capnp/vatrpc/internal/wire"

// handleRelease implements spec §4.D handle_release: decrement the
// named export's refcount by min(count, current), removing it once it
// reaches zero unless it is the bootstrap export (invariant §8.1, §8.7).
func (p *Peer) handleRelease(id uint32, count uint32) error {
	exp, ok := p.exports[id]
	if !ok {
		return nil
	}
	if count > exp.refCount {
		count = exp.refCount
	}
	exp.refCount -= count
	p.removeExportIfOrphaned(id)
	return nil
}

// sendReleaseForHost sends a Release message for n references to a
// remote-hosted import id, used by InboundCapTable.Release once a
// batch of unretained imports is known.
func (p *Peer) sendReleaseForHost(importID uint32, n uint32) error {
	return p.sendFrame(wire.BuildRelease(importID, n))
}

// handleBootstrap implements spec §4.D handle_bootstrap: answer with the
// peer's bootstrap export, or an exception if none was configured.
func (p *Peer) handleBootstrap(questionID uint32) error {
	if !p.hasBootstrapExport {
		return p.sendFrame(wire.BeginReturn(questionID, wire.ReturnException).
			SetException(wire.Exception{Reason: "bootstrap not configured"}).Build())
	}
	exp := p.exports[p.bootstrapExportID]
	exp.refCount++
	results := wire.Payload{
		CapTable: []wire.CapDescriptor{{Kind: wire.DescSenderHosted, SenderHosted: p.bootstrapExportID}},
	}
	return p.sendReturnResults(questionID, results, wire.SendResultsTo{})
}

// SendBootstrap is the peer's public outbound bootstrap surface.
func (p *Peer) SendBootstrap(onReturn func(*wire.Return)) (uint32, error) {
	if p.shuttingDown {
		return 0, ErrPeerShuttingDown
	}
	qid := p.nextQuestionID()
	if err := p.sendFrame(wire.BuildBootstrap(qid)); err != nil {
		return 0, err
	}
	p.questions[qid] = &questionEntry{onReturn: onReturn}
	return qid, nil
}

// handleResolve implements spec §4.D handle_resolve: the remote is
// telling us a promise we imported has settled. A cap resolution drops
// the import's resolvedImports record only if it is not embargoed; an
// embargoed record is left in place for handleDisembargo to clear. An
// exception resolution drops the record either way. An import with no
// resolvedImports entry is a no-op.
func (p *Peer) handleResolve(r *wire.Resolve) error {
	switch r.Kind {
	case wire.ResolveCap:
		if ri, ok := p.resolvedImports[r.PromiseID]; ok && !ri.embargoed {
			delete(p.resolvedImports, r.PromiseID)
		}
		return nil
	case wire.ResolveException:
		delete(p.resolvedImports, r.PromiseID)
		return nil
	default:
		return nil
	}
}

// handleDisembargo implements spec §4.D handle_disembargo: the three
// DisembargoContext cases are senderLoopback (the remote asks us to
// loop its embargo back; we echo a receiverLoopback to the same
// target), receiverLoopback (our own embargo has come back; we send the
// call queued against it, if any, and clear the embargo flag on an
// importedCap target), and accept (flushes the three-party Accepts
// pending on this embargo).
func (p *Peer) handleDisembargo(d *wire.Disembargo) error {
	switch d.Context.Kind {
	case wire.DisembargoSenderLoopback:
		p.logEmbargo("sender-loopback-received", d.Context.EmbargoID)
		return p.sendFrame(wire.BuildDisembargoReceiverLoopback(d.Context.EmbargoID, d.Target))

	case wire.DisembargoReceiverLoopback:
		p.logEmbargo("receiver-loopback-received", d.Context.EmbargoID)
		if call, ok := p.TakePendingEmbargoPromise(d.Context.EmbargoID); ok {
			if err := p.sendFrame(&wire.Message{Tag: wire.TagCall, Call: call}); err != nil {
				p.logMalformedFrame("embargoed-call", err)
			}
		}
		if target := d.Target; target.Kind == wire.TargetImportedCap {
			p.ClearResolvedImportEmbargo(target.ImportedCap)
		}
		return nil

	case wire.DisembargoAccept:
		p.logEmbargo("accept-received", d.Context.EmbargoID)
		return p.flushPendingAcceptsForEmbargo(d.Context.EmbargoID)

	default:
		return nil
	}
}
