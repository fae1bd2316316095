package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-capnp/vatrpc/internal/wire"
)

func TestAddExportStartsAtZeroRefcountAndIsRemovedOnRelease(t *testing.T) {
	p := NewPeer()
	c := newEchoClient(t, 1)
	id := p.AddExport(c)

	exp, ok := p.exports[id]
	require.True(t, ok)
	require.Equal(t, uint32(0), exp.refCount)

	// A descriptor referencing this export must be sent before Release
	// has anything to decrement; bumping the refcount directly mirrors
	// what EncodePayloadCaps would have done.
	exp.refCount = 1
	require.NoError(t, p.handleRelease(id, 1))
	_, stillPresent := p.exports[id]
	require.False(t, stillPresent)
}

func TestBootstrapExportSurvivesRelease(t *testing.T) {
	p := NewPeer(WithBootstrap(newEchoClient(t, 1)))
	require.True(t, p.hasBootstrapExport)
	id := p.bootstrapExportID

	p.exports[id].refCount = 1
	require.NoError(t, p.handleRelease(id, 1))
	_, stillPresent := p.exports[id]
	require.True(t, stillPresent, "bootstrap export must survive reaching refcount zero")
}

func TestResolvePromiseExportToNonPromiseIsUnknownExport(t *testing.T) {
	p := NewPeer()
	id := p.AddExport(newEchoClient(t, 1))
	err := p.ResolvePromiseExportToExport(id, newEchoClient(t, 2))
	require.ErrorIs(t, err, ErrUnknownExport)
}

func TestEncodePayloadCapsRollbackUndoesExportRefcount(t *testing.T) {
	p := NewPeer()
	id := p.AddExport(newEchoClient(t, 1))

	descs, rb, err := p.EncodePayloadCaps([]LogicalCap{{Kind: LogicalExported, ExportID: id}})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, uint32(1), p.exports[id].refCount)

	rb.run()
	require.Equal(t, uint32(0), p.exports[id].refCount)
}

func TestEncodePayloadCapsPromisedAllocatesAndRollbackForgets(t *testing.T) {
	p := NewPeer()
	descs, rb, err := p.EncodePayloadCaps([]LogicalCap{{Kind: LogicalPromised, QuestionID: 7, Transform: nil}})
	require.NoError(t, err)
	require.Equal(t, wire.DescReceiverAnswer, descs[0].Kind)
	require.Len(t, rb.allocatedReceiverAnswers, 1)

	id := rb.allocatedReceiverAnswers[0]
	require.Contains(t, p.capTable.receiverAnswers, id)
	rb.run()
	require.NotContains(t, p.capTable.receiverAnswers, id)
}

func TestNewInboundCapTableResolvesAndReleasesImports(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)

	ict := p.NewInboundCapTable([]wire.CapDescriptor{
		{Kind: wire.DescSenderHosted, SenderHosted: 11},
		{Kind: wire.DescSenderHosted, SenderHosted: 11},
	})
	require.Equal(t, uint32(2), p.importRefs[11])

	ict.Release()
	require.Equal(t, uint32(0), p.importRefs[11])
	require.NotContains(t, p.importRefs, uint32(11))

	last := fr.last()
	require.Equal(t, wire.TagRelease, last.Tag)
	require.Equal(t, uint32(11), last.Release.ID)
	require.Equal(t, uint32(2), last.Release.ReferenceCount)
}

func TestInboundCapTableRetainedSlotIsNotReleased(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)

	ict := p.NewInboundCapTable([]wire.CapDescriptor{{Kind: wire.DescSenderHosted, SenderHosted: 4}})
	ict.RetainCapability(0)
	ict.Release()

	require.Empty(t, fr.messages, "a retained capability must not be released")
	require.Equal(t, uint32(1), p.importRefs[4])
}
