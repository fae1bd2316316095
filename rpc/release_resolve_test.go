package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-capnp/vatrpc/internal/wire"
)

func TestHandleBootstrapWithNoneConfiguredReturnsException(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	require.NoError(t, p.handleBootstrap(1))
	require.Equal(t, wire.ReturnException, fr.last().Return.Tag)
}

func TestHandleBootstrapBumpsRefcountAndReturnsSenderHosted(t *testing.T) {
	p := NewPeer(WithBootstrap(newEchoClient(t, 1)))
	fr := newFrameRecorder(t, p)

	require.NoError(t, p.handleBootstrap(1))
	ret := fr.last().Return
	require.Equal(t, wire.ReturnResults, ret.Tag)
	require.Len(t, ret.Results.CapTable, 1)
	require.Equal(t, wire.DescSenderHosted, ret.Results.CapTable[0].Kind)
	require.Equal(t, uint32(1), p.exports[p.bootstrapExportID].refCount)
}

func TestSendBootstrapRejectedWhileShuttingDown(t *testing.T) {
	p := NewPeer()
	p.Shutdown(func() {})
	_, err := p.SendBootstrap(nil)
	require.ErrorIs(t, err, ErrPeerShuttingDown)
}

func TestHandleReleaseClampsToCurrentRefcount(t *testing.T) {
	p := NewPeer()
	id := p.AddExport(newEchoClient(t, 1))
	p.exports[id].refCount = 2

	require.NoError(t, p.handleRelease(id, 100))
	_, stillPresent := p.exports[id]
	require.False(t, stillPresent)
}

func TestHandleReleaseOnUnknownExportIsNoop(t *testing.T) {
	p := NewPeer()
	require.NoError(t, p.handleRelease(999, 1))
}

func TestHandleResolveCapClearsUnembargoedImport(t *testing.T) {
	p := NewPeer()
	p.resolvedImports[3] = &resolvedImportEntry{}
	require.NoError(t, p.handleResolve(&wire.Resolve{PromiseID: 3, Kind: wire.ResolveCap}))
	require.NotContains(t, p.resolvedImports, uint32(3))
}

func TestHandleResolveCapLeavesEmbargoedImportUntouched(t *testing.T) {
	p := NewPeer()
	p.resolvedImports[3] = &resolvedImportEntry{embargoed: true, embargoID: 1}
	require.NoError(t, p.handleResolve(&wire.Resolve{PromiseID: 3, Kind: wire.ResolveCap}))
	require.Contains(t, p.resolvedImports, uint32(3))
}

func TestDisembargoSenderLoopbackEchoesReceiverLoopback(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	target := wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: 5}

	require.NoError(t, p.handleDisembargo(&wire.Disembargo{
		Context: wire.DisembargoContext{Kind: wire.DisembargoSenderLoopback, EmbargoID: 7},
		Target:  target,
	}))

	last := fr.last()
	require.Equal(t, wire.TagDisembargo, last.Tag)
	require.Equal(t, wire.DisembargoReceiverLoopback, last.Disembargo.Context.Kind)
	require.Equal(t, uint32(7), last.Disembargo.Context.EmbargoID)
}

func TestDisembargoReceiverLoopbackFlushesPendingCall(t *testing.T) {
	p := NewPeer()
	fr := newFrameRecorder(t, p)
	queued := wire.BeginCall(1, 0x1, 0).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: 9}).
		Build().Call
	p.RememberPendingEmbargo(42, queued)
	p.resolvedImports[9] = &resolvedImportEntry{embargoed: true, embargoID: 42}

	require.NoError(t, p.handleDisembargo(&wire.Disembargo{
		Context: wire.DisembargoContext{Kind: wire.DisembargoReceiverLoopback, EmbargoID: 42},
		Target:  wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: 9},
	}))

	last := fr.last()
	require.Equal(t, wire.TagCall, last.Tag)
	require.Equal(t, uint32(1), last.Call.QuestionID)
	require.False(t, p.resolvedImports[9].embargoed)
	_, stillQueued := p.TakePendingEmbargoPromise(42)
	require.False(t, stillQueued)
}

func TestDisembargoAcceptWithNothingPendingIsNoop(t *testing.T) {
	p := NewPeer()
	require.NoError(t, p.handleDisembargo(&wire.Disembargo{
		Context: wire.DisembargoContext{Kind: wire.DisembargoAccept, EmbargoID: 1},
	}))
}
