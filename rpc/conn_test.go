package rpc

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-capnp/vatrpc/internal/wire"
)

func TestStreamTransportRoundTripsAFrame(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	client := NewStreamTransport(clientSide)
	server := NewStreamTransport(serverSide)

	serverPeer := NewPeer(WithName("server"))
	serverPeer.AttachTransport(server)
	exportID := serverPeer.AddExport(newEchoClient(t, 0x5EED))

	done := make(chan error, 1)
	go func() { done <- server.Run(serverPeer) }()

	call := wire.BeginCall(1, 0x1, 0).
		SetTarget(wire.MessageTarget{Kind: wire.TargetImportedCap, ImportedCap: exportID}).
		Build()
	raw, err := call.Encode()
	require.NoError(t, err)
	require.NoError(t, client.SendFrame(raw))

	respCh := make(chan []byte, 1)
	go func() {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(clientSide, lenPrefix[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(clientSide, buf); err != nil {
			return
		}
		respCh <- buf
	}()

	select {
	case buf := <-respCh:
		msg, err := wire.Decode(buf)
		require.NoError(t, err)
		require.Equal(t, wire.TagReturn, msg.Tag)
		require.Equal(t, wire.ReturnResults, msg.Return.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Return frame")
	}

	require.NoError(t, client.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after transport closed")
	}
}

func TestStreamTransportRejectsOversizedFrame(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	server := NewStreamTransport(serverSide)
	peer := NewPeer()
	peer.AttachTransport(server)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(peer) }()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], maxFrameSize+1)
	go clientSide.Write(lenPrefix[:])

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not reject the oversized frame in time")
	}
}

func TestStreamTransportSendFrameAfterCloseFails(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()
	client := NewStreamTransport(clientSide)
	require.NoError(t, client.Close())
	err := client.SendFrame([]byte("x"))
	require.ErrorIs(t, err, ErrTransportNotAttached)
}
