package refcount

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/capnproto2"
)

var errRefcountTest = errors.New("refcount test sentinel")

type countingClient struct {
	closes int
	calls  int
}

func (c *countingClient) Call(call *capnp.Call) capnp.Answer {
	c.calls++
	return capnp.ErrorAnswer(errRefcountTest)
}

func (c *countingClient) Close() error {
	c.closes++
	return nil
}

func TestFirstReferenceCallsThroughToUnderlyingClient(t *testing.T) {
	underlying := &countingClient{}
	_, first := New(underlying)

	_ = first.Call(&capnp.Call{})
	require.Equal(t, 1, underlying.calls)
}

func TestUnderlyingClientClosesOnlyOnLastReference(t *testing.T) {
	underlying := &countingClient{}
	rc, first := New(underlying)
	second := rc.Ref()

	require.NoError(t, first.Close())
	require.Equal(t, 0, underlying.closes, "must not close while a reference is still outstanding")

	require.NoError(t, second.Close())
	require.Equal(t, 1, underlying.closes)
}

func TestCloseIsIdempotentPerReference(t *testing.T) {
	underlying := &countingClient{}
	_, first := New(underlying)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	require.Equal(t, 1, underlying.closes, "closing the same reference twice must not double-close the underlying client")
}

func TestCallOnClosedReferenceReturnsErrorAnswer(t *testing.T) {
	underlying := &countingClient{}
	_, first := New(underlying)
	require.NoError(t, first.Close())

	ans := first.Call(&capnp.Call{})
	_, err := ans.Struct()
	require.Error(t, err)
	require.Equal(t, 0, underlying.calls, "a closed reference must not reach the underlying client")
}

func TestRefAfterAllReferencesClosedReturnsErrorClient(t *testing.T) {
	underlying := &countingClient{}
	rc, first := New(underlying)
	require.NoError(t, first.Close())

	late := rc.Ref()
	ans := late.Call(&capnp.Call{})
	_, err := ans.Struct()
	require.Error(t, err)
}
