// Package refcount provides a capnp.Client decorator that lets several
// independent owners share one underlying client and each close their
// own reference without tearing down the client out from under the
// others. The real close only happens once every issued reference has
// been closed.
//
// This is the same shape the upstream go-capnproto2 rpc package keeps at
// rpc/internal/refcount -- an unexported import path, so vatrpc carries
// its own copy rather than depending on it.
package refcount

import (
	"sync"

	"github.com/pkg/errors"
	"zombiezen.com/go/capnproto2"
)

// RefCounted wraps a capnp.Client so New's caller and every subsequent
// Ref() caller can independently Close their own handle.
type RefCounted struct {
	mu     sync.Mutex
	client capnp.Client
	count  int
	closed bool
}

// ref is one independently closeable handle onto a RefCounted.
type ref struct {
	rc   *RefCounted
	once sync.Once
}

// New wraps client in a RefCounted and returns it along with the first
// reference. The caller owns that first reference exactly as if it had
// called Ref() itself; client itself must not be closed directly once
// wrapped.
func New(client capnp.Client) (rc *RefCounted, first capnp.Client) {
	rc = &RefCounted{client: client, count: 1}
	return rc, &ref{rc: rc}
}

// Ref returns a new independently closeable reference to the
// underlying client. Calling Ref after the underlying client has
// already been closed still returns a usable handle backed by
// capnp.ErrorClient, matching the behavior of calling a closed client.
func (rc *RefCounted) Ref() capnp.Client {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return capnp.ErrorClient(errors.New("refcount: Ref called after last reference closed"))
	}
	rc.count++
	return &ref{rc: rc}
}

func (r *ref) Call(call *capnp.Call) capnp.Answer {
	r.rc.mu.Lock()
	closed := r.rc.closed
	client := r.rc.client
	r.rc.mu.Unlock()
	if closed {
		return capnp.ErrorAnswer(errors.New("refcount: Call on closed reference"))
	}
	return client.Call(call)
}

func (r *ref) Close() error {
	var err error
	r.once.Do(func() {
		rc := r.rc
		rc.mu.Lock()
		rc.count--
		last := rc.count == 0 && !rc.closed
		if last {
			rc.closed = true
		}
		client := rc.client
		rc.mu.Unlock()
		if last {
			err = client.Close()
		}
	})
	return err
}
