package rpc

import (
	"github.com/sirupsen/logrus"
	"zombiezen.com/go/capnproto2"

	"github.com/go-capnp/vatrpc/internal/refcount"
)

// peerParams is built up by PeerOptions before a Peer is constructed,
// generalizing the teacher's connParams/ConnOption pattern to the
// handful of things a Peer (rather than a whole Conn) needs configured.
type peerParams struct {
	bootstrap         func() capnp.Client
	bootstrapCloser   capnp.Client
	logger            *logrus.Entry
	promiseQueueLimit int
	embargoSeed       uint32
	name              string
}

// PeerOption configures a Peer at construction time.
type PeerOption struct {
	f func(*peerParams)
}

// WithBootstrap specifies the capability to use when answering Bootstrap
// messages. By default bootstrap requests fail with "bootstrap not
// configured". The client is ref-counted via internal/refcount so the
// Peer's own close path and the bootstrap export each hold an
// independent reference, matching the teacher's MainInterface.
func WithBootstrap(client capnp.Client) PeerOption {
	rc, ref1 := refcount.New(client)
	ref2 := rc.Ref()
	return PeerOption{func(p *peerParams) {
		p.bootstrap = func() capnp.Client { return ref1 }
		p.bootstrapCloser = ref2
	}}
}

// WithLogger installs a structured logger. Absent, Peer falls back to
// logrus.StandardLogger().
func WithLogger(log *logrus.Entry) PeerOption {
	return PeerOption{func(p *peerParams) { p.logger = log }}
}

// WithPromiseQueueLimit bounds pending_export_promises per promise id;
// 0 (the default) means unbounded, matching the source's behavior (see
// the Open Question resolution on queue bounds). Exceeding the limit
// rejects the queued call synchronously with ErrPromiseQueueOverflow.
func WithPromiseQueueLimit(n int) PeerOption {
	return PeerOption{func(p *peerParams) { p.promiseQueueLimit = n }}
}

// WithEmbargoSeed pins the embargo id generator's starting point, for
// deterministic tests.
func WithEmbargoSeed(seed uint32) PeerOption {
	return PeerOption{func(p *peerParams) { p.embargoSeed = seed }}
}

// WithName labels a Peer in log output; useful when a test wires two
// peers together in one process.
func WithName(name string) PeerOption {
	return PeerOption{func(p *peerParams) { p.name = name }}
}
