package rpc

import "github.com/sirupsen/logrus"

// defaultLogger is used by any Peer constructed without WithLogger,
// mirroring the teacher's fallback to the standard log package when no
// logger is configured.
var defaultLogger = logrus.NewEntry(logrus.StandardLogger())

func (p *Peer) logMalformedFrame(tag string, err error) {
	p.log.WithField("peer", p.name).WithField("tag", tag).WithError(err).Warn("malformed inbound frame")
}

func (p *Peer) logRemoteAbort(reason string) {
	p.log.WithField("peer", p.name).WithField("reason", reason).Error("remote aborted connection")
}

func (p *Peer) logHandlerError(questionID uint32, err error) {
	p.log.WithField("peer", p.name).WithField("answer_id", questionID).WithError(err).Warn("export handler returned error")
}

func (p *Peer) logRollback(reason string) {
	p.log.WithField("peer", p.name).WithField("reason", reason).Debug("rolled back outbound cap-table side effects")
}

func (p *Peer) logEmbargo(event string, embargoID uint32) {
	p.log.WithField("peer", p.name).WithField("embargo_id", embargoID).Debug(event)
}

func (p *Peer) logThirdParty(event string, id uint32) {
	p.log.WithField("peer", p.name).WithField("id", id).Debug(event)
}
