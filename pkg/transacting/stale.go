package transacting

import (
	"time"

	"github.com/gtmanfred/raet/pkg/metrics"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
)

// Staler answers a packet whose Cf flag claims correspondent status for a
// transaction the stack has no record of. It is single-shot: the nack goes
// out once, in the constructor, and the transaction is immediately done —
// there is nothing to retry or time out, since no reply is expected.
type Staler struct {
	base
}

// NewStaler sends one nack echoing pkt's transaction coordinates back to
// its source.
func NewStaler(deps *Deps, local uint32, pkt *packeting.RxPacket) *Staler {
	s := &Staler{
		base: base{
			idx:  Index{Reid: pkt.Data.Se, Sid: pkt.Data.Si, Tid: pkt.Data.Ti, Kind: raeting.TxStale},
			role: raeting.RoleCorrespondent,
			deps: deps,
			done: true,
		},
	}
	nack := &packeting.TxPacket{
		Data: packeting.Data{
			Tk: pkt.Data.Tk, Pk: raeting.PkNack,
			Se: local, De: pkt.Data.Se, Si: pkt.Data.Si, Ti: pkt.Data.Ti,
			Cf: true, Hk: deps.Codecs.Hk, Bk: deps.Codecs.Bk, Fk: deps.Codecs.Fk, Ck: raeting.CoatNone,
		},
		Body: nackBody{Si: pkt.Data.Si, Ti: pkt.Data.Ti, Tk: pkt.Data.Tk},
	}
	deps.Send(nack, pkt.Data.Sh, pkt.Data.Sp, "")
	metrics.NacksSentTotal.Inc()
	return s
}

// Receive is a no-op: a Staler never hears back.
func (s *Staler) Receive(pkt *packeting.RxPacket) error { return nil }

// Process is a no-op: a Staler is already done the moment it is created.
func (s *Staler) Process(now time.Time) {}
