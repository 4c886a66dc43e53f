package transacting

import (
	"fmt"
	"time"

	"github.com/gtmanfred/raet/pkg/estating"
	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
)

// Messenger is the initiating side of a reliable application payload
// delivery. With Bf (broadcast) set it completes as soon as the packet is
// sent, since no ack is expected. With Wf (wait-for-ack) set it stays live
// until the Messengent's ack arrives or the transaction times out, at
// which point NotifyFailure surfaces the delivery failure.
type Messenger struct {
	base
	bf, wf bool
}

// NewMessenger packs body per the stack's default codecs and sends it to
// remote, honoring deps.Codecs and the broadcast/wait flags. A broadcast
// (Bf set) still addresses one physical remote per Messenger — the
// RoadStack fans a deid==0 Transmit out into one Messenger per accepted
// remote — but carries De==0 on the wire so spec.md §4.5's destination
// check (de ∈ {0, local.eid}) accepts it everywhere.
func NewMessenger(deps *Deps, local *estating.LocalEstate, remote *estating.RemoteEstate, body []byte, bf, wf bool, tid uint32, now time.Time) *Messenger {
	de := remote.Eid
	if bf {
		de = 0
	}
	m := &Messenger{
		base: base{
			idx:        Index{Reid: remote.Eid, Sid: local.Sid, Tid: tid, Kind: raeting.TxMessage},
			role:       raeting.RoleInitiator,
			deps:       deps,
			destHost:   remote.Host,
			destPort:   remote.Port,
			peerPubHex: remote.PubHex,
		},
		bf: bf,
		wf: wf,
	}
	pkt := &packeting.TxPacket{
		Data: packeting.Data{
			Tk: raeting.TxMessage, Pk: raeting.PkMessage,
			Se: local.Eid, De: de, Si: local.Sid, Ti: tid,
			Cf: false, Bf: bf, Wf: wf,
			Hk: deps.Codecs.Hk, Bk: deps.Codecs.Bk, Fk: deps.Codecs.Fk, Ck: deps.Codecs.Ck,
		},
		Body: rawBody(body),
	}
	m.sendAndArm(now, pkt)
	if bf || !wf {
		m.done = true
	}
	return m
}

// Receive handles the Messengent's ack. Anything else arriving on this
// index (a stray duplicate) is ignored.
func (m *Messenger) Receive(pkt *packeting.RxPacket) error {
	if m.done {
		return nil
	}
	if pkt.Data.Pk != raeting.PkAck {
		return nil
	}
	m.done = true
	return nil
}

// Process retransmits the pending message (when Wf is set and no ack has
// arrived) or expires the transaction, reporting failure for a Wf
// transmission that never got acked.
func (m *Messenger) Process(now time.Time) {
	if m.done {
		return
	}
	if expired := m.tick(now); expired {
		if m.wf && m.deps.NotifyFailure != nil {
			m.deps.NotifyFailure(m.idx, ErrTransactionTimeout)
		}
	}
}

// Messengent is the correspondent side: it decodes an inbound message,
// delivers it to the application, and (unless Bf was set) acks it.
type Messengent struct {
	base
}

// NewMessengent decodes pkt's body, delivers it via deps.Deliver, and
// replies with an ack unless the packet was a broadcast.
func NewMessengent(deps *Deps, local *estating.LocalEstate, remote *estating.RemoteEstate, pkt *packeting.RxPacket, now time.Time) (*Messengent, error) {
	verifier, err := nacling.NewVerifier(remote.VerHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
	}
	var body rawBody
	if err := pkt.ParseInner(verifier, deps.Boxer, remote.PubHex, &body); err != nil {
		return nil, err
	}
	deps.Deliver(remote.Eid, []byte(body))

	me := &Messengent{
		base: base{
			idx:        Index{Reid: pkt.Data.Se, Sid: pkt.Data.Si, Tid: pkt.Data.Ti, Kind: raeting.TxMessage},
			role:       raeting.RoleCorrespondent,
			deps:       deps,
			destHost:   pkt.Data.Sh,
			destPort:   pkt.Data.Sp,
			peerPubHex: remote.PubHex,
			done:       true,
		},
	}
	if !pkt.Data.Bf {
		ack := &packeting.TxPacket{
			Data: packeting.Data{
				Tk: raeting.TxMessage, Pk: raeting.PkAck,
				Se: local.Eid, De: pkt.Data.Se, Si: pkt.Data.Si, Ti: pkt.Data.Ti,
				Cf: true, Hk: deps.Codecs.Hk, Bk: deps.Codecs.Bk, Fk: deps.Codecs.Fk, Ck: raeting.CoatNone,
			},
			Body: ackBody{},
		}
		deps.Send(ack, me.destHost, me.destPort, me.peerPubHex)
	}
	return me, nil
}

// Receive is a no-op: a Messengent completes the instant it is
// constructed, so nothing further is expected on its index.
func (me *Messengent) Receive(pkt *packeting.RxPacket) error { return nil }

// Process is a no-op: a Messengent never retransmits or times out.
func (me *Messengent) Process(now time.Time) {}

// rawBody is the application message's raw encoded bytes, passed through
// the body codec unchanged so a Messenger never needs to know what shape
// the application's payload takes.
type rawBody []byte

// MarshalJSON satisfies the json body codec by emitting the bytes as-is
// (they are already a complete JSON value produced by the application).
func (b rawBody) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("null"), nil
	}
	return b, nil
}

// UnmarshalJSON captures the raw bytes of whatever JSON value arrived.
func (b *rawBody) UnmarshalJSON(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}

// Bytes and SetBytes satisfy packeting's rawBodyCodec plumbing, so a
// Messenger configured with Bk == raeting.BodyRaw works the same as the
// BodyJSON default.
func (b rawBody) Bytes() []byte { return b }

func (b *rawBody) SetBytes(data []byte) { *b = append((*b)[:0], data...) }
