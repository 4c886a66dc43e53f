package transacting

import (
	"errors"
	"fmt"
	"time"

	"github.com/gtmanfred/raet/pkg/estating"
	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
)

// ErrNotAccepted is returned by NewAllower and NewAllowent when the remote's
// acceptance state is not "accepted", per
// spec.md §3's invariant that such a remote cannot advance a transaction
// past its first round trip.
var ErrNotAccepted = errors.New("transacting: remote not accepted")

type allowerState int

const (
	allowerSentHello allowerState = iota
	allowerSentInitiate
	allowerDone
)

// Allower is the initiating side of an Allow: a three-message
// hello/cookie/initiate handshake that confirms both peers still hold the
// session keys negotiated at Join and refreshes the remote's rsid.
type Allower struct {
	base
	state  allowerState
	local  *estating.LocalEstate
	remote *estating.RemoteEstate
	cookie string
}

// NewAllower starts an Allow against remote. local.Sid must already be
// non-zero and remote.Acceptance must already be accepted.
func NewAllower(deps *Deps, local *estating.LocalEstate, remote *estating.RemoteEstate, tid uint32, now time.Time) (*Allower, error) {
	if local.Sid == 0 {
		return nil, fmt.Errorf("transacting: allow requires a non-zero local session id")
	}
	if remote.Acceptance != raeting.AcceptanceAccepted {
		return nil, ErrNotAccepted
	}
	a := &Allower{
		base: base{
			idx:        Index{Reid: remote.Eid, Sid: local.Sid, Tid: tid, Kind: raeting.TxAllow},
			role:       raeting.RoleInitiator,
			deps:       deps,
			destHost:   remote.Host,
			destPort:   remote.Port,
			peerPubHex: remote.PubHex,
		},
		local:  local,
		remote: remote,
	}
	a.sendHello(now)
	return a, nil
}

func (a *Allower) sendHello(now time.Time) {
	body := allowHelloBody{VerHex: a.deps.Signer.KeyHex(), Sid: a.local.Sid}
	pkt := &packeting.TxPacket{
		Data: packeting.Data{
			Tk: raeting.TxAllow, Pk: raeting.PkHello,
			Se: a.local.Eid, De: a.remote.Eid, Si: a.local.Sid, Ti: a.idx.Tid,
			Cf: false, Hk: a.deps.Codecs.Hk, Bk: a.deps.Codecs.Bk, Fk: a.deps.Codecs.Fk, Ck: raeting.CoatNacl,
		},
		Body: body,
	}
	a.sendAndArm(now, pkt)
}

// Receive handles the Allowent's cookie and, once received, sends the
// initiate that commits the session on both sides.
func (a *Allower) Receive(pkt *packeting.RxPacket) error {
	switch a.state {
	case allowerSentHello:
		verifier, err := nacling.NewVerifier(a.remote.VerHex)
		if err != nil {
			return fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
		}
		var cookie allowCookieBody
		if err := pkt.ParseInner(verifier, a.deps.Boxer, a.remote.PubHex, &cookie); err != nil {
			return err
		}
		a.cookie = cookie.Cookie
		initiate := &packeting.TxPacket{
			Data: packeting.Data{
				Tk: raeting.TxAllow, Pk: raeting.PkInitiate,
				Se: a.local.Eid, De: a.remote.Eid, Si: a.local.Sid, Ti: a.idx.Tid,
				Cf: false, Hk: a.deps.Codecs.Hk, Bk: a.deps.Codecs.Bk, Fk: a.deps.Codecs.Fk, Ck: raeting.CoatNacl,
			},
			Body: allowInitiateBody{Cookie: a.cookie},
		}
		a.sendAndArm(time.Now(), initiate)
		a.remote.Rsid = cookie.Sid
		if a.deps.PersistSession != nil {
			if err := a.deps.PersistSession(a.remote); err != nil {
				return err
			}
		}
		a.state = allowerSentInitiate
		a.done = true
		return nil
	default:
		return nil
	}
}

// Process retransmits the pending hello or expires the transaction. The
// Allower is done as soon as it sends the initiate, so the initiate is sent
// only once.
func (a *Allower) Process(now time.Time) {
	a.tick(now)
}

type allowentState int

const (
	allowentSentCookie allowentState = iota
	allowentDone
)

// Allowent is the correspondent side of an Allow: it challenges the
// initiator with a cookie and commits the session once the initiate
// arrives.
type Allowent struct {
	base
	state  allowentState
	local  *estating.LocalEstate
	remote *estating.RemoteEstate
	cookie string
}

// NewAllowent handles an inbound hello. remote must already be known and
// accepted; callers (the RoadStack dispatch) are expected to have checked
// this via the registry before constructing an Allowent.
func NewAllowent(deps *Deps, local *estating.LocalEstate, remote *estating.RemoteEstate, pkt *packeting.RxPacket, now time.Time) (*Allowent, error) {
	if remote.Acceptance != raeting.AcceptanceAccepted {
		return nil, ErrNotAccepted
	}
	verifier, err := nacling.NewVerifier(remote.VerHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
	}
	var hello allowHelloBody
	if err := pkt.ParseInner(verifier, deps.Boxer, remote.PubHex, &hello); err != nil {
		return nil, err
	}

	ae := &Allowent{
		base: base{
			idx:        Index{Reid: pkt.Data.Se, Sid: pkt.Data.Si, Tid: pkt.Data.Ti, Kind: raeting.TxAllow},
			role:       raeting.RoleCorrespondent,
			deps:       deps,
			destHost:   pkt.Data.Sh,
			destPort:   pkt.Data.Sp,
			peerPubHex: remote.PubHex,
		},
		local:  local,
		remote: remote,
		cookie: newCookie(deps, pkt.Data.Ti),
	}
	cookiePkt := &packeting.TxPacket{
		Data: packeting.Data{
			Tk: raeting.TxAllow, Pk: raeting.PkCookie,
			Se: local.Eid, De: pkt.Data.Se, Si: pkt.Data.Si, Ti: pkt.Data.Ti,
			Cf: true, Hk: deps.Codecs.Hk, Bk: deps.Codecs.Bk, Fk: deps.Codecs.Fk, Ck: raeting.CoatNacl,
		},
		Body: allowCookieBody{Sid: local.Sid, Cookie: ae.cookie},
	}
	ae.sendAndArm(now, cookiePkt)
	return ae, nil
}

// newCookie derives a deterministic per-transaction challenge token. It is
// not a cryptographic nonce (the coat already authenticates the exchange);
// it exists only so Allower.Receive has something concrete to echo back in
// its initiate, matching the three-message shape spec.md §4.4 describes.
func newCookie(deps *Deps, tid uint32) string {
	return fmt.Sprintf("%s-%d", deps.Signer.KeyHex()[:8], tid)
}

// Receive handles the initiator's initiate and commits the session.
func (ae *Allowent) Receive(pkt *packeting.RxPacket) error {
	if ae.state != allowentSentCookie {
		return nil
	}
	verifier, err := nacling.NewVerifier(ae.remote.VerHex)
	if err != nil {
		return fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
	}
	var initiate allowInitiateBody
	if err := pkt.ParseInner(verifier, ae.deps.Boxer, ae.remote.PubHex, &initiate); err != nil {
		return err
	}
	if initiate.Cookie != ae.cookie {
		return fmt.Errorf("%w: cookie mismatch", packeting.ErrParseInner)
	}
	ae.remote.Rsid = ae.idx.Sid
	if ae.deps.PersistSession != nil {
		if err := ae.deps.PersistSession(ae.remote); err != nil {
			return err
		}
	}
	ae.state = allowentDone
	ae.done = true
	return nil
}

// Process retransmits the pending cookie or expires the transaction.
func (ae *Allowent) Process(now time.Time) {
	ae.tick(now)
}
