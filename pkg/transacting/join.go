package transacting

import (
	"fmt"
	"time"

	"github.com/gtmanfred/raet/pkg/estating"
	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
)

// joinIndex builds a Join transaction's index. Reid is always pinned to 0:
// a Join is the one conversation legitimately run before either side's eid
// is settled (the initiator's may be 0, the correspondent main's is already
// bound but not yet known to the initiator), so keying on the real eid
// would desynchronize the two sides mid-handshake. Sid stays 0 and Tid
// alone disambiguates concurrent Joins, matching spec.md §4.4's note that
// Join is the only transaction legitimately run with si == 0.
func joinIndex(tid uint32) Index {
	return Index{Reid: 0, Sid: 0, Tid: tid, Kind: raeting.TxJoin}
}

// joinerState is the Joiner's (initiator's) position in the four-step Join
// sequence of spec.md §4.4.
type joinerState int

const (
	joinerSentRequest joinerState = iota
	joinerDone
)

// Joiner is the initiating side of a Join: it proposes an identity and
// keypair to a main estate and, on acceptance, adopts the eid the main
// assigns.
type Joiner struct {
	base
	state      joinerState
	name       string
	mainHost   string
	mainPort   int
	onComplete func(local *estating.LocalEstate, remote *estating.RemoteEstate)
}

// NewJoiner starts a Join against the main estate at (host, port). now is
// the construction time, used to arm the first redo/timeout deadline.
func NewJoiner(deps *Deps, local *estating.LocalEstate, host string, port int, tid uint32, now time.Time, onComplete func(*estating.LocalEstate, *estating.RemoteEstate)) *Joiner {
	j := &Joiner{
		base: base{
			idx:      joinIndex(tid),
			role:     raeting.RoleInitiator,
			deps:     deps,
			destHost: host,
			destPort: port,
		},
		name:       local.Name,
		mainHost:   host,
		mainPort:   port,
		onComplete: onComplete,
	}
	j.sendRequest(local, now)
	return j
}

func (j *Joiner) sendRequest(local *estating.LocalEstate, now time.Time) {
	body := joinRequestBody{Name: j.name, VerHex: j.deps.Signer.KeyHex(), PubHex: j.deps.Boxer.PubHex()}
	pkt := &packeting.TxPacket{
		Data: packeting.Data{
			Tk: raeting.TxJoin, Pk: raeting.PkRequest,
			Se: local.Eid, De: 0, Si: 0, Ti: j.idx.Tid,
			Cf: false, Hk: j.deps.Codecs.Hk, Bk: j.deps.Codecs.Bk, Fk: j.deps.Codecs.Fk, Ck: raeting.CoatNone,
		},
		Body: body,
	}
	j.sendAndArm(now, pkt)
}

// Receive handles the Joinent's response (step 2) or, if a duplicate
// arrives, is a no-op once the Joiner has already moved on.
func (j *Joiner) Receive(pkt *packeting.RxPacket) error {
	if j.state != joinerSentRequest {
		return nil
	}

	var peek joinResponseBody
	if err := pkt.PeekBody(&peek); err != nil {
		return fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
	}
	verifier, err := nacling.NewVerifier(peek.VerHex)
	if err != nil {
		return fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
	}
	var resp joinResponseBody
	if err := pkt.ParseInner(verifier, j.deps.Boxer, peek.PubHex, &resp); err != nil {
		return err
	}

	local := j.deps.Registry.Local
	if local.Eid == 0 {
		local.Eid = resp.Reid
	}
	remote := &estating.RemoteEstate{
		Eid: pkt.Data.Se, Name: resp.Name, Host: j.mainHost, Port: j.mainPort,
		Acceptance: resp.Acceptance, VerHex: resp.VerHex, PubHex: resp.PubHex,
	}
	j.deps.Registry.AddRemote(remote)
	if j.deps.PersistJoin != nil {
		if err := j.deps.PersistJoin(local, remote); err != nil {
			return err
		}
	}

	j.peerPubHex = remote.PubHex
	ack := &packeting.TxPacket{
		Data: packeting.Data{
			Tk: raeting.TxJoin, Pk: raeting.PkAck,
			Se: local.Eid, De: remote.Eid, Si: 0, Ti: j.idx.Tid,
			Cf: false, Hk: j.deps.Codecs.Hk, Bk: j.deps.Codecs.Bk, Fk: j.deps.Codecs.Fk, Ck: raeting.CoatNone,
		},
		Body: ackBody{},
	}
	j.deps.Send(ack, j.mainHost, j.mainPort, remote.PubHex)
	j.state = joinerDone
	j.done = true
	if j.onComplete != nil {
		j.onComplete(local, remote)
	}
	return nil
}

// Process retransmits the pending request or expires the transaction.
func (j *Joiner) Process(now time.Time) {
	j.tick(now)
}

// joinentState is the Joinent's (correspondent's) position.
type joinentState int

const (
	joinentSentResponse joinentState = iota
	joinentDone
)

// Joinent is the correspondent side of a Join, spawned the moment a
// RoadStack receives a join-kind request with no matching transaction.
type Joinent struct {
	base
	state  joinentState
	remote *estating.RemoteEstate
}

// NewJoinent handles step 1 of a Join: it records the proposed identity,
// assigns a fresh eid when the local estate is main and auto-accept is on,
// and sends the authoritative response.
func NewJoinent(deps *Deps, local *estating.LocalEstate, pkt *packeting.RxPacket, srcHost string, srcPort int, now time.Time) (*Joinent, error) {
	var peek joinRequestBody
	if err := pkt.PeekBody(&peek); err != nil {
		return nil, fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
	}
	verifier, err := nacling.NewVerifier(peek.VerHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
	}
	var req joinRequestBody
	if err := pkt.ParseInner(verifier, deps.Boxer, peek.PubHex, &req); err != nil {
		return nil, err
	}

	acceptance := raeting.AcceptancePending
	eid := pkt.Data.Se
	if deps.AutoAccept {
		acceptance = raeting.AcceptanceAccepted
	}
	if deps.Main && acceptance == raeting.AcceptanceAccepted {
		eid = nextEid(deps.Registry)
	}

	remote := &estating.RemoteEstate{
		Eid: eid, Name: req.Name, Host: srcHost, Port: srcPort,
		Acceptance: acceptance, VerHex: req.VerHex, PubHex: req.PubHex,
	}
	deps.Registry.AddRemote(remote)

	je := &Joinent{
		base: base{
			idx:        joinIndex(pkt.Data.Ti),
			role:       raeting.RoleCorrespondent,
			deps:       deps,
			destHost:   srcHost,
			destPort:   srcPort,
			peerPubHex: remote.PubHex,
		},
		remote: remote,
	}
	resp := &packeting.TxPacket{
		Data: packeting.Data{
			Tk: raeting.TxJoin, Pk: raeting.PkResponse,
			Se: local.Eid, De: pkt.Data.Se, Si: 0, Ti: pkt.Data.Ti,
			Cf: true, Hk: deps.Codecs.Hk, Bk: deps.Codecs.Bk, Fk: deps.Codecs.Fk, Ck: raeting.CoatNone,
		},
		Body: joinResponseBody{Reid: eid, Name: local.Name, VerHex: deps.Signer.KeyHex(), PubHex: deps.Boxer.PubHex(), Acceptance: acceptance},
	}
	je.sendAndArm(now, resp)
	return je, nil
}

// nextEid picks the smallest unused eid above every remote the registry
// already knows, starting the namespace at 2 (1 is reserved for the
// bootstrap main by convention, matching spec.md §8 scenario 1).
func nextEid(registry *estating.Registry) uint32 {
	max := uint32(1)
	for _, r := range registry.Remotes() {
		if r.Eid > max {
			max = r.Eid
		}
	}
	if registry.Local.Eid > max {
		max = registry.Local.Eid
	}
	return max + 1
}

// Receive handles the Joiner's closing ack (step 4) and persists the peer.
func (je *Joinent) Receive(pkt *packeting.RxPacket) error {
	if je.state != joinentSentResponse {
		return nil
	}
	verifier, err := nacling.NewVerifier(je.remote.VerHex)
	if err != nil {
		return fmt.Errorf("%w: %v", packeting.ErrParseInner, err)
	}
	var ack ackBody
	if err := pkt.ParseInner(verifier, je.deps.Boxer, je.remote.PubHex, &ack); err != nil {
		return err
	}
	if je.deps.PersistJoin != nil {
		if err := je.deps.PersistJoin(je.deps.Registry.Local, je.remote); err != nil {
			return err
		}
	}
	je.state = joinentDone
	je.done = true
	return nil
}

// Process retransmits the pending response or expires the transaction.
func (je *Joinent) Process(now time.Time) {
	je.tick(now)
}
