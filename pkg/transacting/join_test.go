package transacting

import (
	"testing"
	"time"

	"github.com/gtmanfred/raet/pkg/estating"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinerSendsRequestOnConstruction(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Name: "b"})
	now := time.Now()

	j := NewJoiner(h.deps, h.registry.Local, "127.0.0.1", 7530, 1, now, nil)

	sp := h.lastSent(t)
	assert.Equal(t, raeting.TxJoin, sp.pkt.Data.Tk)
	assert.Equal(t, raeting.PkRequest, sp.pkt.Data.Pk)
	assert.Equal(t, uint32(0), sp.pkt.Data.Si)
	assert.False(t, j.Done())
	assert.Equal(t, Index{Reid: 0, Sid: 0, Tid: 1, Kind: raeting.TxJoin}, j.Index())
}

func TestJoinerCompletesOnResponse(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Name: "b"})
	now := time.Now()
	var completed *estating.RemoteEstate
	onComplete := func(local *estating.LocalEstate, remote *estating.RemoteEstate) { completed = remote }

	j := NewJoiner(h.deps, h.registry.Local, "127.0.0.1", 7530, 1, now, onComplete)

	main := newPeer(t)
	resp := main.send(t, packeting.Data{
		Tk: raeting.TxJoin, Pk: raeting.PkResponse,
		Se: 1, De: 0, Si: 0, Ti: 1, Cf: true,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNone,
	}, joinResponseBody{
		Reid: 2, Name: "a", VerHex: main.suite.KeyHex(), PubHex: main.suite.PubHex(),
		Acceptance: raeting.AcceptanceAccepted,
	}, h.deps.Boxer.PubHex())

	require.NoError(t, j.Receive(resp))

	assert.True(t, j.Done())
	assert.Equal(t, uint32(2), h.registry.Local.Eid)
	assert.Equal(t, 1, h.persistedJ)
	require.NotNil(t, completed)
	assert.Equal(t, uint32(1), completed.Eid)

	ack := h.lastSent(t)
	assert.Equal(t, raeting.PkAck, ack.pkt.Data.Pk)
	assert.Equal(t, uint32(2), ack.pkt.Data.Se)
}

func TestJoinerIgnoresReceiveAfterDone(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Name: "b", Eid: 0})
	now := time.Now()
	j := NewJoiner(h.deps, h.registry.Local, "127.0.0.1", 7530, 1, now, nil)
	j.done = true
	j.state = joinerDone

	before := len(h.sent)
	assert.NoError(t, j.Receive(&packeting.RxPacket{}))
	assert.Equal(t, before, len(h.sent))
}

func TestJoinerProcessRetransmitsThenExpires(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Name: "b"})
	now := time.Now()
	j := NewJoiner(h.deps, h.registry.Local, "127.0.0.1", 7530, 1, now, nil)
	require.Len(t, h.sent, 1)

	j.Process(now.Add(raeting.RedoDefault + time.Millisecond))
	assert.Len(t, h.sent, 2, "expected a retransmit of the request")
	assert.False(t, j.Done())

	j.Process(now.Add(raeting.TimeoutDefault + time.Millisecond))
	assert.True(t, j.Done())
}

func TestJoinentAssignsEidWhenMainAndAutoAccept(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Name: "a", Eid: 1, Main: true})
	h.deps.Main = true
	h.deps.AutoAccept = true
	now := time.Now()

	joiner := newPeer(t)
	req := joiner.send(t, packeting.Data{
		Tk: raeting.TxJoin, Pk: raeting.PkRequest,
		Se: 0, De: 0, Si: 0, Ti: 7, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNone,
	}, joinRequestBody{Name: "b", VerHex: joiner.suite.KeyHex(), PubHex: joiner.suite.PubHex()}, "")

	je, err := NewJoinent(h.deps, h.registry.Local, req, "127.0.0.1", 7531, now)
	require.NoError(t, err)

	resp := h.lastSent(t)
	assert.Equal(t, raeting.PkResponse, resp.pkt.Data.Pk)
	body := resp.pkt.Body.(joinResponseBody)
	assert.Equal(t, raeting.AcceptanceAccepted, body.Acceptance)
	assert.Greater(t, body.Reid, uint32(1))

	remote := h.registry.FetchByEid(body.Reid)
	require.NotNil(t, remote)
	assert.Equal(t, "b", remote.Name)
	assert.False(t, je.Done())
}

func TestJoinentPendingWithoutAutoAccept(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Name: "a", Eid: 1, Main: true})
	now := time.Now()

	joiner := newPeer(t)
	req := joiner.send(t, packeting.Data{
		Tk: raeting.TxJoin, Pk: raeting.PkRequest,
		Se: 0, De: 0, Si: 0, Ti: 7, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNone,
	}, joinRequestBody{Name: "b", VerHex: joiner.suite.KeyHex(), PubHex: joiner.suite.PubHex()}, "")

	_, err := NewJoinent(h.deps, h.registry.Local, req, "127.0.0.1", 7531, now)
	require.NoError(t, err)

	resp := h.lastSent(t)
	body := resp.pkt.Body.(joinResponseBody)
	assert.Equal(t, raeting.AcceptancePending, body.Acceptance)
	assert.Equal(t, uint32(0), body.Reid, "eid is only minted for main+auto-accept")
}

func TestJoinentCompletesOnAck(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Name: "a", Eid: 1, Main: true})
	h.deps.Main = true
	h.deps.AutoAccept = true
	now := time.Now()

	joiner := newPeer(t)
	req := joiner.send(t, packeting.Data{
		Tk: raeting.TxJoin, Pk: raeting.PkRequest,
		Se: 0, De: 0, Si: 0, Ti: 7, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNone,
	}, joinRequestBody{Name: "b", VerHex: joiner.suite.KeyHex(), PubHex: joiner.suite.PubHex()}, "")
	je, err := NewJoinent(h.deps, h.registry.Local, req, "127.0.0.1", 7531, now)
	require.NoError(t, err)
	assignedEid := h.lastSent(t).pkt.Body.(joinResponseBody).Reid

	ack := joiner.send(t, packeting.Data{
		Tk: raeting.TxJoin, Pk: raeting.PkAck,
		Se: assignedEid, De: 1, Si: 0, Ti: 7, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNone,
	}, ackBody{}, "")

	require.NoError(t, je.Receive(ack))
	assert.True(t, je.Done())
	assert.Equal(t, 1, h.persistedJ)
}
