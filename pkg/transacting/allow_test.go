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

func acceptedRemote(eid uint32, host string, port int, peer *peer) *estating.RemoteEstate {
	return &estating.RemoteEstate{
		Eid: eid, Name: "peer", Host: host, Port: port,
		Acceptance: raeting.AcceptanceAccepted,
		VerHex:     peer.suite.KeyHex(), PubHex: peer.suite.PubHex(),
	}
}

func TestNewAllowerRejectsZeroSid(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Eid: 1, Sid: 0})
	remote := acceptedRemote(2, "127.0.0.1", 7531, newPeer(t))

	_, err := NewAllower(h.deps, h.registry.Local, remote, 1, time.Now())
	assert.Error(t, err)
}

func TestNewAllowerRejectsUnacceptedRemote(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Eid: 1, Sid: 1})
	remote := acceptedRemote(2, "127.0.0.1", 7531, newPeer(t))
	remote.Acceptance = raeting.AcceptancePending

	_, err := NewAllower(h.deps, h.registry.Local, remote, 1, time.Now())
	assert.ErrorIs(t, err, ErrNotAccepted)
}

func TestAllowerHelloCookieInitiateRoundTrip(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Eid: 1, Sid: 5})
	p := newPeer(t)
	remote := acceptedRemote(2, "127.0.0.1", 7531, p)
	now := time.Now()

	a, err := NewAllower(h.deps, h.registry.Local, remote, 1, now)
	require.NoError(t, err)
	hello := h.lastSent(t)
	assert.Equal(t, raeting.PkHello, hello.pkt.Data.Pk)

	cookiePkt := p.send(t, packeting.Data{
		Tk: raeting.TxAllow, Pk: raeting.PkCookie,
		Se: 2, De: 1, Si: 9, Ti: 1, Cf: true,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNacl,
	}, allowCookieBody{Sid: 9, Cookie: "c-1"}, h.deps.Boxer.PubHex())

	require.NoError(t, a.Receive(cookiePkt))
	assert.True(t, a.Done())
	assert.Equal(t, uint32(9), remote.Rsid)
	assert.Equal(t, 1, h.persistedS)

	initiate := h.lastSent(t)
	assert.Equal(t, raeting.PkInitiate, initiate.pkt.Data.Pk)
	assert.Equal(t, "c-1", initiate.pkt.Body.(allowInitiateBody).Cookie)
}

func TestNewAllowentRejectsUnacceptedRemote(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Eid: 1, Sid: 1})
	p := newPeer(t)
	remote := acceptedRemote(2, "127.0.0.1", 7531, p)
	remote.Acceptance = raeting.AcceptancePending

	hello := p.send(t, packeting.Data{
		Tk: raeting.TxAllow, Pk: raeting.PkHello,
		Se: 2, De: 1, Si: 9, Ti: 1, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNacl,
	}, allowHelloBody{VerHex: p.suite.KeyHex(), Sid: 9}, h.deps.Boxer.PubHex())

	_, err := NewAllowent(h.deps, h.registry.Local, remote, hello, time.Now())
	assert.ErrorIs(t, err, ErrNotAccepted)
}

func TestAllowentCookieInitiateCommitsSession(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Eid: 1, Sid: 5})
	p := newPeer(t)
	remote := acceptedRemote(2, "127.0.0.1", 7531, p)
	now := time.Now()

	hello := p.send(t, packeting.Data{
		Tk: raeting.TxAllow, Pk: raeting.PkHello,
		Se: 2, De: 1, Si: 9, Ti: 1, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNacl,
	}, allowHelloBody{VerHex: p.suite.KeyHex(), Sid: 9}, h.deps.Boxer.PubHex())

	ae, err := NewAllowent(h.deps, h.registry.Local, remote, hello, now)
	require.NoError(t, err)
	cookie := h.lastSent(t)
	assert.Equal(t, raeting.PkCookie, cookie.pkt.Data.Pk)
	cookieValue := cookie.pkt.Body.(allowCookieBody).Cookie

	initiate := p.send(t, packeting.Data{
		Tk: raeting.TxAllow, Pk: raeting.PkInitiate,
		Se: 2, De: 1, Si: 9, Ti: 1, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNacl,
	}, allowInitiateBody{Cookie: cookieValue}, h.deps.Boxer.PubHex())

	require.NoError(t, ae.Receive(initiate))
	assert.True(t, ae.Done())
	assert.Equal(t, uint32(9), remote.Rsid)
	assert.Equal(t, 1, h.persistedS)
}

func TestAllowentRejectsCookieMismatch(t *testing.T) {
	h := newHarness(t, &estating.LocalEstate{Eid: 1, Sid: 5})
	p := newPeer(t)
	remote := acceptedRemote(2, "127.0.0.1", 7531, p)
	now := time.Now()

	hello := p.send(t, packeting.Data{
		Tk: raeting.TxAllow, Pk: raeting.PkHello,
		Se: 2, De: 1, Si: 9, Ti: 1, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNacl,
	}, allowHelloBody{VerHex: p.suite.KeyHex(), Sid: 9}, h.deps.Boxer.PubHex())
	ae, err := NewAllowent(h.deps, h.registry.Local, remote, hello, now)
	require.NoError(t, err)

	initiate := p.send(t, packeting.Data{
		Tk: raeting.TxAllow, Pk: raeting.PkInitiate,
		Se: 2, De: 1, Si: 9, Ti: 1, Cf: false,
		Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNacl,
	}, allowInitiateBody{Cookie: "wrong"}, h.deps.Boxer.PubHex())

	err = ae.Receive(initiate)
	assert.ErrorIs(t, err, packeting.ErrParseInner)
	assert.False(t, ae.Done())
}
