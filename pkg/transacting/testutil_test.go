package transacting

import (
	"testing"

	"github.com/gtmanfred/raet/pkg/estating"
	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
	"github.com/stretchr/testify/require"
)

// sentPacket records one call through a fakeSender.
type sentPacket struct {
	pkt        *packeting.TxPacket
	host       string
	port       int
	peerPubHex string
}

// harness bundles a Deps under test with everything a test needs to
// inspect what the transaction under test did: every packet it sent, every
// message it delivered, and every failure it reported. Transactions only
// ever reach the network through Deps.Send, so a harness needs no socket.
type harness struct {
	deps     *Deps
	registry *estating.Registry
	suite    *nacling.NaclSuite

	sent       []sentPacket
	delivered  []deliveredMsg
	failures   []failedTx
	persistedJ int
	persistedS int
	nextTid    uint32
}

type deliveredMsg struct {
	fromEid uint32
	body    []byte
}

type failedTx struct {
	idx Index
	err error
}

func newHarness(t *testing.T, local *estating.LocalEstate) *harness {
	t.Helper()
	suite, err := nacling.GenerateSuite()
	require.NoError(t, err)
	local.SignKeyHex = suite.KeyHex()
	local.PrivKeyHex = suite.PubHex()

	h := &harness{
		registry: estating.NewRegistry(local),
		suite:    suite,
	}
	h.deps = &Deps{
		Registry: h.registry,
		Signer:   suite,
		Boxer:    suite,
		Codecs:   Codecs{Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNacl},
		Send: func(pkt *packeting.TxPacket, host string, port int, peerPubHex string) {
			h.sent = append(h.sent, sentPacket{pkt: pkt, host: host, port: port, peerPubHex: peerPubHex})
		},
		Deliver: func(fromEid uint32, body []byte) {
			h.delivered = append(h.delivered, deliveredMsg{fromEid: fromEid, body: body})
		},
		NotifyFailure: func(idx Index, err error) {
			h.failures = append(h.failures, failedTx{idx: idx, err: err})
		},
		NextTid: func() uint32 {
			h.nextTid++
			return h.nextTid
		},
		PersistJoin: func(local *estating.LocalEstate, remote *estating.RemoteEstate) error {
			h.persistedJ++
			return nil
		},
		PersistSession: func(remote *estating.RemoteEstate) error {
			h.persistedS++
			return nil
		},
	}
	return h
}

// lastSent returns the most recently sent packet, failing the test if none
// was ever sent.
func (h *harness) lastSent(t *testing.T) sentPacket {
	t.Helper()
	require.NotEmpty(t, h.sent, "expected at least one sent packet")
	return h.sent[len(h.sent)-1]
}

// peer is a synthetic correspondent used to hand-craft inbound packets a
// transaction under test should receive, independent of the stack's own
// socket plumbing.
type peer struct {
	suite *nacling.NaclSuite
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	suite, err := nacling.GenerateSuite()
	require.NoError(t, err)
	return &peer{suite: suite}
}

// send packs data/body as the peer and parses it back into an RxPacket the
// way a RoadStack's serviceRxes would, ready to feed into a transaction's
// Receive.
func (p *peer) send(t *testing.T, data packeting.Data, body any, peerPubHex string) *packeting.RxPacket {
	t.Helper()
	tx := &packeting.TxPacket{Data: data, Body: body}
	raw, err := tx.Pack(p.suite, p.suite, peerPubHex)
	require.NoError(t, err)
	rx, err := packeting.ParseOuter(raw)
	require.NoError(t, err)
	return rx
}
