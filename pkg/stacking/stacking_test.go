package stacking

import (
	"net"
	"testing"
	"time"

	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runUntil ticks both stacks' Service loops in lockstep until cond reports
// done or maxTicks is exhausted, mirroring spec.md §8's "after ≤N ticks"
// scenarios without sleeping on wall-clock time.
func runUntil(maxTicks int, cond func() bool, tickers ...func()) bool {
	for i := 0; i < maxTicks; i++ {
		for _, tick := range tickers {
			tick()
		}
		if cond() {
			return true
		}
	}
	return cond()
}

func newLoopbackStack(t *testing.T, name string, main bool, eid uint32, autoAccept bool) *RoadStack {
	t.Helper()
	rs, err := New(Config{
		Name: name, Main: main, DirPath: t.TempDir(), Eid: eid,
		Host: "127.0.0.1", Port: 0, AutoAccept: autoAccept,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func TestBootstrapJoin(t *testing.T) {
	a := newLoopbackStack(t, "a", true, 1, true)
	b := newLoopbackStack(t, "b", false, 0, true)

	mha := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: a.Local().Port}
	require.NoError(t, b.Join(mha))

	ok := runUntil(50, func() bool {
		return b.Local().Eid != 0 && len(a.Remotes()) == 1 && len(b.Remotes()) == 1
	}, a.Service, b.Service)
	require.True(t, ok, "join did not complete within the tick budget")

	assert.Equal(t, uint32(2), b.Local().Eid)

	bOnA := a.Remotes()[0]
	assert.Equal(t, raeting.AcceptanceAccepted, bOnA.Acceptance)
	assert.Equal(t, uint32(2), bOnA.Eid)

	aOnB := b.Remotes()[0]
	assert.Equal(t, raeting.AcceptanceAccepted, aOnB.Acceptance)
	assert.Equal(t, uint32(1), aOnB.Eid)
}

// joinedPair drives scenario 1 to completion and returns the two stacks.
func joinedPair(t *testing.T) (a, b *RoadStack) {
	t.Helper()
	a = newLoopbackStack(t, "a", true, 1, true)
	b = newLoopbackStack(t, "b", false, 0, true)

	mha := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: a.Local().Port}
	require.NoError(t, b.Join(mha))

	ok := runUntil(50, func() bool {
		return b.Local().Eid != 0 && len(a.Remotes()) == 1 && len(b.Remotes()) == 1
	}, a.Service, b.Service)
	require.True(t, ok, "join did not complete within the tick budget")
	return a, b
}

func TestAllowAfterJoin(t *testing.T) {
	a, b := joinedPair(t)

	require.NoError(t, b.Allow(nil))

	ok := runUntil(50, func() bool {
		return a.Remotes()[0].Rsid != 0 && b.Remotes()[0].Rsid != 0
	}, a.Service, b.Service)
	require.True(t, ok, "allow did not complete within the tick budget")

	assert.Equal(t, b.Local().Sid, a.Remotes()[0].Rsid)
	assert.Equal(t, a.Local().Sid, b.Remotes()[0].Rsid)
}

func TestMessageWithAck(t *testing.T) {
	a, b := joinedPair(t)
	b.cfg.Wf = true

	require.NoError(t, b.Transmit([]byte(`{"hello":1}`), 1))

	var got InboundMessage
	ok := runUntil(50, func() bool {
		select {
		case got = <-a.Inbox():
			return true
		default:
			return false
		}
	}, a.Service, b.Service)
	require.True(t, ok, "A never received the message")

	assert.Equal(t, uint32(2), got.FromEid)
	assert.JSONEq(t, `{"hello":1}`, string(got.Body))

	select {
	case f := <-b.Failures():
		t.Fatalf("unexpected delivery failure: %v", f.Err)
	default:
	}
}

func TestBroadcastIgnoresAck(t *testing.T) {
	a, b := joinedPair(t)

	require.NoError(t, b.TransmitFlags([]byte(`{"broadcast":true}`), 0, true, false))

	var got InboundMessage
	ok := runUntil(20, func() bool {
		select {
		case got = <-a.Inbox():
			return true
		default:
			return false
		}
	}, a.Service, b.Service)
	require.True(t, ok)
	assert.JSONEq(t, `{"broadcast":true}`, string(got.Body))

	select {
	case f := <-b.Failures():
		t.Fatalf("a broadcast must never surface a delivery failure: %v", f.Err)
	default:
	}
}

func TestStaleNack(t *testing.T) {
	a := newLoopbackStack(t, "a", true, 1, true)

	attackerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer attackerConn.Close()
	attackerSuite, err := nacling.GenerateSuite()
	require.NoError(t, err)

	aAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: a.Local().Port}
	orphan := &packeting.TxPacket{
		Data: packeting.Data{
			Tk: raeting.TxMessage, Pk: raeting.PkMessage,
			Se: 42, De: 1, Si: 999, Ti: 999, Cf: true,
			Hk: raeting.HeadJSON, Bk: raeting.BodyJSON, Fk: raeting.FootNacl, Ck: raeting.CoatNone,
		},
		Body: map[string]any{},
	}
	raw, err := orphan.Pack(attackerSuite, attackerSuite, "")
	require.NoError(t, err)
	_, err = attackerConn.WriteToUDP(raw, aAddr)
	require.NoError(t, err)

	a.Service()

	require.NoError(t, attackerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, raeting.UDPMaxPacketSize)
	n, _, err := attackerConn.ReadFromUDP(buf)
	require.NoError(t, err, "expected exactly one nack back from the stale packet")

	nack, err := packeting.ParseOuter(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, raeting.PkNack, nack.Data.Pk)
	assert.Equal(t, uint32(1), nack.Data.Se)
	assert.Equal(t, uint32(42), nack.Data.De)

	var body struct {
		Si uint32         `json:"si"`
		Ti uint32         `json:"ti"`
		Tk raeting.TxKind `json:"tk"`
	}
	require.NoError(t, nack.PeekBody(&body))
	assert.Equal(t, uint32(999), body.Si)
	assert.Equal(t, uint32(999), body.Ti)
	assert.Equal(t, raeting.TxMessage, body.Tk)
}

func TestCrashRecovery(t *testing.T) {
	a, b := joinedPair(t)
	bDir := b.cfg.DirPath
	bName := b.cfg.Name

	require.NoError(t, b.DumpLocal())
	for _, r := range b.Remotes() {
		require.NoError(t, b.DumpRemote(r.Eid))
	}
	require.NoError(t, b.Close())

	bPrime, err := New(Config{Name: bName, DirPath: bDir, Host: "127.0.0.1", Port: 0, AutoAccept: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bPrime.Close() })

	assert.Equal(t, b.Local().Eid, bPrime.Local().Eid)
	require.Len(t, bPrime.Remotes(), 1)
	assert.Equal(t, uint32(1), bPrime.Remotes()[0].Eid)

	require.NoError(t, bPrime.Transmit([]byte(`{"resumed":true}`), 1))

	var got InboundMessage
	ok := runUntil(50, func() bool {
		select {
		case got = <-a.Inbox():
			return true
		default:
			return false
		}
	}, a.Service, bPrime.Service)
	require.True(t, ok, "bPrime should be able to message a without a fresh Join")
	assert.JSONEq(t, `{"resumed":true}`, string(got.Body))
}
