package stacking

import (
	"errors"
	"net"
	"time"

	"github.com/gtmanfred/raet/pkg/estating"
	"github.com/gtmanfred/raet/pkg/log"
	"github.com/gtmanfred/raet/pkg/metrics"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
	"github.com/gtmanfred/raet/pkg/transacting"
)

// ErrInvalidDestination marks a packet whose de field named neither 0
// (broadcast) nor this stack's own eid. It is never returned to a caller:
// serviceRxes only uses it to decide to drop the packet and bump
// metrics.InvalidDestinationTotal.
var ErrInvalidDestination = errors.New("stacking: invalid destination")

// recvBufSize is the per-read buffer; UDPMaxPacketSize bounds any legal
// datagram, so a larger one fills the whole buffer and serviceReceive drops
// it and counts it as oversize before it reaches ParseOuter.
const recvBufSize = raeting.UDPMaxPacketSize + 1

// Service runs one cooperative tick: drain the socket, dispatch received
// packets, advance every live transaction's timers, turn queued Transmit
// calls into Messengers, and flush the outbound queue. It never blocks.
func (rs *RoadStack) Service() {
	timer := metrics.NewTimer()
	defer func() { metrics.ServiceTickDuration.Observe(timer.Duration().Seconds()) }()

	now := time.Now()
	rs.serviceReceive()
	rs.serviceRxes(now)
	rs.serviceTransactions(now)
	rs.serviceTxMsgs(now)
	rs.serviceTxes()
}

// serviceReceive drains the OS socket into rxes without blocking. A read
// deadline of the current time makes ReadFromUDP return immediately with a timeout error
// once no datagram is pending, the UDP analog of EAGAIN on a non-blocking
// socket.
func (rs *RoadStack) serviceReceive() {
	buf := make([]byte, recvBufSize)
	for {
		if err := rs.conn.SetReadDeadline(time.Now()); err != nil {
			rs.log.Warn().Err(err).Msg("set read deadline failed")
			return
		}
		n, addr, err := rs.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			rs.log.Warn().Err(err).Msg("udp read failed")
			return
		}
		if n > raeting.UDPMaxPacketSize {
			metrics.OversizePacketsTotal.Inc()
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		rs.rxes = append(rs.rxes, rxEntry{data: data, addr: addr})
	}
}

// serviceRxes outer-parses every queued datagram, validates its destination
// eid, stamps the socket-observed addresses, and dispatches it to the
// transaction table — spawning a correspondent transaction, a Staler, or
// dropping it, per spec.md §4.5 step 2.
func (rs *RoadStack) serviceRxes(now time.Time) {
	rxes := rs.rxes
	rs.rxes = nil
	for _, rx := range rxes {
		pkt, err := packeting.ParseOuter(rx.data)
		if err != nil {
			metrics.ParseOuterErrorsTotal.Inc()
			rs.log.Debug().Err(err).Msg("outer parse failed, dropping datagram")
			continue
		}

		local := rs.registry.Local
		if pkt.Data.De != 0 && pkt.Data.De != local.Eid {
			metrics.InvalidDestinationTotal.Inc()
			rs.log.Debug().Uint32("de", pkt.Data.De).Msg("invalid destination, dropping datagram")
			continue
		}

		pkt.Data.Sh = rx.addr.IP.String()
		pkt.Data.Sp = rx.addr.Port
		pkt.Data.Dh = rs.cfg.Host
		pkt.Data.Dp = local.Port

		rs.dispatch(pkt, rx.addr, now)
	}
}

// dispatch routes one inbound packet to its live transaction, or spawns a
// new correspondent transaction (or a Staler) when none is found.
func (rs *RoadStack) dispatch(pkt *packeting.RxPacket, addr *net.UDPAddr, now time.Time) {
	idx := rs.routingIndex(pkt)

	if tx, ok := rs.table.Get(idx); ok {
		if err := tx.Receive(pkt); err != nil {
			metrics.ParseInnerErrorsTotal.Inc()
			txLog := log.WithTransaction(string(tx.Kind()), string(tx.Role()))
			txLog.Debug().Err(err).Msg("inner parse failed, dropping datagram")
			return
		}
		if tx.Done() {
			rs.table.Remove(idx)
			metrics.TransactionsCompletedTotal.WithLabelValues(string(tx.Kind()), string(tx.Role())).Inc()
			metrics.ActiveTransactions.Set(float64(rs.table.Len()))
		}
		return
	}

	if pkt.Data.Cf {
		transacting.NewStaler(rs.deps(), rs.registry.Local.Eid, pkt)
		return
	}

	tx, started := rs.spawnCorrespondent(pkt, addr, now)
	if !started {
		return
	}
	rs.table.Add(tx)
	metrics.TransactionsStartedTotal.WithLabelValues(string(tx.Kind()), string(tx.Role())).Inc()
	metrics.ActiveTransactions.Set(float64(rs.table.Len()))
	if tx.Done() {
		rs.table.Remove(tx.Index())
		metrics.TransactionsCompletedTotal.WithLabelValues(string(tx.Kind()), string(tx.Role())).Inc()
		metrics.ActiveTransactions.Set(float64(rs.table.Len()))
	}
}

// routingIndex computes the table key a packet routes under, from the
// correspondent's perspective. Join pins Reid/Sid at 0 (see
// transacting.joinIndex); Allow and Message key on the sender's claimed
// eid and session id, which self-correlates with the Index the initiator
// built its own transaction under.
func (rs *RoadStack) routingIndex(pkt *packeting.RxPacket) transacting.Index {
	if pkt.Data.Tk == raeting.TxJoin {
		return transacting.Index{Reid: 0, Sid: 0, Tid: pkt.Data.Ti, Kind: raeting.TxJoin}
	}
	return transacting.Index{Reid: pkt.Data.Se, Sid: pkt.Data.Si, Tid: pkt.Data.Ti, Kind: pkt.Data.Tk}
}

// spawnCorrespondent builds the correspondent-side transaction for an
// unmatched, non-stale packet, keyed by its transaction kind. Allow and
// Message require an already-known, already-accepted remote; a packet
// claiming either against an unknown or unaccepted sender is logged and
// dropped rather than spawning anything, matching spec.md §7's policy that
// packet-level errors never reach the application.
func (rs *RoadStack) spawnCorrespondent(pkt *packeting.RxPacket, addr *net.UDPAddr, now time.Time) (transacting.Transaction, bool) {
	local := rs.registry.Local
	switch pkt.Data.Tk {
	case raeting.TxJoin:
		je, err := transacting.NewJoinent(rs.deps(), local, pkt, addr.IP.String(), addr.Port, now)
		if err != nil {
			metrics.ParseInnerErrorsTotal.Inc()
			rs.log.Debug().Err(err).Msg("join request rejected")
			return nil, false
		}
		return je, true

	case raeting.TxAllow:
		remote := rs.registry.FetchByEid(pkt.Data.Se)
		if remote == nil {
			rs.log.Debug().Uint32("se", pkt.Data.Se).Msg("allow from unknown remote, dropping")
			return nil, false
		}
		ae, err := transacting.NewAllowent(rs.deps(), local, remote, pkt, now)
		if err != nil {
			metrics.ParseInnerErrorsTotal.Inc()
			rs.log.Debug().Err(err).Msg("allow hello rejected")
			return nil, false
		}
		return ae, true

	case raeting.TxMessage:
		remote := rs.registry.FetchByEid(pkt.Data.Se)
		if remote == nil {
			rs.log.Debug().Uint32("se", pkt.Data.Se).Msg("message from unknown remote, dropping")
			return nil, false
		}
		if remote.Acceptance != raeting.AcceptanceAccepted {
			rs.log.Debug().Uint32("se", pkt.Data.Se).Msg("message from unaccepted remote, dropping")
			return nil, false
		}
		me, err := transacting.NewMessengent(rs.deps(), local, remote, pkt, now)
		if err != nil {
			metrics.ParseInnerErrorsTotal.Inc()
			rs.log.Debug().Err(err).Msg("message rejected")
			return nil, false
		}
		return me, true

	default:
		rs.log.Debug().Str("tk", string(pkt.Data.Tk)).Msg("unhandled transaction kind, dropping")
		return nil, false
	}
}

// serviceTransactions ticks every live transaction's timers, removing any
// that completed or expired this tick.
func (rs *RoadStack) serviceTransactions(now time.Time) {
	for _, tx := range rs.table.All() {
		tx.Process(now)
		if tx.Done() {
			rs.table.Remove(tx.Index())
			metrics.TransactionsCompletedTotal.WithLabelValues(string(tx.Kind()), string(tx.Role())).Inc()
			metrics.ActiveTransactions.Set(float64(rs.table.Len()))
		}
	}
}

// serviceTxMsgs drains queued Transmit calls into new Messengers. A
// deid==0 broadcast fans out one Messenger per accepted remote.
func (rs *RoadStack) serviceTxMsgs(now time.Time) {
	reqs := rs.txMsgs
	rs.txMsgs = nil
	for _, req := range reqs {
		targets := rs.messengerTargets(req.deid)
		for _, remote := range targets {
			tid := rs.nextTidFn()
			m := transacting.NewMessenger(rs.deps(), rs.registry.Local, remote, req.body, req.bf, req.wf, tid, now)
			if !m.Done() {
				rs.table.Add(m)
				metrics.TransactionsStartedTotal.WithLabelValues(string(raeting.TxMessage), string(raeting.RoleInitiator)).Inc()
				metrics.ActiveTransactions.Set(float64(rs.table.Len()))
			}
		}
	}
}

func (rs *RoadStack) messengerTargets(deid uint32) []*estating.RemoteEstate {
	if deid != 0 {
		if r := rs.registry.FetchByEid(deid); r != nil {
			return []*estating.RemoteEstate{r}
		}
		return nil
	}
	var out []*estating.RemoteEstate
	for _, r := range rs.registry.Remotes() {
		if r.Acceptance == raeting.AcceptanceAccepted {
			out = append(out, r)
		}
	}
	return out
}

// serviceTxes flushes the outbound queue to the socket.
func (rs *RoadStack) serviceTxes() {
	txes := rs.txes
	rs.txes = nil
	for _, tx := range txes {
		if _, err := rs.conn.WriteToUDP(tx.data, tx.addr); err != nil {
			rs.log.Warn().Err(err).Str("addr", tx.addr.String()).Msg("udp write failed")
		}
	}
}
