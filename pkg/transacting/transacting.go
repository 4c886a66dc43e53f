// Package transacting implements the four transaction kinds a RoadStack
// drives to completion — Join, Allow, Message, and Stale — each as a small
// state machine keyed by a composite index and driven by Receive/Process.
package transacting

import (
	"errors"
	"time"

	"github.com/gtmanfred/raet/pkg/estating"
	"github.com/gtmanfred/raet/pkg/metrics"
	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/packeting"
	"github.com/gtmanfred/raet/pkg/raeting"
)

// ErrTransactionTimeout is surfaced to the application only for a Messenger
// with Wf set; every other transaction kind times out silently, counted but
// not reported.
var ErrTransactionTimeout = errors.New("transacting: transaction timed out")

// Index is the composite key a RoadStack routes packets by: (remote eid,
// session id, transaction id, kind). A Join always runs with Reid and Sid
// pinned to 0 (see joinIndex), the one legal case for a zero session id.
type Index struct {
	Reid uint32
	Sid  uint32
	Tid  uint32
	Kind raeting.TxKind
}

// Transaction is the common capability every (kind, role) variant
// implements. The table stores the variant by Index and never switches on
// concrete type.
type Transaction interface {
	Index() Index
	Role() raeting.Role
	Kind() raeting.TxKind
	Receive(pkt *packeting.RxPacket) error
	Process(now time.Time)
	Done() bool
}

// Codecs bundles the packet codec selectors a stack applies to outbound
// packets by default. The Bf/Wf flags are not part of it; a Messenger takes
// them as constructor arguments.
type Codecs struct {
	Hk raeting.HeadKind
	Bk raeting.BodyKind
	Fk raeting.FootKind
	Ck raeting.CoatKind
}

// Sender delivers a packed datagram to a destination address. Deps.Send
// wraps packeting.TxPacket.Pack and the RoadStack's outbound queue; it
// never blocks and never fails back into the transaction — packing
// failures are logged by the closure itself.
type Sender func(pkt *packeting.TxPacket, host string, port int, peerPubHex string)

// Deliverer hands a decoded Message body to the application inbox.
type Deliverer func(fromEid uint32, body []byte)

// FailureNotifier reports a Messenger-with-Wf timeout to the application.
type FailureNotifier func(idx Index, err error)

// Deps bundles the collaborators every transaction variant needs: the
// estate registry, the local signer/box keys, the default codec selectors,
// and the callbacks a RoadStack wires to its queues, tid counter and keep
// store. Transactions
// never reach past Deps into the stack itself, so they can be driven in
// tests against a fake Sender with no socket at all.
type Deps struct {
	Registry   *estating.Registry
	Signer     nacling.Signer
	Boxer      nacling.BoxEncryptor
	Codecs     Codecs
	AutoAccept bool
	Main       bool

	Send           Sender
	Deliver        Deliverer
	NotifyFailure  FailureNotifier
	NextTid        func() uint32
	PersistJoin    func(local *estating.LocalEstate, remote *estating.RemoteEstate) error
	PersistSession func(remote *estating.RemoteEstate) error
}

// Table is the map from transaction index to live transaction. It is
// touched only from the RoadStack's single-threaded service loop, so it
// carries no internal locking — matching spec.md §5's cooperative model.
type Table struct {
	txs map[Index]Transaction
}

// NewTable creates an empty transaction table.
func NewTable() *Table {
	return &Table{txs: make(map[Index]Transaction)}
}

// Add inserts tx under its own Index.
func (t *Table) Add(tx Transaction) {
	t.txs[tx.Index()] = tx
}

// Get returns the transaction at idx, or false if none is live.
func (t *Table) Get(idx Index) (Transaction, bool) {
	tx, ok := t.txs[idx]
	return tx, ok
}

// Remove deletes the transaction at idx, idempotently.
func (t *Table) Remove(idx Index) {
	delete(t.txs, idx)
}

// Len returns the number of live transactions.
func (t *Table) Len() int {
	return len(t.txs)
}

// All returns a snapshot slice of every live transaction, safe to range
// over while the loop body removes entries from the table itself.
func (t *Table) All() []Transaction {
	out := make([]Transaction, 0, len(t.txs))
	for _, tx := range t.txs {
		out = append(out, tx)
	}
	return out
}

// base is embedded by every concrete transaction variant. It owns the
// index, role, retry/timeout bookkeeping, and the last packet sent so
// Process can retransmit it verbatim.
type base struct {
	idx  Index
	role raeting.Role
	deps *Deps

	destHost   string
	destPort   int
	peerPubHex string

	lastTx   *packeting.TxPacket
	redoAt   time.Time
	deadline time.Time
	retries  int
	done     bool
}

func (b *base) Index() Index        { return b.idx }
func (b *base) Role() raeting.Role  { return b.role }
func (b *base) Kind() raeting.TxKind { return b.idx.Kind }
func (b *base) Done() bool          { return b.done }

// arm resets the redo/timeout deadlines from now.
func (b *base) arm(now time.Time) {
	b.redoAt = now.Add(raeting.RedoDefault)
	b.deadline = now.Add(raeting.TimeoutDefault)
}

// sendAndArm packs and sends pkt to the transaction's destination, records
// it as the retransmit template, and (re)arms the timers.
func (b *base) sendAndArm(now time.Time, pkt *packeting.TxPacket) {
	b.lastTx = pkt
	b.deps.Send(pkt, b.destHost, b.destPort, b.peerPubHex)
	b.arm(now)
}

// tick applies one Process() step of generic timer logic: retransmit the
// last packet if redoAt has passed, or expire the transaction if deadline
// has passed. It returns true if the transaction expired.
func (b *base) tick(now time.Time) (expired bool) {
	if b.done {
		return false
	}
	if !b.deadline.IsZero() && now.After(b.deadline) {
		b.done = true
		return true
	}
	if !b.redoAt.IsZero() && now.After(b.redoAt) && b.lastTx != nil {
		b.deps.Send(b.lastTx, b.destHost, b.destPort, b.peerPubHex)
		metrics.RetransmitsTotal.WithLabelValues(string(b.idx.Kind)).Inc()
		b.redoAt = now.Add(raeting.RedoDefault)
		b.retries++
	}
	return false
}
