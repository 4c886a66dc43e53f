// Package raeting holds the enums, constants, and wire-field names shared
// across a RoadStack: transaction kinds, packet kinds, codec selectors,
// acceptance state, and transaction role.
package raeting

import "time"

// TxKind identifies the four transaction types a RoadStack drives.
type TxKind string

const (
	TxJoin    TxKind = "join"
	TxAllow   TxKind = "allow"
	TxMessage TxKind = "message"
	TxStale   TxKind = "stale"
)

// PacketKind identifies the semantic role of a packet within a transaction.
type PacketKind string

const (
	PkRequest  PacketKind = "request"
	PkResponse PacketKind = "response"
	PkHello    PacketKind = "hello"
	PkCookie   PacketKind = "cookie"
	PkInitiate PacketKind = "initiate"
	PkAck      PacketKind = "ack"
	PkNack     PacketKind = "nack"
	PkMessage  PacketKind = "message"
)

// Role distinguishes the side of a transaction that initiated it from the
// side that answered an unmatched packet.
type Role string

const (
	RoleInitiator     Role = "initiator"
	RoleCorrespondent Role = "correspondent"
)

// Acceptance is the trust state of a remote estate.
type Acceptance string

const (
	AcceptancePending  Acceptance = "pending"
	AcceptanceAccepted Acceptance = "accepted"
	AcceptanceRejected Acceptance = "rejected"
)

// HeadKind, BodyKind, FootKind, and CoatKind select the codec used to encode
// each packet layer. They are small byte enums so a packet carries the
// selected codec's name rather than a class reference.
type HeadKind byte

const (
	HeadJSON HeadKind = iota
)

// BodyKind selects the body codec.
type BodyKind byte

const (
	BodyJSON BodyKind = iota
	BodyRaw
)

// FootKind selects the signature codec applied to the outer header and body.
type FootKind byte

const (
	FootNacl FootKind = iota
)

// CoatKind selects the encryption codec applied to the body before signing.
type CoatKind byte

const (
	CoatNacl CoatKind = iota
	CoatNone
)

// UDPMaxPacketSize bounds a single datagram; larger reads are dropped and
// counted rather than reassembled, since RAET has no fragmentation scheme.
const UDPMaxPacketSize = 1284

// Durations for transaction timers, used by every transaction; Config has
// no setting that changes them. RedoDefault is the retransmit interval;
// TimeoutDefault aborts a transaction that has made no progress.
const (
	RedoDefault    = time.Second
	TimeoutDefault = 5 * time.Second
)
