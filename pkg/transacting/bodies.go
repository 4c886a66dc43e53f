package transacting

import "github.com/gtmanfred/raet/pkg/raeting"

// joinRequestBody is the Joiner's first packet: a self-certifying proposal
// carrying the keys a Joinent has no other way to learn before trust
// exists.
type joinRequestBody struct {
	Name   string `json:"name"`
	VerHex string `json:"verhex"`
	PubHex string `json:"pubhex"`
}

// joinResponseBody is the Joinent's authoritative reply: the assigned (or
// retained) reid, its own keys, and the acceptance state it settled on.
type joinResponseBody struct {
	Reid       uint32             `json:"reid"`
	Name       string             `json:"name"`
	VerHex     string             `json:"verhex"`
	PubHex     string             `json:"pubhex"`
	Acceptance raeting.Acceptance `json:"acceptance"`
}

// ackBody closes a Join and acknowledges a Message; it carries no fields of
// its own.
type ackBody struct{}

// nackBody echoes the unmatched transaction's coordinates back to its
// sender so it can garbage-collect the orphan.
type nackBody struct {
	Si uint32         `json:"si"`
	Ti uint32         `json:"ti"`
	Tk raeting.TxKind `json:"tk"`
}

// allowHelloBody opens an Allow: the initiator's identity key and the
// session id it wants confirmed.
type allowHelloBody struct {
	VerHex string `json:"verhex"`
	Sid    uint32 `json:"sid"`
}

// allowCookieBody is the Allowent's challenge back to the initiator.
type allowCookieBody struct {
	Sid    uint32 `json:"sid"`
	Cookie string `json:"cookie"`
}

// allowInitiateBody commits the session from the initiator's side.
type allowInitiateBody struct {
	Cookie string `json:"cookie"`
}
