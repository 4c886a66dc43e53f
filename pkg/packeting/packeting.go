// Package packeting implements the RoadStack's layered packet codec: an
// outer header, a structured body, a detached signature foot, and an
// optional encrypted coat around the body.
//
// The concrete byte layout of a packet is a Go implementation detail, not
// part of the contract: only the header field names (§4.3) and the
// layering order (body → optional coat → foot over header+body) are
// load-bearing. Here the wire form is a single JSON envelope; a deployment
// that needs a denser wire format can replace this package without
// touching the transaction state machines, which only see Data/Body.
package packeting

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/raeting"
)

var (
	// ErrParseOuter is returned when a datagram fails to parse into a
	// well-formed header + body envelope.
	ErrParseOuter = errors.New("packeting: outer parse failed")
	// ErrParseInner is returned when the foot signature or coat decryption
	// fails, or the body codec rejects its bytes.
	ErrParseInner = errors.New("packeting: inner parse failed")
)

// Data is the packet's outer header, present on every packet regardless of
// kind.
type Data struct {
	Tk raeting.TxKind     `json:"tk"`
	Pk raeting.PacketKind `json:"pk"`
	Se uint32             `json:"se"`
	De uint32             `json:"de"`
	Si uint32             `json:"si"`
	Ti uint32             `json:"ti"`
	Cf bool               `json:"cf"`
	Bf bool               `json:"bf"`
	Wf bool               `json:"wf"`

	Hk raeting.HeadKind `json:"hk"`
	Bk raeting.BodyKind `json:"bk"`
	Fk raeting.FootKind `json:"fk"`
	Ck raeting.CoatKind `json:"ck"`

	// Socket-observed addresses, stamped by the RoadStack after receipt.
	Sh string `json:"sh,omitempty"`
	Sp int    `json:"sp,omitempty"`
	Dh string `json:"dh,omitempty"`
	Dp int    `json:"dp,omitempty"`
}

// envelope is the concrete wire form: header fields plus opaque body and
// foot byte strings. Body carries the coat-sealed bytes when Ck != CoatNone.
type envelope struct {
	Data
	Body []byte `json:"body"`
	Foot []byte `json:"foot"`
}

// TxPacket is built by the sending side and packed to bytes.
type TxPacket struct {
	Data Data
	Body any
}

// RxPacket is parsed from bytes by the receiving side. ParseOuter leaves
// body/foot undecoded; ParseInner verifies and decodes them.
type RxPacket struct {
	Data Data

	bodyBytes []byte
	footBytes []byte
}

// signedHeader strips the socket-observed Sh/Sp/Dh/Dp fields before a header
// is marshaled for signing or verification. Those fields are stamped by the
// receiving RoadStack after ParseOuter and before ParseInner runs (per
// spec.md §4.5 step 2), so they are never present when the sender signed the
// original bytes; including them here would make every inbound signature
// check fail against its own stamped copy.
func signedHeader(d Data) Data {
	d.Sh, d.Sp, d.Dh, d.Dp = "", 0, "", 0
	return d
}

// Pack encodes Body per Data.Bk, seals it per Data.Ck if set, signs the
// header+body per Data.Fk, and marshals the result.
func (p *TxPacket) Pack(signer nacling.Signer, boxer nacling.BoxEncryptor, peerPubHex string) ([]byte, error) {
	bodyCodec, ok := bodyCodecs[p.Data.Bk]
	if !ok {
		return nil, fmt.Errorf("%w: unregistered body kind %d", ErrParseInner, p.Data.Bk)
	}
	bodyBytes, err := bodyCodec.Encode(p.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseInner, err)
	}

	if p.Data.Ck != raeting.CoatNone {
		coatCodec, ok := coatCodecs[p.Data.Ck]
		if !ok {
			return nil, fmt.Errorf("%w: unregistered coat kind %d", ErrParseInner, p.Data.Ck)
		}
		bodyBytes, err = coatCodec.Seal(boxer, peerPubHex, bodyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParseInner, err)
		}
	}

	footCodec, ok := footCodecs[p.Data.Fk]
	if !ok {
		return nil, fmt.Errorf("%w: unregistered foot kind %d", ErrParseInner, p.Data.Fk)
	}
	headerBytes, err := json.Marshal(signedHeader(p.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseOuter, err)
	}
	foot := footCodec.Sign(signer, append(headerBytes, bodyBytes...))

	env := envelope{Data: p.Data, Body: bodyBytes, Foot: foot}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseOuter, err)
	}
	if len(out) > raeting.UDPMaxPacketSize {
		return nil, fmt.Errorf("%w: packet exceeds UDPMaxPacketSize", ErrParseOuter)
	}
	return out, nil
}

// ParseOuter validates structure and populates Data, leaving the body
// opaque until ParseInner runs.
func ParseOuter(raw []byte) (*RxPacket, error) {
	if len(raw) > raeting.UDPMaxPacketSize {
		return nil, fmt.Errorf("%w: oversize datagram", ErrParseOuter)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseOuter, err)
	}
	if env.Tk == "" || env.Pk == "" {
		return nil, fmt.Errorf("%w: missing transaction or packet kind", ErrParseOuter)
	}
	return &RxPacket{Data: env.Data, bodyBytes: env.Body, footBytes: env.Foot}, nil
}

// PeekBody decodes the raw body bytes per Data.Bk without verifying the foot
// signature or opening any coat. It exists for self-certifying first-contact
// packets (a Join request) whose signer's verify key is only known from the
// body itself: the caller peeks the presented key, builds a Verifier from
// it, then calls ParseInner to confirm the signature actually matches.
func (p *RxPacket) PeekBody(out any) error {
	bodyCodec, ok := bodyCodecs[p.Data.Bk]
	if !ok {
		return fmt.Errorf("%w: unregistered body kind %d", ErrParseInner, p.Data.Bk)
	}
	return bodyCodec.Decode(p.bodyBytes, out)
}

// ParseInner verifies the foot signature against verifier, opens the coat
// via boxer/peerPubHex when Ck != CoatNone, and decodes the body into out.
func (p *RxPacket) ParseInner(verifier nacling.Verifier, boxer nacling.BoxEncryptor, peerPubHex string, out any) error {
	footCodec, ok := footCodecs[p.Data.Fk]
	if !ok {
		return fmt.Errorf("%w: unregistered foot kind %d", ErrParseInner, p.Data.Fk)
	}
	headerBytes, err := json.Marshal(signedHeader(p.Data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParseInner, err)
	}
	if !footCodec.Verify(verifier, append(headerBytes, p.bodyBytes...), p.footBytes) {
		return fmt.Errorf("%w: signature verification failed", ErrParseInner)
	}

	bodyBytes := p.bodyBytes
	if p.Data.Ck != raeting.CoatNone {
		coatCodec, ok := coatCodecs[p.Data.Ck]
		if !ok {
			return fmt.Errorf("%w: unregistered coat kind %d", ErrParseInner, p.Data.Ck)
		}
		bodyBytes, err = coatCodec.Open(boxer, peerPubHex, bodyBytes)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrParseInner, err)
		}
	}

	bodyCodec, ok := bodyCodecs[p.Data.Bk]
	if !ok {
		return fmt.Errorf("%w: unregistered body kind %d", ErrParseInner, p.Data.Bk)
	}
	if out != nil {
		if err := bodyCodec.Decode(bodyBytes, out); err != nil {
			return fmt.Errorf("%w: %v", ErrParseInner, err)
		}
	}
	return nil
}
