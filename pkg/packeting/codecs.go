package packeting

import (
	"encoding/json"
	"errors"

	"github.com/gtmanfred/raet/pkg/nacling"
	"github.com/gtmanfred/raet/pkg/raeting"
)

// BodyCodec encodes and decodes the structured body of a packet.
type BodyCodec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// FootCodec produces and checks the detached signature over header+body.
type FootCodec interface {
	Sign(signer nacling.Signer, msg []byte) []byte
	Verify(verifier nacling.Verifier, msg, sig []byte) bool
}

// CoatCodec seals and opens the encrypted envelope around the body.
type CoatCodec interface {
	Seal(boxer nacling.BoxEncryptor, peerPubHex string, msg []byte) ([]byte, error)
	Open(boxer nacling.BoxEncryptor, peerPubHex string, sealed []byte) ([]byte, error)
}

var (
	bodyCodecs = map[raeting.BodyKind]BodyCodec{}
	footCodecs = map[raeting.FootKind]FootCodec{}
	coatCodecs = map[raeting.CoatKind]CoatCodec{}
)

func init() {
	bodyCodecs[raeting.BodyJSON] = jsonBodyCodec{}
	bodyCodecs[raeting.BodyRaw] = rawBodyCodec{}

	footCodecs[raeting.FootNacl] = naclFootCodec{}

	coatCodecs[raeting.CoatNacl] = naclCoatCodec{}
	coatCodecs[raeting.CoatNone] = noneCoatCodec{}
}

type jsonBodyCodec struct{}

func (jsonBodyCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonBodyCodec) Decode(data []byte, v any) error {
	if v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

// byteser lets a named byte-slice type (such as transacting's rawBody)
// plug into rawBodyCodec without this package importing transacting.
type byteser interface {
	Bytes() []byte
}

// byteSetter is the Decode-side counterpart of byteser.
type byteSetter interface {
	SetBytes([]byte)
}

// rawBodyCodec passes byte bodies through unchanged, for application
// messages that already carry serialized bytes.
type rawBodyCodec struct{}

func (rawBodyCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case byteser:
		return b.Bytes(), nil
	default:
		return nil, errors.New("raw body codec requires []byte")
	}
}

func (rawBodyCodec) Decode(data []byte, v any) error {
	switch out := v.(type) {
	case *[]byte:
		*out = data
		return nil
	case byteSetter:
		out.SetBytes(data)
		return nil
	default:
		return errors.New("raw body codec requires *[]byte")
	}
}

type naclFootCodec struct{}

func (naclFootCodec) Sign(signer nacling.Signer, msg []byte) []byte {
	return signer.Sign(msg)
}

func (naclFootCodec) Verify(verifier nacling.Verifier, msg, sig []byte) bool {
	return verifier.Verify(msg, sig)
}

type naclCoatCodec struct{}

func (naclCoatCodec) Seal(boxer nacling.BoxEncryptor, peerPubHex string, msg []byte) ([]byte, error) {
	return boxer.Seal(msg, peerPubHex)
}

func (naclCoatCodec) Open(boxer nacling.BoxEncryptor, peerPubHex string, sealed []byte) ([]byte, error) {
	return boxer.Open(sealed, peerPubHex)
}

// noneCoatCodec is a passthrough, used before a Join has negotiated box
// keys with a peer.
type noneCoatCodec struct{}

func (noneCoatCodec) Seal(_ nacling.BoxEncryptor, _ string, msg []byte) ([]byte, error) {
	return msg, nil
}

func (noneCoatCodec) Open(_ nacling.BoxEncryptor, _ string, sealed []byte) ([]byte, error) {
	return sealed, nil
}
