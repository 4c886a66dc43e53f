// Package nacling provides the injectable signature and encryption
// collaborators a RoadStack uses for packet foot and coat codecs, plus a
// default implementation over golang.org/x/crypto/nacl.
//
// The RoadStack never depends on these concrete types directly; it depends
// on the Signer/Verifier/BoxEncryptor interfaces, so a deployment can swap
// in another public-key scheme without touching the protocol engine.
package nacling

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/sign"
)

var (
	// ErrKeySize is returned when a hex-encoded key does not decode to 32 bytes.
	ErrKeySize = errors.New("nacling: invalid key size")
	// ErrOpen is returned when a sealed box fails to open (wrong key or tampered ciphertext).
	ErrOpen = errors.New("nacling: box open failed")
)

// Signer produces a detached signature over a message with a long-term
// identity key. KeyHex identifies the corresponding verify key.
type Signer interface {
	KeyHex() string
	Sign(msg []byte) []byte
}

// Verifier checks a detached signature against one fixed public key.
type Verifier interface {
	VerifyHex() string
	Verify(msg, sig []byte) bool
}

// BoxEncryptor seals and opens a message for one named peer at a time,
// identified by the peer's hex-encoded public key.
type BoxEncryptor interface {
	PubHex() string
	Seal(msg []byte, peerPubHex string) ([]byte, error)
	Open(box []byte, peerPubHex string) ([]byte, error)
}

// NaclSigner is the default Signer, backed by nacl/sign.
type NaclSigner struct {
	pub  *[32]byte
	priv *[64]byte
}

// GenerateSigner creates a fresh signing keypair.
func GenerateSigner() (*NaclSigner, error) {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &NaclSigner{pub: pub, priv: priv}, nil
}

// KeyHex returns the hex-encoded verify key.
func (s *NaclSigner) KeyHex() string { return hex.EncodeToString(s.pub[:]) }

// SigHex returns the hex-encoded signing private key, for the keep store's
// "sighex" safe field. Unlike KeyHex (the public verify key, shared with
// peers), this is secret-adjacent material.
func (s *NaclSigner) SigHex() string { return hex.EncodeToString(s.priv[:]) }

// Sign returns a detached signature: nacl/sign prepends the signature to the
// message it signs, so Sign discards the trailing message bytes it already
// has in hand.
func (s *NaclSigner) Sign(msg []byte) []byte {
	signed := sign.Sign(nil, msg, s.priv)
	return signed[:len(signed)-len(msg)]
}

// naclVerifier checks a detached signature against one fixed verify key.
type naclVerifier struct {
	pub    *[32]byte
	pubHex string
}

// NewVerifier builds a Verifier bound to a peer's hex-encoded verify key,
// as stored on a RemoteEstate.
func NewVerifier(verifyHex string) (Verifier, error) {
	pub, err := decodeKey(verifyHex)
	if err != nil {
		return nil, err
	}
	return &naclVerifier{pub: pub, pubHex: verifyHex}, nil
}

func (v *naclVerifier) VerifyHex() string { return v.pubHex }

func (v *naclVerifier) Verify(msg, sig []byte) bool {
	combined := make([]byte, 0, len(sig)+len(msg))
	combined = append(combined, sig...)
	combined = append(combined, msg...)
	_, ok := sign.Open(nil, combined, v.pub)
	return ok
}

// NaclBox is the default BoxEncryptor, backed by nacl/box.
type NaclBox struct {
	pub  *[32]byte
	priv *[32]byte
}

// GenerateBox creates a fresh encryption keypair.
func GenerateBox() (*NaclBox, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &NaclBox{pub: pub, priv: priv}, nil
}

// PubHex returns the hex-encoded box public key.
func (b *NaclBox) PubHex() string { return hex.EncodeToString(b.pub[:]) }

// PriHex returns the hex-encoded box private key, for the keep store's
// "prihex" safe field.
func (b *NaclBox) PriHex() string { return hex.EncodeToString(b.priv[:]) }

// Seal encrypts msg for peerPubHex, prepending a fresh random nonce.
func (b *NaclBox) Seal(msg []byte, peerPubHex string) ([]byte, error) {
	peer, err := decodeKey(peerPubHex)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := box.Seal(nonce[:], msg, &nonce, peer, b.priv)
	return sealed, nil
}

// Open decrypts a box produced by Seal from peerPubHex.
func (b *NaclBox) Open(sealed []byte, peerPubHex string) ([]byte, error) {
	peer, err := decodeKey(peerPubHex)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 24 {
		return nil, ErrOpen
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	opened, ok := box.Open(nil, sealed[24:], &nonce, peer, b.priv)
	if !ok {
		return nil, ErrOpen
	}
	return opened, nil
}

// NaclSuite bundles a signing and a box keypair, satisfying both Signer and
// BoxEncryptor — the default collaborator a RoadStack constructs its local
// estate's keys from.
type NaclSuite struct {
	*NaclSigner
	*NaclBox
}

// GenerateSuite creates a fresh signing + box keypair pair.
func GenerateSuite() (*NaclSuite, error) {
	signer, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	boxer, err := GenerateBox()
	if err != nil {
		return nil, err
	}
	return &NaclSuite{NaclSigner: signer, NaclBox: boxer}, nil
}

// RestoreSuite reconstructs a NaclSuite from the secret hex material a
// keep store persists ("sighex", "prihex"), so a restarted stack recovers
// its identity without regenerating keys, per spec.md §8 scenario 6.
func RestoreSuite(sigHex, priHex string) (*NaclSuite, error) {
	sigRaw, err := hex.DecodeString(sigHex)
	if err != nil || len(sigRaw) != 64 {
		return nil, ErrKeySize
	}
	var sigPriv [64]byte
	copy(sigPriv[:], sigRaw)
	var sigPub [32]byte
	// nacl/sign's 64-byte private key is seed||publicKey; the trailing 32
	// bytes are always the corresponding verify key.
	copy(sigPub[:], sigRaw[32:])

	boxPriv, err := decodeKey(priHex)
	if err != nil {
		return nil, err
	}
	var boxPub [32]byte
	curve25519.ScalarBaseMult(&boxPub, boxPriv)

	return &NaclSuite{
		NaclSigner: &NaclSigner{pub: &sigPub, priv: &sigPriv},
		NaclBox:    &NaclBox{pub: &boxPub, priv: boxPriv},
	}, nil
}

func decodeKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return nil, ErrKeySize
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
