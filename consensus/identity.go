package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"go.dedis.ch/kyber/v4/suites"
)

var suite suites.Suite = suites.MustFind("Ed25519")

// Identity is the signing key pair of a node. The node id is derived from
// the public key, so a peer can check that an event comes from the node it
// claims to come from.
type Identity struct {
	priv kyber.Scalar
	pub  kyber.Point
	id   string
}

// NewIdentity generates a fresh key pair.
func NewIdentity() *Identity {
	priv := suite.Scalar().Pick(suite.RandomStream())
	return newIdentity(priv)
}

// IdentityFromHex restores the identity whose private key is the hex string
// returned by PrivateHex.
func IdentityFromHex(s string) (*Identity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	priv := suite.Scalar()
	if err := priv.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return newIdentity(priv), nil
}

func newIdentity(priv kyber.Scalar) *Identity {
	pub := suite.Point().Mul(priv, nil)
	b, _ := pub.MarshalBinary()
	return &Identity{priv: priv, pub: pub, id: NodeIDFromPublicKey(b)}
}

// NodeID returns the id of the node owning the identity.
func (i *Identity) NodeID() string { return i.id }

// PublicKey returns the marshaled public key.
func (i *Identity) PublicKey() []byte {
	b, _ := i.pub.MarshalBinary()
	return b
}

// PrivateHex returns the hex encoded private key.
func (i *Identity) PrivateHex() string {
	b, _ := i.priv.MarshalBinary()
	return hex.EncodeToString(b)
}

// Sign returns the Schnorr signature of msg.
func (i *Identity) Sign(msg []byte) ([]byte, error) {
	return schnorr.Sign(suite, i.priv, msg)
}

// NodeIDFromPublicKey returns the node id bound to a marshaled public key.
func NodeIDFromPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// verifySchnorr checks sig against msg and the marshaled public key pub.
func verifySchnorr(pub, msg, sig []byte) error {
	point := suite.Point()
	if err := point.UnmarshalBinary(pub); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return schnorr.Verify(suite, point, msg, sig)
}
