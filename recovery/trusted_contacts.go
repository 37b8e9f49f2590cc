package recovery

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrInvalidCertificate is returned when a certificate's app signature
// doesn't verify.
var ErrInvalidCertificate = errors.New("invalid trusted contact certificate")

// Certificate binds a trusted contact's delegated decryption key to the
// account's auth keys. It is signed by the app global auth key.
type Certificate struct {
	DelegatedDecryptionKey []byte

	AppGlobalAuthKey *btcec.PublicKey
	HardwareAuthKey  *btcec.PublicKey

	// AppSignature is a DER encoded ECDSA signature over the double
	// SHA256 of Message.
	AppSignature []byte
}

// Message returns the bytes the app signature commits to.
func (c *Certificate) Message() []byte {
	msg := make([]byte, 0, len(c.DelegatedDecryptionKey)+66)
	msg = append(msg, c.DelegatedDecryptionKey...)
	msg = append(msg, c.HardwareAuthKey.SerializeCompressed()...)
	msg = append(msg, c.AppGlobalAuthKey.SerializeCompressed()...)

	return msg
}

// Verify checks the app signature.
func (c *Certificate) Verify() error {
	if c.AppGlobalAuthKey == nil || c.HardwareAuthKey == nil {
		return ErrInvalidCertificate
	}

	sig, err := ecdsa.ParseDERSignature(c.AppSignature)
	if err != nil {
		return ErrInvalidCertificate
	}

	if !sig.Verify(chainhash.DoubleHashB(c.Message()), c.AppGlobalAuthKey) {
		return ErrInvalidCertificate
	}

	return nil
}

// Relationship is an endorsed or pending trusted contact of the account.
type Relationship struct {
	ID    string
	Alias string

	// Certificate is nil until the contact was endorsed.
	Certificate *Certificate
}

// Endorsement is a new certificate for an existing relationship.
type Endorsement struct {
	RelationshipID string
	Certificate    Certificate
}
