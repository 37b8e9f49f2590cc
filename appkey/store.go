// Package appkey stores the private keys held by the app factor: the
// extended keys behind its spending keysets and its auth keys.
package appkey

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// spendingKeysBucketKey holds the app's account level extended
	// private keys.
	//
	// maps: compressed account pubkey -> tlv(xprv)
	spendingKeysBucketKey = []byte("app-spending-keys")

	// authKeysBucketKey holds the app's auth private keys.
	//
	// maps: compressed pubkey -> tlv(private key)
	authKeysBucketKey = []byte("app-auth-keys")

	// ErrKeyNotFound is returned when signing with a key the store doesn't
	// hold.
	ErrKeyNotFound = errors.New("app private key not found")

	// ErrPublicKeyOnly is returned when storing an extended public key.
	ErrPublicKeyOnly = errors.New("extended key is not private")
)

const (
	xprvType    tlv.Type = 0
	privKeyType tlv.Type = 0
)

// Store persists the app's private keys.
type Store struct {
	db kvdb.Backend
}

// NewStore returns a new store instance, creating its buckets if needed.
func NewStore(db kvdb.Backend) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, key := range [][]byte{
			spendingKeysBucketKey, authKeysBucketKey,
		} {
			if _, err := tx.CreateTopLevelBucket(key); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &Store{
		db: db,
	}, nil
}

// PutSpendingKey stores an account level extended private key.
func (s *Store) PutSpendingKey(xprv *hdkeychain.ExtendedKey) error {
	if !xprv.IsPrivate() {
		return ErrPublicKeyOnly
	}

	pubKey, err := xprv.ECPubKey()
	if err != nil {
		return err
	}

	encoded := []byte(xprv.String())
	var b bytes.Buffer
	stream, err := tlv.NewStream(tlv.MakePrimitiveRecord(xprvType, &encoded))
	if err != nil {
		return err
	}
	if err := stream.Encode(&b); err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(spendingKeysBucketKey)

		return bucket.Put(pubKey.SerializeCompressed(), b.Bytes())
	}, func() {})
}

// SpendingKey returns the extended private key behind the descriptor key,
// if the app holds it. A stored key only matches if its chain code matches
// too, so a foreign xpub sharing the public key never matches.
func (s *Store) SpendingKey(
	desc *keyset.DescriptorPublicKey) (fn.Option[*hdkeychain.ExtendedKey],
	error) {

	pubKey, err := desc.PubKey()
	if err != nil {
		return fn.None[*hdkeychain.ExtendedKey](), err
	}

	var raw []byte
	err = kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(spendingKeysBucketKey)
		if v := bucket.Get(pubKey.SerializeCompressed()); v != nil {
			raw = append([]byte(nil), v...)
		}

		return nil
	}, func() {
		raw = nil
	})
	if err != nil {
		return fn.None[*hdkeychain.ExtendedKey](), err
	}
	if raw == nil {
		return fn.None[*hdkeychain.ExtendedKey](), nil
	}

	var encoded []byte
	stream, err := tlv.NewStream(tlv.MakePrimitiveRecord(xprvType, &encoded))
	if err != nil {
		return fn.None[*hdkeychain.ExtendedKey](), err
	}
	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return fn.None[*hdkeychain.ExtendedKey](), err
	}

	xprv, err := hdkeychain.NewKeyFromString(string(encoded))
	if err != nil {
		return fn.None[*hdkeychain.ExtendedKey](), fmt.Errorf("decode "+
			"stored key: %w", err)
	}

	if !bytes.Equal(xprv.ChainCode(), desc.XPub.ChainCode()) {
		return fn.None[*hdkeychain.ExtendedKey](), nil
	}

	return fn.Some(xprv), nil
}

// PutAuthKey stores an auth private key.
func (s *Store) PutAuthKey(priv *btcec.PrivateKey) error {
	keyBytes := priv.Serialize()

	var b bytes.Buffer
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(privKeyType, &keyBytes),
	)
	if err != nil {
		return err
	}
	if err := stream.Encode(&b); err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(authKeysBucketKey)

		return bucket.Put(priv.PubKey().SerializeCompressed(), b.Bytes())
	}, func() {})
}

// AuthKey returns the auth private key behind pubKey, if the app holds it.
func (s *Store) AuthKey(
	pubKey *btcec.PublicKey) (fn.Option[*btcec.PrivateKey], error) {

	var keyBytes []byte
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(authKeysBucketKey)
		v := bucket.Get(pubKey.SerializeCompressed())
		if v == nil {
			return nil
		}

		stream, err := tlv.NewStream(
			tlv.MakePrimitiveRecord(privKeyType, &keyBytes),
		)
		if err != nil {
			return err
		}

		return stream.Decode(bytes.NewReader(v))
	}, func() {
		keyBytes = nil
	})
	if err != nil {
		return fn.None[*btcec.PrivateKey](), err
	}
	if keyBytes == nil {
		return fn.None[*btcec.PrivateKey](), nil
	}

	priv, _ := btcec.PrivKeyFromBytes(keyBytes)

	return fn.Some(priv), nil
}

// SignMessage signs the double SHA256 of msg with the auth key behind pubKey
// and returns the DER encoded signature.
func (s *Store) SignMessage(pubKey *btcec.PublicKey, msg []byte) ([]byte,
	error) {

	key, err := s.AuthKey(pubKey)
	if err != nil {
		return nil, err
	}

	priv, err := key.UnwrapOrErr(ErrKeyNotFound)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(priv, chainhash.DoubleHashB(msg)).Serialize(), nil
}
