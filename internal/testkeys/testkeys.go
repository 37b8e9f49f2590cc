// Package testkeys builds deterministic descriptor keys and keysets for
// tests.
package testkeys

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/stretchr/testify/require"
)

// Net is the network all test keys are generated for.
var Net = &chaincfg.RegressionNetParams

// Key is a descriptor public key together with the private account key it
// was derived from.
type Key struct {
	Descriptor *keyset.DescriptorPublicKey
	AccountKey *hdkeychain.ExtendedKey
}

// PrivKey returns the private key of the account level key.
func (k *Key) PrivKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()

	priv, err := k.AccountKey.ECPrivKey()
	require.NoError(t, err)

	return priv
}

// NewKey derives a descriptor key from a seed filled with the given byte, at
// the given account index.
func NewKey(t *testing.T, seedByte byte, account uint32) *Key {
	t.Helper()

	seed := bytes.Repeat([]byte{seedByte}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, Net)
	require.NoError(t, err)

	masterPub, err := master.ECPubKey()
	require.NoError(t, err)
	fingerprint := btcutil.Hash160(masterPub.SerializeCompressed())[:4]

	key := master
	for _, step := range []uint32{84, 1, account} {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + step)
		require.NoError(t, err)
	}

	xpub, err := key.Neuter()
	require.NoError(t, err)

	desc := fmt.Sprintf(
		"[%x/84h/1h/%dh]%s/0/*", fingerprint, account, xpub.String(),
	)
	parsed, err := keyset.ParseDescriptorPublicKey(desc)
	require.NoError(t, err)

	return &Key{
		Descriptor: parsed,
		AccountKey: key,
	}
}

// Keyset is a spending keyset plus the private keys behind it.
type Keyset struct {
	keyset.SpendingKeyset

	App      *Key
	Hardware *Key
	Server   *Key
}

// NewKeyset builds a keyset whose app, hardware and server keys come from
// the given seed bytes. Keysets sharing hwSeed share a hardware fingerprint.
func NewKeyset(t *testing.T, id string, appSeed, hwSeed, serverSeed byte,
	account uint32) *Keyset {

	t.Helper()

	app := NewKey(t, appSeed, account)
	hw := NewKey(t, hwSeed, account)
	server := NewKey(t, serverSeed, account)

	return &Keyset{
		SpendingKeyset: keyset.SpendingKeyset{
			ID:          id,
			AppKey:      app.Descriptor,
			HardwareKey: hw.Descriptor,
			ServerKey:   server.Descriptor,
			Network:     Net,
		},
		App:      app,
		Hardware: hw,
		Server:   server,
	}
}

// AuthKey returns a deterministic auth public key.
func AuthKey(seedByte byte) *btcec.PublicKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seedByte}, 32))

	return priv.PubKey()
}
