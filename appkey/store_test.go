package appkey

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/keyrecovery/recoveryd/internal/testkeys"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "appkey.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := NewStore(db)
	require.NoError(t, err)

	return store
}

func TestSpendingKey(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	held := testkeys.NewKey(t, 0x01, 0)
	other := testkeys.NewKey(t, 0x02, 0)

	require.NoError(t, store.PutSpendingKey(held.AccountKey))

	key, err := store.SpendingKey(held.Descriptor)
	require.NoError(t, err)
	xprv := key.UnwrapOrFail(t)
	require.True(t, xprv.IsPrivate())
	require.Equal(t, held.AccountKey.String(), xprv.String())

	// A key the app never held is not an error.
	key, err = store.SpendingKey(other.Descriptor)
	require.NoError(t, err)
	require.True(t, key.IsNone())

	xpub, err := held.AccountKey.Neuter()
	require.NoError(t, err)
	require.ErrorIs(t, store.PutSpendingKey(xpub), ErrPublicKeyOnly)
}

func TestSignMessage(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	priv := testkeys.NewKey(t, 0x05, 0).PrivKey(t)
	require.NoError(t, store.PutAuthKey(priv))

	msg := []byte("challenge")
	sigBytes, err := store.SignMessage(priv.PubKey(), msg)
	require.NoError(t, err)

	sig, err := ecdsa.ParseDERSignature(sigBytes)
	require.NoError(t, err)
	require.True(t, sig.Verify(chainhash.DoubleHashB(msg), priv.PubKey()))

	_, err = store.SignMessage(testkeys.AuthKey(0x09), msg)
	require.ErrorIs(t, err, ErrKeyNotFound)
}
