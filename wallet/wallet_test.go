package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/keyrecovery/recoveryd/esplora"
	"github.com/keyrecovery/recoveryd/internal/testkeys"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeChain is an in-memory ChainSource.
type fakeChain struct {
	mu    sync.Mutex
	used  map[string]bool
	utxos map[string][]*esplora.UTXO
	err   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		used:  make(map[string]bool),
		utxos: make(map[string][]*esplora.UTXO),
	}
}

// fund adds an unspent output of the given value to addr.
func (c *fakeChain) fund(addr btcutil.Address, value btcutil.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := addr.EncodeAddress()
	n := len(c.utxos[key])
	txid := chainhash.HashH([]byte(fmt.Sprintf("%s/%d", key, n)))

	c.used[key] = true
	c.utxos[key] = append(c.utxos[key], &esplora.UTXO{
		TxID:  txid.String(),
		Vout:  uint32(n),
		Value: int64(value),
	})
}

func (c *fakeChain) GetAddressInfo(_ context.Context,
	address string) (*esplora.AddressInfo, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	info := &esplora.AddressInfo{Address: address}
	if c.used[address] {
		info.ChainStats.TxCount = 1
	}

	return info, nil
}

func (c *fakeChain) GetAddressUTXOs(_ context.Context,
	address string) ([]*esplora.UTXO, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.utxos[address], nil
}

func newTestStore(t *testing.T) (*AddressStore, kvdb.Backend) {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "wallet.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := NewAddressStore(db)
	require.NoError(t, err)

	return store, db
}

func newTestManager(t *testing.T, chain ChainSource) *Manager {
	t.Helper()

	store, _ := newTestStore(t)

	return NewManager(&Config{
		Network:  testkeys.Net,
		Chain:    chain,
		Store:    store,
		GapLimit: 5,
	})
}

func addressAt(t *testing.T, ks *keyset.SpendingKeyset,
	index uint32) btcutil.Address {

	t.Helper()

	addr, err := DeriveAddress(ks, index)
	require.NoError(t, err)

	return addr.Address
}

// TestDeriveAddressSortedMulti checks the address is a P2WSH over a sorted
// 2-of-3 multisig script and doesn't depend on key order.
func TestDeriveAddressSortedMulti(t *testing.T) {
	t.Parallel()

	ks := testkeys.NewKeyset(t, "ks", 0x01, 0x02, 0x03, 0)

	addr, err := DeriveAddress(&ks.SpendingKeyset, 7)
	require.NoError(t, err)
	require.EqualValues(t, 7, addr.Index)

	class, pubKeys, nRequired, err := txscript.ExtractPkScriptAddrs(
		addr.WitnessScript, testkeys.Net,
	)
	require.NoError(t, err)
	require.Equal(t, txscript.MultiSigTy, class)
	require.Equal(t, 2, nRequired)
	require.Len(t, pubKeys, 3)

	for i := 1; i < len(pubKeys); i++ {
		prev := pubKeys[i-1].(*btcutil.AddressPubKey)
		cur := pubKeys[i].(*btcutil.AddressPubKey)
		require.Negative(t, bytes.Compare(
			prev.ScriptAddress(), cur.ScriptAddress(),
		))
	}

	_, ok := addr.Address.(*btcutil.AddressWitnessScriptHash)
	require.True(t, ok)

	swapped := ks.SpendingKeyset
	swapped.AppKey, swapped.ServerKey = ks.ServerKey, ks.AppKey
	other, err := DeriveAddress(&swapped, 7)
	require.NoError(t, err)
	require.Equal(t, addr.Address.String(), other.Address.String())
}

// TestNewAddressNeverReused checks handed out addresses stay unique across
// wallet restarts and skip addresses seen on chain.
func TestNewAddressNeverReused(t *testing.T) {
	t.Parallel()

	ks := testkeys.NewKeyset(t, "ks", 0x01, 0x02, 0x03, 0)
	chain := newFakeChain()
	store, _ := newTestStore(t)
	ctx := context.Background()

	newManager := func() *Manager {
		return NewManager(&Config{
			Network:  testkeys.Net,
			Chain:    chain,
			Store:    store,
			GapLimit: 5,
		})
	}

	w, err := newManager().WatchingWallet(ctx, &ks.SpendingKeyset)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		addr, err := w.NewAddress(ctx)
		require.NoError(t, err)
		require.False(t, seen[addr.String()])
		seen[addr.String()] = true
	}

	// Someone else used index 4 meanwhile.
	chain.fund(addressAt(t, &ks.SpendingKeyset, 4), 1000)

	w, err = newManager().WatchingWallet(ctx, &ks.SpendingKeyset)
	require.NoError(t, err)
	require.NoError(t, w.Sync(ctx))

	addr, err := w.NewAddress(ctx)
	require.NoError(t, err)
	require.Equal(t, addressAt(t, &ks.SpendingKeyset, 5).String(),
		addr.String())
}

// TestPeekAddressDoesNotReserve checks peeking returns the next address
// without moving the index.
func TestPeekAddressDoesNotReserve(t *testing.T) {
	t.Parallel()

	ks := testkeys.NewKeyset(t, "ks", 0x01, 0x02, 0x03, 0)
	store, _ := newTestStore(t)
	ctx := context.Background()

	w, err := NewManager(&Config{
		Network:  testkeys.Net,
		Chain:    newFakeChain(),
		Store:    store,
		GapLimit: 5,
	}).WatchingWallet(ctx, &ks.SpendingKeyset)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		addr, err := w.PeekAddress(ctx)
		require.NoError(t, err)
		require.Equal(t, addressAt(t, &ks.SpendingKeyset, 0).String(),
			addr.String())
	}

	next, err := store.NextIndex(ks.ID)
	require.NoError(t, err)
	require.Zero(t, next)

	addr, err := w.NewAddress(ctx)
	require.NoError(t, err)
	require.Equal(t, addressAt(t, &ks.SpendingKeyset, 0).String(),
		addr.String())

	addr, err = w.PeekAddress(ctx)
	require.NoError(t, err)
	require.Equal(t, addressAt(t, &ks.SpendingKeyset, 1).String(),
		addr.String())
}

// TestSyncGapLimit checks outputs beyond the gap limit stay invisible.
func TestSyncGapLimit(t *testing.T) {
	t.Parallel()

	ks := testkeys.NewKeyset(t, "ks", 0x01, 0x02, 0x03, 0)
	chain := newFakeChain()
	chain.fund(addressAt(t, &ks.SpendingKeyset, 0), 1000)
	chain.fund(addressAt(t, &ks.SpendingKeyset, 5), 2000)
	chain.fund(addressAt(t, &ks.SpendingKeyset, 11), 4000)

	m := newTestManager(t, chain)
	ctx := context.Background()

	w, err := m.WatchingWallet(ctx, &ks.SpendingKeyset)
	require.NoError(t, err)
	require.NoError(t, w.Sync(ctx))

	// Index 5 follows four unused addresses and is found, index 11
	// follows five and isn't.
	require.Equal(t, btcutil.Amount(3000), w.Balance())
}

func TestSyncError(t *testing.T) {
	t.Parallel()

	ks := testkeys.NewKeyset(t, "ks", 0x01, 0x02, 0x03, 0)
	chain := newFakeChain()
	chain.err = errors.New("offline")

	m := newTestManager(t, chain)
	w, err := m.WatchingWallet(context.Background(), &ks.SpendingKeyset)
	require.NoError(t, err)

	require.ErrorIs(t, w.Sync(context.Background()), chain.err)

	_, err = w.CreateSendAllPsbt(
		context.Background(), addressAt(t, &ks.SpendingKeyset, 0),
		chainfee.FeePerKwFloor,
	)
	require.ErrorIs(t, err, ErrNotSynced)
}

func TestWatchingWalletNetworkMismatch(t *testing.T) {
	t.Parallel()

	ks := testkeys.NewKeyset(t, "ks", 0x01, 0x02, 0x03, 0)
	store, _ := newTestStore(t)
	m := NewManager(&Config{
		Network: &chaincfg.MainNetParams,
		Chain:   newFakeChain(),
		Store:   store,
	})

	_, err := m.WatchingWallet(context.Background(), &ks.SpendingKeyset)
	require.ErrorIs(t, err, keyset.ErrNetworkMismatch)
}

// TestCreateSendAllPsbt sweeps two outputs and checks the PSBT carries what
// the signers need.
func TestCreateSendAllPsbt(t *testing.T) {
	t.Parallel()

	source := testkeys.NewKeyset(t, "old", 0x01, 0x02, 0x03, 0)
	dest := testkeys.NewKeyset(t, "new", 0x04, 0x02, 0x03, 1)

	chain := newFakeChain()
	chain.fund(addressAt(t, &source.SpendingKeyset, 0), 600_000)
	chain.fund(addressAt(t, &source.SpendingKeyset, 2), 400_000)

	m := newTestManager(t, chain)
	ctx := context.Background()

	w, err := m.WatchingWallet(ctx, &source.SpendingKeyset)
	require.NoError(t, err)
	require.NoError(t, w.Sync(ctx))

	destAddr := addressAt(t, &dest.SpendingKeyset, 0)
	feeRate := chainfee.SatPerKWeight(2500)

	packet, err := w.CreateSendAllPsbt(ctx, destAddr, feeRate)
	require.NoError(t, err)

	tx := packet.UnsignedTx
	require.Len(t, tx.TxIn, 2)
	require.Len(t, tx.TxOut, 1)

	fee, err := packet.GetTxFee()
	require.NoError(t, err)
	require.Greater(t, int64(fee), int64(0))
	require.EqualValues(t, 1_000_000-fee, tx.TxOut[0].Value)

	destScript, err := txscript.PayToAddrScript(destAddr)
	require.NoError(t, err)
	require.Equal(t, destScript, tx.TxOut[0].PkScript)

	fingerprints := map[uint32]bool{
		source.AppKey.Fingerprint:      true,
		source.HardwareKey.Fingerprint: true,
		source.ServerKey.Fingerprint:   true,
	}
	for _, pIn := range packet.Inputs {
		require.NotNil(t, pIn.WitnessUtxo)
		require.NotEmpty(t, pIn.WitnessScript)
		require.Len(t, pIn.Bip32Derivation, 3)

		for _, d := range pIn.Bip32Derivation {
			require.True(t, fingerprints[d.MasterKeyFingerprint])
			require.Len(t, d.Bip32Path, 5)
		}
	}
}

// TestCreateSendAllPsbtInsufficientFunds covers empty and dust wallets.
func TestCreateSendAllPsbtInsufficientFunds(t *testing.T) {
	t.Parallel()

	source := testkeys.NewKeyset(t, "old", 0x01, 0x02, 0x03, 0)
	destAddr := addressAt(
		t, &testkeys.NewKeyset(t, "new", 0x04, 0x02, 0x03, 1).
			SpendingKeyset, 0,
	)

	chain := newFakeChain()
	m := newTestManager(t, chain)
	ctx := context.Background()

	w, err := m.WatchingWallet(ctx, &source.SpendingKeyset)
	require.NoError(t, err)
	require.NoError(t, w.Sync(ctx))

	var insufficient *InsufficientFundsError
	_, err = w.CreateSendAllPsbt(ctx, destAddr, chainfee.FeePerKwFloor)
	require.ErrorAs(t, err, &insufficient)
	require.Zero(t, insufficient.Available)

	chain.fund(addressAt(t, &source.SpendingKeyset, 0), 500)
	require.NoError(t, w.Sync(ctx))

	_, err = w.CreateSendAllPsbt(ctx, destAddr, chainfee.FeePerKwFloor)
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 500, insufficient.Available)
}

func TestCreateSendAllPsbtFeeRateTooLow(t *testing.T) {
	t.Parallel()

	source := testkeys.NewKeyset(t, "old", 0x01, 0x02, 0x03, 0)
	m := newTestManager(t, newFakeChain())

	w, err := m.WatchingWallet(context.Background(), &source.SpendingKeyset)
	require.NoError(t, err)

	_, err = w.CreateSendAllPsbt(
		context.Background(), addressAt(t, &source.SpendingKeyset, 0),
		chainfee.FeePerKwFloor-1,
	)
	require.ErrorIs(t, err, ErrFeeRateTooLow)
}

// TestSendAllConservesValue checks inputs always equal output plus fee, and
// that the fee never undercuts the requested rate.
func TestSendAllConservesValue(t *testing.T) {
	t.Parallel()

	source := testkeys.NewKeyset(t, "old", 0x01, 0x02, 0x03, 0)
	destAddr := addressAt(t, &source.SpendingKeyset, 100)
	store, _ := newTestStore(t)

	rapid.Check(t, func(rt *rapid.T) {
		values := rapid.SliceOfN(
			rapid.Int64Range(1_000, 10_000_000), 1, 6,
		).Draw(rt, "values")
		feeRate := chainfee.SatPerKWeight(rapid.Int64Range(
			int64(chainfee.FeePerKwFloor), 50_000,
		).Draw(rt, "feeRate"))

		chain := newFakeChain()
		for i, v := range values {
			chain.fund(
				addressAt(t, &source.SpendingKeyset, uint32(i)),
				btcutil.Amount(v),
			)
		}

		m := NewManager(&Config{
			Network: testkeys.Net,
			Chain:   chain,
			Store:   store,
		})

		w, err := m.WatchingWallet(
			context.Background(), &source.SpendingKeyset,
		)
		require.NoError(rt, err)
		require.NoError(rt, w.Sync(context.Background()))

		packet, err := w.CreateSendAllPsbt(
			context.Background(), destAddr, feeRate,
		)

		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			return
		}
		require.NoError(rt, err)

		var total int64
		for _, v := range values {
			total += v
		}

		fee, err := packet.GetTxFee()
		require.NoError(rt, err)
		require.Equal(rt, total, int64(fee)+
			packet.UnsignedTx.TxOut[0].Value)
		require.Len(rt, packet.UnsignedTx.TxIn, len(values))
	})
}
