package sweep

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/keyrecovery/recoveryd/appkey"
	"github.com/keyrecovery/recoveryd/esplora"
	"github.com/keyrecovery/recoveryd/feerate"
	"github.com/keyrecovery/recoveryd/internal/testkeys"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/keyrecovery/recoveryd/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testAccountID = "account-1"

	testFeeRate = chainfee.SatPerKWeight(2500)
)

// fakeChain is an in-memory wallet.ChainSource.
type fakeChain struct {
	mu    sync.Mutex
	utxos map[string][]*esplora.UTXO
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		utxos: make(map[string][]*esplora.UTXO),
	}
}

// fund pays value to the first address of ks.
func (c *fakeChain) fund(t require.TestingT, ks *keyset.SpendingKeyset,
	value btcutil.Amount) {

	addr, err := wallet.DeriveAddress(ks, 0)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()

	key := addr.Address.EncodeAddress()
	n := len(c.utxos[key])
	txid := chainhash.HashH([]byte(fmt.Sprintf("%s/%d", key, n)))

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

	info := &esplora.AddressInfo{Address: address}
	if len(c.utxos[address]) > 0 {
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

// fakeKeysetLister returns a fixed keyset listing.
type fakeKeysetLister struct {
	keysets []*keyset.SpendingKeyset
	err     error
}

func (f *fakeKeysetLister) ListKeysets(_ context.Context,
	_ string) ([]*keyset.SpendingKeyset, error) {

	return f.keysets, f.err
}

// mockRegistrar is a mock implementation of AddressRegistrar.
type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) RegisterWatchAddress(ctx context.Context, accountID,
	keysetID string, addr btcutil.Address) error {

	args := m.Called(ctx, accountID, keysetID, addr)

	return args.Error(0)
}

// failingAppKeys is an AppKeyStore whose reads fail.
type failingAppKeys struct {
	err error
}

func (f *failingAppKeys) SpendingKey(_ *keyset.DescriptorPublicKey) (
	fn.Option[*hdkeychain.ExtendedKey], error) {

	return fn.None[*hdkeychain.ExtendedKey](), f.err
}

// failingFees is a FeeRateEstimator that always fails.
type failingFees struct {
	err error
}

func (f *failingFees) FeeRate(_ feerate.Priority) (chainfee.SatPerKWeight,
	error) {

	return 0, f.err
}

// faultyWallets wraps a wallet.Provider and injects failures for chosen
// keysets.
type faultyWallets struct {
	wallet.Provider

	createErr map[string]error
	syncErr   map[string]error
	psbtErr   map[string]error
}

func (f *faultyWallets) WatchingWallet(ctx context.Context,
	ks *keyset.SpendingKeyset) (wallet.WatchingWallet, error) {

	if err := f.createErr[ks.ID]; err != nil {
		return nil, err
	}

	w, err := f.Provider.WatchingWallet(ctx, ks)
	if err != nil {
		return nil, err
	}

	return &faultyWallet{
		WatchingWallet: w,
		syncErr:        f.syncErr[ks.ID],
		psbtErr:        f.psbtErr[ks.ID],
	}, nil
}

type faultyWallet struct {
	wallet.WatchingWallet

	syncErr error
	psbtErr error
}

func (f *faultyWallet) Sync(ctx context.Context) error {
	if f.syncErr != nil {
		return f.syncErr
	}

	return f.WatchingWallet.Sync(ctx)
}

func (f *faultyWallet) CreateSendAllPsbt(ctx context.Context,
	dest btcutil.Address, feeRate chainfee.SatPerKWeight) (*psbt.Packet,
	error) {

	if f.psbtErr != nil {
		return nil, f.psbtErr
	}

	return f.WatchingWallet.CreateSendAllPsbt(ctx, dest, feeRate)
}

func newTestDB(t *testing.T, name string) kvdb.Backend {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), name),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// testKeysets are the keysets of the test account. Keysets sharing the
// active hardware seed are hardware signable.
type testKeysets struct {
	active *testkeys.Keyset

	// app is signable through a held app key.
	app *testkeys.Keyset

	// hw is signable by the paired hardware device.
	hw *testkeys.Keyset

	// foreign is signable by neither factor.
	foreign *testkeys.Keyset
}

const (
	activeHwSeed = 0x02
	serverSeed   = 0x03
)

func newTestKeysets(t *testing.T) *testKeysets {
	t.Helper()

	return &testKeysets{
		active: testkeys.NewKeyset(
			t, "active", 0x01, activeHwSeed, serverSeed, 0,
		),
		app: testkeys.NewKeyset(t, "app", 0x11, 0x12, serverSeed, 1),
		hw: testkeys.NewKeyset(
			t, "hw", 0x21, activeHwSeed, serverSeed, 2,
		),
		foreign: testkeys.NewKeyset(
			t, "foreign", 0x31, 0x32, serverSeed, 3,
		),
	}
}

func (k *testKeysets) keybox() *keyset.Keybox {
	return &keyset.Keybox{
		AccountID:            testAccountID,
		ActiveSpendingKeyset: k.active.SpendingKeyset,
		InactiveKeysets: []keyset.SpendingKeyset{
			k.app.SpendingKeyset, k.hw.SpendingKeyset,
			k.foreign.SpendingKeyset,
		},
		Network: testkeys.Net,
	}
}

// generatorHarness wires a Generator to real wallets over a fake chain.
type generatorHarness struct {
	t *testing.T

	keysets   *testKeysets
	chain     *fakeChain
	lister    *fakeKeysetLister
	registrar *mockRegistrar
	appKeys   *appkey.Store
	addresses *wallet.AddressStore
	wallets   *faultyWallets
	cfg       *GeneratorConfig
	generator *Generator
}

func newGeneratorHarness(t *testing.T) *generatorHarness {
	t.Helper()

	keysets := newTestKeysets(t)
	chain := newFakeChain()

	addrStore, err := wallet.NewAddressStore(newTestDB(t, "wallet.db"))
	require.NoError(t, err)

	appKeys, err := appkey.NewStore(newTestDB(t, "appkey.db"))
	require.NoError(t, err)
	require.NoError(t, appKeys.PutSpendingKey(keysets.active.App.AccountKey))
	require.NoError(t, appKeys.PutSpendingKey(keysets.app.App.AccountKey))

	wallets := &faultyWallets{
		Provider: wallet.NewManager(&wallet.Config{
			Network:  testkeys.Net,
			Chain:    chain,
			Store:    addrStore,
			GapLimit: 5,
		}),
	}

	registrar := &mockRegistrar{}
	lister := &fakeKeysetLister{
		keysets: []*keyset.SpendingKeyset{
			&keysets.active.SpendingKeyset,
			&keysets.app.SpendingKeyset,
			&keysets.hw.SpendingKeyset,
			&keysets.foreign.SpendingKeyset,
		},
	}

	cfg := &GeneratorConfig{
		Keysets:   lister,
		AppKeys:   appKeys,
		Addresses: registrar,
		Fees: feerate.NewEstimator(
			chainfee.NewStaticEstimator(
				testFeeRate, chainfee.FeePerKwFloor,
			),
		),
		Wallets: wallets,
	}

	return &generatorHarness{
		t:         t,
		keysets:   keysets,
		chain:     chain,
		lister:    lister,
		registrar: registrar,
		appKeys:   appKeys,
		addresses: addrStore,
		wallets:   wallets,
		cfg:       cfg,
		generator: NewGenerator(cfg),
	}
}

// requireGeneratorError asserts err is a GeneratorError of the given kind.
func requireGeneratorError(t *testing.T, err error,
	kind GeneratorErrorKind) *GeneratorError {

	t.Helper()

	var genErr *GeneratorError
	require.ErrorAs(t, err, &genErr)
	require.Equal(t, kind, genErr.Kind)

	return genErr
}
