package sweep

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/keyrecovery/recoveryd/appkey"
	"github.com/keyrecovery/recoveryd/feerate"
	"github.com/keyrecovery/recoveryd/internal/testkeys"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/keyrecovery/recoveryd/wallet"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestGenerateSweepAppAndDustKeysets covers an app signable keyset holding
// 0.01 BTC next to a hardware signable keyset holding only dust.
func TestGenerateSweepAppAndDustKeysets(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.chain.fund(
		t, &h.keysets.app.SpendingKeyset, btcutil.SatoshiPerBitcoin/100,
	)
	h.chain.fund(t, &h.keysets.hw.SpendingKeyset, 500)

	h.registrar.On(
		"RegisterWatchAddress", mock.Anything, testAccountID, "active",
		mock.Anything,
	).Return(nil)

	psbts, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextReal,
	)
	require.NoError(t, err)
	require.Len(t, psbts, 1)

	p := psbts[0]
	require.Equal(t, "app", p.SourceKeyset.ID)
	require.Equal(t, keyset.FactorApp, p.SignFactor)
	require.Equal(t, btcutil.Amount(btcutil.SatoshiPerBitcoin/100),
		p.Amount+p.Fee)
	require.Greater(t, int64(p.Fee), int64(0))

	// The sweep pays to the first address of the active keyset.
	dest, err := wallet.DeriveAddress(&h.keysets.active.SpendingKeyset, 0)
	require.NoError(t, err)
	require.Equal(t, dest.Address.EncodeAddress(),
		p.DestinationAddress.EncodeAddress())

	require.Len(t, p.Packet.UnsignedTx.TxOut, 1)
	require.Equal(t, dest.PkScript, p.Packet.UnsignedTx.TxOut[0].PkScript)

	// Both signable keysets got their own destination address
	// registered, even the one that had nothing to sweep.
	h.registrar.AssertNumberOfCalls(t, "RegisterWatchAddress", 2)
}

func TestGenerateSweepHardwareSignable(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.chain.fund(t, &h.keysets.hw.SpendingKeyset, 200_000)
	h.chain.fund(t, &h.keysets.foreign.SpendingKeyset, 300_000)

	psbts, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextEstimate,
	)
	require.NoError(t, err)
	require.Len(t, psbts, 1)
	require.Equal(t, "hw", psbts[0].SourceKeyset.ID)
	require.Equal(t, keyset.FactorHardware, psbts[0].SignFactor)

	// Estimates never register addresses.
	h.registrar.AssertNotCalled(
		t, "RegisterWatchAddress", mock.Anything, mock.Anything,
		mock.Anything, mock.Anything,
	)
}

// TestGenerateSweepFreshAddresses checks every real sweep PSBT pays to an
// address that was never handed out before.
func TestGenerateSweepFreshAddresses(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.chain.fund(t, &h.keysets.app.SpendingKeyset, 200_000)
	h.chain.fund(t, &h.keysets.hw.SpendingKeyset, 300_000)

	h.registrar.On(
		"RegisterWatchAddress", mock.Anything, testAccountID, "active",
		mock.Anything,
	).Return(nil)

	kb := h.keysets.keybox()
	seen := make(map[string]struct{})
	for i := 0; i < 2; i++ {
		psbts, err := h.generator.GenerateSweep(
			context.Background(), kb, ContextReal,
		)
		require.NoError(t, err)
		require.Len(t, psbts, 2)

		for _, p := range psbts {
			addr := p.DestinationAddress.EncodeAddress()
			require.NotContains(t, seen, addr)
			seen[addr] = struct{}{}
		}
	}
}

// TestGenerateSweepEstimateKeepsAddressIndex checks repeated estimates don't
// reserve destination addresses, so later wallet syncs stay within the gap
// limit.
func TestGenerateSweepEstimateKeepsAddressIndex(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.chain.fund(t, &h.keysets.app.SpendingKeyset, 200_000)
	h.chain.fund(t, &h.keysets.hw.SpendingKeyset, 300_000)

	kb := h.keysets.keybox()
	dest, err := wallet.DeriveAddress(&h.keysets.active.SpendingKeyset, 0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		psbts, err := h.generator.GenerateSweep(
			context.Background(), kb, ContextEstimate,
		)
		require.NoError(t, err)
		require.Len(t, psbts, 2)

		for _, p := range psbts {
			require.Equal(t, dest.Address.EncodeAddress(),
				p.DestinationAddress.EncodeAddress())
		}
	}

	next, err := h.addresses.NextIndex("active")
	require.NoError(t, err)
	require.Zero(t, next)

	// A real sweep reserves one address per PSBT.
	h.registrar.On(
		"RegisterWatchAddress", mock.Anything, testAccountID, "active",
		mock.Anything,
	).Return(nil)

	_, err = h.generator.GenerateSweep(
		context.Background(), kb, ContextReal,
	)
	require.NoError(t, err)

	next, err = h.addresses.NextIndex("active")
	require.NoError(t, err)
	require.EqualValues(t, 2, next)
}

func TestGenerateSweepNothingSignable(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.chain.fund(t, &h.keysets.foreign.SpendingKeyset, 300_000)
	h.lister.keysets = []*keyset.SpendingKeyset{
		&h.keysets.active.SpendingKeyset,
		&h.keysets.foreign.SpendingKeyset,
	}

	psbts, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextReal,
	)
	require.NoError(t, err)
	require.NotNil(t, psbts)
	require.Empty(t, psbts)
}

func TestGenerateSweepSkipsActiveKeyset(t *testing.T) {
	t.Parallel()

	// The active keyset's app key is held and it is funded, but it is
	// never a sweep source.
	h := newGeneratorHarness(t)
	h.chain.fund(t, &h.keysets.active.SpendingKeyset, 300_000)
	h.lister.keysets = []*keyset.SpendingKeyset{
		&h.keysets.active.SpendingKeyset,
	}

	psbts, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextEstimate,
	)
	require.NoError(t, err)
	require.Empty(t, psbts)
}

func TestGenerateSweepListFailure(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	errNetwork := errors.New("connection reset")
	h.lister.err = errNetwork

	psbts, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextReal,
	)
	require.Nil(t, psbts)
	requireGeneratorError(t, err, FailedToListKeysets)
	require.ErrorIs(t, err, errNetwork)
}

func TestGenerateSweepAppKeyStoreFailure(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.cfg.AppKeys = &failingAppKeys{err: errors.New("db closed")}

	_, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextReal,
	)
	genErr := requireGeneratorError(t, err, AppPrivateKeyMissing)
	require.Equal(t, "app", genErr.Keyset.ID)
}

func TestGenerateSweepFeeEstimationFailure(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.cfg.Fees = &failingFees{err: errors.New("no estimates")}

	_, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextEstimate,
	)
	requireGeneratorError(t, err, FeeEstimationFailed)
}

func TestGenerateSweepRegistrationBestEffort(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.chain.fund(t, &h.keysets.app.SpendingKeyset, 200_000)
	h.registrar.On(
		"RegisterWatchAddress", mock.Anything, mock.Anything,
		mock.Anything, mock.Anything,
	).Return(errors.New("server unavailable"))

	psbts, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextReal,
	)
	require.NoError(t, err)
	require.Len(t, psbts, 1)
}

func TestGenerateSweepWalletFailures(t *testing.T) {
	t.Parallel()

	errBackend := errors.New("backend down")

	testCases := []struct {
		name     string
		inject   func(w *faultyWallets)
		kind     GeneratorErrorKind
		keysetID string
	}{
		{
			name: "destination wallet",
			inject: func(w *faultyWallets) {
				w.createErr = map[string]error{
					"active": errBackend,
				}
			},
			kind:     ErrorCreatingWallet,
			keysetID: "active",
		},
		{
			name: "destination sync",
			inject: func(w *faultyWallets) {
				w.syncErr = map[string]error{
					"active": errBackend,
				}
			},
			kind:     ErrorSyncingWallet,
			keysetID: "active",
		},
		{
			name: "source wallet",
			inject: func(w *faultyWallets) {
				w.createErr = map[string]error{
					"hw": errBackend,
				}
			},
			kind:     ErrorCreatingWallet,
			keysetID: "hw",
		},
		{
			name: "source sync",
			inject: func(w *faultyWallets) {
				w.syncErr = map[string]error{
					"app": errBackend,
				}
			},
			kind:     ErrorSyncingWallet,
			keysetID: "app",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newGeneratorHarness(t)
			h.chain.fund(t, &h.keysets.app.SpendingKeyset, 200_000)
			h.chain.fund(t, &h.keysets.hw.SpendingKeyset, 200_000)
			tc.inject(h.wallets)

			psbts, err := h.generator.GenerateSweep(
				context.Background(), h.keysets.keybox(),
				ContextEstimate,
			)
			require.Nil(t, psbts)

			genErr := requireGeneratorError(t, err, tc.kind)
			require.Equal(t, tc.keysetID, genErr.Keyset.ID)
			require.ErrorIs(t, err, errBackend)
		})
	}
}

// TestGenerateSweepAbortsOnPsbtFailure checks that a construction failure
// other than insufficient funds discards the sweeps built so far.
func TestGenerateSweepAbortsOnPsbtFailure(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.chain.fund(t, &h.keysets.app.SpendingKeyset, 200_000)
	h.chain.fund(t, &h.keysets.hw.SpendingKeyset, 200_000)
	h.wallets.psbtErr = map[string]error{
		"hw": wallet.ErrFeeRateTooLow,
	}

	psbts, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextEstimate,
	)
	require.Nil(t, psbts)

	genErr := requireGeneratorError(t, err, BdkFailedToCreatePsbt)
	require.Equal(t, "hw", genErr.Keyset.ID)
	require.ErrorIs(t, err, wallet.ErrFeeRateTooLow)
}

func TestGenerateSweepInsufficientFundsSkipped(t *testing.T) {
	t.Parallel()

	h := newGeneratorHarness(t)
	h.chain.fund(t, &h.keysets.hw.SpendingKeyset, 200_000)
	h.wallets.psbtErr = map[string]error{
		"app": &wallet.InsufficientFundsError{
			Available: 100,
			Needed:    1000,
		},
	}

	psbts, err := h.generator.GenerateSweep(
		context.Background(), h.keysets.keybox(), ContextEstimate,
	)
	require.NoError(t, err)
	require.Len(t, psbts, 1)
	require.Equal(t, "hw", psbts[0].SourceKeyset.ID)
}

// signability is how a generated keyset can be signed for.
type signability uint8

const (
	byApp signability = iota
	byHardware
	byNeither
)

// TestGenerateSweepSignableFundedProperty checks that the generator returns
// exactly one PSBT per signable funded keyset, in listing order.
func TestGenerateSweepSignableFundedProperty(t *testing.T) {
	t.Parallel()

	const poolSize = 4

	keysets := newTestKeysets(t)
	appKeys, err := appkey.NewStore(newTestDB(t, "appkey.db"))
	require.NoError(t, err)

	// pool[kind][i] is the i-th keyset signable by kind.
	var pool [3][poolSize]*testkeys.Keyset
	for i := 0; i < poolSize; i++ {
		account := uint32(10 + 3*i)
		seed := byte(0x40 + 3*i)

		pool[byApp][i] = testkeys.NewKeyset(
			t, fmt.Sprintf("app-%d", i), seed, seed+1, serverSeed,
			account,
		)
		require.NoError(t, appKeys.PutSpendingKey(
			pool[byApp][i].App.AccountKey,
		))

		pool[byHardware][i] = testkeys.NewKeyset(
			t, fmt.Sprintf("hw-%d", i), seed+1, activeHwSeed,
			serverSeed, account+1,
		)
		pool[byNeither][i] = testkeys.NewKeyset(
			t, fmt.Sprintf("none-%d", i), seed+2, seed+2,
			serverSeed, account+2,
		)
	}

	dir := t.TempDir()
	iteration := 0

	rapid.Check(t, func(rt *rapid.T) {
		iteration++
		db, err := kvdb.Create(
			kvdb.BoltBackendName,
			filepath.Join(dir, fmt.Sprintf("wallet-%d.db", iteration)),
			true, kvdb.DefaultDBTimeout, false,
		)
		require.NoError(rt, err)
		defer db.Close()

		addrStore, err := wallet.NewAddressStore(db)
		require.NoError(rt, err)

		chain := newFakeChain()
		listing := []*keyset.SpendingKeyset{
			&keysets.active.SpendingKeyset,
		}

		var want []string
		n := rapid.IntRange(0, poolSize).Draw(rt, "keysets")
		for i := 0; i < n; i++ {
			kind := signability(rapid.IntRange(0, 2).Draw(
				rt, fmt.Sprintf("kind-%d", i),
			))
			funded := rapid.Bool().Draw(rt, fmt.Sprintf("funded-%d", i))

			ks := &pool[kind][i].SpendingKeyset
			listing = append(listing, ks)

			if funded {
				chain.fund(rt, ks, 100_000)
			}
			if funded && kind != byNeither {
				want = append(want, ks.ID)
			}
		}

		generator := NewGenerator(&GeneratorConfig{
			Keysets:   &fakeKeysetLister{keysets: listing},
			AppKeys:   appKeys,
			Addresses: &mockRegistrar{},
			Fees: feerate.NewEstimator(
				chainfee.NewStaticEstimator(
					testFeeRate, chainfee.FeePerKwFloor,
				),
			),
			Wallets: wallet.NewManager(&wallet.Config{
				Network:  testkeys.Net,
				Chain:    chain,
				Store:    addrStore,
				GapLimit: 2,
			}),
		})

		psbts, err := generator.GenerateSweep(
			context.Background(), keysets.keybox(), ContextEstimate,
		)
		require.NoError(rt, err)

		got := make([]string, 0, len(psbts))
		for _, p := range psbts {
			got = append(got, p.SourceKeyset.ID)
			require.Equal(rt, btcutil.Amount(100_000), p.Amount+p.Fee)
		}
		require.Equal(rt, len(want), len(got))
		if len(want) > 0 {
			require.Equal(rt, want, got)
		}
	})
}
