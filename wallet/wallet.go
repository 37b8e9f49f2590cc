package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/keyrecovery/recoveryd/esplora"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultGapLimit is the number of consecutive unused addresses after
	// which a sync stops scanning.
	DefaultGapLimit = 20

	// defaultSyncParallelism bounds the concurrent UTXO lookups of a
	// sync.
	defaultSyncParallelism = 4
)

var (
	// ErrFeeRateTooLow is returned when a PSBT is requested at a fee rate
	// below the relay fee.
	ErrFeeRateTooLow = errors.New("fee rate below relay fee")

	// ErrNotSynced is returned when a PSBT is requested from a wallet
	// that was never synced.
	ErrNotSynced = errors.New("wallet not synced")
)

// InsufficientFundsError is returned when the wallet's funds can't pay for
// the fee of a transaction and still leave a non-dust output.
type InsufficientFundsError struct {
	Available btcutil.Amount
	Needed    btcutil.Amount
}

// Error implements the error interface.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %v, needed %v",
		e.Available, e.Needed)
}

// ChainSource is the chain backend a wallet syncs against.
type ChainSource interface {
	GetAddressInfo(ctx context.Context,
		address string) (*esplora.AddressInfo, error)

	GetAddressUTXOs(ctx context.Context,
		address string) ([]*esplora.UTXO, error)
}

// WatchingWallet is a wallet over the public keys of one spending keyset.
type WatchingWallet interface {
	// Sync refreshes the wallet's view of its unspent outputs.
	Sync(ctx context.Context) error

	// NewAddress returns an address that was never handed out before.
	NewAddress(ctx context.Context) (btcutil.Address, error)

	// PeekAddress returns the address NewAddress would hand out next
	// without reserving it.
	PeekAddress(ctx context.Context) (btcutil.Address, error)

	// Balance returns the total value of the unspent outputs found by
	// the last sync.
	Balance() btcutil.Amount

	// CreateSendAllPsbt returns an unsigned PSBT spending every unspent
	// output to dest at the given fee rate.
	CreateSendAllPsbt(ctx context.Context, dest btcutil.Address,
		feeRate chainfee.SatPerKWeight) (*psbt.Packet, error)
}

// Provider hands out watching wallets for spending keysets.
type Provider interface {
	WatchingWallet(ctx context.Context,
		ks *keyset.SpendingKeyset) (WatchingWallet, error)
}

// Config holds the dependencies shared by all wallets of a Manager.
type Config struct {
	Network *chaincfg.Params

	Chain ChainSource
	Store *AddressStore

	// GapLimit defaults to DefaultGapLimit.
	GapLimit uint32

	// RelayFee is the lowest fee rate a PSBT may be created at. It also
	// determines the dust limit. Defaults to chainfee.FeePerKwFloor.
	RelayFee chainfee.SatPerKWeight
}

// Manager is a Provider that keeps one wallet per keyset.
type Manager struct {
	cfg *Config

	walletsMtx sync.Mutex
	wallets    map[string]*DescriptorWallet
}

// A compile time check to ensure Manager implements the Provider interface.
var _ Provider = (*Manager)(nil)

// NewManager creates a new Manager.
func NewManager(cfg *Config) *Manager {
	if cfg.GapLimit == 0 {
		cfg.GapLimit = DefaultGapLimit
	}
	if cfg.RelayFee == 0 {
		cfg.RelayFee = chainfee.FeePerKwFloor
	}

	return &Manager{
		cfg:     cfg,
		wallets: make(map[string]*DescriptorWallet),
	}
}

// WatchingWallet returns the wallet of ks.
func (m *Manager) WatchingWallet(_ context.Context,
	ks *keyset.SpendingKeyset) (WatchingWallet, error) {

	if ks.Network == nil || ks.Network.Net != m.cfg.Network.Net {
		return nil, fmt.Errorf("%w: keyset %v", keyset.ErrNetworkMismatch,
			ks.ID)
	}

	m.walletsMtx.Lock()
	defer m.walletsMtx.Unlock()

	if w, ok := m.wallets[ks.ID]; ok && w.keyset.Equal(ks) {
		return w, nil
	}

	// Catch a malformed keyset here instead of on first use.
	if _, err := DeriveAddress(ks, 0); err != nil {
		return nil, err
	}

	w := &DescriptorWallet{
		cfg:    m.cfg,
		keyset: ks,
	}
	m.wallets[ks.ID] = w

	return w, nil
}

// utxo is an unspent output of a wallet.
type utxo struct {
	outPoint wire.OutPoint
	value    btcutil.Amount
	addr     *Address
}

// DescriptorWallet is a watching wallet over the sortedmulti 2-of-3 P2WSH
// descriptor of a spending keyset.
type DescriptorWallet struct {
	cfg    *Config
	keyset *keyset.SpendingKeyset

	mu     sync.Mutex
	synced bool
	utxos  []utxo
}

// A compile time check to ensure DescriptorWallet implements the
// WatchingWallet interface.
var _ WatchingWallet = (*DescriptorWallet)(nil)

// NewAddress returns an address that was never handed out before.
func (w *DescriptorWallet) NewAddress(_ context.Context) (btcutil.Address,
	error) {

	index, err := w.cfg.Store.ReserveIndex(w.keyset.ID)
	if err != nil {
		return nil, fmt.Errorf("reserve address index: %w", err)
	}

	addr, err := DeriveAddress(w.keyset, index)
	if err != nil {
		return nil, err
	}

	log.Debugf("Handing out address %v of keyset %v at index %d",
		addr.Address, w.keyset.ID, index)

	return addr.Address, nil
}

// PeekAddress returns the address NewAddress would hand out next without
// reserving it.
func (w *DescriptorWallet) PeekAddress(_ context.Context) (btcutil.Address,
	error) {

	index, err := w.cfg.Store.NextIndex(w.keyset.ID)
	if err != nil {
		return nil, fmt.Errorf("read address index: %w", err)
	}

	addr, err := DeriveAddress(w.keyset, index)
	if err != nil {
		return nil, err
	}

	return addr.Address, nil
}

// Sync scans the keyset's addresses until GapLimit consecutive unused ones
// were seen past every reserved index, and collects their unspent outputs.
func (w *DescriptorWallet) Sync(ctx context.Context) error {
	reserved, err := w.cfg.Store.NextIndex(w.keyset.ID)
	if err != nil {
		return fmt.Errorf("read address index: %w", err)
	}

	var (
		used   []*Address
		unused uint32
	)
	for index := uint32(0); index < reserved ||
		unused < w.cfg.GapLimit; index++ {

		addr, err := DeriveAddress(w.keyset, index)
		if err != nil {
			return err
		}

		info, err := w.cfg.Chain.GetAddressInfo(
			ctx, addr.Address.EncodeAddress(),
		)
		if err != nil {
			return fmt.Errorf("fetch address %v: %w", addr.Address,
				err)
		}

		if !info.Used() {
			unused++
			continue
		}

		unused = 0
		used = append(used, addr)

		if err := w.cfg.Store.MarkUsed(w.keyset.ID, index); err != nil {
			return fmt.Errorf("mark address used: %w", err)
		}
	}

	utxos, err := w.fetchUTXOs(ctx, used)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.utxos = utxos
	w.synced = true
	w.mu.Unlock()

	log.Debugf("Synced keyset %v: %d used addresses, %d utxos",
		w.keyset.ID, len(used), len(utxos))

	return nil
}

// fetchUTXOs looks up the unspent outputs of the given addresses
// concurrently. The result is sorted by outpoint.
func (w *DescriptorWallet) fetchUTXOs(ctx context.Context,
	addrs []*Address) ([]utxo, error) {

	results := make([][]utxo, len(addrs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultSyncParallelism)
	for i, addr := range addrs {
		g.Go(func() error {
			unspent, err := w.cfg.Chain.GetAddressUTXOs(
				ctx, addr.Address.EncodeAddress(),
			)
			if err != nil {
				return fmt.Errorf("fetch utxos of %v: %w",
					addr.Address, err)
			}

			for _, u := range unspent {
				op, err := u.OutPoint()
				if err != nil {
					return err
				}

				results[i] = append(results[i], utxo{
					outPoint: op,
					value:    btcutil.Amount(u.Value),
					addr:     addr,
				})
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var utxos []utxo
	for _, r := range results {
		utxos = append(utxos, r...)
	}

	sort.Slice(utxos, func(i, j int) bool {
		a, b := utxos[i].outPoint, utxos[j].outPoint
		if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
			return c < 0
		}

		return a.Index < b.Index
	})

	return utxos, nil
}

// Balance returns the total value of the unspent outputs found by the last
// sync.
func (w *DescriptorWallet) Balance() btcutil.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total btcutil.Amount
	for _, u := range w.utxos {
		total += u.value
	}

	return total
}

// CreateSendAllPsbt returns an unsigned PSBT spending every unspent output to
// dest. The fee is taken from the single output. An InsufficientFundsError
// is returned if nothing but dust would remain.
func (w *DescriptorWallet) CreateSendAllPsbt(_ context.Context,
	dest btcutil.Address,
	feeRate chainfee.SatPerKWeight) (*psbt.Packet, error) {

	if feeRate < w.cfg.RelayFee {
		return nil, fmt.Errorf("%w: %v < %v", ErrFeeRateTooLow, feeRate,
			w.cfg.RelayFee)
	}

	w.mu.Lock()
	synced, utxos := w.synced, w.utxos
	w.mu.Unlock()

	if !synced {
		return nil, ErrNotSynced
	}

	pkScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}

	tx := wire.NewMsgTx(2)
	var (
		weightEstimate input.TxWeightEstimator
		total          btcutil.Amount
	)
	for _, u := range utxos {
		txIn := wire.NewTxIn(&u.outPoint, nil, nil)

		// Signal replaceability so a stuck sweep can be bumped.
		txIn.Sequence = wire.MaxTxInSequenceNum - 2
		tx.AddTxIn(txIn)

		weightEstimate.AddWitnessInput(multiSig2of3WitnessSize)
		total += u.value
	}
	weightEstimate.AddOutput(pkScript)

	fee := feeRate.FeeForWeight(weightEstimate.Weight())
	dustLimit := txrules.GetDustThreshold(
		len(pkScript), btcutil.Amount(w.cfg.RelayFee.FeePerKVByte()),
	)
	if total-fee < dustLimit {
		return nil, &InsufficientFundsError{
			Available: total,
			Needed:    fee + dustLimit,
		}
	}

	tx.AddTxOut(wire.NewTxOut(int64(total-fee), pkScript))

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	for i, u := range utxos {
		pIn := &packet.Inputs[i]
		pIn.WitnessUtxo = wire.NewTxOut(int64(u.value), u.addr.PkScript)
		pIn.WitnessScript = u.addr.WitnessScript
		pIn.SighashType = txscript.SigHashAll
		pIn.Bip32Derivation = u.addr.bip32Derivations()
	}

	log.Infof("Created send-all PSBT for keyset %v: %d inputs, amount "+
		"%v, fee %v", w.keyset.ID, len(utxos), total-fee, fee)

	return packet, nil
}
