package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/keyrecovery/recoveryd/feerate"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/keyrecovery/recoveryd/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// Context tells the generator whether the sweep will actually be signed and
// broadcast.
type Context uint8

const (
	// ContextReal generates a sweep that will be signed. Destination
	// addresses are registered with the server for notifications.
	ContextReal Context = iota

	// ContextEstimate generates a sweep only to learn its fees. The
	// destination address is neither reserved nor registered.
	ContextEstimate
)

// String returns a human readable form of the context.
func (c Context) String() string {
	switch c {
	case ContextReal:
		return "real"
	case ContextEstimate:
		return "estimate"
	default:
		return fmt.Sprintf("Context(%d)", uint8(c))
	}
}

// GeneratorErrorKind classifies a failed sweep generation.
type GeneratorErrorKind uint8

const (
	// FailedToListKeysets means the account's keysets could not be
	// fetched from the server.
	FailedToListKeysets GeneratorErrorKind = iota

	// AppPrivateKeyMissing means the app key store could not be read.
	AppPrivateKeyMissing

	// ErrorCreatingWallet means a watching wallet could not be created.
	ErrorCreatingWallet

	// ErrorSyncingWallet means a watching wallet failed to sync.
	ErrorSyncingWallet

	// ErrorGeneratingAddress means no destination address could be
	// derived.
	ErrorGeneratingAddress

	// FeeEstimationFailed means no sweep fee rate is available.
	FeeEstimationFailed

	// BdkFailedToCreatePsbt means the source wallet failed to build the
	// sweep transaction for a reason other than insufficient funds.
	BdkFailedToCreatePsbt
)

// String returns a human readable form of the kind.
func (k GeneratorErrorKind) String() string {
	switch k {
	case FailedToListKeysets:
		return "FailedToListKeysets"
	case AppPrivateKeyMissing:
		return "AppPrivateKeyMissing"
	case ErrorCreatingWallet:
		return "ErrorCreatingWallet"
	case ErrorSyncingWallet:
		return "ErrorSyncingWallet"
	case ErrorGeneratingAddress:
		return "ErrorGeneratingAddress"
	case FeeEstimationFailed:
		return "FeeEstimationFailed"
	case BdkFailedToCreatePsbt:
		return "BdkFailedToCreatePsbt"
	default:
		return fmt.Sprintf("GeneratorErrorKind(%d)", uint8(k))
	}
}

// GeneratorError is returned when a sweep can't be generated. No partial
// result accompanies it.
type GeneratorError struct {
	Kind GeneratorErrorKind

	// Keyset is the keyset being processed when the error happened, if
	// any.
	Keyset *keyset.SpendingKeyset

	Err error
}

// Error implements the error interface.
func (e *GeneratorError) Error() string {
	if e.Keyset != nil {
		return fmt.Sprintf("sweep generation failed (%v, keyset=%v): %v",
			e.Kind, e.Keyset.ID, e.Err)
	}

	return fmt.Sprintf("sweep generation failed (%v): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *GeneratorError) Unwrap() error {
	return e.Err
}

// Psbt is an unsigned transaction moving all funds of one inactive keyset to
// the active keyset.
type Psbt struct {
	Packet *psbt.Packet

	// SignFactor is the factor on this device able to sign for the
	// source keyset.
	SignFactor keyset.Factor

	SourceKeyset       *keyset.SpendingKeyset
	DestinationAddress btcutil.Address

	Fee    btcutil.Amount
	Amount btcutil.Amount
}

// Sweep is a prepared set of sweep transactions. It is never empty.
type Sweep struct {
	Psbts []Psbt
}

// TotalFee returns the fee of all transactions of the sweep.
func (s *Sweep) TotalFee() btcutil.Amount {
	var total btcutil.Amount
	for _, p := range s.Psbts {
		total += p.Fee
	}

	return total
}

// TotalAmount returns the value the sweep delivers to the active keyset.
func (s *Sweep) TotalAmount() btcutil.Amount {
	var total btcutil.Amount
	for _, p := range s.Psbts {
		total += p.Amount
	}

	return total
}

// KeysetLister lists every keyset the server knows for an account.
type KeysetLister interface {
	ListKeysets(ctx context.Context,
		accountID string) ([]*keyset.SpendingKeyset, error)
}

// AppKeyStore looks up locally held app spending keys.
type AppKeyStore interface {
	// SpendingKey returns the private key behind desc, or None if it
	// isn't held by this device.
	SpendingKey(desc *keyset.DescriptorPublicKey) (
		fn.Option[*hdkeychain.ExtendedKey], error)
}

// AddressRegistrar registers addresses the server should watch.
type AddressRegistrar interface {
	RegisterWatchAddress(ctx context.Context, accountID, keysetID string,
		addr btcutil.Address) error
}

// FeeRateEstimator returns fee rates by priority tier.
type FeeRateEstimator interface {
	FeeRate(p feerate.Priority) (chainfee.SatPerKWeight, error)
}

// GeneratorConfig holds the collaborators of a Generator.
type GeneratorConfig struct {
	Keysets   KeysetLister
	AppKeys   AppKeyStore
	Addresses AddressRegistrar
	Fees      FeeRateEstimator
	Wallets   wallet.Provider
}

// Generator builds the transactions sweeping funds off inactive keysets
// that this device can sign for.
type Generator struct {
	cfg *GeneratorConfig
}

// NewGenerator creates a new Generator.
func NewGenerator(cfg *GeneratorConfig) *Generator {
	return &Generator{
		cfg: cfg,
	}
}

// signableKeyset is an inactive keyset together with the factor that can
// sign for it.
type signableKeyset struct {
	keyset *keyset.SpendingKeyset
	factor keyset.Factor
}

// GenerateSweep returns one PSBT per signable inactive keyset that holds
// spendable funds. Keysets are processed in the order the server lists them.
// The result is empty if there is nothing to sweep.
func (g *Generator) GenerateSweep(ctx context.Context, kb *keyset.Keybox,
	sweepCtx Context) ([]Psbt, error) {

	keysets, err := g.cfg.Keysets.ListKeysets(ctx, kb.AccountID)
	if err != nil {
		return nil, &GeneratorError{Kind: FailedToListKeysets, Err: err}
	}

	signable, err := g.signableKeysets(kb, keysets)
	if err != nil {
		return nil, err
	}

	psbts := make([]Psbt, 0, len(signable))
	if len(signable) == 0 {
		return psbts, nil
	}

	feeRate, err := g.cfg.Fees.FeeRate(feerate.PrioritySweep)
	if err != nil {
		return nil, &GeneratorError{Kind: FeeEstimationFailed, Err: err}
	}

	log.Debugf("Generating %v sweep for %d keysets at %v",
		sweepCtx, len(signable), feeRate)

	for _, s := range signable {
		p, err := g.sweepKeyset(ctx, kb, s, feeRate, sweepCtx)
		if err != nil {
			return nil, err
		}

		// Nothing to sweep from this keyset.
		if p == nil {
			continue
		}

		psbts = append(psbts, *p)
	}

	return psbts, nil
}

// signableKeysets filters the listed keysets down to the inactive ones this
// device can sign for.
func (g *Generator) signableKeysets(kb *keyset.Keybox,
	keysets []*keyset.SpendingKeyset) ([]signableKeyset, error) {

	hwFingerprint := kb.HardwareFingerprint()

	var signable []signableKeyset
	for _, ks := range keysets {
		if ks.ID == kb.ActiveSpendingKeyset.ID {
			continue
		}

		appKey, err := g.cfg.AppKeys.SpendingKey(ks.AppKey)
		if err != nil {
			return nil, &GeneratorError{
				Kind:   AppPrivateKeyMissing,
				Keyset: ks,
				Err:    err,
			}
		}

		switch {
		case appKey.IsSome():
			signable = append(signable, signableKeyset{
				keyset: ks,
				factor: keyset.FactorApp,
			})

		case ks.HardwareKey.Fingerprint == hwFingerprint:
			signable = append(signable, signableKeyset{
				keyset: ks,
				factor: keyset.FactorHardware,
			})
		}
	}

	return signable, nil
}

// sweepKeyset builds the PSBT sweeping s into a fresh address of the active
// keyset. Only ContextReal reserves the address. A nil PSBT is returned if s
// has no funds worth sweeping.
func (g *Generator) sweepKeyset(ctx context.Context, kb *keyset.Keybox,
	s signableKeyset, feeRate chainfee.SatPerKWeight,
	sweepCtx Context) (*Psbt, error) {

	src := s.keyset
	dst := &kb.ActiveSpendingKeyset

	dstWallet, err := g.cfg.Wallets.WatchingWallet(ctx, dst)
	if err != nil {
		return nil, &GeneratorError{
			Kind:   ErrorCreatingWallet,
			Keyset: dst,
			Err:    err,
		}
	}

	// Estimates only look at the next address, real sweeps reserve it.
	nextAddress := dstWallet.PeekAddress
	if sweepCtx == ContextReal {
		nextAddress = dstWallet.NewAddress
	}

	addr, err := nextAddress(ctx)
	if err != nil {
		return nil, &GeneratorError{
			Kind:   ErrorGeneratingAddress,
			Keyset: dst,
			Err:    err,
		}
	}

	if sweepCtx == ContextReal {
		err := g.cfg.Addresses.RegisterWatchAddress(
			ctx, kb.AccountID, dst.ID, addr,
		)
		if err != nil {
			log.Warnf("Unable to register sweep address %v: %v",
				addr, err)
		}
	}

	if err := dstWallet.Sync(ctx); err != nil {
		return nil, &GeneratorError{
			Kind:   ErrorSyncingWallet,
			Keyset: dst,
			Err:    err,
		}
	}

	srcWallet, err := g.cfg.Wallets.WatchingWallet(ctx, src)
	if err != nil {
		return nil, &GeneratorError{
			Kind:   ErrorCreatingWallet,
			Keyset: src,
			Err:    err,
		}
	}

	if err := srcWallet.Sync(ctx); err != nil {
		return nil, &GeneratorError{
			Kind:   ErrorSyncingWallet,
			Keyset: src,
			Err:    err,
		}
	}

	packet, err := srcWallet.CreateSendAllPsbt(ctx, addr, feeRate)

	var fundsErr *wallet.InsufficientFundsError
	switch {
	case errors.As(err, &fundsErr):
		log.Debugf("Skipping keyset %v: %v", src.ID, err)
		return nil, nil

	case err != nil:
		return nil, &GeneratorError{
			Kind:   BdkFailedToCreatePsbt,
			Keyset: src,
			Err:    err,
		}
	}

	fee, err := packet.GetTxFee()
	if err != nil {
		return nil, &GeneratorError{
			Kind:   BdkFailedToCreatePsbt,
			Keyset: src,
			Err:    err,
		}
	}

	log.Infof("Prepared sweep of keyset %v (%v): amount=%v, fee=%v",
		src.ID, s.factor, btcutil.Amount(packet.UnsignedTx.TxOut[0].Value),
		fee)

	return &Psbt{
		Packet:             packet,
		SignFactor:         s.factor,
		SourceKeyset:       src,
		DestinationAddress: addr,
		Fee:                fee,
		Amount: btcutil.Amount(
			packet.UnsignedTx.TxOut[0].Value,
		),
	}, nil
}
