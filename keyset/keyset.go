package keyset

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrDuplicateActiveKeyset is returned when a keybox lists its active
	// keyset among the inactive ones.
	ErrDuplicateActiveKeyset = errors.New("active keyset also listed as " +
		"inactive")

	// ErrNetworkMismatch is returned when a keyset targets a different
	// network than the keybox holding it.
	ErrNetworkMismatch = errors.New("keyset network does not match keybox")

	// ErrUnknownNetwork is returned for network names we don't support.
	ErrUnknownNetwork = errors.New("unknown bitcoin network")
)

// Factor is one of the two physical authentication factors that can
// authorize spending or recovery.
type Factor uint8

const (
	// FactorApp is the key material held by the mobile application.
	FactorApp Factor = iota

	// FactorHardware is the key material held by the hardware device.
	FactorHardware
)

// String returns a human readable name for the factor.
func (f Factor) String() string {
	switch f {
	case FactorApp:
		return "App"

	case FactorHardware:
		return "Hardware"

	default:
		return fmt.Sprintf("Factor(%d)", uint8(f))
	}
}

// Opposite returns the other factor.
func (f Factor) Opposite() Factor {
	if f == FactorApp {
		return FactorHardware
	}

	return FactorApp
}

// SpendingKeyset is one generation of spending authority: the app, hardware
// and server keys of a 2-of-3 wallet plus the network it targets. Keysets are
// immutable once the server has assigned their id.
type SpendingKeyset struct {
	// ID is the server assigned keyset identifier.
	ID string

	AppKey      *DescriptorPublicKey
	HardwareKey *DescriptorPublicKey
	ServerKey   *DescriptorPublicKey

	// Network is the bitcoin network the keyset's addresses live on.
	Network *chaincfg.Params
}

// Equal reports whether both keysets carry the same id and keys.
func (k *SpendingKeyset) Equal(other *SpendingKeyset) bool {
	if k == nil || other == nil {
		return k == other
	}

	return k.ID == other.ID &&
		k.AppKey.String() == other.AppKey.String() &&
		k.HardwareKey.String() == other.HardwareKey.String() &&
		k.ServerKey.String() == other.ServerKey.String() &&
		k.Network.Name == other.Network.Name
}

// String returns the keyset id.
func (k SpendingKeyset) String() string {
	return k.ID
}

// Keybox is an account's wallet key state: exactly one active keyset, the
// ordered list of superseded keysets and the account's auth keys.
type Keybox struct {
	AccountID string

	ActiveSpendingKeyset SpendingKeyset

	// InactiveKeysets are the superseded keysets, most recent first.
	InactiveKeysets []SpendingKeyset

	Network *chaincfg.Params

	AppGlobalAuthKey   *btcec.PublicKey
	AppRecoveryAuthKey *btcec.PublicKey
	HardwareAuthKey    *btcec.PublicKey
}

// Validate checks the keybox invariants.
func (k *Keybox) Validate() error {
	if k.AccountID == "" {
		return errors.New("keybox missing account id")
	}

	if k.ActiveSpendingKeyset.ID == "" {
		return errors.New("keybox missing active keyset")
	}

	if k.Network == nil {
		return errors.New("keybox missing network")
	}

	all := append(
		[]SpendingKeyset{k.ActiveSpendingKeyset}, k.InactiveKeysets...,
	)
	for _, ks := range all {
		if ks.Network == nil || ks.Network.Name != k.Network.Name {
			return fmt.Errorf("%w: keyset %v", ErrNetworkMismatch,
				ks.ID)
		}
	}

	for _, ks := range k.InactiveKeysets {
		if ks.ID == k.ActiveSpendingKeyset.ID {
			return ErrDuplicateActiveKeyset
		}
	}

	return nil
}

// HardwareFingerprint returns the origin fingerprint of the active keyset's
// hardware key. It identifies the physical hardware device paired with the
// account.
func (k *Keybox) HardwareFingerprint() uint32 {
	return k.ActiveSpendingKeyset.HardwareKey.Fingerprint
}

// NetworkFromName maps a chaincfg network name back to its parameters.
func NetworkFromName(name string) (*chaincfg.Params, error) {
	for _, params := range []*chaincfg.Params{
		&chaincfg.MainNetParams,
		&chaincfg.TestNet3Params,
		&chaincfg.SigNetParams,
		&chaincfg.RegressionNetParams,
		&chaincfg.SimNetParams,
	} {
		if params.Name == name {
			return params, nil
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUnknownNetwork, name)
}
