package wallet

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/keyrecovery/recoveryd/keyset"
)

const (
	// requiredSigs is the number of signatures needed to spend from a
	// keyset: any two of app, hardware and server.
	requiredSigs = 2

	// multiSig2of3WitnessSize is the size of the witness that spends a
	// 2-of-3 P2WSH output:
	//  - NumberOfWitnessElements: 1 byte
	//  - NilLength: 1 byte
	//  - sigLength: 1 byte
	//  - sig: 73 bytes
	//  - sigLength: 1 byte
	//  - sig: 73 bytes
	//  - WitnessScriptLength: 1 byte
	//  - WitnessScript: 105 bytes
	multiSig2of3WitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + 105
)

// derivedKey is one cosigner key of an address.
type derivedKey struct {
	pubKey      *btcec.PublicKey
	fingerprint uint32
	path        []uint32
}

// Address is a derived 2-of-3 P2WSH address of a keyset.
type Address struct {
	// Index is the wildcard index the address was derived at.
	Index uint32

	Address       btcutil.Address
	PkScript      []byte
	WitnessScript []byte

	keys []derivedKey
}

// bip32Derivations returns the PSBT derivation records of the address'
// cosigner keys.
func (a *Address) bip32Derivations() []*psbt.Bip32Derivation {
	derivations := make([]*psbt.Bip32Derivation, 0, len(a.keys))
	for _, key := range a.keys {
		derivations = append(derivations, &psbt.Bip32Derivation{
			PubKey:               key.pubKey.SerializeCompressed(),
			MasterKeyFingerprint: key.fingerprint,
			Bip32Path:            key.path,
		})
	}

	return derivations
}

// DeriveAddress derives the address of ks at the given index. The witness
// script is a sortedmulti script, so the address doesn't depend on the
// order of the keys in the keyset.
func DeriveAddress(ks *keyset.SpendingKeyset, index uint32) (*Address,
	error) {

	descKeys := []*keyset.DescriptorPublicKey{
		ks.AppKey, ks.HardwareKey, ks.ServerKey,
	}

	keys := make([]derivedKey, 0, len(descKeys))
	for _, descKey := range descKeys {
		if descKey == nil {
			return nil, fmt.Errorf("keyset %v is missing a key",
				ks.ID)
		}

		pubKey, path, err := descKey.DeriveChild(index)
		if err != nil {
			return nil, fmt.Errorf("derive %v/%d: %w", descKey,
				index, err)
		}

		keys = append(keys, derivedKey{
			pubKey:      pubKey,
			fingerprint: descKey.Fingerprint,
			path:        path,
		})
	}

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(
			keys[i].pubKey.SerializeCompressed(),
			keys[j].pubKey.SerializeCompressed(),
		) < 0
	})

	witnessScript, err := multiSigScript(keys)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], ks.Network,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &Address{
		Index:         index,
		Address:       addr,
		PkScript:      pkScript,
		WitnessScript: witnessScript,
		keys:          keys,
	}, nil
}

// multiSigScript builds the OP_2 <k1> <k2> <k3> OP_3 OP_CHECKMULTISIG script
// for the already sorted keys.
func multiSigScript(keys []derivedKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(requiredSigs)
	for _, key := range keys {
		builder.AddData(key.pubKey.SerializeCompressed())
	}
	builder.AddInt64(int64(len(keys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}
