package keyset

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var (
	// ErrMalformedDescriptorKey is returned when a descriptor public key
	// string can't be split into its origin, xpub and wildcard parts.
	ErrMalformedDescriptorKey = errors.New("malformed descriptor public key")

	// ErrHardenedWildcardStep is returned when a derivation step after the
	// xpub is hardened. Public derivation can't produce hardened children.
	ErrHardenedWildcardStep = errors.New("hardened step after xpub")
)

// DescriptorPublicKey is an extended public key together with its key origin,
// in the form used inside output descriptors:
//
//	[d34db33f/84'/0'/0']xpub6.../0/*
//
// The origin fingerprint identifies the master key of the device that
// generated the key. Every keyset ever produced by the same hardware device
// carries the same origin fingerprint.
type DescriptorPublicKey struct {
	// Fingerprint is the origin master key fingerprint, in the little
	// endian integer form used by PSBT key derivation records.
	Fingerprint uint32

	// OriginPath is the hardened derivation path from the master key to
	// XPub.
	OriginPath []uint32

	// XPub is the account level extended public key.
	XPub *hdkeychain.ExtendedKey

	// ChildPath holds the unhardened steps between XPub and the wildcard.
	ChildPath []uint32

	raw string
}

// ParseDescriptorPublicKey parses a descriptor public key string. The key must
// carry an origin and end in a /* wildcard.
func ParseDescriptorPublicKey(s string) (*DescriptorPublicKey, error) {
	if !strings.HasPrefix(s, "[") {
		return nil, fmt.Errorf("%w: missing key origin",
			ErrMalformedDescriptorKey)
	}

	end := strings.Index(s, "]")
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated key origin",
			ErrMalformedDescriptorKey)
	}

	origin := strings.Split(s[1:end], "/")
	if len(origin[0]) != 8 {
		return nil, fmt.Errorf("%w: fingerprint must be 4 bytes",
			ErrMalformedDescriptorKey)
	}

	fpBytes, err := hex.DecodeString(origin[0])
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint: %v",
			ErrMalformedDescriptorKey, err)
	}

	originPath, err := parsePath(origin[1:], true)
	if err != nil {
		return nil, err
	}

	rest := strings.Split(s[end+1:], "/")
	if len(rest) < 2 || rest[len(rest)-1] != "*" {
		return nil, fmt.Errorf("%w: missing /* wildcard",
			ErrMalformedDescriptorKey)
	}

	xpub, err := hdkeychain.NewKeyFromString(rest[0])
	if err != nil {
		return nil, fmt.Errorf("%w: xpub: %v",
			ErrMalformedDescriptorKey, err)
	}
	if xpub.IsPrivate() {
		return nil, fmt.Errorf("%w: private key in descriptor",
			ErrMalformedDescriptorKey)
	}

	childPath, err := parsePath(rest[1:len(rest)-1], false)
	if err != nil {
		return nil, err
	}

	return &DescriptorPublicKey{
		Fingerprint: binary.LittleEndian.Uint32(fpBytes),
		OriginPath:  originPath,
		XPub:        xpub,
		ChildPath:   childPath,
		raw:         s,
	}, nil
}

// parsePath parses derivation steps, accepting both ' and h as the hardened
// marker.
func parsePath(steps []string, allowHardened bool) ([]uint32, error) {
	path := make([]uint32, 0, len(steps))
	for _, step := range steps {
		hardened := strings.HasSuffix(step, "'") ||
			strings.HasSuffix(step, "h")
		if hardened {
			if !allowHardened {
				return nil, ErrHardenedWildcardStep
			}
			step = step[:len(step)-1]
		}

		index, err := strconv.ParseUint(step, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: path step %q",
				ErrMalformedDescriptorKey, step)
		}

		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		path = append(path, uint32(index))
	}

	return path, nil
}

// String returns the descriptor string the key was parsed from.
func (d *DescriptorPublicKey) String() string {
	return d.raw
}

// FingerprintHex returns the origin fingerprint as the 8 character hex string
// used in descriptors.
func (d *DescriptorPublicKey) FingerprintHex() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], d.Fingerprint)

	return hex.EncodeToString(b[:])
}

// PubKey returns the public key of the account level xpub.
func (d *DescriptorPublicKey) PubKey() (*btcec.PublicKey, error) {
	return d.XPub.ECPubKey()
}

// DeriveChild derives the public key at the given wildcard index. The full
// path from the master key is returned alongside so it can be placed in PSBT
// derivation records.
func (d *DescriptorPublicKey) DeriveChild(index uint32) (*btcec.PublicKey,
	[]uint32, error) {

	if index >= hdkeychain.HardenedKeyStart {
		return nil, nil, ErrHardenedWildcardStep
	}

	key := d.XPub
	for _, step := range d.ChildPath {
		var err error
		key, err = key.Derive(step)
		if err != nil {
			return nil, nil, err
		}
	}

	key, err := key.Derive(index)
	if err != nil {
		return nil, nil, err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, nil, err
	}

	fullPath := make(
		[]uint32, 0, len(d.OriginPath)+len(d.ChildPath)+1,
	)
	fullPath = append(fullPath, d.OriginPath...)
	fullPath = append(fullPath, d.ChildPath...)
	fullPath = append(fullPath, index)

	return pubKey, fullPath, nil
}
