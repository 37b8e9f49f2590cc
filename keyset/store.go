package keyset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// fullAccountBucketKey is the top level bucket holding the active
	// full account's keybox.
	//
	// maps: keyboxKey -> tlv(account header)
	//       activeKeysetKey -> tlv(keyset)
	//       inactiveKeysetsBucketKey -> bucket
	fullAccountBucketKey = []byte("full-account")

	keyboxKey       = []byte("keybox")
	activeKeysetKey = []byte("active-keyset")

	// inactiveKeysetsBucketKey is the nested bucket of superseded keysets.
	//
	// maps: position (big endian uint32) -> tlv(keyset)
	inactiveKeysetsBucketKey = []byte("inactive-keysets")

	byteOrder = binary.BigEndian

	errNoAccountBucket = errors.New("full account bucket does not exist")

	// ErrNoActiveAccount is returned by operations that need a stored
	// keybox when none has been written.
	ErrNoActiveAccount = errors.New("no active full account")
)

const (
	accountIDType          tlv.Type = 0
	networkType            tlv.Type = 1
	appGlobalAuthKeyType   tlv.Type = 2
	appRecoveryAuthKeyType tlv.Type = 3
	hardwareAuthKeyType    tlv.Type = 4
)

// AccountStore persists the keybox of the active full account.
type AccountStore struct {
	db kvdb.Backend
}

// NewAccountStore returns a new store instance, creating its buckets if
// needed.
func NewAccountStore(db kvdb.Backend) (*AccountStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(fullAccountBucketKey)

		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &AccountStore{
		db: db,
	}, nil
}

// ActiveKeybox returns the keybox of the active full account, if there is
// one.
func (s *AccountStore) ActiveKeybox() (fn.Option[Keybox], error) {
	var keybox fn.Option[Keybox]

	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(fullAccountBucketKey)
		if bucket == nil {
			return errNoAccountBucket
		}

		kb, err := fetchKeybox(bucket)
		if err != nil {
			return err
		}
		if kb != nil {
			keybox = fn.Some(*kb)
		}

		return nil
	}, func() {
		keybox = fn.None[Keybox]()
	})
	if err != nil {
		return fn.None[Keybox](), err
	}

	return keybox, nil
}

// SetActiveKeybox replaces the stored keybox.
func (s *AccountStore) SetActiveKeybox(kb *Keybox) error {
	if err := kb.Validate(); err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(fullAccountBucketKey)
		if bucket == nil {
			return errNoAccountBucket
		}

		return putKeybox(bucket, kb)
	}, func() {})
}

// ActivateKeyset makes the given keyset the active one. The previously active
// keyset moves to the front of the inactive list. Activating the keyset that
// is already active is a no-op.
func (s *AccountStore) ActivateKeyset(ks *SpendingKeyset) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(fullAccountBucketKey)
		if bucket == nil {
			return errNoAccountBucket
		}

		kb, err := fetchKeybox(bucket)
		if err != nil {
			return err
		}
		if kb == nil {
			return ErrNoActiveAccount
		}

		if kb.ActiveSpendingKeyset.Equal(ks) {
			return nil
		}

		inactive := []SpendingKeyset{kb.ActiveSpendingKeyset}
		for _, old := range kb.InactiveKeysets {
			if old.ID == ks.ID {
				continue
			}
			inactive = append(inactive, old)
		}

		kb.ActiveSpendingKeyset = *ks
		kb.InactiveKeysets = inactive

		if err := kb.Validate(); err != nil {
			return err
		}

		return putKeybox(bucket, kb)
	}, func() {})
}

// RotateAuthKeys replaces the account's auth keys after a completed
// recovery.
func (s *AccountStore) RotateAuthKeys(appGlobal, appRecovery,
	hardware *btcec.PublicKey) error {

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(fullAccountBucketKey)
		if bucket == nil {
			return errNoAccountBucket
		}

		kb, err := fetchKeybox(bucket)
		if err != nil {
			return err
		}
		if kb == nil {
			return ErrNoActiveAccount
		}

		kb.AppGlobalAuthKey = appGlobal
		kb.AppRecoveryAuthKey = appRecovery
		kb.HardwareAuthKey = hardware

		return putKeybox(bucket, kb)
	}, func() {})
}

// Clear removes the stored keybox.
func (s *AccountStore) Clear() error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		err := tx.DeleteTopLevelBucket(fullAccountBucketKey)
		if err != nil && !errors.Is(err, kvdb.ErrBucketNotFound) {
			return err
		}

		_, err = tx.CreateTopLevelBucket(fullAccountBucketKey)

		return err
	}, func() {})
}

func putKeybox(bucket kvdb.RwBucket, kb *Keybox) error {
	if kb.AppGlobalAuthKey == nil || kb.AppRecoveryAuthKey == nil ||
		kb.HardwareAuthKey == nil {

		return errors.New("keybox missing auth keys")
	}

	var (
		accountID   = []byte(kb.AccountID)
		network     = []byte(kb.Network.Name)
		appGlobal   = kb.AppGlobalAuthKey
		appRecovery = kb.AppRecoveryAuthKey
		hardware    = kb.HardwareAuthKey
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(accountIDType, &accountID),
		tlv.MakePrimitiveRecord(networkType, &network),
		tlv.MakePrimitiveRecord(appGlobalAuthKeyType, &appGlobal),
		tlv.MakePrimitiveRecord(appRecoveryAuthKeyType, &appRecovery),
		tlv.MakePrimitiveRecord(hardwareAuthKeyType, &hardware),
	)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return err
	}
	if err := bucket.Put(keyboxKey, b.Bytes()); err != nil {
		return err
	}

	active, err := serializeKeyset(&kb.ActiveSpendingKeyset)
	if err != nil {
		return err
	}
	if err := bucket.Put(activeKeysetKey, active); err != nil {
		return err
	}

	// The inactive list is rewritten as a whole so positions stay dense.
	err = bucket.DeleteNestedBucket(inactiveKeysetsBucketKey)
	if err != nil && !errors.Is(err, kvdb.ErrBucketNotFound) {
		return err
	}

	inactiveBucket, err := bucket.CreateBucket(inactiveKeysetsBucketKey)
	if err != nil {
		return err
	}

	for i := range kb.InactiveKeysets {
		raw, err := serializeKeyset(&kb.InactiveKeysets[i])
		if err != nil {
			return err
		}

		var pos [4]byte
		byteOrder.PutUint32(pos[:], uint32(i))

		if err := inactiveBucket.Put(pos[:], raw); err != nil {
			return err
		}
	}

	return nil
}

// fetchKeybox returns nil if no keybox has been stored.
func fetchKeybox(bucket kvdb.RBucket) (*Keybox, error) {
	header := bucket.Get(keyboxKey)
	if header == nil {
		return nil, nil
	}

	var (
		accountID, network     []byte
		appGlobal, appRecovery *btcec.PublicKey
		hardware               *btcec.PublicKey
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(accountIDType, &accountID),
		tlv.MakePrimitiveRecord(networkType, &network),
		tlv.MakePrimitiveRecord(appGlobalAuthKeyType, &appGlobal),
		tlv.MakePrimitiveRecord(appRecoveryAuthKeyType, &appRecovery),
		tlv.MakePrimitiveRecord(hardwareAuthKeyType, &hardware),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(header)); err != nil {
		return nil, fmt.Errorf("decode keybox: %w", err)
	}

	params, err := NetworkFromName(string(network))
	if err != nil {
		return nil, err
	}

	activeRaw := bucket.Get(activeKeysetKey)
	if activeRaw == nil {
		return nil, errors.New("keybox without active keyset")
	}

	active, err := DecodeSpendingKeyset(bytes.NewReader(activeRaw))
	if err != nil {
		return nil, fmt.Errorf("decode active keyset: %w", err)
	}

	var inactive []SpendingKeyset
	if inactiveBucket := bucket.NestedReadBucket(
		inactiveKeysetsBucketKey,
	); inactiveBucket != nil {

		// Keys are big endian positions, so ForEach walks them in
		// order.
		err := inactiveBucket.ForEach(func(_, v []byte) error {
			ks, err := DecodeSpendingKeyset(bytes.NewReader(v))
			if err != nil {
				return err
			}
			inactive = append(inactive, *ks)

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("decode inactive keyset: %w",
				err)
		}
	}

	return &Keybox{
		AccountID:            string(accountID),
		ActiveSpendingKeyset: *active,
		InactiveKeysets:      inactive,
		Network:              params,
		AppGlobalAuthKey:     appGlobal,
		AppRecoveryAuthKey:   appRecovery,
		HardwareAuthKey:      hardware,
	}, nil
}
