package wallet

import (
	"encoding/binary"

	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// addressIndexBucket maps a keyset id to the next unused address
	// index of that keyset.
	addressIndexBucket = []byte("wallet-address-index")
)

// AddressStore persists the next address index of every keyset, so an
// address handed out once is never handed out again.
type AddressStore struct {
	db walletdb.DB
}

// NewAddressStore creates the store's bucket if needed.
func NewAddressStore(db walletdb.DB) (*AddressStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(addressIndexBucket)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &AddressStore{db: db}, nil
}

// NextIndex returns the next unused index of the keyset without reserving
// it.
func (s *AddressStore) NextIndex(keysetID string) (uint32, error) {
	var next uint32
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		next = readIndex(tx.ReadBucket(addressIndexBucket), keysetID)
		return nil
	})

	return next, err
}

// ReserveIndex returns the next unused index of the keyset and moves the
// counter past it.
func (s *AddressStore) ReserveIndex(keysetID string) (uint32, error) {
	var index uint32
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(addressIndexBucket)
		index = readIndex(bucket, keysetID)

		return writeIndex(bucket, keysetID, index+1)
	})

	return index, err
}

// MarkUsed records that the address at index was seen on chain, so the
// counter never falls behind it.
func (s *AddressStore) MarkUsed(keysetID string, index uint32) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(addressIndexBucket)
		if readIndex(bucket, keysetID) > index {
			return nil
		}

		return writeIndex(bucket, keysetID, index+1)
	})
}

func readIndex(bucket walletdb.ReadBucket, keysetID string) uint32 {
	v := bucket.Get([]byte(keysetID))
	if len(v) != 4 {
		return 0
	}

	return binary.BigEndian.Uint32(v)
}

func writeIndex(bucket walletdb.ReadWriteBucket, keysetID string,
	index uint32) error {

	var v [4]byte
	binary.BigEndian.PutUint32(v[:], index)

	return bucket.Put([]byte(keysetID), v[:])
}
