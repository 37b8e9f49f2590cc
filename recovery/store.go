package recovery

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// recoveryBucketKey is the top level bucket holding the recovery
	// rows.
	//
	// maps: serverRecoveryKey -> tlv(server recovery)
	//       localAttemptKey -> tlv(local attempt)
	recoveryBucketKey = []byte("recovery")

	serverRecoveryKey = []byte("server-recovery")
	localAttemptKey   = []byte("local-attempt")

	errNoRecoveryBucket = errors.New("recovery bucket does not exist")

	// ErrNoLocalAttempt is returned when updating a local attempt that
	// was never written.
	ErrNoLocalAttempt = errors.New("no local recovery attempt")

	// ErrProgressRegression is returned when a write would move the local
	// attempt's progress backwards.
	ErrProgressRegression = errors.New("recovery progress can't move " +
		"backwards")
)

const (
	accountIDType          tlv.Type = 0
	lostFactorType         tlv.Type = 1
	delayStartType         tlv.Type = 2
	delayEndType           tlv.Type = 3
	appGlobalAuthKeyType   tlv.Type = 4
	appRecoveryAuthKeyType tlv.Type = 5
	hardwareAuthKeyType    tlv.Type = 6
	progressType           tlv.Type = 7
	appSpendingKeyType     tlv.Type = 8
	hwSpendingKeyType      tlv.Type = 9
	createdKeysetType      tlv.Type = 10
	activatedKeysetType    tlv.Type = 11
)

// Dao is the local store of the mirrored server recovery and this device's
// own recovery attempt.
type Dao interface {
	// ServerRecovery returns the last server snapshot that was stored.
	ServerRecovery() (fn.Option[ServerRecovery], error)

	// SetServerRecovery replaces the server snapshot. None removes it.
	SetServerRecovery(fn.Option[ServerRecovery]) error

	// LocalAttempt returns this device's recovery attempt, if any.
	LocalAttempt() (fn.Option[LocalRecoveryAttempt], error)

	// PutLocalAttempt starts a new local attempt, replacing any previous
	// one.
	PutLocalAttempt(*LocalRecoveryAttempt) error

	// UpdateLocalAttempt applies f to the stored attempt atomically.
	// ErrProgressRegression is returned if f moves progress backwards.
	UpdateLocalAttempt(f func(*LocalRecoveryAttempt) error) error

	// Clear removes both rows.
	Clear() error
}

// Store is the kvdb backed Dao.
type Store struct {
	db kvdb.Backend
}

// NewStore returns a new store instance, creating its bucket if needed.
func NewStore(db kvdb.Backend) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(recoveryBucketKey)

		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &Store{
		db: db,
	}, nil
}

// ServerRecovery returns the last server snapshot that was stored.
func (s *Store) ServerRecovery() (fn.Option[ServerRecovery], error) {
	var result fn.Option[ServerRecovery]

	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(recoveryBucketKey)
		if bucket == nil {
			return errNoRecoveryBucket
		}

		raw := bucket.Get(serverRecoveryKey)
		if raw == nil {
			return nil
		}

		var attempt LocalRecoveryAttempt
		err := decodeAttempt(bytes.NewReader(raw), &attempt)
		if err != nil {
			return err
		}
		result = fn.Some(attempt.ServerRecovery)

		return nil
	}, func() {
		result = fn.None[ServerRecovery]()
	})
	if err != nil {
		return fn.None[ServerRecovery](), err
	}

	return result, nil
}

// SetServerRecovery replaces the server snapshot. None removes it.
func (s *Store) SetServerRecovery(r fn.Option[ServerRecovery]) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(recoveryBucketKey)
		if bucket == nil {
			return errNoRecoveryBucket
		}

		if r.IsNone() {
			return bucket.Delete(serverRecoveryKey)
		}

		rec := r.UnsafeFromSome()
		var b bytes.Buffer
		err := encodeAttempt(&b, &LocalRecoveryAttempt{
			ServerRecovery: rec,
		})
		if err != nil {
			return err
		}

		return bucket.Put(serverRecoveryKey, b.Bytes())
	}, func() {})
}

// LocalAttempt returns this device's recovery attempt, if any.
func (s *Store) LocalAttempt() (fn.Option[LocalRecoveryAttempt], error) {
	var result fn.Option[LocalRecoveryAttempt]

	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(recoveryBucketKey)
		if bucket == nil {
			return errNoRecoveryBucket
		}

		attempt, err := fetchAttempt(bucket)
		if err != nil {
			return err
		}
		if attempt != nil {
			result = fn.Some(*attempt)
		}

		return nil
	}, func() {
		result = fn.None[LocalRecoveryAttempt]()
	})
	if err != nil {
		return fn.None[LocalRecoveryAttempt](), err
	}

	return result, nil
}

// PutLocalAttempt starts a new local attempt, replacing any previous one.
func (s *Store) PutLocalAttempt(attempt *LocalRecoveryAttempt) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(recoveryBucketKey)
		if bucket == nil {
			return errNoRecoveryBucket
		}

		return putAttempt(bucket, attempt)
	}, func() {})
}

// UpdateLocalAttempt applies f to the stored attempt atomically.
func (s *Store) UpdateLocalAttempt(f func(*LocalRecoveryAttempt) error) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(recoveryBucketKey)
		if bucket == nil {
			return errNoRecoveryBucket
		}

		attempt, err := fetchAttempt(bucket)
		if err != nil {
			return err
		}
		if attempt == nil {
			return ErrNoLocalAttempt
		}

		before := attempt.Progress
		if err := f(attempt); err != nil {
			return err
		}

		if !before.CanAdvanceTo(attempt.Progress) {
			return fmt.Errorf("%w: %v -> %v", ErrProgressRegression,
				before, attempt.Progress)
		}

		return putAttempt(bucket, attempt)
	}, func() {})
}

// SetProgress moves the local attempt to the given stage.
func (s *Store) SetProgress(p Progress) error {
	return s.UpdateLocalAttempt(func(attempt *LocalRecoveryAttempt) error {
		attempt.Progress = p
		return nil
	})
}

// Clear removes both rows.
func (s *Store) Clear() error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(recoveryBucketKey)
		if bucket == nil {
			return errNoRecoveryBucket
		}

		if err := bucket.Delete(serverRecoveryKey); err != nil {
			return err
		}

		return bucket.Delete(localAttemptKey)
	}, func() {})
}

// A compile-time check to ensure Store implements Dao.
var _ Dao = (*Store)(nil)

func putAttempt(bucket kvdb.RwBucket, attempt *LocalRecoveryAttempt) error {
	var b bytes.Buffer
	if err := encodeAttempt(&b, attempt); err != nil {
		return err
	}

	return bucket.Put(localAttemptKey, b.Bytes())
}

// fetchAttempt returns nil if no attempt is stored.
func fetchAttempt(bucket kvdb.RBucket) (*LocalRecoveryAttempt, error) {
	raw := bucket.Get(localAttemptKey)
	if raw == nil {
		return nil, nil
	}

	var attempt LocalRecoveryAttempt
	if err := decodeAttempt(bytes.NewReader(raw), &attempt); err != nil {
		return nil, fmt.Errorf("decode local attempt: %w", err)
	}

	return &attempt, nil
}

// encodeAttempt writes the attempt as a TLV stream. The server snapshot row
// reuses the same encoding with the attempt specific fields left empty.
func encodeAttempt(w io.Writer, a *LocalRecoveryAttempt) error {
	if a.DestinationAppGlobalAuthKey == nil ||
		a.DestinationAppRecoveryAuthKey == nil ||
		a.DestinationHardwareAuthKey == nil {

		return errors.New("recovery missing destination auth keys")
	}

	var (
		accountID   = []byte(a.AccountID)
		lostFactor  = uint8(a.LostFactor)
		delayStart  = uint64(a.DelayStartTime.UnixNano())
		delayEnd    = uint64(a.DelayEndTime.UnixNano())
		appGlobal   = a.DestinationAppGlobalAuthKey
		appRecovery = a.DestinationAppRecoveryAuthKey
		hardware    = a.DestinationHardwareAuthKey
		progress    = uint8(a.Progress)
		appSpending = []byte(a.DestinationAppSpendingKey)
		hwSpending  = []byte(a.DestinationHardwareSpendingKey)
		created     = []byte(a.CreatedKeysetID)
		activated   = []byte(a.ActivatedKeysetID)
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(accountIDType, &accountID),
		tlv.MakePrimitiveRecord(lostFactorType, &lostFactor),
		tlv.MakePrimitiveRecord(delayStartType, &delayStart),
		tlv.MakePrimitiveRecord(delayEndType, &delayEnd),
		tlv.MakePrimitiveRecord(appGlobalAuthKeyType, &appGlobal),
		tlv.MakePrimitiveRecord(appRecoveryAuthKeyType, &appRecovery),
		tlv.MakePrimitiveRecord(hardwareAuthKeyType, &hardware),
		tlv.MakePrimitiveRecord(progressType, &progress),
		tlv.MakePrimitiveRecord(appSpendingKeyType, &appSpending),
		tlv.MakePrimitiveRecord(hwSpendingKeyType, &hwSpending),
		tlv.MakePrimitiveRecord(createdKeysetType, &created),
		tlv.MakePrimitiveRecord(activatedKeysetType, &activated),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func decodeAttempt(r io.Reader, a *LocalRecoveryAttempt) error {
	var (
		accountID, appSpending, hwSpending []byte
		created, activated                 []byte
		lostFactor, progress               uint8
		delayStart, delayEnd               uint64
		appGlobal, appRecovery, hardware   *btcec.PublicKey
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(accountIDType, &accountID),
		tlv.MakePrimitiveRecord(lostFactorType, &lostFactor),
		tlv.MakePrimitiveRecord(delayStartType, &delayStart),
		tlv.MakePrimitiveRecord(delayEndType, &delayEnd),
		tlv.MakePrimitiveRecord(appGlobalAuthKeyType, &appGlobal),
		tlv.MakePrimitiveRecord(appRecoveryAuthKeyType, &appRecovery),
		tlv.MakePrimitiveRecord(hardwareAuthKeyType, &hardware),
		tlv.MakePrimitiveRecord(progressType, &progress),
		tlv.MakePrimitiveRecord(appSpendingKeyType, &appSpending),
		tlv.MakePrimitiveRecord(hwSpendingKeyType, &hwSpending),
		tlv.MakePrimitiveRecord(createdKeysetType, &created),
		tlv.MakePrimitiveRecord(activatedKeysetType, &activated),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}

	*a = LocalRecoveryAttempt{
		ServerRecovery: ServerRecovery{
			AccountID:      string(accountID),
			LostFactor:     keyset.Factor(lostFactor),
			DelayStartTime: time.Unix(0, int64(delayStart)),
			DelayEndTime:   time.Unix(0, int64(delayEnd)),

			DestinationAppGlobalAuthKey:   appGlobal,
			DestinationAppRecoveryAuthKey: appRecovery,
			DestinationHardwareAuthKey:    hardware,
		},
		Progress:                       Progress(progress),
		DestinationAppSpendingKey:      string(appSpending),
		DestinationHardwareSpendingKey: string(hwSpending),
		CreatedKeysetID:                string(created),
		ActivatedKeysetID:              string(activated),
	}

	return nil
}
