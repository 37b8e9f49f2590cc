package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)

const testAccountID = "account-1"

func privKey(seed byte) *btcec.PrivateKey {
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(b[:])

	return priv
}

// mockStatusClient is a mock implementation of StatusClient.
type mockStatusClient struct {
	mock.Mock
}

func (m *mockStatusClient) GetDelayNotify(ctx context.Context,
	accountID string) (fn.Option[ServerRecovery], error) {

	args := m.Called(ctx, accountID)

	return args.Get(0).(fn.Option[ServerRecovery]), args.Error(1)
}

// mockDelayNotifyClient is a mock implementation of DelayNotifyClient.
type mockDelayNotifyClient struct {
	mock.Mock
}

func (m *mockDelayNotifyClient) InitiateDelayNotify(ctx context.Context,
	accountID string, req *InitiateRequest) (*ServerRecovery, error) {

	args := m.Called(ctx, accountID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*ServerRecovery), args.Error(1)
}

func (m *mockDelayNotifyClient) CancelDelayNotify(ctx context.Context,
	accountID string, hwProof fn.Option[HardwareProof]) error {

	args := m.Called(ctx, accountID, hwProof)

	return args.Error(0)
}

func (m *mockDelayNotifyClient) CompleteDelayNotify(ctx context.Context,
	accountID string, req *CompleteRequest) error {

	args := m.Called(ctx, accountID, req)

	return args.Error(0)
}

// mockKeysetClient is a mock implementation of KeysetClient.
type mockKeysetClient struct {
	mock.Mock
}

func (m *mockKeysetClient) CreateKeyset(ctx context.Context, accountID,
	appKey, hwKey string,
	hwProof HardwareProof) (*keyset.SpendingKeyset, error) {

	args := m.Called(ctx, accountID, appKey, hwKey, hwProof)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*keyset.SpendingKeyset), args.Error(1)
}

func (m *mockKeysetClient) ActivateKeyset(ctx context.Context, accountID,
	keysetID string, hwProof HardwareProof) error {

	args := m.Called(ctx, accountID, keysetID, hwProof)

	return args.Error(0)
}

// mockAuthClient is a mock implementation of AuthClient.
type mockAuthClient struct {
	mock.Mock
}

func (m *mockAuthClient) Authenticate(ctx context.Context, accountID string,
	scope AuthScope, key *btcec.PublicKey,
	sign func(msg []byte) ([]byte, error)) error {

	args := m.Called(ctx, accountID, scope, key)
	if args.Error(0) != nil {
		return args.Error(0)
	}

	_, err := sign([]byte("challenge"))

	return err
}

func (m *mockAuthClient) GetAuthKeys(ctx context.Context,
	accountID string) (*AuthKeys, error) {

	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*AuthKeys), args.Error(1)
}

// mockTrustedContactClient is a mock implementation of TrustedContactClient.
type mockTrustedContactClient struct {
	mock.Mock
}

func (m *mockTrustedContactClient) ListRelationships(ctx context.Context,
	accountID string) ([]Relationship, error) {

	args := m.Called(ctx, accountID)

	return args.Get(0).([]Relationship), args.Error(1)
}

func (m *mockTrustedContactClient) EndorseRelationships(ctx context.Context,
	accountID string, endorsements []Endorsement) error {

	args := m.Called(ctx, accountID, endorsements)

	return args.Error(0)
}

func (m *mockTrustedContactClient) RemoveRelationship(ctx context.Context,
	accountID, relationshipID string) error {

	args := m.Called(ctx, accountID, relationshipID)

	return args.Error(0)
}

// mockAccountStore is a mock implementation of AccountStore.
type mockAccountStore struct {
	mock.Mock
}

func (m *mockAccountStore) ActivateKeyset(ks *keyset.SpendingKeyset) error {
	return m.Called(ks).Error(0)
}

func (m *mockAccountStore) RotateAuthKeys(appGlobal, appRecovery,
	hardware *btcec.PublicKey) error {

	return m.Called(appGlobal, appRecovery, hardware).Error(0)
}

// keySigner signs with an in-memory set of private keys.
type keySigner struct {
	keys map[[33]byte]*btcec.PrivateKey
}

func newKeySigner(privs ...*btcec.PrivateKey) *keySigner {
	s := &keySigner{keys: make(map[[33]byte]*btcec.PrivateKey)}
	for _, priv := range privs {
		var k [33]byte
		copy(k[:], priv.PubKey().SerializeCompressed())
		s.keys[k] = priv
	}

	return s
}

func (s *keySigner) SignMessage(pub *btcec.PublicKey,
	msg []byte) ([]byte, error) {

	var k [33]byte
	copy(k[:], pub.SerializeCompressed())

	priv, ok := s.keys[k]
	if !ok {
		return nil, ErrInvalidCertificate
	}

	return ecdsa.Sign(priv, chainhash.DoubleHashB(msg)).Serialize(), nil
}

func newTestDB(t *testing.T) kvdb.Backend {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "test.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// testHarness wires a StatusService over a real store with mocked network
// clients.
type testHarness struct {
	t *testing.T

	store        *Store
	statusClient *mockStatusClient
	ticker       *ticker.Force
	clock        *clock.TestClock
	status       *StatusService
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := NewStore(newTestDB(t))
	require.NoError(t, err)

	h := &testHarness{
		t:            t,
		store:        store,
		statusClient: &mockStatusClient{},
		ticker:       ticker.NewForce(time.Hour),
		clock:        clock.NewTestClock(testTime),
	}

	h.status = NewStatusService(&StatusServiceConfig{
		AccountID:  testAccountID,
		Client:     h.statusClient,
		Dao:        store,
		Clock:      h.clock,
		SyncTicker: h.ticker,
	})

	return h
}

// serverRecovery returns a recovery as initiated by this device.
func serverRecovery(lost keyset.Factor) ServerRecovery {
	return ServerRecovery{
		AccountID:      testAccountID,
		LostFactor:     lost,
		DelayStartTime: testTime,
		DelayEndTime:   testTime.Add(24 * time.Hour),

		DestinationAppGlobalAuthKey:   privKey(0x01).PubKey(),
		DestinationAppRecoveryAuthKey: privKey(0x02).PubKey(),
		DestinationHardwareAuthKey:    privKey(0x03).PubKey(),
	}
}
