package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/keyrecovery/recoveryd/confirm"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// completionChallengePrefix tags the challenge both factors sign to complete
// a recovery.
const completionChallengePrefix = "CompleteDelayNotify"

// HardwareProof is a proof of possession produced by the hardware device.
type HardwareProof struct {
	Token []byte
}

// HardwareSignedChallenge is the completion challenge together with the
// hardware's signature over it.
type HardwareSignedChallenge struct {
	Challenge []byte
	Signature []byte
}

// InitiateRequest starts a delay and notify recovery.
type InitiateRequest struct {
	LostFactor keyset.Factor

	DestinationAppGlobalAuthKey   *btcec.PublicKey
	DestinationAppRecoveryAuthKey *btcec.PublicKey
	DestinationHardwareAuthKey    *btcec.PublicKey

	// The descriptor keys of the replacement spending keyset.
	DestinationAppSpendingKey      string
	DestinationHardwareSpendingKey string

	// HwProof is required when the app is the lost factor.
	HwProof fn.Option[HardwareProof]
}

// CancelRequest cancels a delay and notify recovery.
type CancelRequest struct {
	// LostFactor is the factor the recovery being cancelled replaces.
	// Cancelling needs proof of possession of the other factor: a lost
	// app recovery is cancelled with the hardware.
	LostFactor keyset.Factor

	HwProof fn.Option[HardwareProof]
}

// CompleteRequest is sent to the server to complete a recovery.
type CompleteRequest struct {
	Challenge         []byte
	AppSignature      []byte
	HardwareSignature []byte

	SealedCsek []byte
	SealedSsek []byte
}

// AuthScope selects which auth key a token is bound to.
type AuthScope uint8

const (
	// AuthScopeGlobal tokens are bound to the app global auth key.
	AuthScopeGlobal AuthScope = iota

	// AuthScopeRecovery tokens are bound to the app recovery auth key.
	AuthScopeRecovery
)

// AuthKeys are the account's current auth keys as the server knows them.
type AuthKeys struct {
	AppGlobalAuthKey   *btcec.PublicKey
	AppRecoveryAuthKey *btcec.PublicKey
	HardwareAuthKey    *btcec.PublicKey
}

// DelayNotifyClient drives recoveries on the server.
type DelayNotifyClient interface {
	InitiateDelayNotify(ctx context.Context, accountID string,
		req *InitiateRequest) (*ServerRecovery, error)

	// CancelDelayNotify returns ErrNoRecoveryExists if there is nothing
	// to cancel.
	CancelDelayNotify(ctx context.Context, accountID string,
		hwProof fn.Option[HardwareProof]) error

	// CompleteDelayNotify returns ErrNoRecoveryExists if the recovery is
	// gone.
	CompleteDelayNotify(ctx context.Context, accountID string,
		req *CompleteRequest) error
}

// KeysetClient creates and activates spending keysets on the server.
type KeysetClient interface {
	CreateKeyset(ctx context.Context, accountID, appKey, hwKey string,
		hwProof HardwareProof) (*keyset.SpendingKeyset, error)

	ActivateKeyset(ctx context.Context, accountID, keysetID string,
		hwProof HardwareProof) error
}

// AuthClient refreshes auth tokens and reads the account's auth keys.
type AuthClient interface {
	// Authenticate runs the challenge response handshake for key and
	// keeps the resulting tokens for later requests.
	Authenticate(ctx context.Context, accountID string, scope AuthScope,
		key *btcec.PublicKey,
		sign func(msg []byte) ([]byte, error)) error

	GetAuthKeys(ctx context.Context, accountID string) (*AuthKeys, error)
}

// TrustedContactClient manages the account's trusted contact relationships.
type TrustedContactClient interface {
	ListRelationships(ctx context.Context,
		accountID string) ([]Relationship, error)

	EndorseRelationships(ctx context.Context, accountID string,
		endorsements []Endorsement) error

	RemoveRelationship(ctx context.Context, accountID,
		relationshipID string) error
}

// DeviceTokenRegistrar registers the device's push notification token.
type DeviceTokenRegistrar interface {
	RegisterDeviceToken(ctx context.Context, accountID,
		token string) error
}

// MessageSigner signs the double SHA256 of a message with the private key
// behind pubKey and returns a DER encoded signature.
type MessageSigner interface {
	SignMessage(pubKey *btcec.PublicKey, msg []byte) ([]byte, error)
}

// AccountStore is the local keybox, updated when a recovery swaps keys.
type AccountStore interface {
	ActivateKeyset(ks *keyset.SpendingKeyset) error

	RotateAuthKeys(appGlobal, appRecovery,
		hardware *btcec.PublicKey) error
}

// OrchestratorConfig holds the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	AccountID string

	Status *StatusService

	DelayNotify     DelayNotifyClient
	Keysets         KeysetClient
	Auth            AuthClient
	TrustedContacts TrustedContactClient

	// DeviceTokens and DeviceToken are optional. When both are set the
	// token is registered after a keyset was created.
	DeviceTokens DeviceTokenRegistrar
	DeviceToken  string

	Signer   MessageSigner
	Accounts AccountStore

	Clock clock.Clock
}

// Orchestrator runs the delay and notify recovery operations. Every
// operation is safe to retry after a failure or restart.
type Orchestrator struct {
	cfg *OrchestratorConfig
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Orchestrator{
		cfg: cfg,
	}
}

// InitiateDelayNotify starts a recovery on the server and records it as this
// device's local attempt.
func (o *Orchestrator) InitiateDelayNotify(ctx context.Context,
	req *InitiateRequest) (*ServerRecovery, error) {

	if req.LostFactor == keyset.FactorApp && req.HwProof.IsNone() {
		return nil, ErrHardwareProofRequired
	}

	rec, err := o.cfg.DelayNotify.InitiateDelayNotify(
		ctx, o.cfg.AccountID, req,
	)
	if err != nil {
		return nil, fmt.Errorf("initiate recovery: %w", err)
	}

	err = o.cfg.Status.StartLocalAttempt(ctx, &LocalRecoveryAttempt{
		ServerRecovery:                 *rec,
		Progress:                       ProgressInitiated,
		DestinationAppSpendingKey:      req.DestinationAppSpendingKey,
		DestinationHardwareSpendingKey: req.DestinationHardwareSpendingKey,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Initiated recovery of lost %v factor, delay ends %v",
		rec.LostFactor, rec.DelayEndTime)

	return rec, nil
}

// AwaitDelayPeriod polls the server every interval until the delay window of
// our recovery elapsed. ErrRecoveryCanceled is returned if the recovery is
// cancelled or replaced meanwhile.
func (o *Orchestrator) AwaitDelayPeriod(ctx context.Context,
	interval time.Duration) (*ServerRecovery, error) {

	probe := func(ctx context.Context) (confirm.State[ServerRecovery],
		error) {

		if err := o.cfg.Status.Sync(ctx); err != nil {
			return confirm.Pending[ServerRecovery](), err
		}

		current, err := o.cfg.Status.Current()
		if err != nil {
			return confirm.Pending[ServerRecovery](), err
		}

		still, ok := current.(StillRecovering)
		switch {
		case !ok:
			return confirm.Rejected[ServerRecovery](), nil

		case still.Phase == PhaseInitiated:
			return confirm.Pending[ServerRecovery](), nil

		default:
			return confirm.Confirmed(still.Attempt.ServerRecovery),
				nil
		}
	}

	rec, err := confirm.AwaitConfirmed[ServerRecovery](ctx, confirm.PollConfig{
		Interval: interval,
		Clock:    o.cfg.Clock,
	}, probe)
	if errors.Is(err, confirm.ErrRejected) {
		return nil, ErrRecoveryCanceled
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// CancelDelayNotify cancels the account's recovery on the server and clears
// the local recovery state. A recovery that no longer exists counts as
// cancelled.
func (o *Orchestrator) CancelDelayNotify(ctx context.Context,
	req CancelRequest) error {

	if req.LostFactor == keyset.FactorApp && req.HwProof.IsNone() {
		return ErrHardwareProofRequired
	}

	err := o.cfg.DelayNotify.CancelDelayNotify(
		ctx, o.cfg.AccountID, req.HwProof,
	)
	switch {
	case errors.Is(err, ErrNoRecoveryExists):
		log.Infof("No recovery to cancel on server, clearing local " +
			"state")

	case err != nil:
		return fmt.Errorf("cancel recovery: %w", err)
	}

	return o.cfg.Status.Clear(ctx)
}

// completionChallenge returns the message both factors sign to complete the
// attempt.
func completionChallenge(attempt *LocalRecoveryAttempt) []byte {
	var b bytes.Buffer
	b.WriteString(completionChallengePrefix)
	b.Write(attempt.DestinationHardwareAuthKey.SerializeCompressed())
	b.Write(attempt.DestinationAppGlobalAuthKey.SerializeCompressed())
	b.Write(attempt.DestinationAppRecoveryAuthKey.SerializeCompressed())

	return b.Bytes()
}

// CompletionChallenge returns the challenge the hardware has to sign for
// RotateAuthKeys.
func (o *Orchestrator) CompletionChallenge() ([]byte, error) {
	attempt, err := o.localAttempt()
	if err != nil {
		return nil, err
	}

	return completionChallenge(attempt), nil
}

// RotateAuthKeys completes the recovery on the server, which swaps the
// account's auth keys for the attempt's destination keys.
func (o *Orchestrator) RotateAuthKeys(ctx context.Context,
	hwSignedChallenge HardwareSignedChallenge, sealedCsek,
	sealedSsek []byte) error {

	attempt, err := o.localAttempt()
	if err != nil {
		return err
	}

	switch {
	case attempt.Progress == ProgressCompletionFailedServerCanceled:
		return ErrRecoveryCanceled

	// Already completed by an earlier call.
	case attempt.Progress >= ProgressRotatedAuthKeys:
		return nil
	}

	current, err := o.cfg.Status.Current()
	if err != nil {
		return err
	}
	still, ok := current.(StillRecovering)
	if !ok || still.Phase == PhaseInitiated {
		return fmt.Errorf("%w: %v", ErrUnexpectedPhase, current)
	}

	challenge := completionChallenge(attempt)
	if !bytes.Equal(challenge, hwSignedChallenge.Challenge) {
		return errors.New("hardware signed a different challenge")
	}

	appSig, err := o.cfg.Signer.SignMessage(
		attempt.DestinationAppGlobalAuthKey, challenge,
	)
	if err != nil {
		return fmt.Errorf("sign completion challenge: %w", err)
	}

	// A previous call may have completed the recovery on the server
	// without us seeing the response.
	retrying := attempt.Progress == ProgressAttemptingCompletion

	err = o.advance(ctx, ProgressAttemptingCompletion)
	if err != nil {
		return err
	}

	err = o.cfg.DelayNotify.CompleteDelayNotify(
		ctx, o.cfg.AccountID, &CompleteRequest{
			Challenge:         challenge,
			AppSignature:      appSig,
			HardwareSignature: hwSignedChallenge.Signature,
			SealedCsek:        sealedCsek,
			SealedSsek:        sealedSsek,
		},
	)
	if errors.Is(err, ErrNoRecoveryExists) && retrying {
		rotated, keysErr := o.serverHasRotatedKeys(ctx, attempt)
		if keysErr != nil {
			return fmt.Errorf("check completed recovery: %w",
				keysErr)
		}
		if rotated {
			log.Infof("Recovery was completed by an earlier " +
				"attempt")

			err = nil
		}
	}

	switch {
	case errors.Is(err, ErrNoRecoveryExists):
		log.Warnf("Server dropped recovery while completing it")

		err := o.advance(ctx, ProgressCompletionFailedServerCanceled)
		if err != nil {
			return err
		}

		return ErrRecoveryCanceled

	case err != nil:
		return fmt.Errorf("complete recovery: %w", err)
	}

	if err := o.advance(ctx, ProgressRotatedAuthKeys); err != nil {
		return err
	}

	err = o.cfg.Accounts.RotateAuthKeys(
		attempt.DestinationAppGlobalAuthKey,
		attempt.DestinationAppRecoveryAuthKey,
		attempt.DestinationHardwareAuthKey,
	)
	if err != nil && !errors.Is(err, keyset.ErrNoActiveAccount) {
		return err
	}

	log.Infof("Rotated auth keys for lost %v recovery",
		attempt.LostFactor)

	return nil
}

// RotateAuthTokens fetches fresh auth tokens for the rotated auth keys.
func (o *Orchestrator) RotateAuthTokens(ctx context.Context) error {
	attempt, err := o.rotatedAttempt()
	if err != nil {
		return err
	}

	scopes := []struct {
		scope AuthScope
		key   *btcec.PublicKey
	}{
		{AuthScopeGlobal, attempt.DestinationAppGlobalAuthKey},
		{AuthScopeRecovery, attempt.DestinationAppRecoveryAuthKey},
	}

	for _, s := range scopes {
		key := s.key
		err := o.cfg.Auth.Authenticate(
			ctx, o.cfg.AccountID, s.scope, key,
			func(msg []byte) ([]byte, error) {
				return o.cfg.Signer.SignMessage(key, msg)
			},
		)
		if err != nil {
			return fmt.Errorf("refresh auth tokens: %w", err)
		}
	}

	return nil
}

// VerifyAuthKeysAfterRotation checks that the server now lists the rotated
// auth keys.
func (o *Orchestrator) VerifyAuthKeysAfterRotation(
	ctx context.Context) error {

	attempt, err := o.rotatedAttempt()
	if err != nil {
		return err
	}

	rotated, err := o.serverHasRotatedKeys(ctx, attempt)
	if err != nil {
		return err
	}
	if !rotated {
		return ErrAuthKeysMismatch
	}

	return nil
}

// serverHasRotatedKeys reports whether the server lists the attempt's
// destination auth keys as the account's auth keys.
func (o *Orchestrator) serverHasRotatedKeys(ctx context.Context,
	attempt *LocalRecoveryAttempt) (bool, error) {

	keys, err := o.cfg.Auth.GetAuthKeys(ctx, o.cfg.AccountID)
	if err != nil {
		return false, fmt.Errorf("fetch auth keys: %w", err)
	}

	return keysEqual(keys.AppGlobalAuthKey,
		attempt.DestinationAppGlobalAuthKey) &&
		keysEqual(keys.AppRecoveryAuthKey,
			attempt.DestinationAppRecoveryAuthKey) &&
		keysEqual(keys.HardwareAuthKey,
			attempt.DestinationHardwareAuthKey), nil
}

// CreateSpendingKeyset creates the replacement keyset on the server without
// activating it. The device's notification token is registered on a best
// effort basis.
func (o *Orchestrator) CreateSpendingKeyset(ctx context.Context,
	hwProof HardwareProof) (*keyset.SpendingKeyset, error) {

	attempt, err := o.rotatedAttempt()
	if err != nil {
		return nil, err
	}

	ks, err := o.cfg.Keysets.CreateKeyset(
		ctx, o.cfg.AccountID, attempt.DestinationAppSpendingKey,
		attempt.DestinationHardwareSpendingKey, hwProof,
	)
	if err != nil {
		return nil, fmt.Errorf("create keyset: %w", err)
	}

	err = o.cfg.Status.UpdateLocalAttempt(ctx,
		func(a *LocalRecoveryAttempt) error {
			a.CreatedKeysetID = ks.ID
			if a.Progress < ProgressCreatedSpendingKeys {
				a.Progress = ProgressCreatedSpendingKeys
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	if o.cfg.DeviceTokens != nil && o.cfg.DeviceToken != "" {
		err := o.cfg.DeviceTokens.RegisterDeviceToken(
			ctx, o.cfg.AccountID, o.cfg.DeviceToken,
		)
		if err != nil {
			log.Warnf("Unable to register device token: %v", err)
		}
	}

	log.Infof("Created spending keyset %v", ks.ID)

	return ks, nil
}

// ActivateSpendingKeyset makes ks the account's active keyset. Activating
// the keyset that was already activated in this attempt succeeds without
// doing anything. Activating a different one fails with
// ErrKeysetAlreadyActivated.
func (o *Orchestrator) ActivateSpendingKeyset(ctx context.Context,
	ks *keyset.SpendingKeyset, hwProof HardwareProof) error {

	attempt, err := o.rotatedAttempt()
	if err != nil {
		return err
	}

	switch attempt.ActivatedKeysetID {
	case ks.ID:
		log.Debugf("Keyset %v already activated", ks.ID)
		return nil

	case "":

	default:
		return fmt.Errorf("%w: %v", ErrKeysetAlreadyActivated,
			attempt.ActivatedKeysetID)
	}

	err = o.cfg.Keysets.ActivateKeyset(
		ctx, o.cfg.AccountID, ks.ID, hwProof,
	)
	if err != nil {
		return fmt.Errorf("activate keyset: %w", err)
	}

	err = o.cfg.Status.UpdateLocalAttempt(ctx,
		func(a *LocalRecoveryAttempt) error {
			if a.ActivatedKeysetID != "" &&
				a.ActivatedKeysetID != ks.ID {

				return ErrKeysetAlreadyActivated
			}

			a.ActivatedKeysetID = ks.ID
			if a.Progress < ProgressActivatedSpendingKeys {
				a.Progress = ProgressActivatedSpendingKeys
			}

			return nil
		},
	)
	if err != nil {
		return err
	}

	err = o.cfg.Accounts.ActivateKeyset(ks)
	if err != nil && !errors.Is(err, keyset.ErrNoActiveAccount) {
		return err
	}

	log.Infof("Activated spending keyset %v", ks.ID)

	return nil
}

// RegenerateTrustedContactCertificates re-signs every trusted contact
// certificate that was issued under oldAppAuthKey with the account's current
// auth keys. Certificates that don't verify under the old key are left
// alone. The new endorsements are returned.
func (o *Orchestrator) RegenerateTrustedContactCertificates(
	ctx context.Context, oldAppAuthKey *btcec.PublicKey) ([]Endorsement,
	error) {

	keys, err := o.cfg.Auth.GetAuthKeys(ctx, o.cfg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("fetch auth keys: %w", err)
	}

	relationships, err := o.cfg.TrustedContacts.ListRelationships(
		ctx, o.cfg.AccountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted contacts: %w", err)
	}

	var endorsements []Endorsement
	for _, rel := range relationships {
		cert := rel.Certificate
		if cert == nil {
			continue
		}

		if keysEqual(cert.AppGlobalAuthKey, keys.AppGlobalAuthKey) {
			continue
		}

		if !keysEqual(cert.AppGlobalAuthKey, oldAppAuthKey) ||
			cert.Verify() != nil {

			log.Warnf("Skipping trusted contact %v: certificate "+
				"not issued by previous app key", rel.ID)
			continue
		}

		newCert := Certificate{
			DelegatedDecryptionKey: cert.DelegatedDecryptionKey,
			AppGlobalAuthKey:       keys.AppGlobalAuthKey,
			HardwareAuthKey:        keys.HardwareAuthKey,
		}
		newCert.AppSignature, err = o.cfg.Signer.SignMessage(
			keys.AppGlobalAuthKey, newCert.Message(),
		)
		if err != nil {
			return nil, fmt.Errorf("sign certificate: %w", err)
		}

		endorsements = append(endorsements, Endorsement{
			RelationshipID: rel.ID,
			Certificate:    newCert,
		})
	}

	if len(endorsements) == 0 {
		return nil, nil
	}

	err = o.cfg.TrustedContacts.EndorseRelationships(
		ctx, o.cfg.AccountID, endorsements,
	)
	if err != nil {
		return nil, fmt.Errorf("endorse trusted contacts: %w", err)
	}

	log.Infof("Regenerated %d trusted contact certificates",
		len(endorsements))

	return endorsements, nil
}

// MarkFundsSwept records that no funds are left on the keysets the recovery
// replaced. It requires the replacement keyset to be active.
func (o *Orchestrator) MarkFundsSwept(ctx context.Context) error {
	attempt, err := o.rotatedAttempt()
	if err != nil {
		return err
	}

	if attempt.Progress < ProgressActivatedSpendingKeys {
		return fmt.Errorf("%w: %v", ErrUnexpectedPhase,
			attempt.Progress)
	}

	if err := o.advance(ctx, ProgressSweptFunds); err != nil {
		return err
	}

	log.Infof("Recovery of lost %v finished sweeping funds",
		attempt.LostFactor)

	return nil
}

// RemoveTrustedContacts removes every trusted contact relationship. All
// removals are attempted even if some fail.
func (o *Orchestrator) RemoveTrustedContacts(ctx context.Context) error {
	relationships, err := o.cfg.TrustedContacts.ListRelationships(
		ctx, o.cfg.AccountID,
	)
	if err != nil {
		return fmt.Errorf("list trusted contacts: %w", err)
	}

	var errs []error
	for _, rel := range relationships {
		err := o.cfg.TrustedContacts.RemoveRelationship(
			ctx, o.cfg.AccountID, rel.ID,
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("remove %v: %w", rel.ID,
				err))
		}
	}

	return errors.Join(errs...)
}

func (o *Orchestrator) localAttempt() (*LocalRecoveryAttempt, error) {
	local, err := o.cfg.Status.LocalAttempt()
	if err != nil {
		return nil, dbError(err)
	}

	attempt, err := local.UnwrapOrErr(ErrNoLocalAttempt)
	if err != nil {
		return nil, err
	}

	return &attempt, nil
}

// rotatedAttempt returns the local attempt if its auth keys were rotated
// already.
func (o *Orchestrator) rotatedAttempt() (*LocalRecoveryAttempt, error) {
	attempt, err := o.localAttempt()
	if err != nil {
		return nil, err
	}

	if attempt.Progress == ProgressCompletionFailedServerCanceled {
		return nil, ErrRecoveryCanceled
	}

	if attempt.Progress < ProgressRotatedAuthKeys {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedPhase,
			attempt.Progress)
	}

	return attempt, nil
}

// advance moves the local progress to p unless it is already there or
// beyond.
func (o *Orchestrator) advance(ctx context.Context, p Progress) error {
	return o.cfg.Status.UpdateLocalAttempt(ctx,
		func(a *LocalRecoveryAttempt) error {
			if a.Progress.CanAdvanceTo(p) {
				a.Progress = p
			}

			return nil
		},
	)
}
