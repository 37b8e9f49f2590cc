package recovery

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/keyrecovery/recoveryd/keyset"
)

// ServerRecovery is the server's authoritative view of a delay and notify
// recovery in progress.
type ServerRecovery struct {
	AccountID string

	// LostFactor is the factor being replaced.
	LostFactor keyset.Factor

	DelayStartTime time.Time
	DelayEndTime   time.Time

	// The destination auth keys become the account's auth keys once the
	// recovery completes.
	DestinationAppGlobalAuthKey   *btcec.PublicKey
	DestinationAppRecoveryAuthKey *btcec.PublicKey
	DestinationHardwareAuthKey    *btcec.PublicKey
}

// SameIdentity reports whether both records describe the same recovery. Two
// records are the same recovery if they replace the same factor of the same
// account with the same destination auth keys.
func (r *ServerRecovery) SameIdentity(other *ServerRecovery) bool {
	return r.AccountID == other.AccountID &&
		r.LostFactor == other.LostFactor &&
		keysEqual(r.DestinationAppGlobalAuthKey,
			other.DestinationAppGlobalAuthKey) &&
		keysEqual(r.DestinationAppRecoveryAuthKey,
			other.DestinationAppRecoveryAuthKey) &&
		keysEqual(r.DestinationHardwareAuthKey,
			other.DestinationHardwareAuthKey)
}

// DelayComplete reports whether the delay window has elapsed at now.
func (r *ServerRecovery) DelayComplete(now time.Time) bool {
	return !now.Before(r.DelayEndTime)
}

func keysEqual(a, b *btcec.PublicKey) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.IsEqual(b)
}

// Progress marks how far this device has driven its own recovery attempt.
// Stages only ever move forward.
type Progress uint8

const (
	// ProgressInitiated is written once the server accepted our recovery
	// request.
	ProgressInitiated Progress = iota + 1

	// ProgressAttemptingCompletion is written right before asking the
	// server to complete the recovery.
	ProgressAttemptingCompletion

	// ProgressRotatedAuthKeys is written once the server swapped the
	// account's auth keys.
	ProgressRotatedAuthKeys

	// ProgressCreatedSpendingKeys is written once the server created the
	// replacement spending keyset.
	ProgressCreatedSpendingKeys

	// ProgressActivatedSpendingKeys is written once the replacement
	// keyset became the active one.
	ProgressActivatedSpendingKeys

	// ProgressSweptFunds is written once funds left on old keysets were
	// moved to the new one.
	ProgressSweptFunds

	// ProgressCompletionFailedServerCanceled is the terminal stage for an
	// attempt the server dropped while we were completing it.
	ProgressCompletionFailedServerCanceled
)

// String returns a human readable name for the stage.
func (p Progress) String() string {
	switch p {
	case ProgressInitiated:
		return "Initiated"

	case ProgressAttemptingCompletion:
		return "AttemptingCompletion"

	case ProgressRotatedAuthKeys:
		return "RotatedAuthKeys"

	case ProgressCreatedSpendingKeys:
		return "CreatedSpendingKeys"

	case ProgressActivatedSpendingKeys:
		return "ActivatedSpendingKeys"

	case ProgressSweptFunds:
		return "SweptFunds"

	case ProgressCompletionFailedServerCanceled:
		return "CompletionFailedServerCanceled"

	default:
		return fmt.Sprintf("Progress(%d)", uint8(p))
	}
}

// CanAdvanceTo reports whether next may be written over p. Rewriting the
// current stage is allowed. The cancelled stage is only reachable before the
// auth keys were rotated, and nothing follows it.
func (p Progress) CanAdvanceTo(next Progress) bool {
	switch {
	case next == p:
		return true

	case p == ProgressCompletionFailedServerCanceled:
		return false

	case next == ProgressCompletionFailedServerCanceled:
		return p < ProgressRotatedAuthKeys

	default:
		return next > p
	}
}

// LocalRecoveryAttempt is the record of a recovery this device initiated.
type LocalRecoveryAttempt struct {
	// ServerRecovery is the recovery as the server acknowledged it when
	// we initiated it. Its identity is compared against later server
	// snapshots.
	ServerRecovery

	Progress Progress

	// DestinationAppSpendingKey and DestinationHardwareSpendingKey are
	// the descriptor keys of the keyset that replaces the lost one.
	DestinationAppSpendingKey      string
	DestinationHardwareSpendingKey string

	// CreatedKeysetID is set once the server created the replacement
	// keyset.
	CreatedKeysetID string

	// ActivatedKeysetID is set once a keyset was activated within this
	// attempt. Only one keyset may ever be activated per attempt.
	ActivatedKeysetID string
}

// Phase is the stage of a recovery this device is still driving.
type Phase uint8

const (
	// PhaseInitiated means the delay window is still running.
	PhaseInitiated Phase = iota

	// PhaseDelayComplete means the delay window elapsed and the recovery
	// can be completed.
	PhaseDelayComplete

	PhaseAttemptingCompletion
	PhaseRotatedAuthKeys
	PhaseCreatedSpendingKeys
	PhaseActivatedSpendingKeys
	PhaseSweptFunds
)

// String returns a human readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseInitiated:
		return "Initiated"

	case PhaseDelayComplete:
		return "DelayComplete"

	case PhaseAttemptingCompletion:
		return "AttemptingCompletion"

	case PhaseRotatedAuthKeys:
		return "RotatedAuthKeys"

	case PhaseCreatedSpendingKeys:
		return "CreatedSpendingKeys"

	case PhaseActivatedSpendingKeys:
		return "ActivatedSpendingKeys"

	case PhaseSweptFunds:
		return "SweptFunds"

	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Recovery is the reconciled view of the account's recovery state. It is
// one of NoActiveRecovery, SomeoneElseIsRecovering, NoLongerRecovering or
// StillRecovering.
type Recovery interface {
	fmt.Stringer

	isRecovery()
}

// NoActiveRecovery means neither the server nor this device know of a
// recovery.
type NoActiveRecovery struct{}

// SomeoneElseIsRecovering means the server has a recovery this device did
// not initiate.
type SomeoneElseIsRecovering struct {
	LostFactor keyset.Factor
}

// NoLongerRecovering means this device initiated a recovery the server no
// longer has, and completion was never reached.
type NoLongerRecovering struct {
	LostFactor keyset.Factor
}

// StillRecovering means the recovery this device initiated is in progress.
type StillRecovering struct {
	LostFactor keyset.Factor
	Phase      Phase

	// Attempt is the local record backing this state.
	Attempt LocalRecoveryAttempt
}

func (NoActiveRecovery) isRecovery()        {}
func (SomeoneElseIsRecovering) isRecovery() {}
func (NoLongerRecovering) isRecovery()      {}
func (StillRecovering) isRecovery()         {}

// String returns a human readable representation of the state.
func (NoActiveRecovery) String() string {
	return "NoActiveRecovery"
}

// String returns a human readable representation of the state.
func (r SomeoneElseIsRecovering) String() string {
	return fmt.Sprintf("SomeoneElseIsRecovering(lost=%v)", r.LostFactor)
}

// String returns a human readable representation of the state.
func (r NoLongerRecovering) String() string {
	return fmt.Sprintf("NoLongerRecovering(lost=%v)", r.LostFactor)
}

// String returns a human readable representation of the state.
func (r StillRecovering) String() string {
	return fmt.Sprintf("StillRecovering(lost=%v, phase=%v)", r.LostFactor,
		r.Phase)
}

// Reconcile projects the server snapshot and the local attempt into a single
// Recovery state as of now.
func Reconcile(server *ServerRecovery, local *LocalRecoveryAttempt,
	now time.Time) Recovery {

	switch {
	case local == nil && server == nil:
		return NoActiveRecovery{}

	// The server knows of a recovery we never started.
	case local == nil:
		return SomeoneElseIsRecovering{LostFactor: server.LostFactor}

	// Another recovery took over, whatever became of ours.
	case server != nil && !server.SameIdentity(&local.ServerRecovery):
		return SomeoneElseIsRecovering{LostFactor: server.LostFactor}

	case local.Progress == ProgressCompletionFailedServerCanceled:
		return NoLongerRecovering{LostFactor: local.LostFactor}

	// The server drops its record once the recovery completes, so a
	// missing record only means cancellation if we never started
	// completing.
	case server == nil:
		if local.Progress < ProgressAttemptingCompletion {
			return NoLongerRecovering{LostFactor: local.LostFactor}
		}

		return stillRecovering(local, phaseFromProgress(local.Progress))

	case local.Progress == ProgressInitiated:
		if server.DelayComplete(now) {
			return stillRecovering(local, PhaseDelayComplete)
		}

		return stillRecovering(local, PhaseInitiated)

	default:
		return stillRecovering(local, phaseFromProgress(local.Progress))
	}
}

func stillRecovering(local *LocalRecoveryAttempt, phase Phase) Recovery {
	return StillRecovering{
		LostFactor: local.LostFactor,
		Phase:      phase,
		Attempt:    *local,
	}
}

func phaseFromProgress(p Progress) Phase {
	switch p {
	case ProgressAttemptingCompletion:
		return PhaseAttemptingCompletion

	case ProgressRotatedAuthKeys:
		return PhaseRotatedAuthKeys

	case ProgressCreatedSpendingKeys:
		return PhaseCreatedSpendingKeys

	case ProgressActivatedSpendingKeys:
		return PhaseActivatedSpendingKeys

	case ProgressSweptFunds:
		return PhaseSweptFunds

	default:
		return PhaseInitiated
	}
}
