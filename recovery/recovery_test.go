package recovery

import (
	"testing"
	"time"

	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func localAttempt(lost keyset.Factor, p Progress) *LocalRecoveryAttempt {
	return &LocalRecoveryAttempt{
		ServerRecovery: serverRecovery(lost),
		Progress:       p,
	}
}

// TestReconcile covers every branch of the reconciliation table.
func TestReconcile(t *testing.T) {
	t.Parallel()

	ours := serverRecovery(keyset.FactorHardware)
	theirs := serverRecovery(keyset.FactorHardware)
	theirs.DestinationAppGlobalAuthKey = privKey(0x09).PubKey()

	beforeDelay := testTime.Add(time.Hour)
	afterDelay := testTime.Add(48 * time.Hour)

	tests := []struct {
		name   string
		server *ServerRecovery
		local  *LocalRecoveryAttempt
		now    time.Time
		want   Recovery
	}{{
		name: "nothing anywhere",
		now:  beforeDelay,
		want: NoActiveRecovery{},
	}, {
		name:   "server only",
		server: &ours,
		now:    beforeDelay,
		want: SomeoneElseIsRecovering{
			LostFactor: keyset.FactorHardware,
		},
	}, {
		name:   "different destination keys",
		server: &theirs,
		local:  localAttempt(keyset.FactorHardware, ProgressInitiated),
		now:    beforeDelay,
		want: SomeoneElseIsRecovering{
			LostFactor: keyset.FactorHardware,
		},
	}, {
		name:  "server dropped before completion",
		local: localAttempt(keyset.FactorApp, ProgressInitiated),
		now:   beforeDelay,
		want:  NoLongerRecovering{LostFactor: keyset.FactorApp},
	}, {
		name:   "delay running",
		server: &ours,
		local:  localAttempt(keyset.FactorHardware, ProgressInitiated),
		now:    beforeDelay,
		want: StillRecovering{
			LostFactor: keyset.FactorHardware,
			Phase:      PhaseInitiated,
			Attempt: *localAttempt(
				keyset.FactorHardware, ProgressInitiated,
			),
		},
	}, {
		name:   "delay complete",
		server: &ours,
		local:  localAttempt(keyset.FactorHardware, ProgressInitiated),
		now:    afterDelay,
		want: StillRecovering{
			LostFactor: keyset.FactorHardware,
			Phase:      PhaseDelayComplete,
			Attempt: *localAttempt(
				keyset.FactorHardware, ProgressInitiated,
			),
		},
	}, {
		name: "server record gone after completion",
		local: localAttempt(
			keyset.FactorHardware, ProgressCreatedSpendingKeys,
		),
		now: afterDelay,
		want: StillRecovering{
			LostFactor: keyset.FactorHardware,
			Phase:      PhaseCreatedSpendingKeys,
			Attempt: *localAttempt(
				keyset.FactorHardware,
				ProgressCreatedSpendingKeys,
			),
		},
	}, {
		name:   "server canceled during completion",
		server: &ours,
		local: localAttempt(
			keyset.FactorHardware,
			ProgressCompletionFailedServerCanceled,
		),
		now:  afterDelay,
		want: NoLongerRecovering{LostFactor: keyset.FactorHardware},
	}, {
		name:   "canceled attempt with a foreign recovery",
		server: &theirs,
		local: localAttempt(
			keyset.FactorHardware,
			ProgressCompletionFailedServerCanceled,
		),
		now: afterDelay,
		want: SomeoneElseIsRecovering{
			LostFactor: keyset.FactorHardware,
		},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got := Reconcile(test.server, test.local, test.now)
			require.Equal(t, test.want, got)
		})
	}
}

// TestReconcileProperties checks the projection for arbitrary snapshots: no
// recovery is reported only when both sides are empty, and a conflicting
// server record always wins over local progress.
func TestReconcileProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		var server *ServerRecovery
		if rapid.Bool().Draw(rt, "hasServer") {
			rec := serverRecovery(keyset.Factor(
				rapid.IntRange(0, 1).Draw(rt, "serverLost"),
			))
			if rapid.Bool().Draw(rt, "foreign") {
				rec.DestinationHardwareAuthKey =
					privKey(0x77).PubKey()
			}
			server = &rec
		}

		var local *LocalRecoveryAttempt
		if rapid.Bool().Draw(rt, "hasLocal") {
			local = localAttempt(
				keyset.Factor(
					rapid.IntRange(0, 1).Draw(rt, "lost"),
				),
				Progress(rapid.IntRange(1, 7).Draw(
					rt, "progress",
				)),
			)
		}

		now := testTime.Add(time.Duration(
			rapid.Int64Range(0, 72).Draw(rt, "hours"),
		) * time.Hour)

		got := Reconcile(server, local, now)

		_, none := got.(NoActiveRecovery)
		if none != (server == nil && local == nil) {
			rt.Fatalf("NoActiveRecovery=%v for server=%v local=%v",
				none, server != nil, local != nil)
		}

		if server != nil && local != nil &&
			!server.SameIdentity(&local.ServerRecovery) {

			if _, ok := got.(SomeoneElseIsRecovering); !ok {
				rt.Fatalf("conflict reported as %v", got)
			}
		}
	})
}

// TestProgressCanAdvanceTo checks the stage ordering.
func TestProgressCanAdvanceTo(t *testing.T) {
	t.Parallel()

	require.True(t, ProgressInitiated.CanAdvanceTo(ProgressSweptFunds))
	require.True(t, ProgressRotatedAuthKeys.CanAdvanceTo(
		ProgressRotatedAuthKeys,
	))
	require.False(t, ProgressRotatedAuthKeys.CanAdvanceTo(
		ProgressAttemptingCompletion,
	))
	require.True(t, ProgressAttemptingCompletion.CanAdvanceTo(
		ProgressCompletionFailedServerCanceled,
	))
	require.False(t, ProgressRotatedAuthKeys.CanAdvanceTo(
		ProgressCompletionFailedServerCanceled,
	))
	require.False(t, ProgressCompletionFailedServerCanceled.CanAdvanceTo(
		ProgressSweptFunds,
	))
}
