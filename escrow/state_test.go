// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package escrow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xmrescrow/escrowd/common/types"
)

// TestCanTransition_HappyPath walks the full legal sequence of scenario S1.
func TestCanTransition_HappyPath(t *testing.T) {
	seq := []Status{
		{Kind: KindCreated},
		{Kind: KindSetupInProgress, Round: 1},
		{Kind: KindSetupInProgress, Round: 2},
		{Kind: KindSetupInProgress, Round: 3},
		{Kind: KindAwaitingFunding},
		{Kind: KindFunded, Confirmations: 0},
		{Kind: KindFunded, Confirmations: 5},
		{Kind: KindFunded, Confirmations: 10},
		{Kind: KindActive},
		{Kind: KindReleasing},
		{Kind: KindCompleted},
	}

	for i := 1; i < len(seq); i++ {
		require.True(t, CanTransition(seq[i-1], seq[i]),
			"expected %s -> %s to be legal", seq[i-1], seq[i])
	}
}

// TestCanTransition_FundingObservedAlreadyConfirmed covers the common case
// where a poll first observes a funding tx after it already has one or more
// confirmations -- the confirmation count at first detection need not be 0.
func TestCanTransition_FundingObservedAlreadyConfirmed(t *testing.T) {
	awaiting := Status{Kind: KindAwaitingFunding}
	require.True(t, CanTransition(awaiting, Status{Kind: KindFunded, Confirmations: 3}))
}

// TestCanTransition_DisputePath walks scenario S6: dispute raised while
// Active, then resolved in favor of either party.
func TestCanTransition_DisputePath(t *testing.T) {
	active := Status{Kind: KindActive}
	require.True(t, CanTransition(active, Status{Kind: KindDisputed}))

	disputed := Status{Kind: KindDisputed}
	resolving := Status{Kind: KindDisputeResolving, InFavorOf: types.RoleBuyer}
	require.True(t, CanTransition(disputed, resolving))

	require.True(t, CanTransition(resolving, Status{Kind: KindRefunded}))

	resolvingVendor := Status{Kind: KindDisputeResolving, InFavorOf: types.RoleVendor}
	require.True(t, CanTransition(resolvingVendor, Status{Kind: KindCompleted}))
}

func TestCanTransition_RejectsIllegalJumps(t *testing.T) {
	cases := []struct {
		name string
		from Status
		to   Status
	}{
		{"skip setup rounds", Status{Kind: KindCreated}, Status{Kind: KindSetupInProgress, Round: 2}},
		{"skip straight to active", Status{Kind: KindCreated}, Status{Kind: KindActive}},
		{"go backwards in setup", Status{Kind: KindSetupInProgress, Round: 2}, Status{Kind: KindSetupInProgress, Round: 1}},
		{"fund before round 3", Status{Kind: KindSetupInProgress, Round: 2}, Status{Kind: KindAwaitingFunding}},
		{"confirmations regress", Status{Kind: KindFunded, Confirmations: 5}, Status{Kind: KindFunded, Confirmations: 3}},
		{"release without being active", Status{Kind: KindAwaitingFunding}, Status{Kind: KindReleasing}},
		{"resolve without in-favor-of", Status{Kind: KindDisputeResolving}, Status{Kind: KindCompleted}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.False(t, CanTransition(c.from, c.to))
		})
	}
}

// TestCanTransition_TerminalStatesAreAbsorbing is testable property 3/
// invariant I3: no transition ever leaves Completed, Refunded, or Failed.
func TestCanTransition_TerminalStatesAreAbsorbing(t *testing.T) {
	terminal := []Status{
		{Kind: KindCompleted},
		{Kind: KindRefunded},
		{Kind: KindFailed, Reason: FailTimeout},
	}
	candidates := []Status{
		{Kind: KindActive},
		{Kind: KindCreated},
		{Kind: KindFailed, Reason: FailSetupError},
	}

	for _, from := range terminal {
		for _, to := range candidates {
			require.False(t, CanTransition(from, to), "%s must be absorbing", from)
		}
	}
}

func TestEscrow_Transition_RecordsIllegalTransitionError(t *testing.T) {
	e := &Escrow{Status: Status{Kind: KindCreated}}
	err := e.Transition(Status{Kind: KindActive})
	require.Error(t, err)

	var illegal *IllegalTransition
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, KindCreated, illegal.From.Kind)
	require.Equal(t, KindActive, illegal.To.Kind)

	// status must not have changed
	require.Equal(t, KindCreated, e.Status.Kind)
}
