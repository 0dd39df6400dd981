package statemachine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/statemachine"
)

func TestNewStartsInWaitFormat(t *testing.T) {
	m := statemachine.New(3)
	require.Equal(t, statemachine.WaitFormat, m.State())
	require.EqualValues(t, 0, m.Epoch())
}

func TestEffectiveCopiesClampsToZones(t *testing.T) {
	require.Equal(t, 2, statemachine.EffectiveCopies(3, 2))
	require.Equal(t, 3, statemachine.EffectiveCopies(3, 5))
}

func TestAdvanceEpochUpdatesEpochOnly(t *testing.T) {
	m := statemachine.New(3)
	m.AdvanceEpoch(7)
	require.EqualValues(t, 7, m.Epoch())
	require.Equal(t, statemachine.WaitFormat, m.State())
}

func TestReevaluateAfterLeaveHaltsWhenZonesInsufficient(t *testing.T) {
	m := statemachine.New(3)
	m.TransitionTo(statemachine.OK)
	m.ReevaluateAfterLeave(2, true)
	require.Equal(t, statemachine.Halt, m.State())
}

func TestReevaluateAfterLeaveStaysOKWhenZonesSufficient(t *testing.T) {
	m := statemachine.New(3)
	m.TransitionTo(statemachine.OK)
	m.ReevaluateAfterLeave(3, true)
	require.Equal(t, statemachine.OK, m.State())
}

func TestReevaluateAfterLeaveRespectsCanHaltFalse(t *testing.T) {
	m := statemachine.New(3)
	m.TransitionTo(statemachine.OK)
	m.ReevaluateAfterLeave(1, false)
	require.Equal(t, statemachine.OK, m.State())
}

func TestReevaluateAfterJoinRecoversFromHalt(t *testing.T) {
	m := statemachine.New(3)
	m.TransitionTo(statemachine.Halt)
	m.ReevaluateAfterJoin(true, 3)
	require.Equal(t, statemachine.OK, m.State())
}

func TestReevaluateAfterJoinStaysHaltWithoutIncEpoch(t *testing.T) {
	m := statemachine.New(3)
	m.TransitionTo(statemachine.Halt)
	m.ReevaluateAfterJoin(false, 5)
	require.Equal(t, statemachine.Halt, m.State())
}

func TestReevaluateAfterJoinStaysHaltWhenZonesStillInsufficient(t *testing.T) {
	m := statemachine.New(3)
	m.TransitionTo(statemachine.Halt)
	m.ReevaluateAfterJoin(true, 1)
	require.Equal(t, statemachine.Halt, m.State())
}

func TestReevaluateAfterJoinIsNoopOutsideHalt(t *testing.T) {
	m := statemachine.New(3)
	m.TransitionTo(statemachine.OK)
	m.ReevaluateAfterJoin(true, 3)
	require.Equal(t, statemachine.OK, m.State())
}
