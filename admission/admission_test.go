package admission_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/admission"
	"github.com/flocknode/sheepcore/node"
	"github.com/flocknode/sheepcore/statemachine"
)

func n(addr string) node.Node {
	return node.Node{ID: node.ID{Addr: addr, Port: 7000}, Zone: 0, VnodeWeight: 64}
}

func TestFreshJoinerAlwaysSucceeds(t *testing.T) {
	local := admission.LocalTruth{State: statemachine.OK, Ctime: 42, LatestEpoch: 5}
	res := admission.Admit(admission.Claim{Ctime: 999, Epoch: 0, Nodes: nil}, local)
	require.Equal(t, admission.Success, res.Verdict)
	require.True(t, res.IncEpoch)
}

func TestWaitFormatRejectsNonEmptyClaimRegardlessOfCtime(t *testing.T) {
	// WAIT_FORMAT skips the history checks (so a ctime mismatch alone
	// would not trigger INVALID_CTIME here), but the post-check state
	// logic still rejects a non-empty claimed membership.
	local := admission.LocalTruth{State: statemachine.WaitFormat, Ctime: 1}
	res := admission.Admit(admission.Claim{Ctime: 999, Nodes: node.List{n("a")}}, local)
	require.Equal(t, admission.Fail, res.Verdict)
	require.ErrorIs(t, res.Err, admission.ErrNotFormatted)
}

func TestWaitFormatAcceptsFreshClaim(t *testing.T) {
	local := admission.LocalTruth{State: statemachine.WaitFormat, Ctime: 1}
	res := admission.Admit(admission.Claim{Ctime: 999, Nodes: nil}, local)
	require.Equal(t, admission.Success, res.Verdict)
}

func TestShutdownRejectsAnyClaim(t *testing.T) {
	local := admission.LocalTruth{State: statemachine.Shutdown, Ctime: 1}
	res := admission.Admit(admission.Claim{Ctime: 1, Nodes: nil}, local)
	require.Equal(t, admission.Fail, res.Verdict)
	require.ErrorIs(t, res.Err, admission.ErrShutdown)
}

func TestCtimeMismatchRejected(t *testing.T) {
	local := admission.LocalTruth{State: statemachine.OK, Ctime: 42, LatestEpoch: 5}
	res := admission.Admit(admission.Claim{Ctime: 1, Epoch: 5, Nodes: node.List{n("a")}}, local)
	require.Equal(t, admission.Fail, res.Verdict)
	require.ErrorIs(t, res.Err, admission.ErrInvalidCtime)
}

func TestClaimedEpochFromTheFutureRejected(t *testing.T) {
	local := admission.LocalTruth{State: statemachine.OK, Ctime: 42, LatestEpoch: 5}
	res := admission.Admit(admission.Claim{Ctime: 42, Epoch: 6, Nodes: node.List{n("a")}}, local)
	require.Equal(t, admission.Fail, res.Verdict)
	require.ErrorIs(t, res.Err, admission.ErrOldNodeVer)
}

func TestClaimedEpochBehindRejectedWhenRecoveryNotPermitted(t *testing.T) {
	local := admission.LocalTruth{State: statemachine.OK, Ctime: 42, LatestEpoch: 5, RecoveryPermitted: false}
	res := admission.Admit(admission.Claim{Ctime: 42, Epoch: 2, Nodes: node.List{n("a")}}, local)
	require.Equal(t, admission.Fail, res.Verdict)
	require.ErrorIs(t, res.Err, admission.ErrNewNodeVer)
}

func TestRecoveryPermittedSkipsHistoryCheck(t *testing.T) {
	local := admission.LocalTruth{State: statemachine.OK, Ctime: 42, LatestEpoch: 5, RecoveryPermitted: true}
	res := admission.Admit(admission.Claim{Ctime: 42, Epoch: 2, Nodes: node.List{n("a")}}, local)
	require.Equal(t, admission.Success, res.Verdict)
}

func TestSameEpochMembershipMismatchRejected(t *testing.T) {
	local := admission.LocalTruth{
		State: statemachine.OK, Ctime: 42, LatestEpoch: 5,
		ReadEpoch: func(e uint32) (node.List, error) { return node.List{n("a"), n("b")}, nil },
	}
	res := admission.Admit(admission.Claim{Ctime: 42, Epoch: 5, Nodes: node.List{n("a"), n("c")}}, local)
	require.Equal(t, admission.Fail, res.Verdict)
	require.ErrorIs(t, res.Err, admission.ErrInvalidEpoch)
}

func TestDeterministic(t *testing.T) {
	local := admission.LocalTruth{State: statemachine.OK, Ctime: 42, LatestEpoch: 5}
	claim := admission.Claim{Ctime: 1, Epoch: 5, Nodes: node.List{n("a")}}
	r1 := admission.Admit(claim, local)
	r2 := admission.Admit(claim, local)
	require.Equal(t, r1.Verdict, r2.Verdict)
}

func TestMasterTransferWhenJoinerEpochAheadInWaitJoin(t *testing.T) {
	// A fresh joiner (no claimed prior membership) skips the history
	// checks entirely (step 2) and lands straight in finishPostCheck,
	// where an epoch ahead of local truth while WAIT_JOIN triggers
	// MASTER_TRANSFER.
	local := admission.LocalTruth{State: statemachine.WaitJoin, Ctime: 42, LatestEpoch: 2}
	res := admission.Admit(admission.Claim{Ctime: 42, Epoch: 4, Nodes: nil}, local)
	require.Equal(t, admission.MasterTransfer, res.Verdict)
	require.EqualValues(t, 4, res.AdoptEpoch)
}

func TestMasterTransferReachedWithNonEmptyRejoinClaim(t *testing.T) {
	// A realistic rejoin carries its own claimed prior membership (Nodes
	// non-empty), so it must not be caught by step 4's OLD_NODE_VER fail
	// before ever reaching the MASTER_TRANSFER branch.
	local := admission.LocalTruth{State: statemachine.WaitJoin, Ctime: 42, LatestEpoch: 2}
	claim := admission.Claim{
		Ctime: 1, // deliberately mismatched: MASTER_TRANSFER precedes the ctime check
		Epoch: 4,
		Nodes: node.List{n("a"), n("b")},
	}
	res := admission.Admit(claim, local)
	require.Equal(t, admission.MasterTransfer, res.Verdict)
	require.EqualValues(t, 4, res.AdoptEpoch)
}

func TestMasterTransferAdoptsJoinersLeaveList(t *testing.T) {
	// Per spec §6, a claim carries either Nodes or LeaveNodes, never both;
	// a claim advertising LeaveNodes instead of Nodes still reaches
	// MASTER_TRANSFER via the fresh-joiner shortcut (step 2), and the
	// accepting side adopts that leave list as its own baseline.
	local := admission.LocalTruth{State: statemachine.WaitJoin, Ctime: 42, LatestEpoch: 2}
	claim := admission.Claim{Ctime: 42, Epoch: 4, LeaveNodes: node.List{n("c")}}
	res := admission.Admit(claim, local)
	require.Equal(t, admission.MasterTransfer, res.Verdict)
	require.Equal(t, node.List{n("c")}, res.AdoptLeave)
}

func TestWaitJoinReconstitutesWhenNeedMatchesHave(t *testing.T) {
	local := admission.LocalTruth{
		State: statemachine.WaitJoin, Ctime: 42, LatestEpoch: 2, CurrentMembers: 2,
		ReadEpoch:       func(e uint32) (node.List, error) { return node.List{n("a"), n("b"), n("c")}, nil },
		CurrentRegistry: func() node.List { return node.List{n("a"), n("b")} },
	}
	// joiner is "c", already in the logged membership but not yet in the
	// live registry; need := 2+1 == 3 == have.
	res := admission.Admit(admission.Claim{Ctime: 42, Epoch: 2, Nodes: nil, Joiner: n("c")}, local)
	require.Equal(t, admission.Success, res.Verdict)
	require.Equal(t, statemachine.OK, res.PostState)
}
