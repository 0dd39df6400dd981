// Package admission implements Join Admission (spec §4.6): sanity-checking
// a joiner's claimed (ctime, epoch, nodes) against local truth, producing a
// verdict, an inc_epoch flag, and an advised post-state.
package admission

import (
	"errors"

	"go.uber.org/multierr"

	"github.com/flocknode/sheepcore/node"
	"github.com/flocknode/sheepcore/statemachine"
)

// Error sentinels surfaced at admission, per spec §7.
var (
	ErrInvalidCtime = errors.New("admission: INVALID_CTIME")
	ErrOldNodeVer   = errors.New("admission: OLD_NODE_VER")
	ErrNewNodeVer   = errors.New("admission: NEW_NODE_VER")
	ErrInvalidEpoch = errors.New("admission: INVALID_EPOCH")
	ErrNotFormatted = errors.New("admission: NOT_FORMATTED")
	ErrShutdown     = errors.New("admission: SHUTDOWN")
	ErrVerMismatch  = errors.New("admission: VER_MISMATCH")
)

// Verdict is the admission outcome, per spec §7.
type Verdict int

const (
	Success Verdict = iota
	Fail
	JoinLater
	MasterTransfer
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "SUCCESS"
	case Fail:
		return "FAIL"
	case JoinLater:
		return "JOIN_LATER"
	case MasterTransfer:
		return "MASTER_TRANSFER"
	default:
		return "UNKNOWN"
	}
}

// Claim is what a joiner asserts about its own history.
type Claim struct {
	Ctime uint64
	Epoch uint32
	Nodes node.List

	// Joiner is the candidate's own node identity, distinct from Nodes
	// (its claimed prior membership). Needed by the WAIT_JOIN
	// reconstitution check, which treats the joiner itself as accounted
	// for even before it is added to the registry.
	Joiner node.Node

	// LeaveNodes is the joiner's own leave list, carried in the same wire
	// message as Nodes (spec §6: only one of the two is ever non-empty).
	// A MASTER_TRANSFER accept adopts this as the local leave-list
	// baseline, since the joiner's history is the one being deferred to.
	LeaveNodes node.List
}

// LocalTruth is everything admission needs to know about this node's own
// view of the cluster to judge a Claim.
type LocalTruth struct {
	State             statemachine.State
	Ctime             uint64
	LatestEpoch       uint32
	CurrentMembers    int
	LeaveListSize     int
	RecoveryPermitted bool

	// ReadEpoch returns the committed membership at the given epoch, used
	// to cross-check a non-fresh claim (spec §4.6 step 7).
	ReadEpoch func(epoch uint32) (node.List, error)
	// CurrentRegistry returns the live membership, used by the WAIT_JOIN
	// reconstitution check (spec §4.6 post-check state logic).
	CurrentRegistry func() node.List
}

// Result is the full admission decision.
type Result struct {
	Verdict   Verdict
	Err       error
	IncEpoch  bool
	PostState statemachine.State
	// AdoptEpoch/AdoptLeave are set only on MasterTransfer: the accepting
	// side adopts the joiner's epoch and leave-list as its own baseline.
	AdoptEpoch uint32
	AdoptLeave node.List
}

// Admit runs the spec §4.6 checks and post-check state logic.
func Admit(claim Claim, local LocalTruth) Result {
	// Step 1: already in WAIT_FORMAT or SHUTDOWN, skip the history checks
	// (steps 3-7) — but the post-check state logic still runs, since it is
	// what actually rejects a non-empty claim arriving while WAIT_FORMAT
	// (NOT_FORMATTED) or any claim arriving while SHUTDOWN.
	if local.State == statemachine.WaitFormat || local.State == statemachine.Shutdown {
		return finishPostCheck(claim, local, false)
	}

	// Step 2: fresh joiner (claims no prior membership), succeed without checks.
	if len(claim.Nodes) == 0 {
		return finishPostCheck(claim, local, false)
	}

	// WAIT_JOIN with a claimed epoch ahead of local truth means the joiner
	// holds a newer history than this node does: defer mastery to it
	// (MASTER_TRANSFER) rather than let step 4 below reject the claim as
	// OLD_NODE_VER. This must run before the ctime/epoch history checks,
	// which assume the two sides share the same history and do not apply
	// when the joiner's is further along (spec §4.6 MASTER_TRANSFER;
	// scenario S6).
	if local.State == statemachine.WaitJoin && claim.Epoch > local.LatestEpoch {
		return finishPostCheck(claim, local, false)
	}

	var errs error

	// Step 3: ctime must match.
	if claim.Ctime != local.Ctime {
		errs = multierr.Append(errs, ErrInvalidCtime)
		return Result{Verdict: Fail, Err: errs, PostState: local.State}
	}

	// Step 4: claimed epoch from the future of a different history.
	if claim.Epoch > local.LatestEpoch {
		errs = multierr.Append(errs, ErrOldNodeVer)
		return Result{Verdict: Fail, Err: errs, PostState: local.State}
	}

	// Step 5: if state permits recovery, accept without further history check.
	if local.RecoveryPermitted {
		return finishPostCheck(claim, local, false)
	}

	// Step 6: claimed epoch behind local truth.
	if claim.Epoch < local.LatestEpoch {
		errs = multierr.Append(errs, ErrNewNodeVer)
		return Result{Verdict: Fail, Err: errs, PostState: local.State}
	}

	// Step 7: same epoch — claimed membership must match the local log
	// entry at that epoch exactly.
	if local.ReadEpoch != nil {
		logged, err := local.ReadEpoch(claim.Epoch)
		if err != nil {
			errs = multierr.Append(errs, err)
			return Result{Verdict: Fail, Err: errs, PostState: local.State}
		}
		if !claim.Nodes.Sorted().Equal(logged.Sorted()) {
			errs = multierr.Append(errs, ErrInvalidEpoch)
			return Result{Verdict: Fail, Err: errs, PostState: local.State}
		}
	}

	return finishPostCheck(claim, local, false)
}

// finishPostCheck implements the "post-check state logic" subsection of
// spec §4.6, including the MASTER_TRANSFER special case.
func finishPostCheck(claim Claim, local LocalTruth, _ bool) Result {
	switch local.State {
	case statemachine.OK, statemachine.Halt:
		return Result{Verdict: Success, IncEpoch: true, PostState: local.State}

	case statemachine.WaitFormat:
		if len(claim.Nodes) != 0 {
			return Result{Verdict: Fail, Err: ErrNotFormatted, PostState: local.State}
		}
		return Result{Verdict: Success, PostState: local.State}

	case statemachine.WaitJoin:
		// MASTER_TRANSFER: joiner's epoch exceeds local while we're
		// locally WAIT_JOIN. Admit's own pre-check routes every such
		// non-fresh claim here directly; this also covers the "fresh"
		// shortcut above, which skips straight to finishPostCheck
		// without testing the epoch itself.
		if claim.Epoch > local.LatestEpoch {
			return Result{
				Verdict:    MasterTransfer,
				PostState:  statemachine.WaitJoin,
				AdoptEpoch: claim.Epoch,
				AdoptLeave: claim.LeaveNodes,
			}
		}

		need := local.CurrentMembers + 1
		have := local.CurrentMembers
		if local.ReadEpoch != nil {
			if logged, err := local.ReadEpoch(local.LatestEpoch); err == nil {
				have = len(logged)
			}
		}
		gone := local.LeaveListSize

		if need == have && entriesAccountedFor(claim, local) {
			return Result{Verdict: Success, IncEpoch: false, PostState: statemachine.OK}
		}
		if have == need+gone {
			return Result{Verdict: Success, IncEpoch: true, PostState: statemachine.OK}
		}
		return Result{Verdict: Success, PostState: statemachine.WaitJoin}

	default:
		return Result{Verdict: Fail, Err: ErrShutdown, PostState: local.State}
	}
}

// entriesAccountedFor checks that every entry in the logged membership at
// the current epoch is either the joiner or already in the current
// registry, per spec §4.6's WAIT_JOIN "need == have" clause. Since Admit is
// called per-candidate, the caller (event serializer) is expected to
// supply CurrentRegistry reflecting the state right before this join is
// applied; a nil CurrentRegistry conservatively treats the clause as
// unsatisfied.
func entriesAccountedFor(claim Claim, local LocalTruth) bool {
	if local.ReadEpoch == nil || local.CurrentRegistry == nil {
		return false
	}
	logged, err := local.ReadEpoch(local.LatestEpoch)
	if err != nil {
		return false
	}
	current := local.CurrentRegistry()
	for _, n := range logged {
		if n.Equal(claim.Joiner) {
			continue
		}
		if !current.Contains(n) {
			return false
		}
	}
	return true
}
