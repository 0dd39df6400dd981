package event

import (
	"context"
	"sync"

	"github.com/eapache/channels"

	"github.com/flocknode/sheepcore/admission"
	"github.com/flocknode/sheepcore/common/logging"
	"github.com/flocknode/sheepcore/common/workerpool"
	"github.com/flocknode/sheepcore/iogate"
	"github.com/flocknode/sheepcore/node"
	"github.com/flocknode/sheepcore/statemachine"
	"github.com/flocknode/sheepcore/vnode"
)

var logger = logging.GetLogger("event")

// Registry is the narrow membership view the serializer needs.
type Registry interface {
	Replace(nodes node.List)
	Snapshot() node.List
	Contains(n node.Node) bool
}

// LeaveList is the narrow leave-list view the serializer needs.
type LeaveList interface {
	Add(n node.Node)
	Clear()
	Replace(nodes node.List)
	Size() int
}

// StateMachine is the narrow cluster-state view the serializer needs.
type StateMachine interface {
	State() statemachine.State
	Epoch() uint32
	AdvanceEpoch(epoch uint32)
	TransitionTo(next statemachine.State)
	ReevaluateAfterLeave(nrZones int, canHalt bool)
	ReevaluateAfterJoin(incEpoch bool, nrZones int)
}

// EpochLog is the narrow durable-log view the serializer needs.
type EpochLog interface {
	Append(epoch uint32, nodes node.List) error
	Read(epoch uint32) (node.List, error)
}

// VnodeHandle publishes a freshly rebuilt snapshot.
type VnodeHandle interface {
	Publish(next *vnode.Snapshot)
}

// Recovery starts the out-of-band recovery module at a given epoch.
type Recovery interface {
	Start(epoch uint32)
}

// PendingQueue matches a delivered NOTIFY against the originator's
// outstanding request (spec §4.8, invariant I7).
type PendingQueue interface {
	MatchAndDeliver(opID uint64, body []byte) bool
}

// MainStepRunner executes a NOTIFY's main-processing step, if it carries
// one.
type MainStepRunner interface {
	Run(payload NotifyPayload)
}

// BitmapFetcher fetches a peer's in-use VDI bitmap during JOIN phase A.
type BitmapFetcher interface {
	FetchBitmap(ctx context.Context, peer node.Node) ([]byte, error)
}

// BitmapMerger ORs a fetched bitmap into local state.
type BitmapMerger interface {
	Merge(bits []byte) error
}

// Prober checks TCP reachability of a peer during LEAVE phase A.
type Prober interface {
	Reachable(ctx context.Context, peer node.Node) bool
}

// Deps bundles every collaborator the serializer is wired against. All
// fields except Registry, LeaveList, StateMachine, EpochLog and Vnodes are
// optional.
type Deps struct {
	Registry     Registry
	LeaveList    LeaveList
	StateMachine StateMachine
	EpochLog     EpochLog
	Vnodes       VnodeHandle

	Recovery    Recovery
	Pending     PendingQueue
	MainStep    MainStepRunner
	BitmapFetch BitmapFetcher
	BitmapMerge BitmapMerger
	Prober      Prober

	// PoolSize sizes the phase-A worker pool; defaults to 4.
	PoolSize int
}

// Serializer is the single-threaded event pump of spec §4.7.
type Serializer struct {
	deps Deps
	pool *workerpool.Pool
	gate *iogate.Gate

	queue *channels.InfiniteChannel

	stopOnce sync.Once
	stopCh   chan struct{}
	quitCh   chan struct{}
}

// New builds a serializer, ready for Start.
func New(deps Deps) *Serializer {
	if deps.PoolSize <= 0 {
		deps.PoolSize = 4
	}
	return &Serializer{
		deps:   deps,
		pool:   workerpool.New(deps.PoolSize),
		gate:   iogate.New(),
		queue:  channels.NewInfiniteChannel(),
		stopCh: make(chan struct{}),
		quitCh: make(chan struct{}),
	}
}

// Gate exposes the outstanding-I/O gate so unrelated replica I/O can
// register itself and hold back event application until it drains.
func (s *Serializer) Gate() *iogate.Gate { return s.gate }

// EnqueueJoin appends a confirmed join event to the FIFO.
func (s *Serializer) EnqueueJoin(e JoinEvent) {
	s.queue.In() <- Event{Kind: KindJoin, Join: &e}
}

// EnqueueLeave appends a leave event to the FIFO.
func (s *Serializer) EnqueueLeave(e LeaveEvent) {
	s.queue.In() <- Event{Kind: KindLeave, Leave: &e}
}

// EnqueueNotify appends a notify event to the FIFO.
func (s *Serializer) EnqueueNotify(e NotifyEvent) {
	s.queue.In() <- Event{Kind: KindNotify, Notify: &e}
}

// Start launches the pump goroutine.
func (s *Serializer) Start(ctx context.Context) {
	go s.worker(ctx)
}

// Stop requests the pump to exit and waits for it to do so.
func (s *Serializer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.quitCh
	s.pool.Close()
}

func (s *Serializer) worker(ctx context.Context) {
	defer close(s.quitCh)
	out := s.queue.Out()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case raw, ok := <-out:
			if !ok {
				return
			}
			if err := s.gate.WaitIdle(ctx); err != nil {
				logger.Warn("serializer stopping: context cancelled waiting for outstanding I/O", "err", err)
				return
			}
			s.dispatch(ctx, raw)
		}
	}
}

// leaveContinuation carries a phase-A reachability probe's result back onto
// the single FIFO (spec §9: "spawn task returning result → apply on main
// thread"), so phase B runs on the pump goroutine like every other event
// without that goroutine ever blocking on the probe itself.
type leaveContinuation struct {
	event     *LeaveEvent
	reachable int
}

func (s *Serializer) dispatch(ctx context.Context, raw interface{}) {
	switch v := raw.(type) {
	case Event:
		s.apply(ctx, v)
	case leaveContinuation:
		s.finishLeave(v.event, v.reachable)
	}
}

func (s *Serializer) apply(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindJoin:
		s.applyJoin(ctx, ev.Join)
	case KindLeave:
		s.applyLeave(ctx, ev.Leave)
	case KindNotify:
		s.applyNotify(ev.Notify)
	}
}

func (s *Serializer) applyJoin(ctx context.Context, e *JoinEvent) {
	if s.deps.Registry.Contains(e.Joiner) {
		logger.Debug("join event for already-present node, ignoring", "node", e.Joiner.ID.String())
		return
	}

	// Phase A: OR in pre-existing members' in-use bitmaps (one peer
	// suffices while the cluster has never been formatted). Dispatched
	// fire-and-forget via Submit: nothing in phase B below depends on this
	// finishing, so the pump never waits on it (spec §5: "the main thread
	// itself never blocks on I/O").
	if s.deps.BitmapFetch != nil && s.deps.BitmapMerge != nil {
		peers := e.PriorMembers
		if s.deps.StateMachine.State() == statemachine.WaitFormat && len(peers) > 0 {
			peers = peers[:1]
		}
		s.pool.Submit(func() {
			for _, peer := range peers {
				bits, err := s.deps.BitmapFetch.FetchBitmap(ctx, peer)
				if err != nil {
					logger.Warn("join phase A: bitmap fetch failed", "peer", peer.ID.String(), "err", err)
					continue
				}
				if err := s.deps.BitmapMerge.Merge(bits); err != nil {
					logger.Warn("join phase A: bitmap merge failed", "peer", peer.ID.String(), "err", err)
				}
			}
		})
	}

	// Phase B: materialize the join.
	decision := e.Decision
	if decision.Verdict != admission.Success && decision.Verdict != admission.MasterTransfer {
		logger.Warn("join event reached serializer with a non-accepting admission decision, dropping",
			"node", e.Joiner.ID.String(), "verdict", decision.Verdict.String())
		return
	}

	// MASTER_TRANSFER: this node was locally WAIT_JOIN and behind the
	// joiner's own history, so it defers mastery, adopting the joiner's
	// epoch and leave-list baseline before any of the usual bookkeeping
	// below runs (spec §4.6 MASTER_TRANSFER; scenario S6).
	if decision.Verdict == admission.MasterTransfer {
		if decision.AdoptEpoch > s.deps.StateMachine.Epoch() {
			s.deps.StateMachine.AdvanceEpoch(decision.AdoptEpoch)
		}
		s.deps.LeaveList.Replace(decision.AdoptLeave)
	}

	priorEpoch := s.deps.StateMachine.Epoch()
	if priorEpoch > 0 {
		existing, err := s.deps.EpochLog.Read(priorEpoch)
		if err != nil {
			logger.Error("join phase B: failed to read previous epoch log entry", "epoch", priorEpoch, "err", err)
		} else if len(existing) == 0 {
			if err := s.deps.EpochLog.Append(priorEpoch, s.deps.Registry.Snapshot().Sorted()); err != nil {
				logger.Error("join phase B: failed to backfill previous-epoch log entry", "epoch", priorEpoch, "err", err)
			}
		}
	}

	updated := append(s.deps.Registry.Snapshot().Clone(), e.Joiner)
	updated.Sort()
	s.deps.Registry.Replace(updated)
	s.deps.Vnodes.Publish(vnode.RebuildFrom(updated))

	if decision.IncEpoch {
		newEpoch := s.deps.StateMachine.Epoch() + 1
		s.deps.StateMachine.AdvanceEpoch(newEpoch)
		if err := s.deps.EpochLog.Append(newEpoch, updated); err != nil {
			logger.Error("join phase B: failed to append epoch log entry", "epoch", newEpoch, "err", err)
		}
	}

	// The leave list must be empty whenever the cluster reaches OK (I4/P6),
	// regardless of whether this particular join is the one that advanced
	// the epoch — a WAIT_JOIN "need == have" reconstitution reaches OK
	// without incrementing epoch at all.
	if decision.PostState == statemachine.OK || decision.PostState == statemachine.Halt {
		s.deps.LeaveList.Clear()
		if s.deps.Recovery != nil {
			s.deps.Recovery.Start(s.deps.StateMachine.Epoch())
		}
	}

	s.deps.StateMachine.TransitionTo(decision.PostState)
	s.deps.StateMachine.ReevaluateAfterJoin(decision.IncEpoch, updated.NrZones())
}

// applyLeave handles phase A (the reachability probe, if a Prober is
// wired) and, for the common no-prober case, runs phase B immediately.
// When a Prober is wired, phase A runs off the pump goroutine via the
// pool's non-blocking Submit; its result comes back as a leaveContinuation
// on the same single FIFO so phase B still runs on the pump, in order,
// like every other event (spec §5/§9).
func (s *Serializer) applyLeave(ctx context.Context, e *LeaveEvent) {
	if !s.deps.Registry.Contains(e.Leaver) {
		return
	}

	if s.deps.Prober == nil {
		s.finishLeave(e, len(e.Members))
		return
	}

	s.pool.Submit(func() {
		reachable := s.probeReachability(ctx, e)
		s.queue.In() <- leaveContinuation{event: e, reachable: reachable}
	})
}

// probeReachability runs phase A's majority-reachability check, waiting for
// every probe before returning (bounded by the event's own ctx, so a hung
// probe does not stall indefinitely if the caller wires a deadline into
// ctx). Called from within a pool worker goroutine, never from the pump.
func (s *Serializer) probeReachability(ctx context.Context, e *LeaveEvent) int {
	var wg sync.WaitGroup
	results := make(chan bool, len(e.Members))
	for _, peer := range e.Members {
		if peer.Equal(e.Leaver) {
			results <- false
			continue
		}
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.deps.Prober.Reachable(ctx, peer)
		}()
	}
	wg.Wait()
	close(results)
	reachable := 0
	for ok := range results {
		if ok {
			reachable++
		}
	}
	return reachable
}

// finishLeave is phase B: it always runs on the pump goroutine, whether
// dispatched directly (no Prober wired) or via a leaveContinuation once an
// off-thread probe completes.
func (s *Serializer) finishLeave(e *LeaveEvent, reachable int) {
	n := len(e.Members)
	quorum := n/2 + 1
	if n >= 3 && reachable < quorum {
		logger.Warn("leave event aborted: suspected network partition",
			"leaver", e.Leaver.ID.String(), "reachable", reachable, "quorum", quorum)
		return
	}

	var remaining node.List
	for _, m := range s.deps.Registry.Snapshot() {
		if !m.Equal(e.Leaver) {
			remaining = append(remaining, m)
		}
	}
	remaining.Sort()
	s.deps.Registry.Replace(remaining)
	s.deps.LeaveList.Add(e.Leaver)
	s.deps.Vnodes.Publish(vnode.RebuildFrom(remaining))

	if e.RecoveryPermitted {
		newEpoch := s.deps.StateMachine.Epoch() + 1
		s.deps.StateMachine.AdvanceEpoch(newEpoch)
		if err := s.deps.EpochLog.Append(newEpoch, remaining); err != nil {
			logger.Error("leave phase B: failed to append epoch log entry", "epoch", newEpoch, "err", err)
		}
	}

	s.deps.StateMachine.ReevaluateAfterLeave(remaining.NrZones(), e.RecoveryPermitted)
	if s.deps.Recovery != nil {
		s.deps.Recovery.Start(s.deps.StateMachine.Epoch())
	}
}

func (s *Serializer) applyNotify(e *NotifyEvent) {
	if s.deps.MainStep != nil && e.Payload.MainStep {
		s.deps.MainStep.Run(e.Payload)
	}
	if e.IsLocalOriginator && s.deps.Pending != nil {
		if !s.deps.Pending.MatchAndDeliver(e.Payload.OpID, e.Payload.Body) {
			logger.Warn("notify: no matching pending operation at queue head", "op_id", e.Payload.OpID)
		}
	}
}
