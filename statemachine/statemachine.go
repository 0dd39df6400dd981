// Package statemachine implements the Cluster State Machine of spec §4.5:
// states {WAIT_FORMAT, WAIT_JOIN, OK, HALT, SHUTDOWN} and the transitions
// driven by event application and post-event nr_zones reevaluation.
package statemachine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flocknode/sheepcore/common/logging"
)

var logger = logging.GetLogger("statemachine")

// State is one of the five cluster states of spec §4.5.
type State int

const (
	WaitFormat State = iota
	WaitJoin
	OK
	Halt
	Shutdown
)

func (s State) String() string {
	switch s {
	case WaitFormat:
		return "WAIT_FORMAT"
	case WaitJoin:
		return "WAIT_JOIN"
	case OK:
		return "OK"
	case Halt:
		return "HALT"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

var (
	metricsOnce sync.Once

	clusterStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sheepcore_cluster_state",
		Help: "Current cluster state, as an enum ordinal (see statemachine.State).",
	})
	epochGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sheepcore_epoch",
		Help: "Current committed epoch.",
	})
	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheepcore_state_transition_total",
		Help: "Count of cluster state transitions, labeled by from/to state.",
	}, []string{"from", "to"})
)

// RegisterMetrics registers the state machine's prometheus collectors
// exactly once, mirroring the teacher's worker/common/committee
// metricsOnce.Do(...) pattern.
func RegisterMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(clusterStateGauge, epochGauge, transitionCounter)
	})
}

// Machine holds the current cluster state and epoch, and the configured
// target replication factor used to decide HALT vs OK (spec I2).
type Machine struct {
	mu              sync.RWMutex
	state           State
	epoch           uint32
	configuredCopies int
}

// New creates a state machine starting in WAIT_FORMAT with the given
// target replication factor (configured_copies).
func New(configuredCopies int) *Machine {
	RegisterMetrics()
	m := &Machine{state: WaitFormat, configuredCopies: configuredCopies}
	clusterStateGauge.Set(float64(WaitFormat))
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Epoch returns the current committed epoch.
func (m *Machine) Epoch() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// ConfiguredCopies returns the configured replication factor.
func (m *Machine) ConfiguredCopies() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configuredCopies
}

// EffectiveCopies implements spec I2: effective_copies = min(configured_copies, nr_zones).
func EffectiveCopies(configuredCopies, nrZones int) int {
	if nrZones < configuredCopies {
		return nrZones
	}
	return configuredCopies
}

// setState performs the raw transition and updates metrics/logs. Callers
// hold m.mu.
func (m *Machine) setState(next State) {
	if next == m.state {
		return
	}
	transitionCounter.WithLabelValues(m.state.String(), next.String()).Inc()
	logger.Info("cluster state transition", "from", m.state.String(), "to", next.String(), "epoch", m.epoch)
	m.state = next
	clusterStateGauge.Set(float64(next))
}

// AdvanceEpoch sets a new committed epoch without checking the current
// state. Its callers are the event serializer (a join with inc_epoch, a
// leave with recovery permitted, a MASTER_TRANSFER adopting the joiner's
// epoch) and cluster.Ctx.Format (epoch 1).
func (m *Machine) AdvanceEpoch(epoch uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch = epoch
	epochGauge.Set(float64(epoch))
}

// TransitionTo forces a state transition. Used by the event serializer
// once it has decided (per admission/join logic in spec §4.6) what the
// post-event state should be.
func (m *Machine) TransitionTo(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setState(next)
}

// ReevaluateAfterLeave implements spec §4.5's post-leave rule: "if
// can_halt() and nr_zones < configured_copies, transition to HALT."
// canHalt models whether halting is permitted in the current context (the
// state machine does not itself know about in-flight recovery, so the
// caller supplies it).
func (m *Machine) ReevaluateAfterLeave(nrZones int, canHalt bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if canHalt && nrZones < m.configuredCopies {
		m.setState(Halt)
	}
}

// ReevaluateAfterJoin implements spec §4.5's post-join rule: "after a join
// that increments epoch while in HALT: if nr_zones >= configured_copies,
// transition to OK."
func (m *Machine) ReevaluateAfterJoin(incEpoch bool, nrZones int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Halt && incEpoch && nrZones >= m.configuredCopies {
		m.setState(OK)
	}
}
