// Package event implements the Event Serializer (spec §4.7): a single FIFO
// fed by the group driver's join/leave/notify callbacks, applied one at a
// time by a pump that splits each event into a suspendable phase A and a
// synchronous, main-thread phase B.
package event

import (
	"github.com/flocknode/sheepcore/admission"
	"github.com/flocknode/sheepcore/common/cbor"
	"github.com/flocknode/sheepcore/node"
)

// Kind distinguishes the three event shapes the group driver ever delivers.
type Kind int

const (
	KindJoin Kind = iota
	KindLeave
	KindNotify
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "JOIN"
	case KindLeave:
		return "LEAVE"
	case KindNotify:
		return "NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// JoinEvent is a confirmed join: admission has already run (typically from
// the driver's check_join callback) and its decision travels with the
// event so phase B can apply it without re-deriving it.
type JoinEvent struct {
	Joiner   node.Node
	Claim    admission.Claim
	Decision admission.Result

	// PriorMembers is the membership as of enqueue time, used by phase A to
	// know whom to fetch in-use bitmaps from.
	PriorMembers node.List
}

// LeaveEvent is a leave notification for an existing member.
type LeaveEvent struct {
	Leaver node.Node

	// Members is the membership as of enqueue time, probed by phase A for
	// majority reachability.
	Members           node.List
	RecoveryPermitted bool
}

// NotifyEvent carries an ordered broadcast of a cluster operation's
// request/response, per the Blocked Operation Coordinator (spec §4.8).
type NotifyEvent struct {
	Payload           NotifyPayload
	IsLocalOriginator bool
}

// NotifyPayload is the CBOR-encoded body carried by a NOTIFY event.
type NotifyPayload struct {
	OpID     uint64 `cbor:"1,keyasint"`
	Body     []byte `cbor:"2,keyasint"`
	MainStep bool   `cbor:"3,keyasint"`
}

// Marshal encodes the payload for transport by the group driver.
func (p NotifyPayload) Marshal() ([]byte, error) {
	return cbor.Marshal(p)
}

// UnmarshalNotifyPayload decodes a payload received from the group driver.
func UnmarshalNotifyPayload(buf []byte) (NotifyPayload, error) {
	var p NotifyPayload
	err := cbor.Unmarshal(buf, &p)
	return p, err
}

// Event is the tagged union enqueued onto the serializer's single FIFO.
type Event struct {
	Kind   Kind
	Join   *JoinEvent
	Leave  *LeaveEvent
	Notify *NotifyEvent
}
