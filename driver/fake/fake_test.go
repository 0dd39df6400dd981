package fake_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/driver"
	"github.com/flocknode/sheepcore/driver/fake"
	"github.com/flocknode/sheepcore/node"
)

type recordingCallbacks struct {
	mu       sync.Mutex
	joins    []node.Node
	notifies [][]byte
	verdict  driver.Verdict
}

func (r *recordingCallbacks) OnJoin(joined node.Node, members node.List, accepted bool, opaque []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if accepted {
		r.joins = append(r.joins, joined)
	}
}

func (r *recordingCallbacks) OnLeave(left node.Node, members node.List) {}

func (r *recordingCallbacks) OnNotify(sender node.Node, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifies = append(r.notifies, payload)
}

func (r *recordingCallbacks) CheckJoin(ctx context.Context, joining node.Node, opaque []byte) (driver.Verdict, error) {
	return r.verdict, nil
}

func TestJoinBroadcastsToAllRegisteredDrivers(t *testing.T) {
	net := fake.NewNetwork()
	cb1 := &recordingCallbacks{}
	cb2 := &recordingCallbacks{}
	d1 := fake.New(net, cb1)
	d2 := fake.New(net, cb2)
	require.NoError(t, d1.Init(context.Background(), driver.Options{LocalAddr: "n1"}))
	require.NoError(t, d2.Init(context.Background(), driver.Options{LocalAddr: "n2"}))

	joiner := node.Node{ID: node.ID{Addr: "n3", Port: 7000}}
	require.NoError(t, d1.Join(context.Background(), joiner, nil))

	require.Len(t, cb1.joins, 1)
	require.Len(t, cb2.joins, 1)
	require.Equal(t, joiner, cb1.joins[0])
}

func TestJoinRejectedWhenAnyReviewerFails(t *testing.T) {
	net := fake.NewNetwork()
	cb1 := &recordingCallbacks{verdict: driver.VerdictSuccess}
	cb2 := &recordingCallbacks{verdict: driver.VerdictFail}
	d1 := fake.New(net, cb1)
	d2 := fake.New(net, cb2)
	require.NoError(t, d1.Init(context.Background(), driver.Options{LocalAddr: "n1"}))
	require.NoError(t, d2.Init(context.Background(), driver.Options{LocalAddr: "n2"}))

	joiner := node.Node{ID: node.ID{Addr: "n3", Port: 7000}}
	require.NoError(t, d1.Join(context.Background(), joiner, nil))

	require.Empty(t, cb1.joins)
	require.Empty(t, cb2.joins)
}

func TestNotifyReachesAllDrivers(t *testing.T) {
	net := fake.NewNetwork()
	cb1 := &recordingCallbacks{}
	cb2 := &recordingCallbacks{}
	d1 := fake.New(net, cb1)
	d2 := fake.New(net, cb2)
	require.NoError(t, d1.Init(context.Background(), driver.Options{LocalAddr: "n1"}))
	require.NoError(t, d2.Init(context.Background(), driver.Options{LocalAddr: "n2"}))

	require.NoError(t, d1.Notify(context.Background(), []byte("hello")))

	require.Equal(t, [][]byte{[]byte("hello")}, cb1.notifies)
	require.Equal(t, [][]byte{[]byte("hello")}, cb2.notifies)
}
