package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/node"
	"github.com/flocknode/sheepcore/recovery"
	"github.com/flocknode/sheepcore/vnode"
)

type fakeStore struct {
	shouldKeep func(string) bool
	purged     chan int
}

func (f *fakeStore) PurgeStaleObjects(keep func(oid string) bool) (int, error) {
	count := 0
	for _, oid := range []string{"a", "b", "c"} {
		if !keep(oid) {
			count++
		}
	}
	f.purged <- count
	return count, nil
}

func TestStartRunsPassAgainstCurrentSnapshot(t *testing.T) {
	self := node.Node{ID: node.ID{Addr: "self", Port: 7000}, Zone: 0, VnodeWeight: 64}
	other := node.Node{ID: node.ID{Addr: "other", Port: 7000}, Zone: 1, VnodeWeight: 64}
	handle := vnode.NewHandle(vnode.RebuildFrom(node.List{self, other}))

	store := &fakeStore{purged: make(chan int, 1)}
	mod := recovery.New(store, handle, self, 2)
	defer mod.Close()

	mod.Start(1)

	select {
	case <-store.purged:
	case <-time.After(time.Second):
		t.Fatal("recovery pass did not run")
	}

	require.NoError(t, mod.WaitIdle(context.Background()))
}

func TestStartDropsConcurrentRequestWhileRunning(t *testing.T) {
	self := node.Node{ID: node.ID{Addr: "self", Port: 7000}, Zone: 0, VnodeWeight: 64}
	handle := vnode.NewHandle(vnode.RebuildFrom(node.List{self}))
	store := &fakeStore{purged: make(chan int, 2)}
	mod := recovery.New(store, handle, self, 1)
	defer mod.Close()

	mod.Start(1)
	mod.Start(2) // should be a no-op since a pass is already running or about to be

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mod.WaitIdle(ctx))
}
