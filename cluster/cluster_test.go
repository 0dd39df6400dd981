package cluster_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/cluster"
	"github.com/flocknode/sheepcore/config"
	"github.com/flocknode/sheepcore/driver"
	"github.com/flocknode/sheepcore/driver/fake"
	"github.com/flocknode/sheepcore/node"
	"github.com/flocknode/sheepcore/statemachine"
)

func newTestCtx(t *testing.T, net *fake.Network, addr string) *cluster.Ctx {
	t.Helper()
	cfg := config.Config{
		DataDir:          filepath.Join(t.TempDir(), addr),
		ConfiguredCopies: 1,
		WorkerPoolSize:   1,
	}

	self := node.Node{ID: node.ID{Addr: addr}, Zone: 0, VnodeWeight: 64}
	c, err := cluster.Open(cfg, self, 42, nil)
	require.NoError(t, err)

	drv := fake.New(net, c)
	c.Driver = drv
	c.RecoveryPermitted = true

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTwoNodeFormationThroughFakeDriver(t *testing.T) {
	net := fake.NewNetwork()
	a := newTestCtx(t, net, "node-a")
	b := newTestCtx(t, net, "node-b")

	ctx := context.Background()
	require.NoError(t, a.RequestJoin(ctx, driver.Options{ClusterName: "test", LocalAddr: "node-a"}))
	require.NoError(t, b.RequestJoin(ctx, driver.Options{ClusterName: "test", LocalAddr: "node-b"}))

	require.Eventually(t, func() bool {
		return a.Registry.Size() == 2 && b.Registry.Size() == 2
	}, time.Second, time.Millisecond)

	founders := a.Registry.Snapshot()
	require.NoError(t, a.Format(100, founders))
	require.NoError(t, b.Format(100, founders))

	require.Equal(t, statemachine.OK, a.Machine.State())
	require.EqualValues(t, 1, a.Machine.Epoch())
	require.Equal(t, statemachine.OK, b.Machine.State())
	require.EqualValues(t, 1, b.Machine.Epoch())
}

func TestNotifyRoundTripsThroughSerializer(t *testing.T) {
	net := fake.NewNetwork()
	a := newTestCtx(t, net, "node-a")

	ctx := context.Background()
	require.NoError(t, a.RequestJoin(ctx, driver.Options{ClusterName: "test", LocalAddr: "node-a"}))
	require.Eventually(t, func() bool { return a.Registry.Size() == 1 }, time.Second, time.Millisecond)

	notifyCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	result, err := a.SubmitNotify(notifyCtx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), result)
}
