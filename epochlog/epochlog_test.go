package epochlog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/epochlog"
	"github.com/flocknode/sheepcore/node"
)

func threeNodes() node.List {
	return node.List{
		{ID: node.ID{Addr: "n0", Port: 7000}, Zone: 0, VnodeWeight: 64},
		{ID: node.ID{Addr: "n1", Port: 7000}, Zone: 1, VnodeWeight: 64},
		{ID: node.ID{Addr: "n2", Port: 7000}, Zone: 2, VnodeWeight: 64},
	}.Sorted()
}

func TestAppendReadLatest(t *testing.T) {
	log, err := epochlog.Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	require.Equal(t, uint32(0), log.Latest())

	nodes := threeNodes()
	require.NoError(t, log.Append(1, nodes))
	require.Equal(t, uint32(1), log.Latest())

	got, err := log.Read(1)
	require.NoError(t, err)
	require.True(t, nodes.Equal(got))

	empty, err := log.Read(99)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestAppendIsIdempotent(t *testing.T) {
	log, err := epochlog.Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	nodes := threeNodes()
	require.NoError(t, log.Append(1, nodes))
	require.NoError(t, log.Append(1, nodes)) // identical re-append, no panic
}

func TestAppendPanicsOnConflictingRewrite(t *testing.T) {
	log, err := epochlog.Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	nodes := threeNodes()
	require.NoError(t, log.Append(1, nodes))

	other := append(node.List{}, nodes[1:]...)
	require.Panics(t, func() {
		_ = log.Append(1, other)
	})
}

func TestMonotonicEpochsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := epochlog.Open(dir)
	require.NoError(t, err)
	require.NoError(t, log.Append(1, threeNodes()))
	require.NoError(t, log.Append(2, threeNodes()[:2]))
	require.NoError(t, log.Close())

	reopened, err := epochlog.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint32(2), reopened.Latest())
	got, err := reopened.Read(1)
	require.NoError(t, err)
	require.Len(t, got, 3)
}
