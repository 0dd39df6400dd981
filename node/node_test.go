package node_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/node"
)

func mkList() node.List {
	return node.List{
		{ID: node.ID{Addr: "10.0.0.3", Port: 7000}, Zone: 2, VnodeWeight: 64},
		{ID: node.ID{Addr: "10.0.0.1", Port: 7000}, Zone: 1, VnodeWeight: 64},
		{ID: node.ID{Addr: "10.0.0.2", Port: 7000}, Zone: 1, VnodeWeight: 0},
	}
}

func TestSortIsStableTotalOrder(t *testing.T) {
	l := mkList()
	sorted := l.Sorted()
	require.Equal(t, "10.0.0.1", sorted[0].ID.Addr)
	require.Equal(t, "10.0.0.2", sorted[1].ID.Addr)
	require.Equal(t, "10.0.0.3", sorted[2].ID.Addr)
}

func TestNrZonesExcludesGateways(t *testing.T) {
	l := mkList()
	// zones present: 2 (weight 64), 1 (weight 64), 1 (weight 0, gateway)
	require.Equal(t, 2, l.NrZones())
}

func TestListEqualRequiresSameOrder(t *testing.T) {
	a := mkList().Sorted()
	b := mkList().Sorted()
	require.True(t, a.Equal(b))

	c := mkList()
	require.False(t, a.Equal(c))
}

func TestEncodeDecodeListRoundTrips(t *testing.T) {
	l := mkList().Sorted()
	buf := node.EncodeList(l)
	decoded, err := node.DecodeList(buf)
	require.NoError(t, err)
	require.True(t, l.Equal(decoded))
}

func TestJoinPayloadRoundTrip(t *testing.T) {
	p := &node.JoinPayload{
		ProtoVer:      node.ProtoVersion,
		NrCopies:      3,
		ClusterFlags:  0,
		ClusterStatus: 1,
		Epoch:         5,
		Ctime:         1234567890,
		Result:        0,
		IncEpoch:      1,
		StoreName:     "default",
		Nodes:         mkList().Sorted(),
	}
	buf, err := p.Marshal()
	require.NoError(t, err)

	decoded, err := node.Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, p.Epoch, decoded.Epoch)
	require.Equal(t, p.Ctime, decoded.Ctime)
	require.Equal(t, p.StoreName, decoded.StoreName)
	require.True(t, p.Nodes.Equal(decoded.Nodes))
	require.Empty(t, decoded.LeaveNodes)
}

func TestJoinPayloadRejectsBothNodeLists(t *testing.T) {
	p := &node.JoinPayload{Nodes: mkList(), LeaveNodes: mkList()}
	_, err := p.Marshal()
	require.Error(t, err)
}
