package opcoord_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/opcoord"
)

// fakeDriver simulates a group driver that, on Block/Notify, schedules an
// asynchronous echo back through MatchAndDeliver, as the real driver would
// deliver a NOTIFY event in total order.
type fakeDriver struct {
	coord *opcoord.Coordinator
}

func (d *fakeDriver) Block(ctx context.Context, opID uint64, body []byte) error {
	go func() {
		time.Sleep(time.Millisecond)
		d.coord.MatchAndDeliver(opID, body)
	}()
	return nil
}

func (d *fakeDriver) Notify(ctx context.Context, opID uint64, body []byte) error {
	return d.Block(ctx, opID, body)
}

func TestBlockRoundTripsResult(t *testing.T) {
	driver := &fakeDriver{}
	coord := opcoord.New(driver)
	driver.coord = coord

	result, err := coord.Block(context.Background(), 1, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), result)
	require.Equal(t, 0, coord.PendingLen())
}

// noopDriver never delivers on its own; the test drives MatchAndDeliver
// directly to exercise the mismatch path deterministically.
type noopDriver struct{}

func (noopDriver) Block(ctx context.Context, opID uint64, body []byte) error  { return nil }
func (noopDriver) Notify(ctx context.Context, opID uint64, body []byte) error { return nil }

func TestMatchAndDeliverRejectsMismatchedOpID(t *testing.T) {
	coord := opcoord.New(noopDriver{})

	done := make(chan struct{})
	go func() {
		_, _ = coord.Block(context.Background(), 5, []byte("x"))
		close(done)
	}()

	require.Eventually(t, func() bool { return coord.PendingLen() == 1 }, time.Second, time.Millisecond)

	ok := coord.MatchAndDeliver(999, []byte("wrong"))
	require.False(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Block never returned after mismatched delivery")
	}
}

func TestOrderPreservedAcrossMultiplePending(t *testing.T) {
	coord := opcoord.New(noopDriver{})

	type res struct {
		body []byte
		err  error
	}
	r1 := make(chan res, 1)
	r2 := make(chan res, 1)

	go func() {
		b, err := coord.Block(context.Background(), 1, []byte("first"))
		r1 <- res{b, err}
	}()
	require.Eventually(t, func() bool { return coord.PendingLen() == 1 }, time.Second, time.Millisecond)

	go func() {
		b, err := coord.Block(context.Background(), 2, []byte("second"))
		r2 <- res{b, err}
	}()
	require.Eventually(t, func() bool { return coord.PendingLen() == 2 }, time.Second, time.Millisecond)

	coord.MatchAndDeliver(1, []byte("first"))
	out1 := <-r1
	require.NoError(t, out1.err)
	require.Equal(t, []byte("first"), out1.body)

	coord.MatchAndDeliver(2, []byte("second"))
	out2 := <-r2
	require.NoError(t, out2.err)
	require.Equal(t, []byte("second"), out2.body)
}
