package storeadapter_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/storeadapter"
)

func openTestStore(t *testing.T) *storeadapter.Store {
	t.Helper()
	s, err := storeadapter.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMergeOrsBitmapsBitwise(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Merge([]byte{0b0001, 0b0000}))
	require.NoError(t, s.Merge([]byte{0b0010, 0b0100}))

	got, err := s.Bitmap()
	require.NoError(t, err)
	require.Equal(t, []byte{0b0011, 0b0100}, got)
}

func TestMergeExtendsShorterExistingBitmap(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Merge([]byte{0xFF}))
	require.NoError(t, s.Merge([]byte{0x00, 0xAA}))

	got, err := s.Bitmap()
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xAA}, got)
}

func TestRecordAndForgetObject(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordObject("obj-1"))
	present, err := s.HasObject("obj-1")
	require.NoError(t, err)
	require.True(t, present)

	require.NoError(t, s.ForgetObject("obj-1"))
	present, err = s.HasObject("obj-1")
	require.NoError(t, err)
	require.False(t, present)
}

func TestPurgeStaleObjectsRemovesOnlyStale(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordObject("keep-1"))
	require.NoError(t, s.RecordObject("drop-1"))
	require.NoError(t, s.RecordObject("drop-2"))

	purged, err := s.PurgeStaleObjects(func(oid string) bool {
		return oid == "keep-1"
	})
	require.NoError(t, err)
	require.Equal(t, 2, purged)

	present, err := s.HasObject("keep-1")
	require.NoError(t, err)
	require.True(t, present)

	present, err = s.HasObject("drop-1")
	require.NoError(t, err)
	require.False(t, present)
}
