package idstring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/common/idstring"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := []byte("10.0.0.1:7000")
	encoded := idstring.Encode(raw)
	require.NotEqual(t, string(raw), encoded)

	decoded, err := idstring.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestEncodeEmpty(t *testing.T) {
	require.Equal(t, "", idstring.Encode(nil))
}
