package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknode/sheepcore/common/crypto"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := crypto.Generate()
	require.NoError(t, err)

	msg := []byte("join payload")
	sig := s.Sign(msg)
	require.NoError(t, crypto.Verify(s.PublicKey(), msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	s, err := crypto.Generate()
	require.NoError(t, err)

	sig := s.Sign([]byte("original"))
	require.ErrorIs(t, crypto.Verify(s.PublicKey(), []byte("tampered"), sig), crypto.ErrInvalidSignature)
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := crypto.Generate()
	require.NoError(t, err)

	payload := []byte("notify body")
	envelope := s.Seal(payload)

	opened, err := crypto.Open(envelope)
	require.NoError(t, err)
	require.Equal(t, payload, opened)
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	s, err := crypto.Generate()
	require.NoError(t, err)

	envelope := s.Seal([]byte("notify body"))
	envelope[len(envelope)-1] ^= 0xFF // flip a payload byte after sealing

	_, err = crypto.Open(envelope)
	require.Error(t, err)
}

func TestOpenRejectsShortEnvelope(t *testing.T) {
	_, err := crypto.Open([]byte("too short"))
	require.ErrorIs(t, err, crypto.ErrShortEnvelope)
}
