package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello gungnir")
	require.NoError(t, WriteFrame(&buf, 42, payload))

	frame, _, err := ReadFrame(&buf, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 42, frame.Nonce)
	assert.Equal(t, payload, frame.Payload)
}

func TestWriteFrame_RejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, 1, make([]byte, MaxRPCLen+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestState_FeedAcrossMultipleChunks(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("split across chunks")
	require.NoError(t, WriteFrame(&buf, 7, payload))
	wire := buf.Bytes()

	var s State
	var got *Frame
	for i := 0; i < len(wire); i++ {
		f, consumed, err := s.Feed(wire[i : i+1])
		require.NoError(t, err)
		require.Equal(t, 1, consumed)
		if f != nil {
			got = f
		}
	}
	require.NotNil(t, got)
	assert.EqualValues(t, 7, got.Nonce)
	assert.Equal(t, payload, got.Payload)
}
