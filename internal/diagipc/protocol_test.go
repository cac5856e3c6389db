package diagipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(CommandSetEventPipe, CommandStopTracing, EncodeSessionID(42))
	require.NoError(t, err)
	assert.Equal(t, uint16(HeaderSize+8), msg.Header.Size)

	raw, err := msg.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize+8)
	assert.Equal(t, "DOTNET_IPC_V1\x00", string(raw[:14]))

	got, err := ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, msg.Header, got.Header)

	id, err := DecodeSessionID(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	raw := make([]byte, HeaderSize)
	copy(raw, "NOT_A_DIAG_MSG")
	_, err := ReadMessage(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestReadMessageRejectsShortSize(t *testing.T) {
	msg := Message{Header: Header{Size: 4, CommandSet: CommandSetServer}}
	raw, err := msg.MarshalBinary()
	require.NoError(t, err)
	_, err = ReadMessage(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	msg, err := NewMessage(CommandSetServer, ResponseOK, EncodeSessionID(1))
	require.NoError(t, err)
	raw, _ := msg.MarshalBinary()
	_, err = ReadMessage(bytes.NewReader(raw[:len(raw)-3]))
	assert.Error(t, err)
}

func TestEncodeCollectTracing2Layout(t *testing.T) {
	payload, err := EncodeCollectTracing2(SessionConfig{
		CircularBufferMB: 1024,
		RequestRundown:   true,
		Providers: []Provider{
			{Name: "AB", Keywords: 0x800001, Level: 5},
		},
	})
	require.NoError(t, err)

	le := binary.LittleEndian
	assert.Equal(t, uint32(1024), le.Uint32(payload[0:4]))
	assert.Equal(t, FormatNetTrace, le.Uint32(payload[4:8]))
	assert.Equal(t, byte(1), payload[8])
	assert.Equal(t, uint32(1), le.Uint32(payload[9:13]))
	assert.Equal(t, uint64(0x800001), le.Uint64(payload[13:21]))
	assert.Equal(t, uint32(5), le.Uint32(payload[21:25]))
	// "AB" is two UTF-16 units plus the terminator.
	assert.Equal(t, uint32(3), le.Uint32(payload[25:29]))
	assert.Equal(t, []byte{'A', 0, 'B', 0, 0, 0}, payload[29:35])
	// Empty filter.
	assert.Equal(t, uint32(0), le.Uint32(payload[35:39]))
	assert.Len(t, payload, 39)
}

func TestCollectTracing2RoundTrip(t *testing.T) {
	want := SessionConfig{
		CircularBufferMB: 256,
		Providers: []Provider{
			{Name: "Microsoft-Windows-DotNETRuntime", Keywords: 0x800001, Level: 5},
			{Name: "Microsoft-DotNETCore-SampleProfiler", Level: 4, Filter: "key=value"},
		},
	}
	payload, err := EncodeCollectTracing2(want)
	require.NoError(t, err)

	got, err := DecodeCollectTracing2(payload)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResponseError(t *testing.T) {
	errResp, err := NewMessage(CommandSetServer, ResponseError, []byte{0x05, 0x00, 0x13, 0x80})
	require.NoError(t, err)

	err = responseError(errResp)
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, uint32(0x80130005), serverErr.Code)
	assert.Contains(t, err.Error(), "0x80130005")

	other, _ := NewMessage(CommandSetEventPipe, CommandStopTracing, nil)
	assert.Error(t, responseError(other))
}

func TestDecodeSessionIDShortPayload(t *testing.T) {
	_, err := DecodeSessionID([]byte{1, 2, 3})
	assert.Error(t, err)
}
