package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/noematicsllc/cortexd/internal/errs"
)

func encodeRequest(t *testing.T, elems ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&buf).Encode(elems))
	return buf.Bytes()
}

func TestDecodeSingleFrame(t *testing.T) {
	d := NewDecoder(1<<20, false, false)
	raw := encodeRequest(t, 0, int64(7), "ping", []any{})
	require.NoError(t, d.Feed(raw))

	req, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, int64(7), req.MsgID)
	require.Equal(t, "ping", req.Method)

	_, err = d.Next()
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodePartialFrameThenCompletion(t *testing.T) {
	d := NewDecoder(1<<20, false, false)
	raw := encodeRequest(t, 0, int64(1), "get", []any{"users", "u1"})

	require.NoError(t, d.Feed(raw[:len(raw)/2]))
	_, err := d.Next()
	require.ErrorIs(t, err, ErrIncomplete)

	require.NoError(t, d.Feed(raw[len(raw)/2:]))
	req, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "get", req.Method)
}

func TestDecodeDrainsMultipleFrames(t *testing.T) {
	d := NewDecoder(1<<20, false, false)
	f1 := encodeRequest(t, 0, int64(1), "ping", []any{})
	f2 := encodeRequest(t, 0, int64(2), "ping", []any{})
	require.NoError(t, d.Feed(append(f1, f2...)))

	r1, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, int64(1), r1.MsgID)

	r2, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, int64(2), r2.MsgID)

	_, err = d.Next()
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestBufferOverflowClosesBeforeFurtherProcessing(t *testing.T) {
	d := NewDecoder(16, false, false)
	err := d.Feed(bytes.Repeat([]byte{0xAA}, 17))
	require.Error(t, err)
	require.Equal(t, errs.BufferOverflowKind, errs.KindOf(err))
}

// TestFiveElementFrameRejectedOnUnixEvenWhenConfigured is spec.md §4.4: on
// Unix the metadata frame is rejected even with the option enabled, and a
// rejected metadata frame is invalid_request (non-fatal, anti-spoofing)
// rather than protocol_error (fatal) — the connection keeps reading after it.
func TestFiveElementFrameRejectedOnUnixEvenWhenConfigured(t *testing.T) {
	d := NewDecoder(1<<20, true, false) // remoteTransport=false (unix)
	raw := encodeRequest(t, 0, int64(1), "get", []any{"users", "u1"}, map[string]any{"claim": "x"})
	require.NoError(t, d.Feed(raw))

	_, err := d.Next()
	require.Error(t, err)
	require.Equal(t, errs.InvalidRequestKind, errs.KindOf(err))
}

func TestFiveElementFrameRejectedOnTLSUnlessConfigured(t *testing.T) {
	d := NewDecoder(1<<20, false, true) // remoteTransport=true but not allowed
	raw := encodeRequest(t, 0, int64(1), "get", []any{"users", "u1"}, map[string]any{"claim": "x"})
	require.NoError(t, d.Feed(raw))

	_, err := d.Next()
	require.Error(t, err)
	require.Equal(t, errs.InvalidRequestKind, errs.KindOf(err))
}

func TestFiveElementFrameAcceptedOnTLSWhenConfigured(t *testing.T) {
	d := NewDecoder(1<<20, true, true)
	raw := encodeRequest(t, 0, int64(1), "get", []any{"users", "u1"}, map[string]any{"claim": "x"})
	require.NoError(t, d.Feed(raw))

	req, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "x", req.Metadata["claim"])
}

func TestEncodeResponseRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Response{MsgID: 5, Result: map[string]any{"a": 1}}))

	var raw []any
	require.NoError(t, msgpack.NewDecoder(&buf).Decode(&raw))
	require.Len(t, raw, 4)
	require.EqualValues(t, ResponseTag, raw[0])
	require.EqualValues(t, 5, raw[1])
	require.Nil(t, raw[2])
}
