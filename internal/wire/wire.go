// Package wire implements the Cortex binary RPC framing (component C4):
// MessagePack-encoded request/response arrays over a streaming byte
// connection, decoded incrementally as bytes arrive.
package wire

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/noematicsllc/cortexd/internal/errs"
)

const (
	RequestTag  = 0
	ResponseTag = 1
)

// Request is a decoded [0, msgid, method, params] frame.
type Request struct {
	MsgID    int64
	Method   string
	Params   []any
	Metadata map[string]any // only populated for an accepted 5-element frame
}

// Response is an encodable [1, msgid, error, result] frame. Exactly one of
// Err/Result is non-nil.
type Response struct {
	MsgID  int64
	Err    *string
	Result any
}

// ErrIncomplete signals that the buffer does not yet hold a full frame;
// the caller should read more bytes and try again.
var ErrIncomplete = errors.New("wire: incomplete frame")

// Decoder pulls frames out of a growing byte buffer. It is not
// goroutine-safe; each connection owns exactly one.
type Decoder struct {
	buf                []byte
	maxBytes           int
	allowMetadataFrame bool
	remoteTransport    bool
}

func NewDecoder(maxBytes int, allowMetadataFrame, remoteTransport bool) *Decoder {
	return &Decoder{maxBytes: maxBytes, allowMetadataFrame: allowMetadataFrame, remoteTransport: remoteTransport}
}

// Feed appends newly read bytes to the buffer. It returns errs.BufferOverflow
// once the accumulated unparsed bytes exceed maxBytes (spec.md §4.4 safety
// limits): the caller MUST close the connection on that error without
// attempting to allocate further.
func (d *Decoder) Feed(chunk []byte) error {
	if len(d.buf)+len(chunk) > d.maxBytes {
		return errs.BufferOverflow("frame buffer exceeded cap")
	}
	d.buf = append(d.buf, chunk...)
	return nil
}

// countingReader tracks how many bytes the msgpack decoder actually
// consumed, so a successfully decoded frame's bytes can be trimmed from
// the buffer while leaving any trailing partial frame intact. It implements
// io.ByteScanner so msgpack reads from it directly instead of wrapping it in
// its own read-ahead buffer, which would count bytes of the next frame.
type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) UnreadByte() error {
	err := c.r.UnreadByte()
	if err == nil {
		c.n--
	}
	return err
}

// Next attempts to decode exactly one frame from the front of the buffer.
// It returns ErrIncomplete (keeping the buffer intact) when fewer bytes are
// buffered than one full frame requires.
func (d *Decoder) Next() (*Request, error) {
	if len(d.buf) == 0 {
		return nil, ErrIncomplete
	}

	cr := &countingReader{r: bytes.NewReader(d.buf)}
	dec := msgpack.NewDecoder(cr)

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrIncomplete
		}
		// Any other decode error means the bytes we do have can never
		// form a valid frame; this is fatal for the connection.
		return nil, errs.ProtocolError("malformed frame: " + err.Error())
	}
	d.buf = d.buf[cr.n:]

	return frameFromRaw(raw, d.allowMetadataFrame, d.remoteTransport)
}

func frameFromRaw(raw []any, allowMetadataFrame, remoteTransport bool) (*Request, error) {
	if len(raw) != 4 && len(raw) != 5 {
		return nil, errs.InvalidRequest("frame must have 4 or 5 elements")
	}

	tag, ok := toInt64(raw[0])
	if !ok || tag != RequestTag {
		return nil, errs.InvalidRequest("frame tag must be the request tag 0")
	}
	msgID, ok := toInt64(raw[1])
	if !ok {
		return nil, errs.InvalidRequest("msgid must be an integer")
	}
	method, ok := raw[2].(string)
	if !ok {
		return nil, errs.InvalidRequest("method must be a string")
	}
	params, _ := raw[3].([]any)

	req := &Request{MsgID: msgID, Method: method, Params: normalizeSlice(params)}

	if len(raw) == 5 {
		// spec.md §4.4 metadata extension: rejected by default on both
		// transports (ADR-003), and unconditionally on Unix regardless of
		// config — a local connection cannot smuggle claims about a
		// remote requester. The frame is well-formed, just disallowed, so
		// this is invalid_request (non-fatal, connection continues), not
		// protocol_error.
		if !remoteTransport || !allowMetadataFrame {
			return nil, errs.InvalidRequest("5-element metadata frame not accepted on this connection")
		}
		md, ok := raw[4].(map[string]any)
		if !ok {
			return nil, errs.InvalidRequest("metadata must be a map")
		}
		req.Metadata = normalizeMap(md)
	}

	return req, nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	default:
		return 0, false
	}
}

// Encode writes a response frame as a msgpack array [1, msgid, error,
// result], re-normalizing values per spec.md §4.4 before packing.
func Encode(w io.Writer, resp Response) error {
	var errVal any
	if resp.Err != nil {
		errVal = *resp.Err
	}
	frame := []any{ResponseTag, resp.MsgID, errVal, normalizeValue(resp.Result)}
	enc := msgpack.NewEncoder(w)
	return enc.Encode(frame)
}

// normalizeValue re-normalizes a decoded or pre-encode value per spec.md
// §4.4: maps get string keys, slices are walked recursively. msgpack
// decodes scalars as plain Go strings, sized integers, floats, bools and
// nil, so there is no separate atom/enum representation to fold in.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[toStringKey(k)] = normalizeValue(val)
		}
		return out
	case []any:
		return normalizeSlice(t)
	default:
		return t
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = normalizeValue(v)
	}
	return out
}

func toStringKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	if i, ok := toInt64(k); ok {
		return strconv.FormatInt(i, 10)
	}
	return ""
}
