package journal

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/raujonas/ditto/connection"
)

// encMode encodes with Core Deterministic Encoding so the same event always
// yields the same bytes. Times keep nanoseconds.
var encMode cbor.EncMode

var decMode cbor.DecMode

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("journal: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("journal: zstd decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	Type    string          `cbor:"t"`
	Payload cbor.RawMessage `cbor:"p"`
}

// EncodeEvent encodes e with its type tag.
func EncodeEvent(e connection.Event) ([]byte, error) {
	payload, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("journal: encode %s: %w", e.EventType(), err)
	}
	return encMode.Marshal(envelope{Type: e.EventType(), Payload: payload})
}

// DecodeEvent reverses [EncodeEvent].
func DecodeEvent(b []byte) (connection.Event, error) {
	var env envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("journal: decode envelope: %w", err)
	}
	e, ok := connection.NewEvent(env.Type)
	if !ok {
		return nil, fmt.Errorf("journal: %w: event type %q", connection.ErrUnknownMessage, env.Type)
	}
	if err := decMode.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("journal: decode %s: %w", env.Type, err)
	}
	return e, nil
}

// Snapshot is the state of a connection at a revision.
type Snapshot struct {
	Revision   int64                  `cbor:"revision"`
	Timestamp  time.Time              `cbor:"timestamp"`
	Connection *connection.Connection `cbor:"connection"`
}

// EncodeSnapshot encodes s as zstd-compressed CBOR.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	b, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("journal: encode snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(b, nil), nil
}

// DecodeSnapshot reverses [EncodeSnapshot].
func DecodeSnapshot(b []byte) (Snapshot, error) {
	raw, err := zstdDecoder.DecodeAll(b, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("journal: decompress snapshot: %w", err)
	}
	var s Snapshot
	if err := decMode.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("journal: decode snapshot: %w", err)
	}
	return s, nil
}
