package envelope

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) PeekKind(data []byte) (string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", err
	}
	return h.kind()
}

// cborCodec uses core deterministic encoding so equal messages produce
// identical bytes. Unknown keys are ignored on decode.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	opts := cbor.CoreDetEncOptions()
	// Latency stamps need sub-second precision.
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		panic("envelope: cbor encoder init failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: cbor decoder init failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c cborCodec) PeekKind(data []byte) (string, error) {
	var h header
	if err := c.dec.Unmarshal(data, &h); err != nil {
		return "", err
	}
	return h.kind()
}
