package gateway

import (
	"encoding/json"
	"fmt"
)

// Codec is the wire boundary: raw frame bytes to structured payloads and
// back, under the encoding negotiated at accept time.
type Codec interface {
	Decode(data []byte) (*RawPayload, error)
	Encode(p *Payload) ([]byte, error)
	Name() string
}

// jsonCodec is the only supported encoding. Binary encodings are refused at
// accept time, before a connection ever reaches the dispatcher.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Decode(data []byte) (*RawPayload, error) {
	var p RawPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &p, nil
}

func (jsonCodec) Encode(p *Payload) ([]byte, error) {
	return json.Marshal(p)
}

// NegotiateCodec returns the codec for the requested encoding. An empty
// encoding defaults to json.
func NegotiateCodec(encoding string) (Codec, error) {
	switch encoding {
	case "", "json":
		return jsonCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}
