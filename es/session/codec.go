package session

import "encoding/json"

// Codec serializes event payloads. Marshal runs exactly once per event,
// after all pre-append hooks.
type Codec interface {
	Marshal(payload interface{}) ([]byte, error)
}

// JSONCodec is the default codec. Byte slices and raw JSON pass through
// untouched so callers can pre-serialize with any format they like.
type JSONCodec struct{}

// Marshal implements Codec.
func (JSONCodec) Marshal(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
