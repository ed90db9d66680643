package servicebus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec turns events into payloads and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string
}

// JSONCodec encodes events as UTF-8 JSON. Decode rejects fields the target type does not declare.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json: %w", err)
	}

	if dec.More() {
		return fmt.Errorf("json: trailing data after value")
	}

	return nil
}

func (JSONCodec) ContentType() string { return "application/json" }
