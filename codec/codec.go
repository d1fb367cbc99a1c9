// Package codec serializes commands into task payloads and back.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/bed"
)

// Serializer encodes commands for storage and decodes them for execution.
// Failures are reported wrapped in bed.ErrSerialization.
type Serializer interface {
	// Name identifies the format.
	Name() string
	Encode(v any) ([]byte, error)
	// Decode fills v, which must be a pointer.
	Decode(data []byte, v any) error
}

// JSON is the default serializer.
type JSON struct{}

var _ Serializer = JSON{}

// Name returns "json".
func (JSON) Name() string { return "json" }

// Encode marshals v to JSON.
func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: json encode %T: %w", bed.ErrSerialization, v, err)
	}
	return data, nil
}

// Decode unmarshals JSON into v.
func (JSON) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: json decode %T: %w", bed.ErrSerialization, v, err)
	}
	return nil
}

// Msgpack serializes with MessagePack. Payloads are smaller than JSON and
// keep byte slices binary.
type Msgpack struct{}

var _ Serializer = Msgpack{}

// Name returns "msgpack".
func (Msgpack) Name() string { return "msgpack" }

// Encode marshals v to MessagePack.
func (Msgpack) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: msgpack encode %T: %w", bed.ErrSerialization, v, err)
	}
	return data, nil
}

// Decode unmarshals MessagePack into v.
func (Msgpack) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: msgpack decode %T: %w", bed.ErrSerialization, v, err)
	}
	return nil
}

// ByName returns the serializer registered under name.
func ByName(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown serializer %q", name)
	}
}
