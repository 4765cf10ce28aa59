package types

import (
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

// FrozenObject is the versioned, self-describing replacement for the
// pickled blob the original system stored as job/task payload data: any
// value can be frozen into one without its producer and consumer needing
// to share a concrete Go type, and a FrozenObject always knows its own
// encoding so a future incompatible encoding can be introduced without
// breaking old, already-persisted records.
type FrozenObject struct {
	// Kind names the encoding: "msgpack" today. A reader that doesn't
	// recognize Kind must refuse to thaw rather than guess.
	Kind string `msgpack:"kind"`
	// Version is a Kind-specific schema version, incremented by the
	// producer whenever Body's shape changes incompatibly.
	Version int `msgpack:"version"`
	// Body is the Kind-encoded payload.
	Body []byte `msgpack:"body"`
}

const frozenKindMsgpack = "msgpack"

var mpHandle = &msgpack.MsgpackHandle{}

// Freeze encodes obj as a versioned FrozenObject.
func Freeze(obj interface{}, version int) (FrozenObject, error) {
	var body []byte
	enc := msgpack.NewEncoderBytes(&body, mpHandle)
	if err := enc.Encode(obj); err != nil {
		return FrozenObject{}, fmt.Errorf("freeze: %w", err)
	}
	return FrozenObject{Kind: frozenKindMsgpack, Version: version, Body: body}, nil
}

// Thaw decodes f into out, which must be a pointer. It refuses to decode
// a FrozenObject of an unrecognized kind.
func Thaw(f FrozenObject, out interface{}) error {
	if f.Kind == "" {
		return nil
	}
	if f.Kind != frozenKindMsgpack {
		return fmt.Errorf("thaw: unrecognized frozen object kind %q", f.Kind)
	}
	dec := msgpack.NewDecoderBytes(f.Body, mpHandle)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("thaw: %w", err)
	}
	return nil
}

// IsZero reports whether f carries no payload at all, as opposed to a
// payload that thaws to an empty value.
func (f FrozenObject) IsZero() bool {
	return f.Kind == "" && f.Version == 0 && len(f.Body) == 0
}
