// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"encoding/base64"
	"fmt"
)

// EncodingBase64 is the wire value of the body_encoding field for
// binary payloads. Text payloads omit the field.
const EncodingBase64 = "base64"

// Payload is a request or response body that remembers whether it was
// originally text or binary. Plugins rewrite bodies through the same
// representation they arrived in: the daemon's downstream consumer
// expects the representation it originally sent, so a plugin must not
// normalize text to base64 or vice versa.
//
// The zero Payload is an empty text body.
type Payload struct {
	data   []byte
	binary bool
}

// Text creates a text payload.
func Text(s string) Payload {
	return Payload{data: []byte(s)}
}

// Binary creates a binary payload.
func Binary(b []byte) Payload {
	return Payload{data: b, binary: true}
}

// Bytes returns the raw payload content.
func (p Payload) Bytes() []byte { return p.data }

// String returns the payload content as a string.
func (p Payload) String() string { return string(p.data) }

// IsBinary reports whether the payload is carried in the binary
// (base64) representation on the wire.
func (p Payload) IsBinary() bool { return p.binary }

// IsEmpty reports whether the payload has no content.
func (p Payload) IsEmpty() bool { return len(p.data) == 0 }

// WithContent returns a payload with new content in the same
// representation as the receiver. This is the rewrite primitive for
// hooks: mutate the bytes, keep the encoding.
func (p Payload) WithContent(content []byte) Payload {
	return Payload{data: content, binary: p.binary}
}

// encode returns the wire string and the body_encoding field value.
func (p Payload) encode() (body, encoding string) {
	if p.binary {
		return base64.StdEncoding.EncodeToString(p.data), EncodingBase64
	}
	return string(p.data), ""
}

// decodePayload reconstructs a Payload from its wire fields.
func decodePayload(body, encoding string) (Payload, error) {
	switch encoding {
	case "":
		return Text(body), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return Payload{}, fmt.Errorf("decoding base64 body: %w", err)
		}
		return Binary(data), nil
	default:
		return Payload{}, fmt.Errorf("unknown body encoding %q", encoding)
	}
}
