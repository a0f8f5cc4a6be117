package libsync

import (
	"bytes"
	"encoding/json"
)

// UnmarshalStrict decodes JSON, rejecting unknown fields.
func unmarshalStrict(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
