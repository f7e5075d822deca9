// Package rpc holds the small JSON-over-HTTP decoding helpers shared by
// client and lister, mirroring rclone's lib/rest JSON helpers: one place
// that knows how to turn a response body (or a single already-buffered
// record) into a Go value, leaving each caller free to pick the kerr.Kind
// that fits its own failure mode.
package rpc

import (
	"encoding/json"
	"io"
)

// DecodeJSON decodes one JSON document from r into out, the way a
// complete response body is decoded in one shot.
func DecodeJSON(r io.Reader, out interface{}) error {
	return json.NewDecoder(r).Decode(out)
}

// DecodeJSONBytes decodes a JSON value already read into memory (an error
// body, or one line of a newline-delimited stream) into out.
func DecodeJSONBytes(raw []byte, out interface{}) error {
	return json.Unmarshal(raw, out)
}
