// Package appcodec runs ChirpStack-style JavaScript payload codecs
// (Decode(fPort, bytes) / Encode(fPort, obj)) against application
// uplink and downlink payloads, using a pool of goja runtimes that are
// reused once created; a new runtime is started only when no pooled one
// is free.
package appcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidScript is returned by Validate when the script does not
// define at least one of Encode or Decode.
var ErrInvalidScript = errors.New("invalid codec script")

// Script is a single device's JavaScript codec, identified by a hash
// of its own content so two devices sharing the same payload format
// share the same ID without any registry lookup.
type Script struct {
	ID   string
	Name string
	Body string
}

// NewScript wraps a JavaScript codec body, deriving its ID from a
// hash of the name and body.
func NewScript(name, body string) *Script {
	s := &Script{Name: name, Body: body}
	sum := sha256.Sum256([]byte(name + body))
	s.ID = hex.EncodeToString(sum[:])[:16]
	return s
}

// Validate rejects a script missing both well-known entry points.
// Unlike ChirpStack proper, a codec that only decodes (the common
// case for a read-only sensor) is accepted.
func (s *Script) Validate() error {
	if strings.TrimSpace(s.Body) == "" {
		return fmt.Errorf("%w: empty script", ErrInvalidScript)
	}
	if !strings.Contains(s.Body, "function Decode") && !strings.Contains(s.Body, "function Encode") {
		return fmt.Errorf("%w: script must define Decode and/or Encode", ErrInvalidScript)
	}
	return nil
}
