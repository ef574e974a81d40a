package protocol

import (
	"fmt"

	"github.com/luciancaetano/webmesh"
)

// Envelope keys on the wire.
const (
	keyTarget = "target"
	keyData   = "data"
	// accepted on unpack when no target key is present
	keyLegacyPath = "path"
)

// SimpleDict packs messages as {"target": <path>, "data": <payload>}. Responses echo the
// request target.
type SimpleDict struct{}

var _ webmesh.Protocol = SimpleDict{}

// Pack builds a request envelope.
func (SimpleDict) Pack(target string, payload any) any {
	return map[string]any{keyTarget: target, keyData: payload}
}

// PackResponse builds a response envelope carrying the request target.
func (SimpleDict) PackResponse(target string, payload any) any {
	return map[string]any{keyTarget: target, keyData: payload}
}

// Unpack extracts target and payload.
func (SimpleDict) Unpack(message any) (string, any, error) {
	return unpack(message)
}

// NullReply packs requests like SimpleDict but sends responses with a null target.
type NullReply struct{}

var _ webmesh.Protocol = NullReply{}

// Pack builds a request envelope.
func (NullReply) Pack(target string, payload any) any {
	return map[string]any{keyTarget: target, keyData: payload}
}

// PackResponse builds a response envelope whose target is null.
func (NullReply) PackResponse(_ string, payload any) any {
	return map[string]any{keyTarget: nil, keyData: payload}
}

// Unpack extracts target and payload. A null target unpacks as "".
func (NullReply) Unpack(message any) (string, any, error) {
	return unpack(message)
}

func unpack(message any) (string, any, error) {
	m, ok := message.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("%w: envelope is %T, want a map", webmesh.ErrDecode, message)
	}

	raw, ok := m[keyTarget]
	if !ok {
		raw = m[keyLegacyPath]
	}

	var target string
	switch t := raw.(type) {
	case nil:
	case string:
		target = t
	default:
		return "", nil, fmt.Errorf("%w: envelope target is %T, want a string", webmesh.ErrDecode, raw)
	}

	// missing data decodes to nil
	return target, m[keyData], nil
}
