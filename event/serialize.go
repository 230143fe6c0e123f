package event

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Envelope wraps any event for line-oriented or HTTP transports.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Wrap serialises v inside an Envelope of the given kind.
func Wrap(kind Kind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Data: data})
}

// Unwrap decodes an Envelope and returns its typed payload.
func Unwrap(b []byte) (Kind, any, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", nil, fmt.Errorf("event: envelope: %w", err)
	}
	var v any
	switch env.Type {
	case KindMessage:
		v = &Message{}
	case KindUnread:
		v = &Unread{}
	case KindMetrics:
		v = &Metrics{}
	case KindDiagnostic:
		v = &Diagnostic{}
	default:
		return env.Type, nil, fmt.Errorf("event: unknown type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return env.Type, nil, fmt.Errorf("event: decode %s: %w", env.Type, err)
	}
	return env.Type, v, nil
}

// ContentHash returns the SHA-256 hex digest of the joined parts.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
