package durable

import (
	"encoding/json"
	"fmt"
)

// MarshalPayload serializes a value for storage in history. A nil value
// maps to a nil payload so absent inputs stay distinguishable from
// JSON null.
func MarshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// UnmarshalPayload deserializes a stored payload into v. Empty payloads
// leave v untouched.
func UnmarshalPayload(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
