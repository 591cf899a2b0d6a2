package contracts

import (
	"encoding/json"
	"fmt"
)

// Decode converts a bus message map into its typed contract struct. The
// map has already passed schema validation, so a decode failure here is a
// programmer error worth surfacing loudly.
func Decode[T any](message map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(message)
	if err != nil {
		return out, fmt.Errorf("re-marshal message: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode message: %w", err)
	}
	return out, nil
}
