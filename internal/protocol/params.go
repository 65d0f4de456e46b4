package protocol

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// EncodeParameters renders request parameters as the JSON object stored
// in a request record. A nil or empty map encodes as the empty string.
func EncodeParameters(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("protocol: encode parameters: %w", err)
	}
	return string(b), nil
}

// DecodeParameters parses the JSON object of a request record.
func DecodeParameters(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, fmt.Errorf("%w: parameters: %w", ErrMalformed, err)
	}
	return params, nil
}
