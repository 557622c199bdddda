package sched

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// canonicalJSON renders payload as JSON with map keys sorted (encoding/json
// already sorts map keys) and top-level volatile keys removed. Payloads that
// are already JSON bytes are re-encoded so whitespace and key order don't matter.
func canonicalJSON(payload any, volatile []string) ([]byte, error) {
	var v any
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if err := json.Unmarshal(p, &v); err != nil {
			return []byte(p), nil
		}
	case []byte:
		if err := json.Unmarshal(p, &v); err != nil {
			return p, nil
		}
	case string:
		return []byte(p), nil
	default:
		// Round-trip through JSON so structs and maps normalize the same way.
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return b, nil
		}
	}
	if m, ok := v.(map[string]any); ok && len(volatile) > 0 {
		for _, k := range volatile {
			delete(m, strings.TrimSpace(k))
		}
	}
	return json.Marshal(v)
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Fingerprint returns the dedup key for payload. Empty payloads yield "".
func Fingerprint(payload any, volatile []string) (string, error) {
	b, err := canonicalJSON(payload, volatile)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", nil
	}
	return fmt.Sprintf("%016x", hashBytes(b)), nil
}
