package cache

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Keyer derives deterministic cache keys from request parameters.
//
// Contract:
// - Determinism: same inputs must produce same key, regardless of map iteration order.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	// Key generates a cache key for a request in namespace.
	Key(namespace string, params any) (string, error)
}

// DefaultKeyer hashes canonical JSON with xxhash.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

// Key generates a deterministic cache key.
// Format: <namespace>:<hash>
// where hash is the 16 hex digit xxhash64 of the canonical JSON of params.
func (k *DefaultKeyer) Key(namespace string, params any) (string, error) {
	canonical, err := canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize params: %w", err)
	}

	sum := xxhash.Sum64(canonical)
	key := fmt.Sprintf("%s:%016x", namespace, sum)
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// canonicalize produces a deterministic JSON representation of v. Maps are
// sorted by key.
func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		return canonicalizeMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return canonicalizeMap(m)
	case []any:
		return canonicalizeSlice(val)
	default:
		return json.Marshal(v)
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, '}')

	return result, nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}

		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, ']')

	return result, nil
}

var _ Keyer = (*DefaultKeyer)(nil)
