// Package blob offloads large step payloads to an out-of-band store between
// workflow continuations. Values above a size threshold are replaced by a
// reference document; the driver resolves references back to the original
// value before the next step runs. This bounds the history size of durable
// workflow state.
package blob

import (
	"context"
	"encoding/json"
)

// DefaultThreshold is the payload size in bytes above which values are
// offloaded.
const DefaultThreshold = 32 * 1024

// refKey is the single field of a reference document.
const refKey = "$ref"

// Store is the out-of-band payload store.
type Store interface {
	// Put stores the payload and returns its key.
	Put(ctx context.Context, payload []byte) (string, error)
	// Get returns the payload stored under key, or a NotFound error.
	Get(ctx context.Context, key string) ([]byte, error)
}

// Ref renders a reference document for the given key.
func Ref(key string) []byte {
	doc, _ := json.Marshal(map[string]string{refKey: key})
	return doc
}

// ParseRef reports whether the payload is a reference document and, if so,
// the key it names.
func ParseRef(payload []byte) (string, bool) {
	var doc map[string]string
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	key, ok := doc[refKey]
	return key, ok && len(doc) == 1 && key != ""
}

// Offload stores the payload when it exceeds threshold and returns a
// reference document; smaller payloads are returned unchanged. A threshold
// of 0 uses DefaultThreshold.
func Offload(ctx context.Context, store Store, payload []byte, threshold int) ([]byte, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(payload) <= threshold {
		return payload, nil
	}
	key, err := store.Put(ctx, payload)
	if err != nil {
		return nil, err
	}
	return Ref(key), nil
}

// Resolve returns the original payload for a reference document, and the
// payload itself otherwise.
func Resolve(ctx context.Context, store Store, payload []byte) ([]byte, error) {
	key, ok := ParseRef(payload)
	if !ok {
		return payload, nil
	}
	return store.Get(ctx, key)
}
