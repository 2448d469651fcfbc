package nodes

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"github.com/lyzr/flowrunner/common/store"
)

// Binary payloads travel between nodes as base64 strings with a sibling
// <key>_is_binary flag inside the producer's namespace. A missing flag
// means text. Payloads past the soft limit still flow but raise a
// warning, since traces and caches amplify their cost.
const (
	binaryFlagSuffix = "_is_binary"
	binarySoftLimit  = 50 << 20
)

// setPayload writes data under key, choosing the text or binary form.
// Invalid UTF-8 forces the binary form.
func setPayload(shared *store.Namespaced, key string, data []byte) {
	if utf8.Valid(data) {
		shared.Set(key, string(data))
		return
	}
	shared.Set(key, base64.StdEncoding.EncodeToString(data))
	shared.Set(key+binaryFlagSuffix, true)
	warnIfOversized(shared, key, len(data))
}

// setBinary writes data under key in the binary form unconditionally
func setBinary(shared *store.Namespaced, key string, data []byte) {
	shared.Set(key, base64.StdEncoding.EncodeToString(data))
	shared.Set(key+binaryFlagSuffix, true)
	warnIfOversized(shared, key, len(data))
}

func warnIfOversized(shared *store.Namespaced, key string, size int) {
	if size > binarySoftLimit {
		shared.Warn(fmt.Sprintf("%s.%s: binary payload is %d bytes, past the %d byte soft limit",
			shared.NodeID(), key, size, binarySoftLimit))
	}
}

// payloadBytes decodes a param value honoring the binary flag: flagged
// strings are base64, everything else is text bytes
func payloadBytes(value any, isBinary bool) ([]byte, error) {
	text, ok := value.(string)
	if !ok {
		if value == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("payload must be a string, got %T", value)
	}
	if !isBinary {
		return []byte(text), nil
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("payload flagged binary but is not valid base64: %w", err)
	}
	return data, nil
}
