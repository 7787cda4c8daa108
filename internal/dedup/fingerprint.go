// Package dedup collapses identical concurrent requests onto one upstream
// call. The first arrival becomes the owner and performs the real work;
// duplicates become subscribers and receive the owner's result.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// signatureFields are the request fields that determine upstream behavior.
// Request IDs, client metadata and other fields that cannot change the
// upstream response are deliberately excluded. The stream flag is included
// so streaming and non-streaming variants of the same conversation never
// share a fingerprint.
var signatureFields = []string{
	"model", "messages", "system", "tools", "tool_choice",
	"temperature", "top_p", "top_k", "stop_sequences", "stream",
}

// Fingerprint computes the stable request fingerprint: a SHA-256 over the
// canonical JSON (sorted keys, compact) of the signature fields.
// includeMaxTokens optionally folds max_tokens in for clients that vary it
// meaningfully between otherwise identical calls.
func Fingerprint(body []byte, includeMaxTokens bool) (string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("dedup: parse body: %w", err)
	}

	fields := signatureFields
	if includeMaxTokens {
		fields = append(append([]string(nil), signatureFields...), "max_tokens")
	}

	// Round-tripping through any gives canonical form: json.Marshal sorts
	// map keys at every nesting level.
	sig := make(map[string]any, len(fields))
	for _, key := range fields {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return "", fmt.Errorf("dedup: field %s: %w", key, err)
		}
		sig[key] = decoded
	}

	canonical, err := json.Marshal(sig)
	if err != nil {
		return "", fmt.Errorf("dedup: canonicalize: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
