package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PromptHash is the hex sha256 of the prompt's JSON encoding. Compute it before
// the provider call so failed attempts carry it too.
func PromptHash(prompt any) (string, error) {
	b, err := json.Marshal(prompt)
	if err != nil {
		return "", fmt.Errorf("encoding prompt: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
