package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StringHash computes the SHA-256 hash of a string. Audit entries use it
// for client identifiers so raw IDs never land on disk.
func StringHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// BytesHash computes the SHA-256 hash of a byte slice.
func BytesHash(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// ParamsHash computes the SHA-256 hash of a parameter object's JSON
// serialization. Audit entries record this instead of raw parameters.
func ParamsHash(params interface{}) (string, error) {
	if params == nil {
		return StringHash(""), nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}
	return BytesHash(data), nil
}

// SchemaHash computes a change-detection hash for a tool schema.
// Format: sha256(fullName + inputSchemaJSON).
func SchemaHash(fullName string, inputSchema interface{}) string {
	var schemaBytes []byte
	if inputSchema != nil {
		if data, err := json.Marshal(inputSchema); err == nil {
			schemaBytes = data
		}
	}
	return StringHash(fullName + string(schemaBytes))
}
