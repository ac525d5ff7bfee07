package provider

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateState generates a random unguessable OAuth state parameter.
func GenerateState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
