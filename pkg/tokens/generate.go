package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DefaultTokenBytes is the entropy of a generated token.
const DefaultTokenBytes = 32

// Generate returns a fresh random token for every listed service. Tokens
// are URL-safe base64 without padding so they survive any config format.
func Generate(services []string, size int) (TokenSet, error) {
	if size <= 0 {
		size = DefaultTokenBytes
	}
	if size < 16 {
		return nil, fmt.Errorf("token size %d is too small (minimum 16 bytes)", size)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("no services to generate tokens for")
	}

	set := make(TokenSet, len(services))
	for _, name := range services {
		buf := make([]byte, size)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate token for %s: %w", name, err)
		}
		set[name] = base64.RawURLEncoding.EncodeToString(buf)
	}
	return set, nil
}
