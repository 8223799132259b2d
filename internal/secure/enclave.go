package secure

import (
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a Key is used after Destroy.
var ErrDestroyed = errors.New("secure key has been destroyed")

// Key holds the rotation key in an encrypted memguard enclave. The key
// authenticates pollers and is decrypted only for the duration of a single
// comparison or request.
type Key struct {
	enclave   *memguard.Enclave
	mu        sync.RWMutex
	destroyed bool
}

// NewKey seals value into an enclave. memguard wipes the intermediate
// buffer; callers should drop their own reference to value.
func NewKey(value string) (*Key, error) {
	if value == "" {
		return nil, errors.New("rotation key is empty")
	}
	buf := []byte(value)
	enclave := memguard.NewEnclave(buf)
	if enclave == nil {
		return nil, errors.New("failed to seal rotation key")
	}
	return &Key{enclave: enclave}, nil
}

// Equal reports whether candidate matches the key, in constant time with
// respect to the key contents.
func (k *Key) Equal(candidate string) bool {
	matched := false
	err := k.Use(func(secret []byte) error {
		matched = subtle.ConstantTimeCompare(secret, []byte(candidate)) == 1
		return nil
	})
	return err == nil && matched
}

// Use decrypts the key into locked memory, hands it to fn, and wipes it
// again. fn must not retain the slice.
func (k *Key) Use(fn func(secret []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.destroyed {
		return ErrDestroyed
	}

	locked, err := k.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// Destroy makes the key unusable. It is safe to call more than once.
// For complete cleanup at exit call memguard.Purge in main.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.destroyed {
		return
	}
	k.enclave = nil
	k.destroyed = true
}

// String never reveals the key.
func (k *Key) String() string {
	return "[REDACTED]"
}
