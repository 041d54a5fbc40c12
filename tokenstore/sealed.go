package tokenstore

import (
	"fmt"
	"time"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// SealedStore wraps another Store, AEAD-encrypting every value before it is
// written. The storage key is bound as associated data, so a value moved to
// a different key fails to decrypt. A value that fails to decrypt is
// treated as absent and removed, the same as an expired entry.
type SealedStore struct {
	base Store
	aead tink.AEAD
}

var _ Store = (*SealedStore)(nil)

// NewSealedStore wraps base with the given AEAD.
func NewSealedStore(base Store, a tink.AEAD) *SealedStore {
	return &SealedStore{base: base, aead: a}
}

// NewProcessSealedStore wraps base with a fresh AES256-GCM keyset that
// lives only for this process. Values sealed by a previous process are
// unreadable and get evicted on first read, which bounds the damage of a
// stolen storage snapshot to one process lifetime.
func NewProcessSealedStore(base Store) (*SealedStore, error) {
	kh, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("generating keyset: %w", err)
	}
	a, err := aead.New(kh)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	return &SealedStore{base: base, aead: a}, nil
}

func (s *SealedStore) Get(key string) ([]byte, error) {
	ct, err := s.base.Get(key)
	if err != nil {
		return nil, err
	}
	if ct == nil {
		return nil, nil
	}

	pt, err := s.aead.Decrypt(ct, []byte(key))
	if err != nil {
		// Tampered or sealed under an older key. Evict rather than error:
		// the session layer treats a missing credential as logged out.
		_ = s.base.Remove(key)
		return nil, nil
	}
	return pt, nil
}

func (s *SealedStore) Set(key string, value []byte, scope Scope, ttl time.Duration) error {
	ct, err := s.aead.Encrypt(value, []byte(key))
	if err != nil {
		return fmt.Errorf("encrypt failed: %w", err)
	}
	return s.base.Set(key, ct, scope, ttl)
}

func (s *SealedStore) Remove(key string) error { return s.base.Remove(key) }

func (s *SealedStore) Clear() error { return s.base.Clear() }
