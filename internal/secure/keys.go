package secure

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider returns the symmetric key of the node at addr.
type KeyProvider interface {
	Key(addr uint8) ([]byte, error)
}

// KeyFunc adapts a function to KeyProvider.
type KeyFunc func(addr uint8) ([]byte, error)

func (f KeyFunc) Key(addr uint8) ([]byte, error) { return f(addr) }

// AddressHashKeys derives a key as SHA-256 of the decimal address string.
// Anyone can compute it: it stands in for a key exchange that does not exist yet.
type AddressHashKeys struct{}

func (AddressHashKeys) Key(addr uint8) ([]byte, error) {
	if addr > MaxAddress {
		return nil, fmt.Errorf("%w: address %d out of range", ErrKey, addr)
	}
	sum := sha256.Sum256([]byte(strconv.Itoa(int(addr))))
	return sum[:], nil
}

const hkdfKeySize = 32

// HKDFKeys derives per-node keys from a pre-shared secret with HKDF-SHA256,
// using Info and the address as the context string.
type HKDFKeys struct {
	Secret []byte
	Salt   []byte
	Info   string
}

func (k HKDFKeys) Key(addr uint8) ([]byte, error) {
	if addr > MaxAddress {
		return nil, fmt.Errorf("%w: address %d out of range", ErrKey, addr)
	}
	if len(k.Secret) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrKey, errors.New("empty hkdf secret"))
	}
	info := k.Info
	if info == "" {
		info = "secure-can-node-v1"
	}
	r := hkdf.New(sha256.New, k.Secret, k.Salt, []byte(info+":"+strconv.Itoa(int(addr))))
	out := make([]byte, hkdfKeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}
	return out, nil
}
