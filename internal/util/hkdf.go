package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands the master secret into an independent AESKeySize key
// for the purpose named by info.
func DeriveKey(master, salt []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("deriving %q key: empty master secret", info)
	}
	r := hkdf.New(sha256.New, master, salt, []byte(info))
	k := make([]byte, AESKeySize)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
