package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the hex BLAKE3 hash of data.
func Fingerprint(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyFingerprint fails when the file at path no longer hashes to want.
func VerifyFingerprint(path, want string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if got := Fingerprint(data); got != want {
		return fmt.Errorf("%s fingerprint is %s, expected %s", filepath.Base(path), got, want)
	}
	return nil
}
