package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash returns the hex BLAKE3-256 digest of a file. The loader
// records it as the configuration fingerprint.
func ComputeBlake3Hash(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", filePath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileHash fails unless the file's fingerprint equals expected,
// ignoring case and surrounding whitespace.
func VerifyFileHash(filePath, expected string) error {
	actual, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return err
	}
	if want := strings.ToLower(strings.TrimSpace(expected)); actual != want {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filepath.Base(filePath), want, actual)
	}
	return nil
}
