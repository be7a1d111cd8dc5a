package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const backupCodeCount = 10

// GenerateBackupCodes returns single-use recovery codes alongside the
// hashes to persist. The plaintext codes are shown to the user once and
// never stored.
func GenerateBackupCodes() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	hashes = make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		raw := make([]byte, 4)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		code := strings.ToUpper(hex.EncodeToString(raw))
		codes = append(codes, code)
		hashes = append(hashes, HashBackupCode(code))
	}
	return codes, hashes, nil
}

func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

// ConsumeBackupCode matches the provided code against the stored hashes.
// On a match it returns true and the remaining hashes with the matched one
// removed, so a code can never be replayed.
func ConsumeBackupCode(storedHashes []string, provided string) (bool, []string) {
	target := HashBackupCode(provided)
	for i, stored := range storedHashes {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(target)) == 1 {
			remaining := make([]string, 0, len(storedHashes)-1)
			remaining = append(remaining, storedHashes[:i]...)
			remaining = append(remaining, storedHashes[i+1:]...)
			return true, remaining
		}
	}
	return false, storedHashes
}
