package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CleanText normalizes OCR output: whitespace runs collapse to one space and
// single-character fragments that are not letters or digits are dropped.
func CleanText(raw string) string {
	fields := strings.Fields(raw)
	kept := fields[:0]
	for _, field := range fields {
		if utf8.RuneCountInString(field) == 1 {
			r, _ := utf8.DecodeRuneInString(field)
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				continue
			}
		}
		kept = append(kept, field)
	}
	return strings.Join(kept, " ")
}

// Fingerprint hashes cleaned text case-insensitively.
func Fingerprint(cleaned string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(cleaned)))
	return hex.EncodeToString(sum[:])
}
