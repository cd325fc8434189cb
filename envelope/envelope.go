/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package envelope encrypts job query strings at rest. Each encryption
// draws a fresh IV and salt, derives a key from the configured secret via
// PBKDF2, and emits base64(IV || salt || ciphertext). Decryption failures
// are deliberately opaque so ciphertext handling leaks nothing about the
// cause.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	ivSize     = 16
	saltSize   = 32
	keySize    = 32
	iterations = 100_000

	// decryptCacheSize bounds the memoized plaintext table. Scheduled
	// query jobs decrypt the same envelope every firing; the cache keeps
	// the KDF off the hot path.
	decryptCacheSize = 128
)

// ErrDecryptFailed is the single error surfaced for any decryption
// problem.
var ErrDecryptFailed = errors.New("failed to decrypt")

var commonWords = []string{
	"password", "passwort", "qwerty", "123456", "letmein",
	"welcome", "monkey", "dragon", "master", "admin", "secret",
}

// ValidateSecret checks the strength rules for a query secret: at least
// 32 characters, at least three of the four character classes, and none
// of the obvious weak patterns (character runs, monotonic sequences,
// common words).
func ValidateSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("query secret must be at least 32 characters")
	}

	var lower, upper, digit, symbol bool
	for _, r := range secret {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, symbol} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return fmt.Errorf("query secret must contain at least three of: lowercase, uppercase, digits, symbols")
	}

	lowered := strings.ToLower(secret)
	for _, word := range commonWords {
		if strings.Contains(lowered, word) {
			return fmt.Errorf("query secret must not contain common words")
		}
	}
	if hasRepeatedRun(secret, 4) {
		return fmt.Errorf("query secret must not contain runs of repeated characters")
	}
	if hasMonotonicSequence(lowered, 4) {
		return fmt.Errorf("query secret must not contain sequential characters")
	}
	return nil
}

func hasRepeatedRun(s string, n int) bool {
	run := 1
	runes := []rune(s)
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// hasMonotonicSequence detects ascending or descending runs of adjacent
// letters or digits, e.g. "abcd" or "4321".
func hasMonotonicSequence(s string, n int) bool {
	runes := []rune(s)
	asc, desc := 1, 1
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		alnum := (unicode.IsLetter(prev) && unicode.IsLetter(cur)) ||
			(unicode.IsDigit(prev) && unicode.IsDigit(cur))
		if alnum && cur == prev+1 {
			asc++
		} else {
			asc = 1
		}
		if alnum && cur == prev-1 {
			desc++
		} else {
			desc = 1
		}
		if asc >= n || desc >= n {
			return true
		}
	}
	return false
}

// Envelope encrypts and decrypts query strings with a validated secret.
type Envelope struct {
	secret []byte
	cache  *lru.Cache[string, string]
}

// New validates the secret and returns an Envelope.
func New(secret string) (*Envelope, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	cache, err := lru.New[string, string](decryptCacheSize)
	if err != nil {
		return nil, err
	}
	return &Envelope{secret: []byte(secret), cache: cache}, nil
}

// Encrypt seals plaintext into a fresh envelope. Two calls with the same
// plaintext produce distinct envelopes because IV and salt are random per
// call.
func (e *Envelope) Encrypt(plaintext string) (string, error) {
	buf := make([]byte, ivSize+saltSize+len(plaintext))
	iv := buf[:ivSize]
	salt := buf[ivSize : ivSize+saltSize]
	if _, err := rand.Read(buf[:ivSize+saltSize]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	key := pbkdf2.Key(e.secret, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	cipher.NewCTR(block, iv).XORKeyStream(buf[ivSize+saltSize:], []byte(plaintext))

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens an envelope produced by Encrypt. Any failure returns
// ErrDecryptFailed without further detail.
func (e *Envelope) Decrypt(encoded string) (string, error) {
	if plaintext, ok := e.cache.Get(encoded); ok {
		return plaintext, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptFailed
	}
	if len(raw) < ivSize+saltSize {
		return "", ErrDecryptFailed
	}
	iv := raw[:ivSize]
	salt := raw[ivSize : ivSize+saltSize]
	ciphertext := raw[ivSize+saltSize:]

	key := pbkdf2.Key(e.secret, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryptFailed
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	out := string(plaintext)
	e.cache.Add(encoded, out)
	return out, nil
}
