// Package chatcrypto encrypts pairwise chat bodies under a key derived from
// the two participants.
package chatcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// KeySize is the length in bytes of a derived chat key.
const KeySize = sha256.Size

// Key is an AES-256 key shared by exactly two participants.
type Key [KeySize]byte

// ErrDecryption is returned for malformed envelopes, wrong keys and
// tampered ciphertext.
var ErrDecryption = errors.New("chatcrypto: decryption failed")

// DeriveKey returns the key for the pair (a, b). Argument order does not
// matter. The sorted identities are joined without a separator before
// hashing, so ("ab", "c") and ("a", "bc") share a key.
func DeriveKey(a, b string) Key {
	pair := []string{a, b}
	sort.Strings(pair)
	return Key(sha256.Sum256([]byte(pair[0] + pair[1])))
}

// Encrypt seals plaintext with AES-256-CBC under a fresh random IV. The
// envelope is hex(iv):hex(ciphertext):hex(tag) where tag is an HMAC-SHA256
// over iv and ciphertext.
func Encrypt(plaintext string, key Key) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}
	padded := pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" +
		hex.EncodeToString(ciphertext) + ":" +
		hex.EncodeToString(tag(key, iv, ciphertext)), nil
}

// Decrypt opens an envelope produced by Encrypt. Two-part envelopes without a
// tag are accepted for records written before tags were introduced.
func Decrypt(envelope string, key Key) (string, error) {
	ivHex, rest, ok := strings.Cut(envelope, ":")
	if !ok {
		return "", ErrDecryption
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrDecryption
	}

	ctHex, tagHex, tagged := strings.Cut(rest, ":")
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrDecryption
	}
	if tagged {
		got, err := hex.DecodeString(tagHex)
		if err != nil || !hmac.Equal(got, tag(key, iv, ciphertext)) {
			return "", ErrDecryption
		}
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", ErrDecryption
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	plain, err = unpad(plain, aes.BlockSize)
	if err != nil || !utf8.Valid(plain) {
		return "", ErrDecryption
	}
	return string(plain), nil
}

func macKey(key Key) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte("crewboard/chat-envelope"))
	return mac.Sum(nil)
}

func tag(key Key, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, macKey(key))
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, ErrDecryption
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, ErrDecryption
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrDecryption
		}
	}
	return data[:len(data)-n], nil
}
