// Package kms provides context-bound envelope encryption for tokenized values.
package kms

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrUnknownKey      = errors.New("kms: unknown key id")
	ErrContextMismatch = errors.New("kms: ciphertext does not match encryption context")
	ErrMalformed       = errors.New("kms: malformed ciphertext")
)

const envelopeVersion byte = 1

// EncryptionContext is authenticated alongside the ciphertext; decrypt must present the
// exact same pairs.
type EncryptionContext map[string]string

func (ec EncryptionContext) canonical() []byte {
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(ec[k])
		b.WriteByte(0)
	}
	return []byte(b.String())
}

type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte, keyID string, ec EncryptionContext) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error)
	ActiveKeyID() string
}

// Keyring derives a fresh AEAD key per (master key, nonce, context) with HKDF-SHA256.
type Keyring struct {
	keys   map[string][]byte
	active string
}

func NewKeyring(active string, keys map[string][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("kms: no master keys configured")
	}
	out := make(map[string][]byte, len(keys))
	for id, k := range keys {
		id = strings.TrimSpace(id)
		if id == "" || len(id) > 255 {
			return nil, fmt.Errorf("kms: invalid key id %q", id)
		}
		if len(k) < 32 {
			return nil, fmt.Errorf("kms: key %q shorter than 32 bytes", id)
		}
		out[id] = append([]byte(nil), k...)
	}
	if _, ok := out[active]; !ok {
		return nil, fmt.Errorf("%w: active key %q", ErrUnknownKey, active)
	}
	return &Keyring{keys: out, active: active}, nil
}

// ParseKeys parses "id1:base64,id2:base64".
func ParseKeys(raw string) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("kms: bad key entry %q", part)
		}
		k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("kms: decode key %q: %w", kv[0], err)
		}
		out[strings.TrimSpace(kv[0])] = k
	}
	return out, nil
}

func (k *Keyring) ActiveKeyID() string { return k.active }

func (k *Keyring) Encrypt(ctx context.Context, plaintext []byte, keyID string, ec EncryptionContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if keyID == "" {
		keyID = k.active
	}
	master, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	aad := ec.canonical()
	aead, err := deriveAEAD(master, nonce, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(keyID)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, envelopeVersion, byte(len(keyID)))
	out = append(out, keyID...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

func (k *Keyring) Decrypt(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ciphertext) < 2 || ciphertext[0] != envelopeVersion {
		return nil, ErrMalformed
	}
	idLen := int(ciphertext[1])
	rest := ciphertext[2:]
	if len(rest) < idLen+chacha20poly1305.NonceSizeX {
		return nil, ErrMalformed
	}
	keyID := string(rest[:idLen])
	nonce := rest[idLen : idLen+chacha20poly1305.NonceSizeX]
	sealed := rest[idLen+chacha20poly1305.NonceSizeX:]

	master, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	aad := ec.canonical()
	aead, err := deriveAEAD(master, nonce, aad)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrContextMismatch
	}
	return plain, nil
}

func deriveAEAD(master, salt, info []byte) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, info), key); err != nil {
		return nil, fmt.Errorf("kms: derive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}
