// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keystore stores per-provider API keys encrypted at rest with
// AES-256-GCM. The data key is derived with PBKDF2-SHA-256 from a random
// master secret kept beside the store file with 0600 permissions. Keys are
// loaded into memory on demand and never written to logs.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/morganforge/chatrelay/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// EncryptedPrefix marks a stored value as encrypted
// (format: ENC:base64(nonce|ciphertext|tag)).
const EncryptedPrefix = "ENC:"

// NonceSize is the AES-GCM nonce size (96 bits).
const NonceSize = 12

// KeySize is the AES-256 key size.
const KeySize = 32

// SaltSize is the key derivation salt size.
const SaltSize = 32

// PBKDF2Iterations is the PBKDF2-SHA-256 iteration count.
const PBKDF2Iterations = 600000

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoKey is returned when a provider has no stored key.
	ErrNoKey = errors.New("no api key stored for provider")

	// ErrInvalidCiphertext indicates a stored value that cannot be parsed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed indicates a wrong key or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// zeroBytes zeros sensitive byte slices after use.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// KEYSTORE
// =============================================================================

// storeFile is the on-disk shape: provider ID to encrypted value.
type storeFile struct {
	Keys map[string]string `json:"keys"`
}

// Keystore holds provider API keys encrypted at rest.
type Keystore struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
	keys map[string]string // provider -> ENC:... value
}

// Open loads (or creates) the keystore under dataDir. A fresh master secret
// and salt are generated on first use.
func Open(dataDir string) (*Keystore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	secret, salt, err := loadOrCreateSecret(filepath.Join(dataDir, "master.key"))
	if err != nil {
		return nil, err
	}
	key := pbkdf2.Key(secret, salt, PBKDF2Iterations, KeySize, sha256.New)
	defer zeroBytes(key)
	defer zeroBytes(secret)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	ks := &Keystore{
		path: filepath.Join(dataDir, "keys.json"),
		aead: aead,
		keys: make(map[string]string),
	}
	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

// loadOrCreateSecret reads the master secret and salt, creating both with a
// single random read each on first run. Layout: secret then salt.
func loadOrCreateSecret(path string) ([]byte, []byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize+SaltSize {
			return nil, nil, fmt.Errorf("master key file is corrupt: %s", path)
		}
		return data[:KeySize], data[KeySize:], nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to read master key: %w", err)
	}

	buf := make([]byte, KeySize+SaltSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, nil, fmt.Errorf("failed to generate master secret: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf, 0600); err != nil {
		return nil, nil, fmt.Errorf("failed to store master secret: %w", err)
	}
	return buf[:KeySize], buf[KeySize:], nil
}

// load reads the store file if present.
func (k *Keystore) load() error {
	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read keystore: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("keystore file is corrupt: %w", err)
	}
	if f.Keys != nil {
		k.keys = f.Keys
	}
	return nil
}

// persist writes the store file atomically.
func (k *Keystore) persist() error {
	data, err := json.MarshalIndent(storeFile{Keys: k.keys}, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(k.path, data, 0600)
}

// =============================================================================
// KEY OPERATIONS
// =============================================================================

// Set encrypts and stores a provider's API key.
func (k *Keystore) Set(providerID, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return errors.New("api key must not be empty")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	enc, err := k.encrypt(apiKey)
	if err != nil {
		return err
	}
	k.keys[providerID] = enc
	return k.persist()
}

// APIKey decrypts and returns a provider's key. Implements the key source
// contract used by the request controller.
func (k *Keystore) APIKey(providerID string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	enc, ok := k.keys[providerID]
	if !ok {
		return "", ErrNoKey
	}
	return k.decrypt(enc)
}

// Delete removes a provider's key.
func (k *Keystore) Delete(providerID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.keys[providerID]; !ok {
		return ErrNoKey
	}
	delete(k.keys, providerID)
	return k.persist()
}

// List returns the provider IDs with stored keys, sorted.
func (k *Keystore) List() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]string, 0, len(k.keys))
	for id := range k.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Masked returns a provider's key masked for display.
func (k *Keystore) Masked(providerID string) (string, error) {
	key, err := k.APIKey(providerID)
	if err != nil {
		return "", err
	}
	return util.MaskSecret(key), nil
}

// =============================================================================
// ENCRYPTION
// =============================================================================

// encrypt seals a plaintext value as ENC:base64(nonce|ciphertext|tag).
func (k *Keystore) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt opens a value produced by encrypt.
func (k *Keystore) decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return "", ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < NonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := k.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value carries the encrypted marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}
