// Package vault seals and opens per-user provider credentials. Keys are
// derived per user from a process-wide master key, so blobs leaking from the
// store are useless without it and a blob from one user cannot be opened as
// another's. Any tampering or wrong key fails closed: the caller must treat
// the integration as disconnected.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/example/calendar-assistant/internal/connector"
)

// ErrSealBroken is returned when a blob fails authentication or decoding.
// Callers must treat the owning integration as disconnected.
var ErrSealBroken = errors.New("vault: sealed credential cannot be opened")

// ErrMasterKeySize is returned when the vault is built with a key of the
// wrong length.
var ErrMasterKeySize = errors.New("vault: master key must be 32 bytes")

// Vault derives per-user keys and performs authenticated encryption of
// credential records.
type Vault struct {
	masterKey []byte
	now       func() time.Time
}

// New constructs a vault around a 32-byte master key.
func New(masterKey []byte, now func() time.Time) (*Vault, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, ErrMasterKeySize
	}
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Vault{masterKey: key, now: now}, nil
}

// Seal encrypts the credentials under the user's derived key. The output is
// nonce || ciphertext.
func (v *Vault) Seal(userID string, creds connector.Credentials) ([]byte, error) {
	aead, err := v.userCipher(userID)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("vault: encode credentials: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(userID)), nil
}

// Open decrypts a sealed blob for the user. A corrupted blob, a blob sealed
// for a different user, or one sealed under another master key all return
// ErrSealBroken.
func (v *Vault) Open(userID string, blob []byte) (connector.Credentials, error) {
	aead, err := v.userCipher(userID)
	if err != nil {
		return connector.Credentials{}, err
	}
	if len(blob) < aead.NonceSize() {
		return connector.Credentials{}, ErrSealBroken
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return connector.Credentials{}, ErrSealBroken
	}
	var creds connector.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return connector.Credentials{}, ErrSealBroken
	}
	return creds, nil
}

// Refresh opens the blob, exchanges it through the connector's token refresh
// when it is stale, and reseals. The second return reports whether a refresh
// actually happened. Decrypted values stay inside this call.
func (v *Vault) Refresh(ctx context.Context, userID string, blob []byte, conn connector.Connector) ([]byte, bool, error) {
	creds, err := v.Open(userID, blob)
	if err != nil {
		return nil, false, err
	}
	if !creds.NeedsRefresh(v.now()) {
		return blob, false, nil
	}
	refreshed, err := conn.RefreshToken(ctx, creds)
	if err != nil {
		return nil, false, err
	}
	sealed, err := v.Seal(userID, refreshed)
	if err != nil {
		return nil, false, err
	}
	return sealed, true, nil
}

// WithCredentials opens the blob, hands the plaintext to fn, and guarantees
// the decrypted form does not escape the call scope.
func (v *Vault) WithCredentials(userID string, blob []byte, fn func(connector.Credentials) error) error {
	creds, err := v.Open(userID, blob)
	if err != nil {
		return err
	}
	return fn(creds)
}

func (v *Vault) userCipher(userID string) (cipher.AEAD, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, v.masterKey, nil, []byte("credential:"+userID))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return chacha20poly1305.New(derived)
}
