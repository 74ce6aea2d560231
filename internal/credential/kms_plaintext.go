package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// PlaintextKMSClient implements KMSClientInterface without calling out to
// AWS KMS, for deployments that run with KeychainConfig.UseKMS disabled
// (local development, CI, LocalStack-less test environments). Each
// generated data key is wrapped with a process-local master key instead
// of a KMS CMK, so envelope encryption still round-trips through
// EncryptionService unchanged; it just isn't protected by a real HSM.
type PlaintextKMSClient struct {
	masterKey [DataKeySize]byte
}

// NewPlaintextKMSClient creates a KMS stand-in seeded with a random
// master key. The key lives only for the process lifetime, so data
// wrapped by one instance cannot be unwrapped by another — acceptable
// for the non-KMS deployment mode this exists for, where credentials
// are re-resolved from the keychain rather than persisted across
// restarts of the wrapping key itself.
func NewPlaintextKMSClient() *PlaintextKMSClient {
	var key [DataKeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		panic(fmt.Errorf("credential: failed to seed plaintext KMS master key: %w", err))
	}
	return &PlaintextKMSClient{masterKey: key}
}

// GenerateDataKey generates a random AES-256 data key and wraps it with
// the process master key using AES-GCM. keyID and encryptionContext are
// accepted for interface compatibility but do not affect wrapping.
func (c *PlaintextKMSClient) GenerateDataKey(ctx context.Context, keyID string, encryptionContext map[string]string) ([]byte, []byte, error) {
	plainKey := make([]byte, DataKeySize)
	if _, err := io.ReadFull(rand.Reader, plainKey); err != nil {
		return nil, nil, &KMSError{Op: "GenerateDataKey", KeyID: keyID, Err: fmt.Errorf("failed to generate data key: %w", err)}
	}

	wrapped, err := c.wrap(plainKey)
	if err != nil {
		return nil, nil, &KMSError{Op: "GenerateDataKey", KeyID: keyID, Err: err}
	}

	return plainKey, wrapped, nil
}

// DecryptDataKey unwraps a data key previously wrapped by GenerateDataKey.
func (c *PlaintextKMSClient) DecryptDataKey(ctx context.Context, encryptedKey []byte, encryptionContext map[string]string) ([]byte, error) {
	plainKey, err := c.unwrap(encryptedKey)
	if err != nil {
		return nil, &KMSError{Op: "DecryptDataKey", Err: err}
	}
	return plainKey, nil
}

func (c *PlaintextKMSClient) wrap(plainKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.masterKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plainKey, nil)
	wrapped := make([]byte, len(nonce)+len(sealed))
	copy(wrapped[:NonceSize], nonce)
	copy(wrapped[NonceSize:], sealed)
	return wrapped, nil
}

func (c *PlaintextKMSClient) unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < NonceSize+1 {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(c.masterKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := wrapped[:NonceSize]
	ciphertext := wrapped[NonceSize:]
	plainKey, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	return plainKey, nil
}
