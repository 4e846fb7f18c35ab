package vault

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// DefaultTransitMount is used when no mount path is configured.
const DefaultTransitMount = "transit"

// TransitClient encrypts and decrypts through the Vault transit engine.
type TransitClient struct {
	*Client
	mountPath string
}

// Transit returns a TransitClient for the given mount path.
func (c *Client) Transit(mountPath string) *TransitClient {
	if mountPath == "" {
		mountPath = DefaultTransitMount
	}
	return &TransitClient{Client: c, mountPath: mountPath}
}

// EnsureKey creates an aes256-gcm96 key named name unless it already exists.
func (t *TransitClient) EnsureKey(ctx context.Context, name string) error {
	path := fmt.Sprintf("%s/keys/%s", t.mountPath, name)

	secret, err := t.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("vault: failed to read transit key %s: %w", name, err)
	}
	if secret != nil && secret.Data != nil {
		return nil
	}

	_, err = t.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"type":       "aes256-gcm96",
		"exportable": false,
	})
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to create transit key", "name", name, "error", err)
		return fmt.Errorf("vault: failed to create transit key %s: %w", name, err)
	}

	t.logger.InfoContext(ctx, "transit key created", "name", name, "mount", t.mountPath)
	return nil
}

// Encrypt encrypts plaintext using the named key.
func (t *TransitClient) Encrypt(ctx context.Context, keyName string, plaintext []byte) (string, error) {
	path := fmt.Sprintf("%s/encrypt/%s", t.mountPath, keyName)

	secret, err := t.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to encrypt data", "key", keyName, "error", err)
		return "", fmt.Errorf("vault: failed to encrypt with key %s: %w", keyName, err)
	}
	return stringField(dataOf(secret), "ciphertext")
}

// Decrypt decrypts ciphertext produced by Encrypt or Rewrap.
func (t *TransitClient) Decrypt(ctx context.Context, keyName, ciphertext string) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", t.mountPath, keyName)

	secret, err := t.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": ciphertext,
	})
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to decrypt data", "key", keyName, "error", err)
		return nil, fmt.Errorf("vault: failed to decrypt with key %s: %w", keyName, err)
	}
	encoded, err := stringField(dataOf(secret), "plaintext")
	if err != nil {
		return nil, err
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

// Rewrap re-encrypts ciphertext with the latest version of the key.
func (t *TransitClient) Rewrap(ctx context.Context, keyName, ciphertext string) (string, error) {
	path := fmt.Sprintf("%s/rewrap/%s", t.mountPath, keyName)

	secret, err := t.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return "", fmt.Errorf("vault: failed to rewrap with key %s: %w", keyName, err)
	}
	return stringField(dataOf(secret), "ciphertext")
}

func dataOf(secret *api.Secret) map[string]interface{} {
	if secret == nil {
		return nil
	}
	return secret.Data
}

func stringField(data map[string]interface{}, field string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("vault: empty response")
	}
	v, ok := data[field].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("vault: invalid %s in response", field)
	}
	return v, nil
}
