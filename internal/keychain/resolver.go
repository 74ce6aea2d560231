package keychain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/noetl/noetl/internal/credential"
)

// Resolver is the C9 component: resolves a logical keychain name to its
// decrypted secret material, consulting the worker-local cache before
// the repository. When an auto_renew entry is within renewBuffer of its
// expiry it logs a warning; it does not run renew_config or replace the
// entry.
type Resolver struct {
	repo        *Repository
	cache       *Cache
	encryption  *credential.EncryptionService
	masker      *credential.Masker
	renewBuffer time.Duration
	logger      *slog.Logger
}

// NewResolver constructs a Resolver. kmsClient satisfies
// credential.KMSClientInterface; pass the teacher's *credential.KMSClient
// when KeychainConfig.UseKMS is set, or a no-KMS stand-in otherwise.
func NewResolver(repo *Repository, cache *Cache, kmsClient credential.KMSClientInterface, renewBuffer time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		repo:        repo,
		cache:       cache,
		encryption:  credential.NewEncryptionService(kmsClient),
		masker:      credential.NewMasker(),
		renewBuffer: renewBuffer,
		logger:      logger,
	}
}

// Resolve returns the decrypted secret value for (catalog_id, name,
// scope[, execution_id]). A cache hit skips decryption entirely.
func (r *Resolver) Resolve(ctx context.Context, catalogID int64, name string, scope Scope, executionID *int64) (map[string]interface{}, error) {
	if cached, ok := r.cache.Get(ctx, catalogID, name, scope, executionID); ok {
		return cached, nil
	}

	entry, err := r.repo.Get(ctx, catalogID, name, scope, executionID)
	if err != nil {
		return nil, fmt.Errorf("keychain: resolve %q: %w", name, err)
	}

	if entry.ExpiresAt != nil && entry.AutoRenew && time.Now().After(entry.ExpiresAt.Add(-r.renewBuffer)) {
		r.logger.Warn("keychain entry nearing expiry, auto_renew due",
			"catalog_id", catalogID, "keychain_name", name, "expires_at", entry.ExpiresAt)
		// Actual secret-source refresh is external to this core (the
		// credential's origin — a vault, an OAuth2 token endpoint — is
		// out of scope per spec.md §1); this only flags the condition
		// for an operator or external renewer to act on.
	}

	data, err := r.encryption.Decrypt(ctx, entry.EncryptedData, entry.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("keychain: decrypt %q: %w", name, err)
	}

	if err := r.cache.Set(ctx, catalogID, name, scope, executionID, data.Value); err != nil {
		r.logger.Warn("keychain: failed to cache resolved secret", "keychain_name", name, "error", err)
	}

	return data.Value, nil
}

// Store encrypts and upserts a new secret value.
func (r *Resolver) Store(ctx context.Context, catalogID int64, name string, scope Scope, executionID *int64, value map[string]interface{}, expiresAt *time.Time, autoRenew bool, renewConfig map[string]interface{}) error {
	encryptedData, encryptedKey, err := r.encryption.Encrypt(ctx, &credential.CredentialData{Value: value})
	if err != nil {
		return fmt.Errorf("keychain: encrypt %q: %w", name, err)
	}

	entry := &Entry{
		CatalogID:     catalogID,
		KeychainName:  name,
		Scope:         scope,
		ExecutionID:   executionID,
		EncryptedData: encryptedData,
		EncryptedKey:  encryptedKey,
		ExpiresAt:     expiresAt,
		AutoRenew:     autoRenew,
		RenewConfig:   JSONMap(renewConfig),
		CreatedAt:     time.Now(),
	}
	if err := r.repo.Upsert(ctx, entry); err != nil {
		return err
	}
	return r.cache.Invalidate(ctx, catalogID, name, scope, executionID)
}

// MaskForLogging redacts every secret value resolved so far from a data
// structure before it can reach an emitted event, enforcing the
// invariant that decrypted credential material never appears in any
// event (spec.md §4.9 is silent on this explicitly, but §4.8's event
// lineage requirements imply it — masking uses the teacher's
// credential.Masker unchanged).
func (r *Resolver) MaskForLogging(secrets []string, data map[string]interface{}) map[string]interface{} {
	return r.masker.MaskJSON(data, secrets)
}
