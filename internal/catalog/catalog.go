// Package catalog bridges persisted configuration (internal/store) into the
// in-memory shapes the request path needs: scheduler.PhysicalModel lists,
// keypool.KeyConfig lists with key material resolved from the vault, and the
// administratively-disabled provider set. Logical model lookups are cached
// through the KeyedCache (C1) so a hot path doesn't hit SQLite per request.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/cache"
	"github.com/jordanhubbard/llmgateway/internal/keypool"
	"github.com/jordanhubbard/llmgateway/internal/scheduler"
	"github.com/jordanhubbard/llmgateway/internal/store"
	"github.com/jordanhubbard/llmgateway/internal/vault"
)

// ErrLogicalModelMissing is returned when a logical model id is not
// registered in the config store.
var ErrLogicalModelMissing = errors.New("catalog: logical model not found")

// ErrNoUpstreams is returned when a logical model has an empty upstream
// list despite being enabled.
var ErrNoUpstreams = errors.New("catalog: logical model has no upstreams")

const logicalModelCachePrefix = "catalog:logical_model:"
const logicalModelCacheTTL = 30 * time.Second
const dynamicWeightsCacheKey = "catalog:dynamic_weights"

// LogicalModel is the resolved, request-ready view of a logical model.
type LogicalModel struct {
	LogicalID  string
	Strategy   scheduler.Strategy
	Enabled    bool
	Upstreams  []scheduler.PhysicalModel
}

// Catalog resolves logical models, provider keys, and disabled providers
// from the persisted store, with logical model reads cached in C1.
type Catalog struct {
	store store.Store
	cache cache.Cache
	vault *vault.Vault
}

// New creates a Catalog backed by the given store, cache, and vault.
func New(s store.Store, c cache.Cache, v *vault.Vault) *Catalog {
	return &Catalog{store: s, cache: c, vault: v}
}

// GetLogicalModel resolves a logical model by id, consulting the cache
// before falling back to the store.
func (cat *Catalog) GetLogicalModel(ctx context.Context, logicalID string) (*LogicalModel, error) {
	if cat.cache != nil {
		if raw, err := cat.cache.Get(ctx, logicalModelCachePrefix+logicalID); err == nil {
			var lm LogicalModel
			if jsonErr := json.Unmarshal(raw, &lm); jsonErr == nil {
				return &lm, nil
			}
		}
	}

	rec, err := cat.store.GetLogicalModel(ctx, logicalID)
	if err != nil {
		return nil, fmt.Errorf("catalog: load logical model %s: %w", logicalID, err)
	}
	if rec == nil {
		return nil, ErrLogicalModelMissing
	}

	lm := &LogicalModel{
		LogicalID: rec.LogicalID,
		Strategy:  scheduler.Strategy(rec.Strategy),
		Enabled:   rec.Enabled,
		Upstreams: make([]scheduler.PhysicalModel, 0, len(rec.Upstreams)),
	}
	for _, u := range rec.Upstreams {
		lm.Upstreams = append(lm.Upstreams, scheduler.PhysicalModel{
			ProviderID: u.ProviderID,
			ModelID:    u.ModelID,
			Endpoint:   u.Endpoint,
			BaseWeight: u.BaseWeight,
			APIStyle:   u.APIStyle,
		})
	}
	if lm.Enabled && len(lm.Upstreams) == 0 {
		return nil, ErrNoUpstreams
	}

	if cat.cache != nil {
		if raw, err := json.Marshal(lm); err == nil {
			_ = cat.cache.Set(ctx, logicalModelCachePrefix+logicalID, raw, logicalModelCacheTTL)
		}
	}
	return lm, nil
}

// InvalidateLogicalModel drops a cached logical model, called after an admin
// upsert or delete so the next request sees the change immediately.
func (cat *Catalog) InvalidateLogicalModel(ctx context.Context, logicalID string) {
	if cat.cache != nil {
		_ = cat.cache.Delete(ctx, logicalModelCachePrefix+logicalID)
	}
}

// DisabledProviders returns the set of provider ids administratively
// disabled in the store.
func (cat *Catalog) DisabledProviders(ctx context.Context) (map[string]struct{}, error) {
	providers, err := cat.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list providers: %w", err)
	}
	disabled := make(map[string]struct{})
	for _, p := range providers {
		if !p.Enabled {
			disabled[p.ID] = struct{}{}
		}
	}
	return disabled, nil
}

// KeysForProvider loads key configs for a provider, with key material
// resolved from the vault under provider:{id}:key:{label}. A key whose
// secret cannot be resolved from the vault is skipped rather than failing
// the whole provider, since sibling keys may still be usable.
func (cat *Catalog) KeysForProvider(ctx context.Context, providerID string) []keypool.KeyConfig {
	rec, err := cat.store.GetProvider(ctx, providerID)
	if err != nil || rec == nil || !rec.Enabled {
		return nil
	}

	out := make([]keypool.KeyConfig, 0, len(rec.Keys))
	for _, k := range rec.Keys {
		secret, err := cat.resolveKeySecret(providerID, k.Label, rec.CredStore)
		if err != nil {
			continue
		}
		out = append(out, keypool.KeyConfig{
			Key:    secret,
			Label:  k.Label,
			Weight: k.Weight,
			MaxQPS: k.MaxQPS,
		})
	}
	return out
}

func (cat *Catalog) resolveKeySecret(providerID, label, credStore string) (string, error) {
	if credStore != "vault" || cat.vault == nil {
		return "", fmt.Errorf("catalog: provider %s has no vault-backed credentials", providerID)
	}
	return cat.vault.Get(VaultKeyName(providerID, label))
}

// VaultKeyName returns the vault key under which a provider key's secret
// material is stored.
func VaultKeyName(providerID, label string) string {
	return fmt.Sprintf("provider:%s:key:%s", providerID, label)
}

// CustomHeaders implements upstream.HeaderSource: it returns the admin
// configured custom headers for a provider, merged on top of the bearer
// auth header by the transport adapter.
func (cat *Catalog) CustomHeaders(ctx context.Context, providerID string) map[string]string {
	rec, err := cat.store.GetProvider(ctx, providerID)
	if err != nil || rec == nil {
		return nil
	}
	return rec.CustomHeaders
}

// DynamicWeights returns admin-settable per-provider weight overrides used
// by the weighted strategy, cached under a single C1 entry.
func (cat *Catalog) DynamicWeights(ctx context.Context) map[string]float64 {
	if cat.cache == nil {
		return nil
	}
	raw, err := cat.cache.Get(ctx, dynamicWeightsCacheKey)
	if err != nil {
		return nil
	}
	var weights map[string]float64
	if jsonErr := json.Unmarshal(raw, &weights); jsonErr != nil {
		return nil
	}
	return weights
}

// SetDynamicWeights persists admin-settable per-provider weight overrides.
func (cat *Catalog) SetDynamicWeights(ctx context.Context, weights map[string]float64) error {
	if cat.cache == nil {
		return errors.New("catalog: no cache configured")
	}
	raw, err := json.Marshal(weights)
	if err != nil {
		return err
	}
	return cat.cache.Set(ctx, dynamicWeightsCacheKey, raw, 0)
}
