package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/llmgateway/internal/catalog"
	"github.com/jordanhubbard/llmgateway/internal/store"
)

// parsePagination reads limit/offset query params, defaulting to a page of
// 50 and capping at 500 so a careless dashboard query can't force a full
// table scan back over the wire.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func audit(d Dependencies, r *http.Request, action, resource, detail string) {
	if d.Store == nil {
		return
	}
	_ = d.Store.LogAudit(r.Context(), store.AuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// providerKeyInput is the wire shape for a provider key on upsert: it
// carries the plaintext secret, which is written to the vault and stripped
// from the persisted ProviderRecord.
type providerKeyInput struct {
	Label  string  `json:"label"`
	Secret string  `json:"secret"`
	Weight float64 `json:"weight"`
	MaxQPS int     `json:"max_qps,omitempty"`
}

type providerInput struct {
	Name          string             `json:"name"`
	Type          string             `json:"type"`
	BaseURL       string             `json:"base_url"`
	Enabled       bool               `json:"enabled"`
	Keys          []providerKeyInput `json:"keys"`
	CustomHeaders map[string]string  `json:"custom_headers,omitempty"`
}

func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := d.Store.ListProviders(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, providers)
	}
}

// ProvidersUpsertHandler creates or replaces a provider. Key secrets are
// written to the vault under provider:{id}:key:{label} and never persisted
// in the store record itself.
func ProvidersUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var in providerInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if d.Vault == nil || d.Vault.IsLocked() {
			jsonError(w, "vault is locked", http.StatusConflict)
			return
		}

		keys := make([]store.ProviderKeyRecord, 0, len(in.Keys))
		for _, k := range in.Keys {
			if err := d.Vault.Set(catalog.VaultKeyName(id, k.Label), k.Secret); err != nil {
				jsonError(w, "vault set: "+err.Error(), http.StatusInternalServerError)
				return
			}
			keys = append(keys, store.ProviderKeyRecord{Label: k.Label, Weight: k.Weight, MaxQPS: k.MaxQPS})
		}

		rec := store.ProviderRecord{
			ID:            id,
			Name:          in.Name,
			Type:          in.Type,
			BaseURL:       in.BaseURL,
			Enabled:       in.Enabled,
			CredStore:     "vault",
			Keys:          keys,
			CustomHeaders: in.CustomHeaders,
		}
		if err := d.Store.UpsertProvider(r.Context(), rec); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		persistVault(r.Context(), d)
		audit(d, r, "provider.upsert", id, "")
		writeJSON(w, rec)
	}
}

// ProvidersPatchHandler supports the common partial update: flipping a
// provider's enabled flag without resupplying its keys.
func ProvidersPatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := d.Store.GetProvider(r.Context(), id)
		if err != nil || rec == nil {
			jsonError(w, "provider not found", http.StatusNotFound)
			return
		}
		var patch struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if patch.Enabled != nil {
			rec.Enabled = *patch.Enabled
		}
		if err := d.Store.UpsertProvider(r.Context(), *rec); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "provider.patch", id, "")
		writeJSON(w, rec)
	}
}

func ProvidersDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := d.Store.GetProvider(r.Context(), id)
		if err == nil && rec != nil && d.Vault != nil {
			for _, k := range rec.Keys {
				d.Vault.Delete(catalog.VaultKeyName(id, k.Label))
			}
			persistVault(r.Context(), d)
		}
		if err := d.Store.DeleteProvider(r.Context(), id); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "provider.delete", id, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func persistVault(ctx context.Context, d Dependencies) {
	if d.Vault == nil || d.Store == nil {
		return
	}
	_ = d.Store.SaveVaultBlob(ctx, d.Vault.Salt(), d.Vault.Export())
}

func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := d.Store.ListLogicalModels(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, models)
	}
}

func ModelsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var rec store.LogicalModelRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		rec.LogicalID = id
		rec.UpdatedAt = time.Now()
		if err := d.Store.UpsertLogicalModel(r.Context(), rec); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Catalog != nil {
			d.Catalog.InvalidateLogicalModel(r.Context(), id)
		}
		audit(d, r, "logical_model.upsert", id, "")
		writeJSON(w, rec)
	}
}

func ModelsPatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := d.Store.GetLogicalModel(r.Context(), id)
		if err != nil || rec == nil {
			jsonError(w, "logical model not found", http.StatusNotFound)
			return
		}
		var patch struct {
			Enabled  *bool   `json:"enabled"`
			Strategy *string `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if patch.Enabled != nil {
			rec.Enabled = *patch.Enabled
		}
		if patch.Strategy != nil {
			rec.Strategy = *patch.Strategy
		}
		rec.UpdatedAt = time.Now()
		if err := d.Store.UpsertLogicalModel(r.Context(), *rec); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Catalog != nil {
			d.Catalog.InvalidateLogicalModel(r.Context(), id)
		}
		audit(d, r, "logical_model.patch", id, "")
		writeJSON(w, rec)
	}
}

func ModelsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Store.DeleteLogicalModel(r.Context(), id); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Catalog != nil {
			d.Catalog.InvalidateLogicalModel(r.Context(), id)
		}
		audit(d, r, "logical_model.delete", id, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func RoutingConfigGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := d.Store.LoadRoutingConfig(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, cfg)
	}
}

func RoutingConfigSetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg store.RoutingConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.Store.SaveRoutingConfig(r.Context(), cfg); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "routing_config.set", "default", "")
		writeJSON(w, cfg)
	}
}

func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Health == nil {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, d.Health.AllStats())
	}
}

func RoutingStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.RouteStats == nil {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, d.RouteStats.All())
	}
}

func SessionGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "conversationId")
		if d.Coordinator == nil || d.Coordinator.Sessions == nil {
			jsonError(w, "session store unavailable", http.StatusServiceUnavailable)
			return
		}
		sess, err := d.Coordinator.Sessions.Get(r.Context(), id)
		if err != nil {
			jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, sess)
	}
}

func SessionDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "conversationId")
		if d.Coordinator == nil || d.Coordinator.Sessions == nil {
			jsonError(w, "session store unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := d.Coordinator.Sessions.Delete(r.Context(), id); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "session.delete", id, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := parsePagination(r)
		entries, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	}
}

func RequestLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := parsePagination(r)
		entries, err := d.Store.ListRequestLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	}
}

func AdminTokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.AdminToken == nil {
			jsonError(w, "admin token not configured", http.StatusServiceUnavailable)
			return
		}
		newToken, err := d.AdminToken.Rotate(d.Logger)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "admin_token.rotate", "admin", "")
		writeJSON(w, map[string]string{"token": newToken})
	}
}

func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		if err := d.Vault.Unlock([]byte(body.Password)); err != nil {
			jsonError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		audit(d, r, "vault.unlock", "vault", "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		d.Vault.Lock()
		audit(d, r, "vault.lock", "vault", "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func VaultRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OldPassword string `json:"old_password"`
			NewPassword string `json:"new_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		if err := d.Vault.RotatePassword([]byte(body.OldPassword), []byte(body.NewPassword)); err != nil {
			jsonError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		persistVault(r.Context(), d)
		audit(d, r, "vault.rotate", "vault", "")
		w.WriteHeader(http.StatusNoContent)
	}
}
