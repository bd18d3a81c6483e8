package httpapi

import (
	"encoding/json"
	"net/http"
)

// HealthzHandler reports liveness and a readiness summary: how many
// providers and logical models are currently configured and enabled.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		providers, err := d.Store.ListProviders(ctx)
		if err != nil {
			jsonError(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		models, err := d.Store.ListLogicalModels(ctx)
		if err != nil {
			jsonError(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}

		enabledProviders := 0
		for _, p := range providers {
			if p.Enabled {
				enabledProviders++
			}
		}
		enabledModels := 0
		for _, m := range models {
			if m.Enabled {
				enabledModels++
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":              "ok",
			"providers_total":     len(providers),
			"providers_enabled":   enabledProviders,
			"logical_models_total":   len(models),
			"logical_models_enabled": enabledModels,
			"vault_locked":        d.Vault != nil && d.Vault.IsLocked(),
		})
	}
}
