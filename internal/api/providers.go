package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/argus/internal/provider"
)

func (a *API) handleProviders(w http.ResponseWriter, r *http.Request) {
	types := a.providers.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": names})
}

func (a *API) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	t := provider.Type(chi.URLParam(r, "type"))

	if _, err := a.providers.Resolve(t); err != nil {
		a.writeError(w, r, err, "failed to resolve provider", "provider", string(t))
		return
	}

	var cfg provider.Config
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&cfg); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, a.providers.Status(r.Context(), t, cfg))
}
