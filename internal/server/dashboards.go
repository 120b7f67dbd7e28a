package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/joshp123/moenhome/internal/core"
)

type dashboardEntry struct {
	data []byte
	etag string
}

type dashboardIndexItem struct {
	PluginID string `json:"plugin_id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// DashboardsHandler serves each asset at its path with a content ETag, and
// the list of assets at /dashboards/.
func DashboardsHandler(assets []core.DashboardAsset) http.Handler {
	entries := make(map[string]dashboardEntry, len(assets))
	index := make([]dashboardIndexItem, 0, len(assets))
	for _, asset := range assets {
		sum := sha256.Sum256(asset.JSON)
		entries[asset.Path] = dashboardEntry{data: asset.JSON, etag: `"` + hex.EncodeToString(sum[:8]) + `"`}
		index = append(index, dashboardIndexItem{PluginID: asset.PluginID, Name: asset.Name, Path: asset.Path})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/dashboards/" || r.URL.Path == "/dashboards" {
			_ = json.NewEncoder(w).Encode(map[string]any{"dashboards": index})
			return
		}
		entry, ok := entries[r.URL.Path]
		if !ok {
			w.Header().Del("Content-Type")
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("ETag", entry.etag)
		if r.Header.Get("If-None-Match") == entry.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write(entry.data)
	})
}
