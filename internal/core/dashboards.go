package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DashboardAsset is a dashboard addressed by its HTTP path.
type DashboardAsset struct {
	PluginID string
	Name     string
	Path     string
	JSON     []byte
}

// CollectDashboards lists every plugin dashboard sorted by path. Assets with
// an unsafe name or invalid JSON are rejected so a broken embed fails startup
// instead of a Grafana import.
func CollectDashboards(plugins []Plugin) ([]DashboardAsset, error) {
	var out []DashboardAsset
	seen := make(map[string]bool)
	for _, plugin := range plugins {
		pluginID := plugin.Manifest().PluginID
		for _, dash := range plugin.Dashboards() {
			if dash.Name == "" || strings.ContainsAny(dash.Name, `/\`) || strings.HasPrefix(dash.Name, ".") {
				return nil, fmt.Errorf("plugin %s: invalid dashboard name %q", pluginID, dash.Name)
			}
			if !json.Valid(dash.JSON) {
				return nil, fmt.Errorf("plugin %s: dashboard %s is not valid JSON", pluginID, dash.Name)
			}
			path := dashboardPath(pluginID, dash.Name)
			if seen[path] {
				return nil, fmt.Errorf("plugin %s: duplicate dashboard %s", pluginID, dash.Name)
			}
			seen[path] = true
			out = append(out, DashboardAsset{PluginID: pluginID, Name: dash.Name, Path: path, JSON: dash.JSON})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// WriteDashboards provisions assets under dir/<plugin>/<name>.json. Files are
// replaced by rename so Grafana never reads a partial dashboard.
func WriteDashboards(dir string, assets []DashboardAsset) error {
	if dir == "" {
		return nil
	}
	for _, asset := range assets {
		pluginDir := filepath.Join(dir, asset.PluginID)
		if err := os.MkdirAll(pluginDir, 0o755); err != nil {
			return fmt.Errorf("create dashboard dir: %w", err)
		}
		target := filepath.Join(pluginDir, asset.Name+".json")
		tmp, err := os.CreateTemp(pluginDir, "."+asset.Name+"-*.json")
		if err != nil {
			return fmt.Errorf("write dashboard %s: %w", target, err)
		}
		_, werr := tmp.Write(asset.JSON)
		cerr := tmp.Close()
		if werr == nil {
			werr = cerr
		}
		if werr == nil {
			werr = os.Chmod(tmp.Name(), 0o644)
		}
		if werr == nil {
			werr = os.Rename(tmp.Name(), target)
		}
		if werr != nil {
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("write dashboard %s: %w", target, werr)
		}
	}
	return nil
}

func dashboardPath(pluginID, name string) string {
	return "/dashboards/" + pluginID + "/" + name + ".json"
}
