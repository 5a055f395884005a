// Package model defines the configuration document shapes shared between the
// remote repository snapshot and the local document store.
package model

import "time"

// Source is a data-source definition. The structural fields are owned by the
// team repository; the runtime fields are local-only execution state and are
// never written to (or read from) the remote snapshot.
type Source struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Path           string   `json:"path,omitempty"`
	Method         string   `json:"method,omitempty"`
	Filters        []string `json:"filters,omitempty"`
	RefreshSeconds int      `json:"refreshSeconds,omitempty"`

	// Local-only runtime state, carried over on merge.
	Content       string     `json:"content,omitempty"`
	LastRefreshed *time.Time `json:"lastRefreshed,omitempty"`
	NextRefresh   *time.Time `json:"nextRefresh,omitempty"`
	Active        bool       `json:"active,omitempty"`
}

// Rule is a single rewrite rule. Rules are grouped by type in the rules
// document and carry no local-only state.
type Rule struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Pattern     string            `json:"pattern"`
	Enabled     bool              `json:"enabled"`
	Values      map[string]string `json:"values,omitempty"`
	Description string            `json:"description,omitempty"`
}

// ProxyRule routes matching requests to a target.
type ProxyRule struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"`
	Target  string `json:"target"`
	Enabled bool   `json:"enabled"`
}

// VariableDef declares a variable in the shared environment schema.
type VariableDef struct {
	Name        string `json:"name"`
	IsSecret    bool   `json:"isSecret,omitempty"`
	Description string `json:"description,omitempty"`
}

// EnvironmentSchema is the team-shared declaration of which variables exist.
type EnvironmentSchema struct {
	Variables []VariableDef `json:"variables"`
}

// EnvVar holds a single variable value. Values marked secret stay local and
// are the subject of the merge data-loss guards.
type EnvVar struct {
	Value    string `json:"value"`
	IsSecret bool   `json:"isSecret,omitempty"`
}

// Environments is the environments document: named variable sets plus the
// locally-active selection.
type Environments struct {
	Active       string                      `json:"active,omitempty"`
	Environments map[string]map[string]EnvVar `json:"environments"`
}

// NonEmptyValueCount returns the number of variables across all environments
// that carry a non-empty value.
func (e *Environments) NonEmptyValueCount() int {
	if e == nil {
		return 0
	}
	var n int
	for _, vars := range e.Environments {
		for _, v := range vars {
			if v.Value != "" {
				n++
			}
		}
	}
	return n
}

// ConfigDocument is the union of all per-concern documents. It exists both as
// a remote snapshot read from the cloned tree and as the local on-disk state.
type ConfigDocument struct {
	Sources      []Source          `json:"sources,omitempty"`
	Rules        map[string][]Rule `json:"rules,omitempty"`
	ProxyRules   []ProxyRule       `json:"proxyRules,omitempty"`
	Schema       EnvironmentSchema `json:"environmentSchema"`
	Environments Environments      `json:"environments"`
}

// Document file names inside both the repository config root and the local
// per-workspace store.
const (
	FileSources      = "sources.json"
	FileRules        = "rules.json"
	FileProxyRules   = "proxy_rules.json"
	FileEnvironments = "environments.json"
	FileSchema       = "environment_schema.json"
	FileWorkspace    = "workspace.json"
	FileSyncState    = "sync_state.json"
)
