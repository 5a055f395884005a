// Package config holds the engine configuration data structures: workspaces,
// secrets and scheduling options. Configuration is written in YAML; mappings
// are keyed by resource name and the names are injected back into the decoded
// structs on unmarshal.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/modrelay/teamsync/internal/util"
)

// Workspace kinds. Only git workspaces are syncable.
const (
	KindPersonal = "personal"
	KindGit      = "git"
)

// Root is the top-level configuration structure of the sync engine.
type Root struct {
	Workspaces map[string]*Workspace `json:"workspaces,omitempty"`
	Secrets    map[string]*Secret    `json:"secrets,omitempty"`
	Sync       *Sync                 `json:"sync,omitempty"`
	Logging    *Logging              `json:"logging,omitempty"`
}

// Logging mirrors logging.Config so the file format does not depend on the
// logging package.
type Logging struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// Workspace describes one synchronized application workspace. The engine
// treats it as read-only apart from the auto-sync flag and status fields.
type Workspace struct {
	Name        string     `json:"-"`
	ID          string     `json:"id,omitempty"`
	Kind        string     `json:"kind,omitempty"`
	Repo        string     `json:"repo,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	ConfigPath  string     `json:"config_path,omitempty"`
	Credentials *SecretRef `json:"credentials,omitempty"`
	AutoSync    bool       `json:"auto_sync,omitempty"`
}

// Syncable reports whether the workspace participates in git synchronization.
func (w *Workspace) Syncable() bool {
	return w.Repo != "" && w.Kind != KindPersonal
}

func (w *Workspace) Equal(other *Workspace) bool {
	return util.FastEqual(w, other, func(a, b *Workspace) bool {
		return a.Name == b.Name &&
			a.ID == b.ID &&
			a.Kind == b.Kind &&
			a.Repo == b.Repo &&
			a.Branch == b.Branch &&
			a.ConfigPath == b.ConfigPath &&
			a.AutoSync == b.AutoSync &&
			a.Credentials.Equal(b.Credentials)
	})
}

func (w *Workspace) validate() error {
	switch w.Kind {
	case KindPersonal:
		return nil
	case "":
		// A workspace without a kind is personal unless it names a repo.
		if w.Repo == "" {
			return nil
		}
	case KindGit:
		if w.Repo == "" {
			return fmt.Errorf("workspace %q: repo is required for git workspaces", w.Name)
		}
	default:
		return fmt.Errorf("workspace %q: unknown kind %q", w.Name, w.Kind)
	}

	if !strings.HasPrefix(w.Repo, "ssh://") && !strings.Contains(w.Repo, "@") {
		if _, err := url.Parse(w.Repo); err != nil {
			return fmt.Errorf("workspace %q: invalid repository URL: %w", w.Name, err)
		}
	}

	if w.Branch == "" {
		return fmt.Errorf("workspace %q: branch is required for git workspaces", w.Name)
	}

	return nil
}

// Sync holds scheduling and persistence options with defaults applied by
// Parse.
type Sync struct {
	Interval          Duration `json:"interval,omitempty"`
	ErrorInterval     Duration `json:"error_interval,omitempty"`
	OfflineProbeAfter Duration `json:"offline_probe_after,omitempty"`
	ProbeCacheTTL     Duration `json:"probe_cache_ttl,omitempty"`
	ShutdownGrace     Duration `json:"shutdown_grace,omitempty"`
	RetentionAge      Duration `json:"retention_age,omitempty"`
	CloneDepth        int      `json:"clone_depth,omitempty"`
	AutoResolve       bool     `json:"auto_resolve,omitempty"`
	PersistenceDir    string   `json:"persistence_dir,omitempty"`
}

func (s *Sync) Equal(other *Sync) bool {
	return util.FastEqual(s, other, func(a, b *Sync) bool { return *a == *b })
}

// Duration wraps time.Duration with YAML/JSON string decoding ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalJSON(bs []byte) error {
	s := strings.Trim(string(bs), `"`)
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Parse decodes and validates a configuration document.
func Parse(bs []byte) (*Root, error) {
	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := root.link(); err != nil {
		return nil, err
	}

	for _, ws := range root.Workspaces {
		if err := ws.validate(); err != nil {
			return nil, err
		}
	}

	if root.Sync == nil {
		root.Sync = &Sync{}
	}
	root.Sync.ApplyDefaults()

	return &root, nil
}

// link injects resource names from the mapping keys and wires secret
// references to their secrets so that callers can resolve credential values
// without holding the Root.
func (r *Root) link() error {
	for name, s := range r.Secrets {
		if s == nil {
			r.Secrets[name] = &Secret{}
			s = r.Secrets[name]
		}
		s.Name = name
	}

	for name, ws := range r.Workspaces {
		if ws == nil {
			return fmt.Errorf("workspace %q: empty definition", name)
		}
		ws.Name = name
		if ws.ID == "" {
			seed := ws.Repo
			if seed == "" {
				seed = name
			}
			ws.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
		}
		if ws.Credentials != nil {
			s, ok := r.Secrets[ws.Credentials.Name]
			if !ok {
				return fmt.Errorf("workspace %q: unknown secret %q", name, ws.Credentials.Name)
			}
			ws.Credentials.value = s
		}
	}

	return nil
}

// ApplyDefaults fills in the documented default values for unset options.
func (s *Sync) ApplyDefaults() {
	if s.Interval == 0 {
		s.Interval = Duration(30 * time.Second)
	}
	if s.ErrorInterval == 0 {
		s.ErrorInterval = Duration(30 * time.Second)
	}
	if s.OfflineProbeAfter == 0 {
		s.OfflineProbeAfter = Duration(30 * time.Minute)
	}
	if s.ProbeCacheTTL == 0 {
		s.ProbeCacheTTL = Duration(3 * time.Minute)
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = Duration(30 * time.Second)
	}
	if s.RetentionAge == 0 {
		s.RetentionAge = Duration(30 * 24 * time.Hour)
	}
	if s.CloneDepth == 0 {
		s.CloneDepth = 50
	}
}

// ErrNoSecret is returned when a secret reference cannot be resolved.
var ErrNoSecret = errors.New("secret not configured")
