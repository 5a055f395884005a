// Package merge integrates a freshly-pulled remote configuration snapshot
// into the local document store without losing locally-significant state:
// source runtime fields are carried over, and environment variable values are
// protected by an explicit pre-write loss metric computed from old vs. new
// state, independent of write ordering.
package merge

import (
	"errors"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/modrelay/teamsync/internal/events"
	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/metrics"
	"github.com/modrelay/teamsync/internal/model"
	"github.com/modrelay/teamsync/internal/store"
)

const (
	// blockLossThreshold is the fraction of non-empty values above which the
	// environment write is refused entirely. Total loss is treated as a
	// corruption signal, not a legitimate update.
	blockLossThreshold = 1.0

	// backupLossThreshold is the fraction above which a timestamped backup
	// of the previous file is taken before the write proceeds.
	backupLossThreshold = 0.5
)

type Merger struct {
	store *store.Store
	log   *logging.Logger
}

func New(st *store.Store, log *logging.Logger) *Merger {
	return &Merger{store: st, log: log}
}

// Outcome summarizes what a merge cycle did.
type Outcome struct {
	SourcesMerged       int
	RulesReplaced       bool
	ProxyRulesReplaced  int
	EnvironmentsMerged  bool
	EnvironmentsSkipped bool
	EnvWriteBlocked     bool
	LossFraction        float64
	BackupPath          string
	Warnings            []string
}

// Merge writes the remote snapshot into the local store for workspaceID.
// Sources, rules and proxy rules merge independently of environments: a
// failure to read the local environments document skips only the environment
// step for this cycle.
func (m *Merger) Merge(workspaceID string, remote *model.ConfigDocument, rep events.Reporter) (*Outcome, error) {
	out := &Outcome{}

	if err := m.mergeSources(workspaceID, remote.Sources, out); err != nil {
		return out, err
	}

	if err := m.replaceRules(workspaceID, remote, out); err != nil {
		return out, err
	}

	if err := m.mergeEnvironments(workspaceID, remote, out, rep); err != nil {
		return out, err
	}

	return out, nil
}

// mergeSources merges by identifier: the remote record supplies the
// structural fields, the existing local record supplies the runtime fields.
func (m *Merger) mergeSources(workspaceID string, remote []model.Source, out *Outcome) error {
	var local []model.Source
	if err := m.store.ReadDocument(workspaceID, model.FileSources, &local); err != nil && !errors.Is(err, store.ErrNotExist) {
		return fmt.Errorf("reading local sources: %w", err)
	}

	existing := make(map[string]model.Source, len(local))
	for _, src := range local {
		existing[src.ID] = src
	}

	merged := make([]model.Source, 0, len(remote))
	for _, src := range remote {
		if prev, ok := existing[src.ID]; ok {
			src.Content = prev.Content
			src.LastRefreshed = prev.LastRefreshed
			src.NextRefresh = prev.NextRefresh
			src.Active = prev.Active
		}
		merged = append(merged, src)
	}

	if err := m.store.WriteDocument(workspaceID, model.FileSources, merged); err != nil {
		return err
	}
	out.SourcesMerged = len(merged)
	return nil
}

// replaceRules applies the remote rules and proxy rules verbatim; they carry
// no local-only execution state. Proxy rules with unparseable patterns are
// dropped with a warning instead of poisoning the document.
func (m *Merger) replaceRules(workspaceID string, remote *model.ConfigDocument, out *Outcome) error {
	if err := m.store.WriteDocument(workspaceID, model.FileRules, remote.Rules); err != nil {
		return err
	}
	out.RulesReplaced = true

	valid := make([]model.ProxyRule, 0, len(remote.ProxyRules))
	for _, rule := range remote.ProxyRules {
		if _, err := glob.Compile(rule.Pattern); err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("proxy rule %s has an invalid pattern %q", rule.ID, rule.Pattern))
			m.log.Warnf("dropping proxy rule %s: invalid pattern %q: %v", rule.ID, rule.Pattern, err)
			continue
		}
		valid = append(valid, rule)
	}

	if err := m.store.WriteDocument(workspaceID, model.FileProxyRules, valid); err != nil {
		return err
	}
	out.ProxyRulesReplaced = len(valid)
	return nil
}

func (m *Merger) mergeEnvironments(workspaceID string, remote *model.ConfigDocument, out *Outcome, rep events.Reporter) error {
	var local model.Environments
	err := m.store.ReadDocumentRetry(workspaceID, model.FileEnvironments, &local)
	switch {
	case errors.Is(err, store.ErrNotExist):
		local = model.Environments{}
	case err != nil:
		// The local file could not be read even with retries; merging
		// against stale or partial data risks losing values, so skip the
		// environment step for this cycle.
		out.EnvironmentsSkipped = true
		out.Warnings = append(out.Warnings, "environments merge skipped: local document unreadable")
		rep.Report("merge", events.StatusWarning, "environments merge skipped: local document unreadable")
		m.log.Warnf("skipping environments merge for %s: %v", workspaceID, err)
		return nil
	}

	existingCount := local.NonEmptyValueCount()
	incomingCount := remote.Environments.NonEmptyValueCount()

	if existingCount > 0 {
		loss := float64(existingCount-incomingCount) / float64(existingCount)
		out.LossFraction = loss

		if loss >= blockLossThreshold {
			out.EnvWriteBlocked = true
			warning := fmt.Sprintf("environments write blocked: remote snapshot would drop all %d values", existingCount)
			out.Warnings = append(out.Warnings, warning)
			rep.Report("merge", events.StatusWarning, warning)
			metrics.MergeBlocked(workspaceID)
			m.log.Warnf("%s: %s", workspaceID, warning)
			return nil
		}

		if loss > backupLossThreshold {
			backup, err := m.store.BackupDocument(workspaceID, model.FileEnvironments)
			if err != nil {
				return fmt.Errorf("backing up environments before lossy merge: %w", err)
			}
			out.BackupPath = backup
			metrics.MergeBackup(workspaceID)
			rep.Report("merge", events.StatusWarning,
				fmt.Sprintf("remote snapshot drops %.0f%% of values, backup written", loss*100))
		}
	}

	merged := mergeEnvironmentValues(local, remote)

	if err := m.store.WriteDocument(workspaceID, model.FileEnvironments, merged); err != nil {
		return err
	}
	if err := m.store.WriteDocument(workspaceID, model.FileSchema, remote.Schema); err != nil {
		return err
	}
	out.EnvironmentsMerged = true
	return nil
}

// mergeEnvironmentValues applies the two environment hazards' guards:
// schema drift adds new variables with empty values and never deletes local
// ones, and an empty remote value never blanks a non-empty local value.
func mergeEnvironmentValues(local model.Environments, remote *model.ConfigDocument) model.Environments {
	merged := model.Environments{
		Active:       local.Active,
		Environments: make(map[string]map[string]model.EnvVar),
	}

	// The active selection is only adopted from the remote when no local
	// selection exists yet.
	if merged.Active == "" {
		merged.Active = remote.Environments.Active
	}

	// Start from everything local; local values are never deleted by a
	// schema update.
	for env, vars := range local.Environments {
		merged.Environments[env] = make(map[string]model.EnvVar, len(vars))
		for name, v := range vars {
			merged.Environments[env][name] = v
		}
	}

	secret := make(map[string]bool, len(remote.Schema.Variables))
	for _, def := range remote.Schema.Variables {
		secret[def.Name] = def.IsSecret
	}

	for env, vars := range remote.Environments.Environments {
		if merged.Environments[env] == nil {
			merged.Environments[env] = make(map[string]model.EnvVar, len(vars))
		}
		for name, incoming := range vars {
			_, exists := merged.Environments[env][name]
			if incoming.Value == "" && exists {
				// Empty remote values never blank populated local ones.
				continue
			}
			incoming.IsSecret = incoming.IsSecret || secret[name]
			merged.Environments[env][name] = incoming
		}
	}

	// Schema drift: declare new variables locally with an empty value in
	// every environment that does not have them yet.
	for _, def := range remote.Schema.Variables {
		for env := range merged.Environments {
			if _, ok := merged.Environments[env][def.Name]; !ok {
				merged.Environments[env][def.Name] = model.EnvVar{IsSecret: def.IsSecret}
			}
		}
	}

	return merged
}
