package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GateChanged means the monthly character limit moved.
	GateChanged bool

	// WarmerChanged means the pinned-variant list changed; a re-warm
	// picks up new entries.
	WarmerChanged bool

	ModelsChanged bool        // true if any model was added, removed, or retuned
	ModelChanges  []ModelDiff // per-model diffs
}

// ModelDiff describes what changed for a single model queue.
type ModelDiff struct {
	Slug string

	// PolicyChanged covers visibility, retry limit, parallelism, and
	// overflow tuning. Scanners and dispatchers pick these up live.
	PolicyChanged bool

	// AdapterChanged covers adapter kind, endpoint, and credentials.
	// Applying it requires rebuilding the provider.
	AdapterChanged bool

	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Gate != new.Gate {
		d.GateChanged = true
	}
	if !warmerEqual(old.Warmer, new.Warmer) {
		d.WarmerChanged = true
	}

	oldModels := make(map[string]*ModelConfig, len(old.Models))
	for i := range old.Models {
		oldModels[old.Models[i].Slug] = &old.Models[i]
	}
	newModels := make(map[string]*ModelConfig, len(new.Models))
	for i := range new.Models {
		newModels[new.Models[i].Slug] = &new.Models[i]
	}

	// Modified and removed models.
	for slug, oldM := range oldModels {
		newM, exists := newModels[slug]
		if !exists {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{Slug: slug, Removed: true})
			d.ModelsChanged = true
			continue
		}
		md := diffModel(slug, oldM, newM)
		if md.PolicyChanged || md.AdapterChanged {
			d.ModelChanges = append(d.ModelChanges, md)
			d.ModelsChanged = true
		}
	}

	// Added models.
	for slug := range newModels {
		if _, exists := oldModels[slug]; !exists {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{Slug: slug, Added: true})
			d.ModelsChanged = true
		}
	}

	return d
}

// diffModel compares two model configs with the same slug.
func diffModel(slug string, old, new *ModelConfig) ModelDiff {
	md := ModelDiff{Slug: slug}

	if old.Visibility != new.Visibility ||
		old.RetryLimit != new.RetryLimit ||
		old.Serial != new.Serial ||
		old.MaxParallel != new.MaxParallel ||
		!overflowEqual(old.Overflow, new.Overflow) {
		md.PolicyChanged = true
	}

	if old.Adapter != new.Adapter ||
		old.BaseURL != new.BaseURL ||
		old.APIKey != new.APIKey ||
		old.Model != new.Model ||
		old.Timeout != new.Timeout ||
		!slices.Equal(old.Fallbacks, new.Fallbacks) {
		md.AdapterChanged = true
	}

	return md
}

func overflowEqual(a, b *OverflowConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func warmerEqual(a, b WarmerConfig) bool {
	if len(a.Entries) != len(b.Entries) {
		return false
	}
	for i := range a.Entries {
		ea, eb := a.Entries[i], b.Entries[i]
		if ea.Text != eb.Text || ea.Model != eb.Model || ea.Voice != eb.Voice {
			return false
		}
		if !maps.Equal(ea.Params, eb.Params) {
			return false
		}
	}
	return true
}
