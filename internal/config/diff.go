package config

import (
	"cmp"
	"slices"

	"github.com/MrWong99/voxtalk/pkg/types"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CharactersChanged bool            // true if any seeded character was added, removed or edited
	CharacterChanges  []CharacterDiff // per-character diffs, ordered by id
}

// CharacterDiff describes what changed for a single seeded character.
type CharacterDiff struct {
	ID       int64
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldChars := byID(old.Personas.Characters)
	newChars := byID(new.Personas.Characters)

	// Detect modified and removed characters.
	for id, oc := range oldChars {
		nc, exists := newChars[id]
		switch {
		case !exists:
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Name: oc.Name, Removed: true})
		case oc != nc:
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Name: nc.Name, Modified: true})
		}
	}

	// Detect added characters.
	for id, nc := range newChars {
		if _, exists := oldChars[id]; !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Name: nc.Name, Added: true})
		}
	}

	slices.SortFunc(d.CharacterChanges, func(a, b CharacterDiff) int { return cmp.Compare(a.ID, b.ID) })
	d.CharactersChanged = len(d.CharacterChanges) > 0
	return d
}

func byID(chars []types.Character) map[int64]types.Character {
	m := make(map[int64]types.Character, len(chars))
	for _, c := range chars {
		m[c.ID] = c
	}
	return m
}
