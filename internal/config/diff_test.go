package config_test

import (
	"testing"

	"github.com/MrWong99/voxtalk/internal/config"
	"github.com/MrWong99/voxtalk/pkg/types"
)

func withChars(chars ...types.Character) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Personas: config.PersonasConfig{Characters: chars},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := withChars(types.Character{ID: 1, Name: "Alice", Prompt: "kind"})

	d := config.Diff(cfg, cfg)
	if d.CharactersChanged || d.LogLevelChanged {
		t.Errorf("diff of identical configs = %+v", d)
	}
	if len(d.CharacterChanges) != 0 {
		t.Errorf("expected 0 character changes, got %d", len(d.CharacterChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_Characters(t *testing.T) {
	t.Parallel()
	old := withChars(
		types.Character{ID: 1, Name: "Alice", Prompt: "kind"},
		types.Character{ID: 2, Name: "Bob", Voice: "v1"},
		types.Character{ID: 3, Name: "Carol"},
	)
	new := withChars(
		types.Character{ID: 1, Name: "Alice", Prompt: "kind"},
		types.Character{ID: 2, Name: "Bob", Voice: "v2"},
		types.Character{ID: 4, Name: "Dave"},
	)

	d := config.Diff(old, new)
	if !d.CharactersChanged {
		t.Fatal("expected CharactersChanged=true")
	}
	want := []config.CharacterDiff{
		{ID: 2, Name: "Bob", Modified: true},
		{ID: 3, Name: "Carol", Removed: true},
		{ID: 4, Name: "Dave", Added: true},
	}
	if len(d.CharacterChanges) != len(want) {
		t.Fatalf("changes = %+v, want %+v", d.CharacterChanges, want)
	}
	for i := range want {
		if d.CharacterChanges[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, d.CharacterChanges[i], want[i])
		}
	}
}
