package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MrWong99/voxtalk/pkg/types"
)

// Snapshot file names inside a [FileBackend] directory.
const (
	HistoryFile = "chat-history.json"
	MemoryFile  = "chat-memory.json"
	VoiceFile   = "voice-history.json"
	BindingFile = "chat-sessions.json"
)

// FileBackend stores a snapshot as JSON documents in one directory: business
// type → session ids, session id → messages, session id → voice records and
// session id → bound character. Each file is replaced atomically; a missing
// file loads as empty.
type FileBackend struct {
	dir string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a FileBackend rooted at dir. The directory is
// created on first save.
func NewFileBackend(dir string) *FileBackend {
	if dir == "" {
		dir = "."
	}
	return &FileBackend{dir: dir}
}

// Dir returns the snapshot directory.
func (b *FileBackend) Dir() string { return b.dir }

// Load implements [Backend].
func (b *FileBackend) Load(_ context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	if err := b.read(HistoryFile, &snap.Sessions); err != nil {
		return nil, err
	}
	if err := b.read(MemoryFile, &snap.Messages); err != nil {
		return nil, err
	}
	if err := b.read(VoiceFile, &snap.Voices); err != nil {
		return nil, err
	}
	if err := b.read(BindingFile, &snap.Bindings); err != nil {
		return nil, err
	}
	// A document holding JSON null decodes to a nil map.
	if snap.Sessions == nil {
		snap.Sessions = make(map[string][]string)
	}
	if snap.Messages == nil {
		snap.Messages = make(map[string][]types.Message)
	}
	if snap.Voices == nil {
		snap.Voices = make(map[string][]types.VoiceRecord)
	}
	if snap.Bindings == nil {
		snap.Bindings = make(map[string]types.Session)
	}
	return snap, nil
}

// Save implements [Backend]. Files are written in a fixed order; a failure
// part-way leaves the earlier files updated and the later ones at their
// previous content.
func (b *FileBackend) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil {
		snap = NewSnapshot()
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	docs := []struct {
		name string
		v    any
	}{
		{HistoryFile, nonNil(snap.Sessions)},
		{MemoryFile, nonNil(snap.Messages)},
		{VoiceFile, nonNil(snap.Voices)},
		{BindingFile, nonNil(snap.Bindings)},
	}
	for _, d := range docs {
		if err := b.write(d.name, d.v); err != nil {
			return err
		}
	}
	return nil
}

func (b *FileBackend) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrLoadFailed, name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLoadFailed, name, err)
	}
	return nil
}

func (b *FileBackend) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}

	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(b.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	return nil
}

// nonNil keeps empty maps encoding as {} rather than null.
func nonNil[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
