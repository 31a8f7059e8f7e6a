package persona

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxtalk/pkg/types"
)

// MemStore is an in-memory [Store]. Its contents are lost on restart; the
// character catalogue is rebuilt from the configured seed list.
type MemStore struct {
	mu       sync.RWMutex
	chars    map[int64]types.Character
	sessions map[string]types.Session
	nextID   int64
	now      func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		chars:    make(map[int64]types.Character),
		sessions: make(map[string]types.Session),
		nextID:   1,
		now:      time.Now,
	}
}

// ListCharacters implements [Store].
func (m *MemStore) ListCharacters(_ context.Context, page, pageSize int) (*Page, error) {
	page, pageSize = NormalizePage(page, pageSize)

	m.mu.RLock()
	ids := make([]int64, 0, len(m.chars))
	for id := range m.chars {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := &Page{Items: []types.Character{}, Total: len(ids), Page: page, PageSize: pageSize}
	start := (page - 1) * pageSize
	for i := start; i < len(ids) && i < start+pageSize; i++ {
		out.Items = append(out.Items, m.chars[ids[i]])
	}
	m.mu.RUnlock()
	return out, nil
}

// CreateCharacter implements [Store].
func (m *MemStore) CreateCharacter(_ context.Context, c *types.Character) error {
	if err := ValidateCharacter(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == 0 {
		c.ID = m.nextID
	} else if _, ok := m.chars[c.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrCharacterExists, c.ID)
	}
	m.put(*c)
	return nil
}

// GetCharacter implements [Store].
func (m *MemStore) GetCharacter(_ context.Context, id int64) (*types.Character, error) {
	m.mu.RLock()
	c, ok := m.chars[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrCharacterNotFound, id)
	}
	return &c, nil
}

// CreateSession implements [Store]. A zero CreatedAt is set to now.
func (m *MemStore) CreateSession(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chars[s.CharacterID]; !ok {
		return fmt.Errorf("%w: id %d", ErrCharacterNotFound, s.CharacterID)
	}
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %q", ErrSessionExists, s.ID)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.sessions[s.ID] = *s
	return nil
}

// GetSession implements [Store].
func (m *MemStore) GetSession(_ context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return &s, nil
}

// Seed implements [Store]. Either every entry is applied or none is.
func (m *MemStore) Seed(_ context.Context, chars []types.Character) error {
	for i := range chars {
		if err := ValidateCharacter(&chars[i]); err != nil {
			return fmt.Errorf("persona: seed entry %d: %w", i, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chars {
		if c.ID == 0 {
			c.ID = m.nextID
		}
		m.put(c)
	}
	return nil
}

// Ping implements [Store]; the in-memory store is always reachable.
func (m *MemStore) Ping(context.Context) error { return nil }

// put stores c and advances the id sequence past it. Caller holds mu.
func (m *MemStore) put(c types.Character) {
	m.chars[c.ID] = c
	if c.ID >= m.nextID {
		m.nextID = c.ID + 1
	}
}
