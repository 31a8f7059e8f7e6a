// Package persona owns the character catalogue and the session rows that bind
// a conversation identifier to a character.
//
// Characters are seeded from configuration and may also be created at runtime
// through the HTTP API. Session rows are written once by the orchestrator when
// a session is generated and never updated afterwards.
package persona

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MrWong99/voxtalk/pkg/types"
)

var (
	// ErrCharacterNotFound is returned when no character has the requested id.
	ErrCharacterNotFound = errors.New("persona: character not found")

	// ErrSessionNotFound is returned when no session row has the requested id.
	ErrSessionNotFound = errors.New("persona: session not found")

	// ErrCharacterExists is returned by CreateCharacter for an explicit id
	// that is already taken.
	ErrCharacterExists = errors.New("persona: character already exists")

	// ErrSessionExists is returned by CreateSession for a duplicate id.
	ErrSessionExists = errors.New("persona: session already exists")
)

const (
	// DefaultPageSize is used when a list request does not name a page size.
	DefaultPageSize = 20

	// MaxPageSize caps the page size of a list request.
	MaxPageSize = 100
)

// Page is one page of the character catalogue, ordered by id.
type Page struct {
	Items    []types.Character `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

// Store persists characters and session rows.
// Implementations must be safe for concurrent use.
type Store interface {
	// ListCharacters returns the 1-based page of characters ordered by id.
	// Out-of-range paging parameters are clamped with [NormalizePage].
	ListCharacters(ctx context.Context, page, pageSize int) (*Page, error)

	// CreateCharacter validates and inserts c. A zero ID is assigned by the
	// store and written back into c.
	CreateCharacter(ctx context.Context, c *types.Character) error

	// GetCharacter returns the character or [ErrCharacterNotFound].
	GetCharacter(ctx context.Context, id int64) (*types.Character, error)

	// CreateSession inserts a session row. The character must exist.
	CreateSession(ctx context.Context, s *types.Session) error

	// GetSession returns the session row or [ErrSessionNotFound].
	GetSession(ctx context.Context, id string) (*types.Session, error)

	// Seed upserts the given characters by id. Entries without an id are
	// inserted as new characters.
	Seed(ctx context.Context, chars []types.Character) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// ValidateCharacter checks the fields every character must carry.
func ValidateCharacter(c *types.Character) error {
	if c == nil {
		return errors.New("persona: character is nil")
	}
	var errs []error
	if c.ID < 0 {
		errs = append(errs, fmt.Errorf("persona: id %d must not be negative", c.ID))
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("persona: name must not be empty"))
	}
	if c.Speed < 0 || math.IsNaN(c.Speed) {
		errs = append(errs, fmt.Errorf("persona: speed %v must not be negative", c.Speed))
	}
	if c.Volume < 0 || math.IsNaN(c.Volume) {
		errs = append(errs, fmt.Errorf("persona: volume %v must not be negative", c.Volume))
	}
	return errors.Join(errs...)
}

// NormalizePage clamps paging parameters: pages start at 1 and the page size
// falls back to [DefaultPageSize] and never exceeds [MaxPageSize].
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
