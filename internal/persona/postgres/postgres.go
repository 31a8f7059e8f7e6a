// Package postgres provides a persona.Store on the characters and
// chat_sessions tables created by the internal/pgdb migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voxtalk/internal/persona"
	"github.com/MrWong99/voxtalk/internal/pgdb"
	"github.com/MrWong99/voxtalk/pkg/types"
)

const characterColumns = `id, name, description, image, prompt, voice_model, voice, speed, volume`

// syncSequence moves the id sequence past explicitly inserted ids.
const syncSequence = `SELECT setval(pg_get_serial_sequence('characters', 'id'), GREATEST((SELECT COALESCE(MAX(id), 0) FROM characters), 1))`

// Store implements persona.Store on PostgreSQL.
type Store struct {
	db pgdb.DB
}

var _ persona.Store = (*Store)(nil)

// New creates a Store over a migrated database.
func New(db pgdb.DB) *Store {
	return &Store{db: db}
}

// ListCharacters implements persona.Store.
func (s *Store) ListCharacters(ctx context.Context, page, pageSize int) (*persona.Page, error) {
	page, pageSize = persona.NormalizePage(page, pageSize)
	out := &persona.Page{Items: []types.Character{}, Page: page, PageSize: pageSize}

	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM characters`).Scan(&out.Total); err != nil {
		return nil, fmt.Errorf("persona: count characters: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+characterColumns+` FROM characters ORDER BY id LIMIT $1 OFFSET $2`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("persona: list characters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c types.Character
		if err := rows.Scan(characterFields(&c)...); err != nil {
			return nil, fmt.Errorf("persona: list characters scan: %w", err)
		}
		out.Items = append(out.Items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persona: list characters: %w", err)
	}
	return out, nil
}

// CreateCharacter implements persona.Store.
func (s *Store) CreateCharacter(ctx context.Context, c *types.Character) error {
	if err := persona.ValidateCharacter(c); err != nil {
		return err
	}

	if c.ID == 0 {
		const query = `
			INSERT INTO characters (name, description, image, prompt, voice_model, voice, speed, volume)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING id`
		err := s.db.QueryRow(ctx, query,
			c.Name, c.Description, c.Image, c.Prompt, c.VoiceModel, c.Voice, c.Speed, c.Volume,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("persona: create character: %w", err)
		}
		return nil
	}

	const query = `
		INSERT INTO characters (` + characterColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.db.Exec(ctx, query,
		c.ID, c.Name, c.Description, c.Image, c.Prompt, c.VoiceModel, c.Voice, c.Speed, c.Volume)
	if err != nil {
		if pgCode(err) == "23505" {
			return fmt.Errorf("%w: id %d", persona.ErrCharacterExists, c.ID)
		}
		return fmt.Errorf("persona: create character: %w", err)
	}
	if _, err := s.db.Exec(ctx, syncSequence); err != nil {
		return fmt.Errorf("persona: sync id sequence: %w", err)
	}
	return nil
}

// GetCharacter implements persona.Store.
func (s *Store) GetCharacter(ctx context.Context, id int64) (*types.Character, error) {
	var c types.Character
	err := s.db.QueryRow(ctx, `SELECT `+characterColumns+` FROM characters WHERE id = $1`, id).
		Scan(characterFields(&c)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", persona.ErrCharacterNotFound, id)
		}
		return nil, fmt.Errorf("persona: get character %d: %w", id, err)
	}
	return &c, nil
}

// CreateSession implements persona.Store. CreatedAt is set by the database.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	const query = `
		INSERT INTO chat_sessions (id, character_id)
		VALUES ($1, $2)
		RETURNING created_at`
	err := s.db.QueryRow(ctx, query, sess.ID, sess.CharacterID).Scan(&sess.CreatedAt)
	if err != nil {
		switch pgCode(err) {
		case "23503":
			return fmt.Errorf("%w: id %d", persona.ErrCharacterNotFound, sess.CharacterID)
		case "23505":
			return fmt.Errorf("%w: %q", persona.ErrSessionExists, sess.ID)
		}
		return fmt.Errorf("persona: create session: %w", err)
	}
	return nil
}

// GetSession implements persona.Store.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.QueryRow(ctx, `SELECT id, character_id, created_at FROM chat_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.CharacterID, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", persona.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("persona: get session %q: %w", id, err)
	}
	return &sess, nil
}

// Seed implements persona.Store. All entries are written in one transaction.
func (s *Store) Seed(ctx context.Context, chars []types.Character) error {
	for i := range chars {
		if err := persona.ValidateCharacter(&chars[i]); err != nil {
			return fmt.Errorf("persona: seed entry %d: %w", i, err)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("persona: seed begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	const upsert = `
		INSERT INTO characters (` + characterColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			image = EXCLUDED.image,
			prompt = EXCLUDED.prompt,
			voice_model = EXCLUDED.voice_model,
			voice = EXCLUDED.voice,
			speed = EXCLUDED.speed,
			volume = EXCLUDED.volume`
	const insert = `
		INSERT INTO characters (name, description, image, prompt, voice_model, voice, speed, volume)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	// Explicit ids first so the sequence is synced before any id is drawn.
	for _, c := range chars {
		if c.ID == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, upsert,
			c.ID, c.Name, c.Description, c.Image, c.Prompt, c.VoiceModel, c.Voice, c.Speed, c.Volume,
		); err != nil {
			return fmt.Errorf("persona: seed character %d: %w", c.ID, err)
		}
	}
	if _, err := tx.Exec(ctx, syncSequence); err != nil {
		return fmt.Errorf("persona: sync id sequence: %w", err)
	}
	for _, c := range chars {
		if c.ID != 0 {
			continue
		}
		if _, err := tx.Exec(ctx, insert,
			c.Name, c.Description, c.Image, c.Prompt, c.VoiceModel, c.Voice, c.Speed, c.Volume,
		); err != nil {
			return fmt.Errorf("persona: seed character %q: %w", c.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("persona: seed commit: %w", err)
	}
	return nil
}

// Ping implements persona.Store.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

func characterFields(c *types.Character) []any {
	return []any{&c.ID, &c.Name, &c.Description, &c.Image, &c.Prompt, &c.VoiceModel, &c.Voice, &c.Speed, &c.Volume}
}

// pgCode returns the SQLSTATE of a PostgreSQL error, or "".
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
