// Package postgres provides a session.Backend that stores snapshots in the
// session_index, session_messages, session_voices and session_bindings tables
// (see internal/pgdb/migrations).
//
// Save replaces all four tables inside one transaction, so a reader never
// observes a half-written snapshot.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voxtalk/internal/pgdb"
	"github.com/MrWong99/voxtalk/internal/session"
	"github.com/MrWong99/voxtalk/pkg/types"
)

// Backend implements session.Backend on PostgreSQL.
type Backend struct {
	db pgdb.DB
}

var (
	_ session.Backend = (*Backend)(nil)
	_ session.Pinger  = (*Backend)(nil)
)

// New creates a Backend over a migrated database.
func New(db pgdb.DB) *Backend {
	return &Backend{db: db}
}

// Load implements session.Backend.
func (b *Backend) Load(ctx context.Context) (*session.Snapshot, error) {
	snap := session.NewSnapshot()

	rows, err := b.db.Query(ctx, `SELECT business_type, session_id FROM session_index ORDER BY business_type, position`)
	if err != nil {
		return nil, fmt.Errorf("%w: query index: %v", session.ErrLoadFailed, err)
	}
	err = forEach(rows, func(r pgx.Rows) error {
		var bt, id string
		if err := r.Scan(&bt, &id); err != nil {
			return err
		}
		snap.Sessions[bt] = append(snap.Sessions[bt], id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan index: %v", session.ErrLoadFailed, err)
	}

	rows, err = b.db.Query(ctx, `SELECT session_id, role, content FROM session_messages ORDER BY session_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %v", session.ErrLoadFailed, err)
	}
	err = forEach(rows, func(r pgx.Rows) error {
		var id string
		var m types.Message
		if err := r.Scan(&id, &m.Role, &m.Content); err != nil {
			return err
		}
		snap.Messages[id] = append(snap.Messages[id], m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan messages: %v", session.ErrLoadFailed, err)
	}

	rows, err = b.db.Query(ctx, `SELECT session_id, user_voice, agent_voice, created_ms FROM session_voices ORDER BY session_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: query voices: %v", session.ErrLoadFailed, err)
	}
	err = forEach(rows, func(r pgx.Rows) error {
		var id string
		var v types.VoiceRecord
		if err := r.Scan(&id, &v.UserVoice, &v.AgentVoice, &v.Timestamp); err != nil {
			return err
		}
		snap.Voices[id] = append(snap.Voices[id], v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan voices: %v", session.ErrLoadFailed, err)
	}

	rows, err = b.db.Query(ctx, `SELECT session_id, character_id, created_at FROM session_bindings`)
	if err != nil {
		return nil, fmt.Errorf("%w: query bindings: %v", session.ErrLoadFailed, err)
	}
	err = forEach(rows, func(r pgx.Rows) error {
		var s types.Session
		if err := r.Scan(&s.ID, &s.CharacterID, &s.CreatedAt); err != nil {
			return err
		}
		s.CreatedAt = s.CreatedAt.UTC()
		snap.Bindings[s.ID] = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan bindings: %v", session.ErrLoadFailed, err)
	}
	return snap, nil
}

// Save implements session.Backend.
func (b *Backend) Save(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil {
		snap = session.NewSnapshot()
	}
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", session.ErrSaveFailed, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `TRUNCATE session_index, session_messages, session_voices, session_bindings`); err != nil {
		return fmt.Errorf("%w: truncate: %v", session.ErrSaveFailed, err)
	}

	var index [][]any
	for bt, ids := range snap.Sessions {
		for pos, id := range ids {
			index = append(index, []any{bt, id, pos})
		}
	}
	var msgs [][]any
	for id, list := range snap.Messages {
		for seq, m := range list {
			msgs = append(msgs, []any{id, seq, m.Role, m.Content})
		}
	}
	var voices [][]any
	for id, list := range snap.Voices {
		for seq, v := range list {
			voices = append(voices, []any{id, seq, v.UserVoice, v.AgentVoice, v.Timestamp})
		}
	}
	var bindings [][]any
	for id, s := range snap.Bindings {
		bindings = append(bindings, []any{id, s.CharacterID, s.CreatedAt})
	}

	copies := []struct {
		table string
		cols  []string
		rows  [][]any
	}{
		{"session_index", []string{"business_type", "session_id", "position"}, index},
		{"session_messages", []string{"session_id", "seq", "role", "content"}, msgs},
		{"session_voices", []string{"session_id", "seq", "user_voice", "agent_voice", "created_ms"}, voices},
		{"session_bindings", []string{"session_id", "character_id", "created_at"}, bindings},
	}
	for _, c := range copies {
		if len(c.rows) == 0 {
			continue
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.cols, pgx.CopyFromRows(c.rows)); err != nil {
			return fmt.Errorf("%w: copy %s: %v", session.ErrSaveFailed, c.table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", session.ErrSaveFailed, err)
	}
	return nil
}

// Ping implements session.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	var one int
	return b.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

func forEach(rows pgx.Rows, fn func(pgx.Rows) error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
