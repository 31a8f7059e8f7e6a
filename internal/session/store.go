// Package session holds the authoritative in-memory record of every
// conversation: the character each session is bound to, the session ids seen
// per business type, the text messages of each session and the voice records
// of each completed voice turn.
//
// The [Store] is loaded once from a [Backend] at startup and flushed back at
// shutdown (optionally also on a checkpoint interval). Data written between two
// flushes lives only in memory.
//
// Appends to one session are serialised by a per-session lock; different
// sessions proceed in parallel. All methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voxtalk/pkg/types"
)

// Sentinel errors returned by backends.
var (
	// ErrLoadFailed wraps any failure reading a snapshot.
	ErrLoadFailed = errors.New("session: load failed")

	// ErrSaveFailed wraps any failure writing a snapshot.
	ErrSaveFailed = errors.New("session: save failed")
)

// Snapshot is the complete persisted state of a [Store].
type Snapshot struct {
	// Sessions maps a business type to its session ids, newest first.
	Sessions map[string][]string `json:"sessions"`

	// Messages maps a session id to its text messages in insertion order.
	Messages map[string][]types.Message `json:"messages"`

	// Voices maps a session id to its voice records in insertion order.
	Voices map[string][]types.VoiceRecord `json:"voices"`

	// Bindings maps a session id to the session it was generated as.
	Bindings map[string]types.Session `json:"bindings"`
}

// NewSnapshot returns a Snapshot with all maps allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Sessions: make(map[string][]string),
		Messages: make(map[string][]types.Message),
		Voices:   make(map[string][]types.VoiceRecord),
		Bindings: make(map[string]types.Session),
	}
}

// SessionCount returns the number of distinct sessions that are bound or hold
// messages or voice records.
func (s *Snapshot) SessionCount() int {
	seen := make(map[string]struct{}, len(s.Bindings)+len(s.Messages)+len(s.Voices))
	for id := range s.Bindings {
		seen[id] = struct{}{}
	}
	for id := range s.Messages {
		seen[id] = struct{}{}
	}
	for id := range s.Voices {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// Backend persists snapshots.
type Backend interface {
	// Load returns the last saved snapshot, or an empty one when nothing has
	// been saved yet. Failures wrap [ErrLoadFailed].
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the stored snapshot. Failures wrap [ErrSaveFailed].
	Save(ctx context.Context, snap *Snapshot) error
}

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// sessionLog is the per-session record set.
type sessionLog struct {
	mu       sync.Mutex
	messages []types.Message
	voices   []types.VoiceRecord
}

// Option configures a [Store].
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the in-memory session index.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu   sync.RWMutex
	logs map[string]*sessionLog

	seenMu sync.Mutex
	seen   map[string][]string

	bindMu   sync.RWMutex
	bindings map[string]types.Session
}

// New creates an empty Store persisted through backend. backend may be nil
// for a purely in-memory store, in which case Load and Flush are no-ops.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		logger:   slog.Default(),
		logs:     make(map[string]*sessionLog),
		seen:     make(map[string][]string),
		bindings: make(map[string]types.Session),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Backend returns the configured backend, possibly nil.
func (s *Store) Backend() Backend { return s.backend }

// Load replaces the in-memory state with the backend's snapshot.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	snap, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	s.Restore(snap)
	s.logger.Info("session: snapshot loaded",
		"sessions", snap.SessionCount(),
		"business_types", len(snap.Sessions),
	)
	return nil
}

// Flush writes the current state to the backend.
func (s *Store) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	snap := s.Snapshot()
	if err := s.backend.Save(ctx, snap); err != nil {
		return err
	}
	s.logger.Debug("session: snapshot flushed", "sessions", snap.SessionCount())
	return nil
}

// Bind records the character a session belongs to. It reports false, and
// changes nothing, when sess.ID is already bound.
func (s *Store) Bind(sess types.Session) bool {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	if _, ok := s.bindings[sess.ID]; ok {
		return false
	}
	s.bindings[sess.ID] = sess
	return true
}

// Binding returns the session bound to sessionID.
func (s *Store) Binding(sessionID string) (types.Session, bool) {
	s.bindMu.RLock()
	defer s.bindMu.RUnlock()
	sess, ok := s.bindings[sessionID]
	return sess, ok
}

// MarkSeen records sessionID under businessType. A new id is placed first;
// an id already present keeps its position.
func (s *Store) MarkSeen(businessType, sessionID string) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	ids := s.seen[businessType]
	if slices.Contains(ids, sessionID) {
		return
	}
	s.seen[businessType] = append([]string{sessionID}, ids...)
}

// SessionIDs returns the ids seen under businessType, newest first. Unknown
// types yield an empty slice.
func (s *Store) SessionIDs(businessType string) []string {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	ids := s.seen[businessType]
	return append(make([]string, 0, len(ids)), ids...)
}

// AppendMessage appends msgs to the session's text history as one unit; no
// other append to the same session interleaves with them.
func (s *Store) AppendMessage(sessionID string, msgs ...types.Message) {
	if len(msgs) == 0 {
		return
	}
	l := s.logFor(sessionID)
	l.mu.Lock()
	l.messages = append(l.messages, msgs...)
	l.mu.Unlock()
}

// Messages returns a copy of the session's text messages in insertion order.
// Unknown sessions yield an empty slice.
func (s *Store) Messages(sessionID string) []types.Message {
	l := s.lookup(sessionID)
	if l == nil {
		return []types.Message{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(make([]types.Message, 0, len(l.messages)), l.messages...)
}

// RecentMessages returns at most the last n messages; n <= 0 returns all.
func (s *Store) RecentMessages(sessionID string, n int) []types.Message {
	msgs := s.Messages(sessionID)
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

// AppendVoiceRecord appends rec to the session's voice history.
func (s *Store) AppendVoiceRecord(sessionID string, rec types.VoiceRecord) {
	l := s.logFor(sessionID)
	l.mu.Lock()
	l.voices = append(l.voices, rec)
	l.mu.Unlock()
}

// VoiceHistory returns a copy of the session's voice records in insertion
// order. Unknown sessions yield an empty slice, never an error.
func (s *Store) VoiceHistory(sessionID string) []types.VoiceRecord {
	l := s.lookup(sessionID)
	if l == nil {
		return []types.VoiceRecord{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(make([]types.VoiceRecord, 0, len(l.voices)), l.voices...)
}

// History returns the session's text messages followed by its voice records,
// each in insertion order.
func (s *Store) History(sessionID string) []types.HistoryEntry {
	l := s.lookup(sessionID)
	if l == nil {
		return []types.HistoryEntry{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.HistoryEntry, 0, len(l.messages)+len(l.voices))
	for _, m := range l.messages {
		out = append(out, types.HistoryEntry{Kind: types.HistoryText, Role: m.Role, Content: m.Content})
	}
	for i := range l.voices {
		rec := l.voices[i]
		out = append(out, types.HistoryEntry{Kind: types.HistoryVoice, Role: types.RoleUser, Voice: &rec})
	}
	return out
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *Snapshot {
	snap := NewSnapshot()

	s.seenMu.Lock()
	for bt, ids := range s.seen {
		snap.Sessions[bt] = slices.Clone(ids)
	}
	s.seenMu.Unlock()

	s.bindMu.RLock()
	maps.Copy(snap.Bindings, s.bindings)
	s.bindMu.RUnlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, l := range s.logs {
		l.mu.Lock()
		if len(l.messages) > 0 {
			snap.Messages[id] = slices.Clone(l.messages)
		}
		if len(l.voices) > 0 {
			snap.Voices[id] = slices.Clone(l.voices)
		}
		l.mu.Unlock()
	}
	return snap
}

// Restore replaces the in-memory state with a deep copy of snap.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil {
		snap = NewSnapshot()
	}

	seen := make(map[string][]string, len(snap.Sessions))
	for bt, ids := range snap.Sessions {
		seen[bt] = slices.Clone(ids)
	}
	logs := make(map[string]*sessionLog, len(snap.Messages)+len(snap.Voices))
	for id, msgs := range snap.Messages {
		logs[id] = &sessionLog{messages: slices.Clone(msgs)}
	}
	for id, recs := range snap.Voices {
		l, ok := logs[id]
		if !ok {
			l = &sessionLog{}
			logs[id] = l
		}
		l.voices = slices.Clone(recs)
	}

	bindings := make(map[string]types.Session, len(snap.Bindings))
	maps.Copy(bindings, snap.Bindings)

	s.seenMu.Lock()
	s.seen = seen
	s.seenMu.Unlock()

	s.bindMu.Lock()
	s.bindings = bindings
	s.bindMu.Unlock()

	s.mu.Lock()
	s.logs = logs
	s.mu.Unlock()
}

// Ping reports whether the backend is reachable. Backends that do not
// implement [Pinger] are assumed healthy.
func (s *Store) Ping(ctx context.Context) error {
	p, ok := s.backend.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("session: ping backend: %w", err)
	}
	return nil
}

func (s *Store) lookup(sessionID string) *sessionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[sessionID]
}

func (s *Store) logFor(sessionID string) *sessionLog {
	if l := s.lookup(sessionID); l != nil {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		l = &sessionLog{}
		s.logs[sessionID] = l
	}
	return l
}
