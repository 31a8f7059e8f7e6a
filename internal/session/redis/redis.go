// Package redis provides a session.Backend that keeps the snapshot documents
// as JSON strings under <prefix>sessions, <prefix>messages, <prefix>voices and
// <prefix>bindings. Save writes them in one MULTI/EXEC transaction.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/voxtalk/internal/session"
)

// DefaultPrefix namespaces the snapshot keys.
const DefaultPrefix = "voxtalk:snapshot:"

// Backend implements session.Backend on Redis.
type Backend struct {
	rdb    goredis.Cmdable
	prefix string
}

var (
	_ session.Backend = (*Backend)(nil)
	_ session.Pinger  = (*Backend)(nil)
)

// New creates a Backend. An empty prefix uses [DefaultPrefix].
func New(rdb goredis.Cmdable, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{rdb: rdb, prefix: prefix}
}

// keys returns the document keys in the order sessions, messages, voices,
// bindings.
func (b *Backend) keys() []string {
	return []string{b.prefix + "sessions", b.prefix + "messages", b.prefix + "voices", b.prefix + "bindings"}
}

// documents returns pointers to the snapshot maps in [Backend.keys] order.
func documents(snap *session.Snapshot) []any {
	return []any{&snap.Sessions, &snap.Messages, &snap.Voices, &snap.Bindings}
}

// Load implements session.Backend.
func (b *Backend) Load(ctx context.Context) (*session.Snapshot, error) {
	keys := b.keys()
	vals, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %v", session.ErrLoadFailed, err)
	}

	snap := session.NewSnapshot()
	targets := documents(snap)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		if err := json.Unmarshal([]byte(s), targets[i]); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", session.ErrLoadFailed, keys[i], err)
		}
	}
	empty := session.NewSnapshot()
	if snap.Sessions == nil {
		snap.Sessions = empty.Sessions
	}
	if snap.Messages == nil {
		snap.Messages = empty.Messages
	}
	if snap.Voices == nil {
		snap.Voices = empty.Voices
	}
	if snap.Bindings == nil {
		snap.Bindings = empty.Bindings
	}
	return snap, nil
}

// Save implements session.Backend.
func (b *Backend) Save(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil {
		snap = session.NewSnapshot()
	}
	keys := b.keys()
	docs := documents(snap)

	encoded := make(map[string][]byte, len(keys))
	for i, k := range keys {
		data, err := json.Marshal(docs[i])
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", session.ErrSaveFailed, k, err)
		}
		encoded[k] = data
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for k, data := range encoded {
			pipe.Set(ctx, k, data, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: exec: %v", session.ErrSaveFailed, err)
	}
	return nil
}

// Ping implements session.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
