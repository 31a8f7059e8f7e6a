// Package types defines the shared value types used across voxtalk packages.
//
// These types are the lingua franca between providers, the session store, the
// conversation streamer and the orchestrator. Each package keeps its own domain
// types; only cross-cutting data structures live here to avoid import cycles.
package types

import "time"

// Role identifies the author of a chat message.
type Role = string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn of text conversation. Messages belong to exactly one
// session and are ordered by insertion; there is no explicit sequence number.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// VoiceRecord is the durable trace of one completed voice turn.
type VoiceRecord struct {
	// UserVoice is the public URL of the uploaded user audio.
	UserVoice string `json:"userVoice"`

	// AgentVoice is the public URL of the synthesized reply.
	AgentVoice string `json:"agentVoice"`

	// Timestamp is the completion time in Unix milliseconds. Display and sorting
	// only; never used for correctness.
	Timestamp int64 `json:"timestamp"`
}

// Time returns Timestamp as a [time.Time].
func (v VoiceRecord) Time() time.Time {
	return time.UnixMilli(v.Timestamp)
}

// Character is a persona the user can talk to: a system prompt plus a voice.
type Character struct {
	ID          int64   `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description"`
	Image       string  `json:"image,omitempty" yaml:"image"`
	Prompt      string  `json:"prompt" yaml:"prompt"`
	VoiceModel  string  `json:"voiceModel" yaml:"voice_model"`
	Voice       string  `json:"voice" yaml:"voice"`
	Speed       float64 `json:"speed,omitempty" yaml:"speed"`
	Volume      float64 `json:"volume,omitempty" yaml:"volume"`
}

// Session binds a conversation identifier to a character. It is created once
// and never mutated afterwards.
type Session struct {
	ID          string    `json:"id"`
	CharacterID int64     `json:"characterId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HistoryKind tags an entry of a merged session history.
type HistoryKind string

const (
	HistoryText  HistoryKind = "text"
	HistoryVoice HistoryKind = "voice"
)

// HistoryEntry is one element of the merged view returned for a session:
// either a text message or a voice record.
type HistoryEntry struct {
	Kind    HistoryKind  `json:"kind"`
	Role    Role         `json:"role,omitempty"`
	Content string       `json:"content,omitempty"`
	Voice   *VoiceRecord `json:"voice,omitempty"`
}
