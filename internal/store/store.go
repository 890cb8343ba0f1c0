// Package store defines the persisted entities and the Repository interface.
// The gateway core is the only writer; everything else reads through it.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// ChannelKind identifies the transport behind a channel.
type ChannelKind string

const (
	ChannelWebchat  ChannelKind = "webchat"
	ChannelTelegram ChannelKind = "telegram"
	ChannelWhatsApp ChannelKind = "whatsapp"
)

// ChannelStatus is the operational state of a channel adapter.
type ChannelStatus string

const (
	ChannelOffline    ChannelStatus = "offline"
	ChannelConnecting ChannelStatus = "connecting"
	ChannelOnline     ChannelStatus = "online"
	ChannelDegraded   ChannelStatus = "degraded"
)

// Channel is a logical inbound source, created at startup from config.
type Channel struct {
	ID       string        `json:"id"`
	Kind     ChannelKind   `json:"kind"`
	Status   ChannelStatus `json:"status"`
	LastSeen *time.Time    `json:"last_seen,omitempty"`
}

// Chat is a conversation anchored to a channel.
type Chat struct {
	ChatID    string    `json:"chat_id"`
	ChannelID string    `json:"channel_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message direction.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is an atomic utterance. Immutable after insertion.
type Message struct {
	MessageID string            `json:"message_id"`
	ChatID    string            `json:"chat_id"`
	Direction string            `json:"direction"`
	SenderID  string            `json:"sender_id"`
	Text      string            `json:"text"`
	TS        time.Time         `json:"ts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunPending          RunStatus = "pending"
	RunPlanning         RunStatus = "planning"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunToolExec         RunStatus = "tool_exec"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunCanceled         RunStatus = "canceled"
	RunTimedOut         RunStatus = "timed_out"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled, RunTimedOut:
		return true
	}
	return false
}

// Run error kinds recorded on terminal runs.
const (
	ErrKindApprovalTimeout = "approval_timeout"
	ErrKindStepLimit       = "step_limit"
	ErrKindRunTimeout      = "run_timeout"
	ErrKindCanceled        = "canceled"
	ErrKindLLMUnavailable  = "llm_unavailable"
	ErrKindToolFailed      = "tool_failed"
	ErrKindInternal        = "internal"
)

// RunError is the typed error recorded on a failed run.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AgentRun is one invocation of the agent loop bound to a chat.
type AgentRun struct {
	RunID       string     `json:"run_id"`
	ChatID      string     `json:"chat_id"`
	ChannelID   string     `json:"channel_id"`
	RequestedBy string     `json:"requested_by"`
	Status      RunStatus  `json:"status"`
	Step        int        `json:"step"`
	MaxSteps    int        `json:"max_steps"`
	Deadline    time.Time  `json:"deadline"`
	OutputText  string     `json:"output_text,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Error       *RunError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// EventRecord is an immutable row in the append-only events table,
// indexed by (run_id, seq).
type EventRecord struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	TS        time.Time       `json:"ts"`
	RunID     string          `json:"run_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Repository is the persistence backend. Implementations must be safe for
// concurrent use; the gateway serializes writes per run but reads freely.
type Repository interface {
	UpsertChannel(ctx context.Context, ch Channel) error
	SetChannelStatus(ctx context.Context, channelID string, status ChannelStatus, lastSeen time.Time) error
	ListChannels(ctx context.Context) ([]Channel, error)

	UpsertChat(ctx context.Context, chat Chat) error
	ListChats(ctx context.Context, channelID string) ([]Chat, error)

	AddMessage(ctx context.Context, msg Message) error
	// ListMessages returns up to limit messages for a chat, newest-last.
	ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error)

	UpsertRun(ctx context.Context, run AgentRun) error
	GetRun(ctx context.Context, runID string) (AgentRun, error)

	AppendEvent(ctx context.Context, evt EventRecord) error
	// TailEvents returns persisted events with seq > afterSeq, optionally
	// filtered by run, oldest first.
	TailEvents(ctx context.Context, runID string, afterSeq uint64, limit int) ([]EventRecord, error)
	// LastSeq returns the highest persisted sequence number (0 when empty).
	LastSeq(ctx context.Context) (uint64, error)

	// SaveConfig / LoadConfig persist opaque config blobs (policy state).
	SaveConfig(ctx context.Context, key string, value json.RawMessage) error
	LoadConfig(ctx context.Context, key string) (json.RawMessage, error)

	Close() error
}

// ErrNotFound is returned by Get* methods when no row matches.
type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// ErrNotFound sentinel for missing rows.
const ErrNotFound = notFoundError("store: not found")
