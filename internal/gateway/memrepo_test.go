package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// memRepo is an in-memory store.Repository for gateway tests.
type memRepo struct {
	mu       sync.Mutex
	channels map[string]store.Channel
	chats    map[string]store.Chat
	messages []store.Message
	runs     map[string]store.AgentRun
	events   []store.EventRecord
	configs  map[string]json.RawMessage
}

func newMemRepo() *memRepo {
	return &memRepo{
		channels: make(map[string]store.Channel),
		chats:    make(map[string]store.Chat),
		runs:     make(map[string]store.AgentRun),
		configs:  make(map[string]json.RawMessage),
	}
}

func (r *memRepo) UpsertChannel(_ context.Context, ch store.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID] = ch
	return nil
}

func (r *memRepo) SetChannelStatus(_ context.Context, id string, status store.ChannelStatus, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return store.ErrNotFound
	}
	ch.Status = status
	ch.LastSeen = &lastSeen
	r.channels[id] = ch
	return nil
}

func (r *memRepo) ListChannels(context.Context) ([]store.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) UpsertChat(_ context.Context, chat store.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.chats[chat.ChatID]; ok {
		existing.Title = chat.Title
		r.chats[chat.ChatID] = existing
		return nil
	}
	r.chats[chat.ChatID] = chat
	return nil
}

func (r *memRepo) ListChats(_ context.Context, channelID string) ([]store.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Chat
	for _, c := range r.chats {
		if channelID == "" || c.ChannelID == channelID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (r *memRepo) AddMessage(_ context.Context, msg store.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, chatID string, limit int) ([]store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Message
	for _, m := range r.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memRepo) UpsertRun(_ context.Context, run store.AgentRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.RunID] = run
	return nil
}

func (r *memRepo) GetRun(_ context.Context, runID string) (store.AgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return store.AgentRun{}, store.ErrNotFound
	}
	return run, nil
}

func (r *memRepo) AppendEvent(_ context.Context, evt store.EventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *memRepo) TailEvents(_ context.Context, runID string, afterSeq uint64, limit int) ([]store.EventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []store.EventRecord
	for _, e := range r.events {
		if e.Seq > afterSeq && (runID == "" || e.RunID == runID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) LastSeq(context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint64
	for _, e := range r.events {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}

func (r *memRepo) SaveConfig(_ context.Context, key string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (r *memRepo) LoadConfig(_ context.Context, key string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.configs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *memRepo) messageCount(chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.ChatID == chatID {
			n++
		}
	}
	return n
}
