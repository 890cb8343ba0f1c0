package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/store"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (f *fakeStarter) StartRun(_ context.Context, _, _, prompt, requestedBy string) (store.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.AgentRun{}, f.err
	}
	f.started = append(f.started, requestedBy+"|"+prompt)
	return store.AgentRun{RunID: "run_test"}, nil
}

func (f *fakeStarter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDropsInvalidSpecs(t *testing.T) {
	s := New(testLogger(), &fakeStarter{}, []config.ScheduleSpec{
		{Name: "ok", Cron: "* * * * *", Prompt: "p"},
		{Name: "bad-cron", Cron: "not a cron", Prompt: "p"},
		{Name: "no-prompt", Cron: "* * * * *"},
		{Name: "no-cron", Prompt: "p"},
	})
	if s.Len() != 1 {
		t.Errorf("kept %d schedules, want 1", s.Len())
	}
}

func TestTickStartsDueRuns(t *testing.T) {
	starter := &fakeStarter{}
	s := New(testLogger(), starter, []config.ScheduleSpec{
		{Name: "every-minute", Cron: "* * * * *", ChannelID: "webchat-1", ChatID: "chat_1", Prompt: "daily report"},
		{Name: "midnight-only", Cron: "0 0 * * *", ChannelID: "webchat-1", ChatID: "chat_1", Prompt: "nightly"},
	})

	noon := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	s.tick(context.Background(), noon)

	calls := starter.calls()
	if len(calls) != 1 || calls[0] != "sched:every-minute|daily report" {
		t.Errorf("calls = %v", calls)
	}

	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	s.tick(context.Background(), midnight)
	if got := len(starter.calls()); got != 3 {
		t.Errorf("calls after midnight tick = %d, want 3", got)
	}
}

func TestTickSurvivesStartFailure(t *testing.T) {
	starter := &fakeStarter{err: errors.New("boom")}
	s := New(testLogger(), starter, []config.ScheduleSpec{
		{Name: "a", Cron: "* * * * *", Prompt: "p"},
	})
	s.tick(context.Background(), time.Now())
	if got := len(starter.calls()); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(testLogger(), &fakeStarter{}, []config.ScheduleSpec{
		{Name: "a", Cron: "* * * * *", Prompt: "p"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
