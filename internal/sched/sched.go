// Package sched fires configured agent runs on cron schedules.
package sched

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// Starter launches agent runs. Satisfied by gateway.Core.
type Starter interface {
	StartRun(ctx context.Context, channelID, chatID, prompt, requestedBy string) (store.AgentRun, error)
}

// Scheduler evaluates cron expressions once per minute and starts a run
// for each schedule that is due.
type Scheduler struct {
	log     *slog.Logger
	starter Starter
	specs   []config.ScheduleSpec
	gron    *gronx.Gronx
	now     func() time.Time
}

// New validates the configured schedules, dropping invalid cron
// expressions with a warning so one bad entry cannot block the rest.
func New(log *slog.Logger, starter Starter, specs []config.ScheduleSpec) *Scheduler {
	g := gronx.New()
	kept := make([]config.ScheduleSpec, 0, len(specs))
	for _, spec := range specs {
		if spec.Cron == "" || spec.Prompt == "" {
			log.Warn("sched.spec_skipped", "name", spec.Name, "reason", "missing cron or prompt")
			continue
		}
		if !g.IsValid(spec.Cron) {
			log.Warn("sched.spec_skipped", "name", spec.Name, "cron", spec.Cron, "reason", "invalid expression")
			continue
		}
		kept = append(kept, spec)
	}
	return &Scheduler{
		log:     log,
		starter: starter,
		specs:   kept,
		gron:    g,
		now:     time.Now,
	}
}

// Len reports the number of schedules that survived validation.
func (s *Scheduler) Len() int { return len(s.specs) }

// Run ticks on minute boundaries until the context is canceled. Each
// minute is evaluated at most once, so a slow run cannot double-fire.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.specs) == 0 {
		return
	}
	s.log.Info("sched.started", "schedules", len(s.specs))
	for {
		next := s.now().Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx, next)
		}
	}
}

// tick starts a run for every schedule due at the given minute.
func (s *Scheduler) tick(ctx context.Context, at time.Time) {
	for _, spec := range s.specs {
		due, err := s.gron.IsDue(spec.Cron, at)
		if err != nil {
			s.log.Warn("sched.eval_failed", "name", spec.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		run, err := s.starter.StartRun(ctx, spec.ChannelID, spec.ChatID, spec.Prompt, "sched:"+spec.Name)
		if err != nil {
			s.log.Warn("sched.start_failed", "name", spec.Name, "error", err)
			continue
		}
		s.log.Info("sched.run_started", "name", spec.Name, "run_id", run.RunID)
	}
}
