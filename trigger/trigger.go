// Package trigger turns schedules, inbound webhooks, and pub/sub messages
// into new pipeline executions. Time-based schedules are consumed through
// a conditional claim on the schedule's next fire time, so overlapping
// poll windows and concurrent replicas fire each occurrence exactly once.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/meridianhq/orchestrator/engine"
	"github.com/meridianhq/orchestrator/store"
)

// Starter creates executions for fired triggers. Satisfied by
// *engine.Engine.
type Starter interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (*store.PipelineExecution, error)
}

// Manager owns trigger CRUD and the schedule poller.
type Manager struct {
	triggers store.TriggerStore
	starter  Starter
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager creates a trigger Manager.
func NewManager(triggers store.TriggerStore, starter Starter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{triggers: triggers, starter: starter, logger: logger, clock: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (m *Manager) SetClock(fn func() time.Time) { m.clock = fn }

// ValidateCron checks a standard 5-field cron expression.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// CreateSchedule validates the schedule, computes its first fire time, and
// persists it enabled.
func (m *Manager) CreateSchedule(ctx context.Context, s *store.TriggerSchedule) error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	switch s.Kind {
	case store.ScheduleCron:
		if err := ValidateCron(s.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case store.ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("interval_seconds must be positive")
		}
	case store.ScheduleOneTime:
		if s.FireAt == nil {
			return fmt.Errorf("fire_at is required for one_time schedules")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}

	s.Enabled = true
	next, err := m.nextFire(s, m.clock())
	if err != nil {
		return err
	}
	s.NextFireAt = next
	return m.triggers.CreateSchedule(ctx, s)
}

// GetSchedule returns one schedule.
func (m *Manager) GetSchedule(ctx context.Context, id uuid.UUID) (*store.TriggerSchedule, error) {
	return m.triggers.GetSchedule(ctx, id)
}

// ListSchedules returns schedules matching the filter.
func (m *Manager) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]*store.TriggerSchedule, error) {
	return m.triggers.ListSchedules(ctx, f)
}

// DeleteSchedule removes a schedule.
func (m *Manager) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return m.triggers.DeleteSchedule(ctx, id)
}

// SetScheduleEnabled pauses or resumes a schedule. Re-enabling recomputes
// the next fire time from now so a paused schedule does not fire for every
// missed occurrence.
func (m *Manager) SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*store.TriggerSchedule, error) {
	s, err := m.triggers.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Enabled = enabled
	if enabled {
		next, err := m.nextFire(s, m.clock())
		if err != nil {
			return nil, err
		}
		s.NextFireAt = next
	}
	if err := m.triggers.UpdateSchedule(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListWebhooks returns registered webhook triggers.
func (m *Manager) ListWebhooks(ctx context.Context, p store.Pagination) ([]*store.WebhookTrigger, error) {
	return m.triggers.ListWebhooks(ctx, p)
}

// DeleteWebhook removes a webhook trigger.
func (m *Manager) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	return m.triggers.DeleteWebhook(ctx, id)
}

// ListEventTriggers returns registered event triggers.
func (m *Manager) ListEventTriggers(ctx context.Context, p store.Pagination) ([]*store.EventTrigger, error) {
	return m.triggers.ListEventTriggers(ctx, p)
}

// DeleteEventTrigger removes an event trigger.
func (m *Manager) DeleteEventTrigger(ctx context.Context, id uuid.UUID) error {
	return m.triggers.DeleteEventTrigger(ctx, id)
}

// nextFire computes the fire time after from, or nil when the schedule is
// spent (one_time schedules that already fired).
func (m *Manager) nextFire(s *store.TriggerSchedule, from time.Time) (*time.Time, error) {
	switch s.Kind {
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
		next := sched.Next(from)
		return &next, nil
	case store.ScheduleInterval:
		next := from.Add(time.Duration(s.IntervalSeconds) * time.Second)
		return &next, nil
	case store.ScheduleOneTime:
		if s.LastFiredAt != nil {
			return nil, nil
		}
		return s.FireAt, nil
	}
	return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

// Poll fires every due schedule at most once per occurrence. The claim is
// a conditional update on the stored next fire time; a poller that loses
// the race moves on.
func (m *Manager) Poll(ctx context.Context) (int, error) {
	now := m.clock()
	due, err := m.triggers.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	var fired int
	for _, s := range due {
		if s.NextFireAt == nil {
			continue
		}
		next, err := m.nextFire(s, now)
		if err != nil {
			m.logger.Error("compute next fire time", "schedule", s.Name, "error", err)
			continue
		}
		ok, err := m.triggers.ClaimDue(ctx, s.ID, *s.NextFireAt, now, next)
		if err != nil {
			m.logger.Error("claim due schedule", "schedule", s.Name, "error", err)
			continue
		}
		if !ok {
			// Another replica claimed this occurrence.
			continue
		}

		exec, err := m.starter.StartExecution(ctx, engine.StartRequest{
			DefinitionID: s.DefinitionID,
			Params:       s.Params,
		})
		if err != nil {
			m.logger.Error("start scheduled execution", "schedule", s.Name, "error", err)
			continue
		}
		fired++
		m.logger.Info("schedule fired",
			"schedule", s.Name, "kind", s.Kind, "execution_id", exec.ID, "next_fire_at", next)
	}
	return fired, nil
}

// RunPoller polls on a fixed interval until the context is cancelled.
// Fire latency is bounded by the poll interval.
func (m *Manager) RunPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil {
				m.logger.Error("schedule poll failed", "error", err)
			}
		}
	}
}
