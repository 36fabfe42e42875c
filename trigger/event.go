package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/meridianhq/orchestrator/engine"
	"github.com/meridianhq/orchestrator/store"
)

// MessageSource delivers pub/sub messages to the event trigger listener.
// The NATS-backed implementation lives in nats.go; tests drive a fake.
type MessageSource interface {
	// Subscribe registers a handler for a topic and returns an
	// unsubscribe function.
	Subscribe(topic string, handler func(topic string, data []byte)) (func(), error)
}

// CreateEventTrigger compiles the pattern up front so malformed predicates
// are rejected at registration rather than at message time.
func (m *Manager) CreateEventTrigger(ctx context.Context, t *store.EventTrigger) error {
	if t.Name == "" {
		return fmt.Errorf("event trigger name is required")
	}
	if t.Topic == "" {
		return fmt.Errorf("event trigger topic is required")
	}
	if t.Pattern != "" {
		if _, err := expr.Compile(t.Pattern, expr.AsBool()); err != nil {
			return fmt.Errorf("invalid event pattern: %w", err)
		}
	}
	return m.triggers.CreateEventTrigger(ctx, t)
}

// ListenEvents subscribes to every registered event trigger's topic and
// starts an execution for each message that satisfies the pattern. It
// blocks until the context is cancelled.
func (m *Manager) ListenEvents(ctx context.Context, source MessageSource) error {
	triggers, err := m.triggers.ListEventTriggers(ctx, store.Pagination{Limit: 1000})
	if err != nil {
		return fmt.Errorf("list event triggers: %w", err)
	}

	var unsubs []func()
	topics := make(map[string]bool)
	for _, t := range triggers {
		if topics[t.Topic] {
			continue
		}
		topics[t.Topic] = true
		unsub, err := source.Subscribe(t.Topic, func(topic string, data []byte) {
			m.handleMessage(ctx, topic, data)
		})
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return fmt.Errorf("subscribe %q: %w", t.Topic, err)
		}
		unsubs = append(unsubs, unsub)
		m.logger.Info("event trigger listening", "topic", t.Topic)
	}

	<-ctx.Done()
	for _, u := range unsubs {
		u()
	}
	return nil
}

// handleMessage matches one inbound message against every trigger on its
// topic. A pattern that fails to evaluate disables that match only; other
// triggers still fire.
func (m *Manager) handleMessage(ctx context.Context, topic string, data []byte) {
	triggers, err := m.triggers.ListEventTriggers(ctx, store.Pagination{Limit: 1000})
	if err != nil {
		m.logger.Error("list event triggers", "error", err)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		payload = map[string]any{"raw": string(data)}
	}

	for _, t := range triggers {
		if t.Topic != topic {
			continue
		}
		if t.Pattern != "" {
			match, err := evalPattern(t.Pattern, payload)
			if err != nil {
				m.logger.Error("event pattern evaluation failed", "trigger", t.Name, "error", err)
				continue
			}
			if !match {
				continue
			}
		}

		params := make(map[string]any, len(t.Params)+1)
		for k, v := range t.Params {
			params[k] = v
		}
		params["event"] = payload

		exec, err := m.starter.StartExecution(ctx, engine.StartRequest{
			DefinitionID: t.DefinitionID,
			Params:       params,
		})
		if err != nil {
			m.logger.Error("start event-triggered execution", "trigger", t.Name, "error", err)
			continue
		}
		m.logger.Info("event trigger fired", "trigger", t.Name, "topic", topic, "execution_id", exec.ID)
	}
}

func evalPattern(pattern string, payload map[string]any) (bool, error) {
	out, err := expr.Eval(pattern, map[string]any{"event": payload})
	if err != nil {
		return false, err
	}
	match, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("pattern returned %T, want bool", out)
	}
	return match, nil
}
