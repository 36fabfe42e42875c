package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/orchestrator/dag"
)

// MemoryStore is an in-memory implementation of every store interface.
// It backs tests and the single-process development mode, and doubles as
// the shape of the fallback cache used while the durable store is down.
type MemoryStore struct {
	mu sync.Mutex

	definitions map[uuid.UUID][]*dag.Definition // id -> versions ascending
	executions  map[uuid.UUID]*PipelineExecution
	steps       map[uuid.UUID]*StepExecution
	progress    map[uuid.UUID][]*ProgressEvent
	progressSeq map[uuid.UUID]int64
	progressID  int64
	subs        map[uuid.UUID]*ExecutionSubscription
	schedules   map[uuid.UUID]*TriggerSchedule
	webhooks    map[uuid.UUID]*WebhookTrigger
	eventTrigs  map[uuid.UUID]*EventTrigger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[uuid.UUID][]*dag.Definition),
		executions:  make(map[uuid.UUID]*PipelineExecution),
		steps:       make(map[uuid.UUID]*StepExecution),
		progress:    make(map[uuid.UUID][]*ProgressEvent),
		progressSeq: make(map[uuid.UUID]int64),
		subs:        make(map[uuid.UUID]*ExecutionSubscription),
		schedules:   make(map[uuid.UUID]*TriggerSchedule),
		webhooks:    make(map[uuid.UUID]*WebhookTrigger),
		eventTrigs:  make(map[uuid.UUID]*EventTrigger),
	}
}

// --- DefinitionStore ---

func (m *MemoryStore) CreateDefinition(_ context.Context, def *dag.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	versions := m.definitions[def.ID]
	def.Version = len(versions) + 1
	cp := *def
	m.definitions[def.ID] = append(versions, &cp)
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id uuid.UUID, version int) (*dag.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.definitions[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version == 0 {
		cp := *versions[len(versions)-1]
		return &cp, nil
	}
	if version < 1 || version > len(versions) {
		return nil, ErrNotFound
	}
	cp := *versions[version-1]
	return &cp, nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, p Pagination) ([]*dag.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*dag.Definition
	for _, versions := range m.definitions {
		cp := *versions[len(versions)-1]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, p), nil
}

// --- ExecutionStore ---

func (m *MemoryStore) CreateExecution(_ context.Context, e *PipelineExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = ExecutionPending
	}
	if _, exists := m.executions[e.ID]; exists {
		return ErrDuplicate
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	cp := *e
	m.executions[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id uuid.UUID) (*PipelineExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]*PipelineExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PipelineExecution
	for _, e := range m.executions {
		if f.DefinitionID != nil && e.DefinitionID != *f.DefinitionID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.CreatedAt.After(*f.Until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Pagination), nil
}

func (m *MemoryStore) TransitionExecution(_ context.Context, id uuid.UUID, from []ExecutionStatus, to ExecutionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !statusIn(e.Status, from) {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = time.Now()
	if to == ExecutionRunning && e.StartedAt == nil {
		now := time.Now()
		e.StartedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) FinishExecution(_ context.Context, id uuid.UUID, from []ExecutionStatus, to ExecutionStatus, outputs map[string]any, failedStepID, errMsg string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !statusIn(e.Status, from) {
		return false, nil
	}
	e.Status = to
	e.Outputs = outputs
	e.FailedStepID = failedStepID
	e.ErrorMessage = errMsg
	e.CompletedAt = &completedAt
	e.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) RequestCancel(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Terminal() || e.CancelRequested {
		return false, nil
	}
	e.CancelRequested = true
	e.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) IncrementCounter(_ context.Context, id uuid.UUID, name string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Counters == nil {
		e.Counters = make(map[string]int64)
	}
	e.Counters[name] += delta
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.executions {
		if !e.Terminal() || e.CreatedAt.After(cutoff) {
			continue
		}
		delete(m.executions, id)
		for sid, s := range m.steps {
			if s.ExecutionID == id {
				delete(m.steps, sid)
			}
		}
		delete(m.progress, id)
		delete(m.progressSeq, id)
		n++
	}
	return n, nil
}

func (m *MemoryStore) CreateStep(_ context.Context, s *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = StepPending
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.steps[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetStep(_ context.Context, id uuid.UUID) (*StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSteps(_ context.Context, executionID uuid.UUID) ([]*StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StepExecution
	for _, s := range m.steps {
		if s.ExecutionID == executionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ClaimStep(_ context.Context, id uuid.UUID, from []StepStatus, to StepStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return false, ErrNotFound
	}
	if !stepStatusIn(s.Status, from) {
		return false, nil
	}
	s.Status = to
	now := time.Now()
	s.UpdatedAt = now
	if to == StepRunning && s.StartedAt == nil {
		s.StartedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) UpdateStep(_ context.Context, in *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[in.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *in
	cp.CreatedAt = s.CreatedAt
	cp.UpdatedAt = time.Now()
	m.steps[in.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkStepWaiting(_ context.Context, id uuid.UUID, externalWorkflowID, handlerType string, timeoutAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != StepRunning || s.AwaitingEvent {
		return false, nil
	}
	s.Status = StepWaiting
	s.AwaitingEvent = true
	s.ExternalWorkflowID = externalWorkflowID
	s.HandlerType = handlerType
	s.TimeoutAt = &timeoutAt
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ResolveAwaitingStep(_ context.Context, id uuid.UUID, to StepStatus, outputs map[string]any, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return false, ErrNotFound
	}
	if !s.AwaitingEvent {
		return false, nil
	}
	now := time.Now()
	s.AwaitingEvent = false
	s.Status = to
	s.TimeoutAt = nil
	s.ErrorMessage = errMsg
	if outputs != nil {
		s.Outputs = outputs
	}
	if TerminalStepStatuses[to] {
		s.CompletedAt = &now
	}
	s.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) FindStepByCorrelation(_ context.Context, externalWorkflowID, handlerType string) (*StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.ExternalWorkflowID != externalWorkflowID {
			continue
		}
		if handlerType != "" && s.HandlerType != handlerType {
			continue
		}
		cp := *s
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListExpiredWaitingSteps(_ context.Context, now time.Time, limit int) ([]*StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StepExecution
	for _, s := range m.steps {
		if !s.AwaitingEvent || s.TimeoutAt == nil || s.TimeoutAt.After(now) {
			continue
		}
		cp := *s
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- ProgressStore ---

func (m *MemoryStore) AppendProgress(_ context.Context, ev *ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressSeq[ev.ExecutionID]++
	m.progressID++
	ev.ID = m.progressID
	ev.SequenceNumber = m.progressSeq[ev.ExecutionID]
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	cp := *ev
	m.progress[ev.ExecutionID] = append(m.progress[ev.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) ListProgress(_ context.Context, f ProgressFilter) ([]*ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProgressEvent
	for _, ev := range m.progress[f.ExecutionID] {
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.Since != nil && ev.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && ev.CreatedAt.After(*f.Until) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SequenceNumber > out[j].SequenceNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f.Pagination), nil
}

// --- SubscriptionStore ---

func (m *MemoryStore) CreateSubscription(_ context.Context, s *ExecutionSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subs {
		if existing.ExecutionID == s.ExecutionID && existing.CallbackTopic == s.CallbackTopic {
			return ErrDuplicate
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.DeliveryStatus == "" {
		s.DeliveryStatus = DeliveryActive
	}
	if s.SubscribedAt.IsZero() {
		s.SubscribedAt = time.Now()
	}
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, executionID uuid.UUID) ([]*ExecutionSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ExecutionSubscription
	for _, s := range m.subs {
		if s.ExecutionID == executionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscribedAt.Before(out[j].SubscribedAt) })
	return out, nil
}

func (m *MemoryStore) SetDeliveryStatus(_ context.Context, id uuid.UUID, from []DeliveryStatus, to DeliveryStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	matched := len(from) == 0
	for _, f := range from {
		if s.DeliveryStatus == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	s.DeliveryStatus = to
	s.FailureReason = reason
	return true, nil
}

// --- TriggerStore ---

func (m *MemoryStore) CreateSchedule(_ context.Context, s *TriggerSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id uuid.UUID) (*TriggerSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, in *TriggerSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[in.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *in
	cp.CreatedAt = s.CreatedAt
	cp.UpdatedAt = time.Now()
	m.schedules[in.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, f ScheduleFilter) ([]*TriggerSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TriggerSchedule
	for _, s := range m.schedules {
		if f.Kind != "" && s.Kind != f.Kind {
			continue
		}
		if f.Enabled != nil && s.Enabled != *f.Enabled {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, f.Pagination), nil
}

func (m *MemoryStore) ListDueSchedules(_ context.Context, now time.Time) ([]*TriggerSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TriggerSchedule
	for _, s := range m.schedules {
		if !s.Enabled || s.NextFireAt == nil || s.NextFireAt.After(now) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, id uuid.UUID, due time.Time, firedAt time.Time, next *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.NextFireAt == nil || !s.NextFireAt.Equal(due) {
		return false, nil
	}
	s.LastFiredAt = &firedAt
	s.NextFireAt = next
	if next == nil && s.Kind == ScheduleOneTime {
		s.Enabled = false
	}
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) CreateWebhook(_ context.Context, w *WebhookTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.webhooks {
		if existing.Token == w.Token {
			return ErrDuplicate
		}
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = time.Now()
	cp := *w
	m.webhooks[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWebhookByToken(_ context.Context, token string) (*WebhookTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.webhooks {
		if w.Token == token {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DeleteWebhook(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

func (m *MemoryStore) ListWebhooks(_ context.Context, p Pagination) ([]*WebhookTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WebhookTrigger
	for _, w := range m.webhooks {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, p), nil
}

func (m *MemoryStore) CreateEventTrigger(_ context.Context, t *EventTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	cp := *t
	m.eventTrigs[t.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteEventTrigger(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.eventTrigs[id]; !ok {
		return ErrNotFound
	}
	delete(m.eventTrigs, id)
	return nil
}

func (m *MemoryStore) ListEventTriggers(_ context.Context, p Pagination) ([]*EventTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*EventTrigger
	for _, t := range m.eventTrigs {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, p), nil
}

// --- helpers ---

func statusIn(s ExecutionStatus, set []ExecutionStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func stepStatusIn(s StepStatus, set []StepStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, p Pagination) []T {
	if p.Offset > 0 {
		if p.Offset >= len(items) {
			return nil
		}
		items = items[p.Offset:]
	}
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items
}
