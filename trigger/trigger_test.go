package trigger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/orchestrator/engine"
	"github.com/meridianhq/orchestrator/store"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []engine.StartRequest
}

func (f *fakeStarter) StartExecution(_ context.Context, req engine.StartRequest) (*store.PipelineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &store.PipelineExecution{ID: uuid.New(), DefinitionID: req.DefinitionID, Status: store.ExecutionRunning}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *fakeStarter, *time.Time) {
	t.Helper()
	m := store.NewMemoryStore()
	starter := &fakeStarter{}
	mgr := NewManager(m, starter, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mgr.SetClock(func() time.Time { return now })
	return mgr, m, starter, &now
}

func TestCreateSchedule_Validation(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	err := mgr.CreateSchedule(ctx, &store.TriggerSchedule{Name: "bad", Kind: store.ScheduleCron, CronExpr: "not a cron"})
	assert.Error(t, err)

	err = mgr.CreateSchedule(ctx, &store.TriggerSchedule{Name: "bad", Kind: store.ScheduleInterval})
	assert.Error(t, err)

	err = mgr.CreateSchedule(ctx, &store.TriggerSchedule{Name: "bad", Kind: "hourly"})
	assert.Error(t, err)

	s := &store.TriggerSchedule{Name: "ok", Kind: store.ScheduleCron, CronExpr: "0 0 * * *", DefinitionID: uuid.New()}
	require.NoError(t, mgr.CreateSchedule(ctx, s))
	require.NotNil(t, s.NextFireAt)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), s.NextFireAt.UTC())
	assert.True(t, s.Enabled)
}

func TestPoll_FiresDueScheduleOnce(t *testing.T) {
	mgr, _, starter, now := newTestManager(t)
	ctx := context.Background()

	s := &store.TriggerSchedule{
		Name: "every-minute", Kind: store.ScheduleInterval, IntervalSeconds: 60,
		DefinitionID: uuid.New(), Params: map[string]any{"source": "schedule"},
	}
	require.NoError(t, mgr.CreateSchedule(ctx, s))

	// Not yet due.
	fired, err := mgr.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	*now = now.Add(61 * time.Second)
	fired, err = mgr.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	require.Equal(t, 1, starter.count())
	assert.Equal(t, s.DefinitionID, starter.reqs[0].DefinitionID)
	assert.Equal(t, "schedule", starter.reqs[0].Params["source"])

	// Same poll window again: the occurrence was consumed.
	fired, err = mgr.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, 1, starter.count())

	// The next occurrence fires after another interval.
	*now = now.Add(61 * time.Second)
	fired, err = mgr.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 2, starter.count())
}

func TestPoll_OneTimeFiresExactlyOnce(t *testing.T) {
	mgr, ms, starter, now := newTestManager(t)
	ctx := context.Background()

	at := now.Add(time.Hour)
	s := &store.TriggerSchedule{Name: "once", Kind: store.ScheduleOneTime, FireAt: &at, DefinitionID: uuid.New()}
	require.NoError(t, mgr.CreateSchedule(ctx, s))

	*now = now.Add(2 * time.Hour)
	fired, err := mgr.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err := ms.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled, "one_time schedule is disabled after firing")
	assert.Nil(t, got.NextFireAt)

	*now = now.Add(24 * time.Hour)
	fired, err = mgr.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, 1, starter.count())
}

func TestHandleWebhook(t *testing.T) {
	mgr, _, starter, _ := newTestManager(t)
	ctx := context.Background()

	w := &store.WebhookTrigger{
		Name: "ci-done", Secret: "s3cret", DefinitionID: uuid.New(),
		Params: map[string]any{"channel": "ci"},
	}
	require.NoError(t, mgr.CreateWebhook(ctx, w))
	require.NotEmpty(t, w.Token)

	body, _ := json.Marshal(map[string]any{"commit": "abc123"})

	_, err := mgr.HandleWebhook(ctx, w.Token, "deadbeef", body)
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.Zero(t, starter.count())

	exec, err := mgr.HandleWebhook(ctx, w.Token, Sign("s3cret", body), body)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionRunning, exec.Status)
	require.Equal(t, 1, starter.count())
	assert.Equal(t, "ci", starter.reqs[0].Params["channel"])
	assert.Equal(t, "abc123", starter.reqs[0].Params["commit"], "body payload merged over registered params")

	_, err = mgr.HandleWebhook(ctx, "no-such-token", "", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type fakeSource struct {
	mu       sync.Mutex
	handlers map[string]func(string, []byte)
}

func (f *fakeSource) Subscribe(topic string, handler func(string, []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]func(string, []byte))
	}
	f.handlers[topic] = handler
	return func() {}, nil
}

func (f *fakeSource) publish(topic string, data []byte) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(topic, data)
	}
}

func TestEventTriggers(t *testing.T) {
	mgr, _, starter, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := mgr.CreateEventTrigger(ctx, &store.EventTrigger{
		Name: "bad", Topic: "deploys", Pattern: "event.env ==",
	})
	assert.Error(t, err, "malformed pattern rejected at registration")

	require.NoError(t, mgr.CreateEventTrigger(ctx, &store.EventTrigger{
		Name: "prod-deploys", Topic: "deploys", Pattern: `event.env == "prod"`,
		DefinitionID: uuid.New(),
	}))

	src := &fakeSource{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.ListenEvents(ctx, src)
	}()

	// Wait for the subscription to land.
	for i := 0; i < 100; i++ {
		src.mu.Lock()
		n := len(src.handlers)
		src.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	src.publish("deploys", []byte(`{"env":"staging"}`))
	assert.Zero(t, starter.count(), "non-matching message ignored")

	src.publish("deploys", []byte(`{"env":"prod","version":"1.4.0"}`))
	require.Equal(t, 1, starter.count())
	event := starter.reqs[0].Params["event"].(map[string]any)
	assert.Equal(t, "1.4.0", event["version"])

	cancel()
	<-done
}
