package alarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/models"
)

type memRepo struct {
	mu     sync.Mutex
	alarms map[string]*models.Alarm
	saves  int
}

func newMemRepo(alarms ...*models.Alarm) *memRepo {
	r := &memRepo{alarms: make(map[string]*models.Alarm)}
	for _, a := range alarms {
		r.alarms[a.ID] = a.Clone()
	}
	return r
}

func (r *memRepo) ListAlarms(ctx context.Context) ([]*models.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Alarm
	for _, a := range r.alarms {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (r *memRepo) ListAlarmsByDevice(ctx context.Context, deviceID string) ([]*models.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Alarm
	for _, a := range r.alarms {
		if a.DeviceID == deviceID {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (r *memRepo) GetAlarm(ctx context.Context, id string) (*models.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alarms[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "alarm %s not found", id)
	}
	return a.Clone(), nil
}

func (r *memRepo) SaveAlarmState(ctx context.Context, a *models.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms[a.ID] = a.Clone()
	r.saves++
	return nil
}

func (r *memRepo) stored(id string) *models.Alarm {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alarms[id].Clone()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.AlarmEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev *models.AlarmEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []models.AlarmEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.AlarmEventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func highTemp(autoClear bool) *models.Alarm {
	return &models.Alarm{
		ID:        "a-temp",
		DeviceID:  "dev-1",
		Name:      "high temperature",
		Rule:      models.AlarmRule{TelemetryKey: models.FieldTemperature, Condition: models.ConditionGT, Value: 25},
		Severity:  "MAJOR",
		Enabled:   true,
		AutoClear: autoClear,
	}
}

func reading(at time.Time, fields map[string]interface{}) *models.Telemetry {
	return &models.Telemetry{DeviceID: "dev-1", Protocol: "mqtt", Fields: fields, ReceivedAt: at}
}

func newTestEngine(alarms ...*models.Alarm) (*Engine, *memRepo, *recordingPublisher) {
	repo := newMemRepo(alarms...)
	pub := &recordingPublisher{}
	return NewEngine(repo, pub, Options{}), repo, pub
}

// ===== 条件判断单元测试 =====

func TestMatch(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		rule  models.AlarmRule
		want  bool
	}{
		{"gt true", 26, models.AlarmRule{Condition: models.ConditionGT, Value: 25}, true},
		{"gt equal", 25, models.AlarmRule{Condition: models.ConditionGT, Value: 25}, false},
		{"lt", 1, models.AlarmRule{Condition: models.ConditionLT, Value: 2}, true},
		{"gte", 2, models.AlarmRule{Condition: models.ConditionGTE, Value: 2}, true},
		{"lte", 3, models.AlarmRule{Condition: models.ConditionLTE, Value: 2}, false},
		{"eq", 1, models.AlarmRule{Condition: models.ConditionEQ, Value: 1}, true},
		{"neq", 1, models.AlarmRule{Condition: models.ConditionNEQ, Value: 1}, false},
		{"between low edge", 10, models.AlarmRule{Condition: models.ConditionBetween, Value: 10, Value2: 20}, true},
		{"between high edge", 20, models.AlarmRule{Condition: models.ConditionBetween, Value: 10, Value2: 20}, true},
		{"between outside", 20.1, models.AlarmRule{Condition: models.ConditionBetween, Value: 10, Value2: 20}, false},
		{"outside low edge", 10, models.AlarmRule{Condition: models.ConditionOutside, Value: 10, Value2: 20}, false},
		{"outside high edge", 20, models.AlarmRule{Condition: models.ConditionOutside, Value: 10, Value2: 20}, false},
		{"outside below", 9.9, models.AlarmRule{Condition: models.ConditionOutside, Value: 10, Value2: 20}, true},
		{"outside above", 21, models.AlarmRule{Condition: models.ConditionOutside, Value: 10, Value2: 20}, true},
		{"lowercase", 26, models.AlarmRule{Condition: "gt", Value: 25}, true},
		{"unknown fails closed", 1000, models.AlarmRule{Condition: "ABOVE", Value: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.value, tt.rule))
		})
	}
}

// ===== 报警状态机单元测试 =====

func TestEvaluate_TriggerOncePerActivation(t *testing.T) {
	engine, repo, pub := newTestEngine(highTemp(false))
	ctx := context.Background()
	now := time.Now()

	for i, v := range []float64{27, 28, 30} {
		engine.Evaluate(ctx, reading(now.Add(time.Duration(i)*time.Second), map[string]interface{}{"temperature": v}))
	}

	stored := repo.stored("a-temp")
	assert.Equal(t, models.AlarmActive, stored.Status)
	assert.Equal(t, 1, stored.TriggerCount)
	require.NotNil(t, stored.LastValue)
	assert.Equal(t, 30.0, *stored.LastValue)
	assert.Equal(t, []models.AlarmEventType{models.EventTriggered}, pub.types())
}

func TestEvaluate_AutoClearAndRetrigger(t *testing.T) {
	engine, repo, pub := newTestEngine(highTemp(true))
	ctx := context.Background()
	now := time.Now()

	engine.Evaluate(ctx, reading(now, map[string]interface{}{"temperature": 27.0}))
	engine.Evaluate(ctx, reading(now.Add(time.Second), map[string]interface{}{"temperature": 20.0}))
	engine.Evaluate(ctx, reading(now.Add(2*time.Second), map[string]interface{}{"temperature": 29.0}))

	stored := repo.stored("a-temp")
	assert.Equal(t, models.AlarmActive, stored.Status)
	assert.Equal(t, 2, stored.TriggerCount)
	assert.Equal(t, []models.AlarmEventType{
		models.EventTriggered, models.EventCleared, models.EventTriggered,
	}, pub.types())
}

func TestEvaluate_NoAutoClearStaysActive(t *testing.T) {
	engine, repo, pub := newTestEngine(highTemp(false))
	ctx := context.Background()
	now := time.Now()

	engine.Evaluate(ctx, reading(now, map[string]interface{}{"temperature": 27.0}))
	engine.Evaluate(ctx, reading(now.Add(time.Second), map[string]interface{}{"temperature": 20.0}))

	stored := repo.stored("a-temp")
	assert.Equal(t, models.AlarmActive, stored.Status)
	assert.Equal(t, 20.0, *stored.LastValue)
	assert.Len(t, pub.types(), 1)
}

func TestEvaluate_SkipsDisabledAndMissingKeys(t *testing.T) {
	disabled := highTemp(true)
	disabled.ID = "a-disabled"
	disabled.Enabled = false
	engine, repo, pub := newTestEngine(highTemp(true), disabled)
	ctx := context.Background()

	events := engine.Evaluate(ctx, reading(time.Now(), map[string]interface{}{"humidity": 80.0}))
	assert.Empty(t, events)

	engine.Evaluate(ctx, reading(time.Now(), map[string]interface{}{"temperature": 40.0}))
	assert.NotEqual(t, models.AlarmActive, repo.stored("a-disabled").Status)
	assert.Len(t, pub.types(), 1)
}

func TestEvaluate_NonNumericIgnored(t *testing.T) {
	engine, repo, _ := newTestEngine(highTemp(true))
	events := engine.Evaluate(context.Background(), reading(time.Now(), map[string]interface{}{"temperature": "hot"}))
	assert.Empty(t, events)
	assert.Equal(t, 0, repo.saves)
}

func TestEvaluate_NumericStringTriggers(t *testing.T) {
	engine, _, pub := newTestEngine(highTemp(true))
	events := engine.Evaluate(context.Background(), reading(time.Now(), map[string]interface{}{"temperature": "31.5"}))
	require.Len(t, events, 1)
	assert.Equal(t, []models.AlarmEventType{models.EventTriggered}, pub.types())
}

func TestEvaluate_DurationRequiresSustainedCondition(t *testing.T) {
	a := highTemp(true)
	a.Rule.DurationSeconds = 60
	engine, repo, pub := newTestEngine(a)
	ctx := context.Background()
	base := time.Now()

	engine.Evaluate(ctx, reading(base, map[string]interface{}{"temperature": 30.0}))
	engine.Evaluate(ctx, reading(base.Add(30*time.Second), map[string]interface{}{"temperature": 30.0}))
	assert.Empty(t, pub.types())

	// 中途恢复会重新计时
	engine.Evaluate(ctx, reading(base.Add(40*time.Second), map[string]interface{}{"temperature": 20.0}))
	engine.Evaluate(ctx, reading(base.Add(90*time.Second), map[string]interface{}{"temperature": 30.0}))
	assert.Empty(t, pub.types())

	engine.Evaluate(ctx, reading(base.Add(150*time.Second), map[string]interface{}{"temperature": 30.0}))
	assert.Equal(t, []models.AlarmEventType{models.EventTriggered}, pub.types())
	assert.Equal(t, models.AlarmActive, repo.stored("a-temp").Status)
}

func TestEvaluate_AcknowledgedKeepsStatus(t *testing.T) {
	engine, repo, pub := newTestEngine(highTemp(true))
	ctx := context.Background()
	now := time.Now()

	engine.Evaluate(ctx, reading(now, map[string]interface{}{"temperature": 27.0}))
	_, err := engine.Acknowledge(ctx, "a-temp", "operator")
	require.NoError(t, err)

	engine.Evaluate(ctx, reading(now.Add(time.Second), map[string]interface{}{"temperature": 31.0}))
	engine.Evaluate(ctx, reading(now.Add(2*time.Second), map[string]interface{}{"temperature": 10.0}))

	stored := repo.stored("a-temp")
	assert.Equal(t, models.AlarmAcknowledged, stored.Status)
	assert.Equal(t, 1, stored.TriggerCount)
	assert.Equal(t, 10.0, *stored.LastValue)
	assert.Equal(t, []models.AlarmEventType{models.EventTriggered, models.EventAcknowledged}, pub.types())
}

// ===== 人工操作单元测试 =====

func TestUserActions_Transitions(t *testing.T) {
	engine, _, pub := newTestEngine(highTemp(false))
	ctx := context.Background()

	_, err := engine.Acknowledge(ctx, "a-temp", "op")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	_, err = engine.Clear(ctx, "a-temp")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	engine.Evaluate(ctx, reading(time.Now(), map[string]interface{}{"temperature": 27.0}))

	acked, err := engine.Acknowledge(ctx, "a-temp", "op")
	require.NoError(t, err)
	assert.Equal(t, models.AlarmAcknowledged, acked.Status)
	assert.Equal(t, "op", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	cleared, err := engine.Clear(ctx, "a-temp")
	require.NoError(t, err)
	assert.Equal(t, models.AlarmCleared, cleared.Status)

	_, err = engine.Resolve(ctx, "a-temp", "  ")
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))

	resolved, err := engine.Resolve(ctx, "a-temp", "sensor relocated")
	require.NoError(t, err)
	assert.Equal(t, models.AlarmResolved, resolved.Status)
	assert.Equal(t, "sensor relocated", resolved.ResolutionNote)

	_, err = engine.Resolve(ctx, "a-temp", "again")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	assert.Equal(t, []models.AlarmEventType{
		models.EventTriggered, models.EventAcknowledged, models.EventCleared, models.EventResolved,
	}, pub.types())
}

func TestUserActions_LoadUntrackedAlarm(t *testing.T) {
	a := highTemp(false)
	a.Status = models.AlarmActive
	engine, repo, _ := newTestEngine(a)

	got, err := engine.Acknowledge(context.Background(), "a-temp", "night shift")
	require.NoError(t, err)
	assert.Equal(t, models.AlarmAcknowledged, got.Status)
	assert.Equal(t, models.AlarmAcknowledged, repo.stored("a-temp").Status)

	_, err = engine.Get(context.Background(), "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestResolvedAlarmRearms(t *testing.T) {
	engine, repo, _ := newTestEngine(highTemp(false))
	ctx := context.Background()
	now := time.Now()

	engine.Evaluate(ctx, reading(now, map[string]interface{}{"temperature": 27.0}))
	_, err := engine.Resolve(ctx, "a-temp", "fixed")
	require.NoError(t, err)

	engine.Evaluate(ctx, reading(now.Add(time.Minute), map[string]interface{}{"temperature": 35.0}))
	stored := repo.stored("a-temp")
	assert.Equal(t, models.AlarmActive, stored.Status)
	assert.Equal(t, 2, stored.TriggerCount)
	assert.Empty(t, stored.ResolutionNote)
}

func TestRaiseCommandFailure(t *testing.T) {
	engine, _, pub := newTestEngine()
	engine.RaiseCommandFailure(context.Background(), &models.Command{
		ID: "c1", DeviceID: "dev-9", Priority: models.PriorityUrgent, Status: models.CommandFailed,
		StatusMessage: "retries exhausted",
	})
	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, models.EventCommandFailed, ev.Type)
	assert.Equal(t, "dev-9", ev.DeviceID)
	assert.Equal(t, "c1", ev.Command.ID)
	assert.Equal(t, "retries exhausted", ev.Note)
}

func TestRuleCache_InvalidateReloads(t *testing.T) {
	engine, repo, pub := newTestEngine(highTemp(true))
	ctx := context.Background()
	engine.Start()
	defer engine.Stop()

	engine.Evaluate(ctx, reading(time.Now(), map[string]interface{}{"temperature": 24.0}))
	assert.Empty(t, pub.types())

	lowered := repo.stored("a-temp")
	lowered.Rule.Value = 20
	require.NoError(t, repo.SaveAlarmState(ctx, lowered))

	engine.InvalidateDevice("dev-1")
	engine.Evaluate(ctx, reading(time.Now(), map[string]interface{}{"temperature": 24.0}))
	assert.Equal(t, []models.AlarmEventType{models.EventTriggered}, pub.types())
}
