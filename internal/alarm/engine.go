// Package alarm 报警规则评估与状态机
package alarm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// Publisher 报警事件出口
type Publisher interface {
	Publish(ctx context.Context, ev *models.AlarmEvent) error
}

// Options 引擎参数
type Options struct {
	RefreshInterval time.Duration
	Now             func() time.Time
}

// Engine 报警评估引擎
type Engine struct {
	repo  Repository
	pub   Publisher
	cache *ruleCache
	now   func() time.Time
	log   *logger.StructuredLogger

	mu      sync.Mutex
	locks   map[string]chan struct{} // 每个设备一个串行锁
	tracked map[string]*tracked
}

// tracked 报警的运行期状态
type tracked struct {
	alarm        *models.Alarm
	holdingSince time.Time
}

// NewEngine 创建报警引擎
func NewEngine(repo Repository, pub Publisher, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		repo:    repo,
		pub:     pub,
		cache:   newRuleCache(repo, opts.RefreshInterval),
		now:     now,
		log:     logger.Named("alarm"),
		locks:   make(map[string]chan struct{}),
		tracked: make(map[string]*tracked),
	}
}

// Start 启动规则缓存刷新
func (e *Engine) Start() {
	e.cache.start()
	e.log.Info("Alarm engine started")
}

// Stop 停止规则缓存刷新
func (e *Engine) Stop() {
	e.cache.stop()
	e.log.Info("Alarm engine stopped")
}

// InvalidateDevice 设备的报警定义变化后调用
func (e *Engine) InvalidateDevice(deviceID string) {
	e.cache.invalidate(deviceID)
}

// InvalidateAll 全部报警定义失效
func (e *Engine) InvalidateAll() {
	e.cache.invalidateAll()
}

// Evaluate 用一条遥测评估设备的全部报警，返回已发出的事件
func (e *Engine) Evaluate(ctx context.Context, t *models.Telemetry) []*models.AlarmEvent {
	if t == nil || t.DeviceID == "" {
		return nil
	}
	defs, err := e.cache.forDevice(ctx, t.DeviceID)
	if err != nil {
		e.log.Warn("Load alarm rules failed", "device_id", t.DeviceID, "error", err)
		return nil
	}
	if len(defs) == 0 {
		return nil
	}

	unlock, err := e.lockDevice(ctx, t.DeviceID)
	if err != nil {
		return nil
	}

	at := t.ReceivedAt
	if at.IsZero() {
		at = e.now()
	}
	var events []*models.AlarmEvent
	for _, def := range defs {
		if def == nil || !def.Enabled {
			continue
		}
		value, ok := t.NumericField(def.Rule.TelemetryKey)
		if !ok {
			continue
		}
		tr := e.track(def)
		evType, changed := tr.apply(value, at)
		if !changed {
			continue
		}
		snapshot := tr.alarm.Clone()
		if err := e.repo.SaveAlarmState(ctx, snapshot); err != nil {
			e.log.Error("Persist alarm state failed", err, "alarm_id", snapshot.ID)
		}
		if evType != "" {
			events = append(events, e.newEvent(evType, snapshot, &value, ""))
		}
	}
	unlock()

	for _, ev := range events {
		e.publish(ctx, ev)
	}
	return events
}

// apply 推进状态机，返回事件类型（可能为空）与是否有变化
func (tr *tracked) apply(value float64, at time.Time) (models.AlarmEventType, bool) {
	a := tr.alarm
	v := value

	if !Match(value, a.Rule) {
		tr.holdingSince = time.Time{}
		switch a.Status {
		case models.AlarmActive:
			a.LastValue = &v
			a.UpdatedAt = at
			if a.AutoClear {
				a.Status = models.AlarmCleared
				a.ClearedAt = &at
				return models.EventCleared, true
			}
			return "", true
		case models.AlarmAcknowledged:
			a.LastValue = &v
			a.UpdatedAt = at
			return "", true
		}
		return "", false
	}

	switch a.Status {
	case models.AlarmActive, models.AlarmAcknowledged:
		a.LastValue = &v
		a.UpdatedAt = at
		return "", true
	}

	if a.Rule.DurationSeconds > 0 {
		if tr.holdingSince.IsZero() {
			tr.holdingSince = at
		}
		if at.Sub(tr.holdingSince) < time.Duration(a.Rule.DurationSeconds)*time.Second {
			return "", false
		}
	}

	a.Status = models.AlarmActive
	a.TriggerCount++
	a.LastValue = &v
	a.TriggeredAt = &at
	a.ClearedAt = nil
	a.AcknowledgedAt = nil
	a.AcknowledgedBy = ""
	a.ResolvedAt = nil
	a.ResolutionNote = ""
	a.UpdatedAt = at
	tr.holdingSince = time.Time{}
	return models.EventTriggered, true
}

// Get 读取报警当前状态
func (e *Engine) Get(ctx context.Context, id string) (*models.Alarm, error) {
	tr, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lockDevice(ctx, tr.alarm.DeviceID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return tr.alarm.Clone(), nil
}

// Acknowledge 确认报警，仅 ACTIVE 可确认
func (e *Engine) Acknowledge(ctx context.Context, id, by string) (*models.Alarm, error) {
	return e.transition(ctx, id, models.EventAcknowledged, "", func(a *models.Alarm, now time.Time) error {
		if a.Status != models.AlarmActive {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "alarm %s is %s, only ACTIVE can be acknowledged", a.ID, a.Status)
		}
		a.Status = models.AlarmAcknowledged
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = strings.TrimSpace(by)
		return nil
	})
}

// Resolve 关闭报警，需要处理说明
func (e *Engine) Resolve(ctx context.Context, id, note string) (*models.Alarm, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, apperrors.Newf(apperrors.ErrBadRequest, "resolution note is required")
	}
	return e.transition(ctx, id, models.EventResolved, note, func(a *models.Alarm, now time.Time) error {
		if a.Status == models.AlarmResolved {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "alarm %s is already resolved", a.ID)
		}
		a.Status = models.AlarmResolved
		a.ResolvedAt = &now
		a.ResolutionNote = note
		return nil
	})
}

// Clear 手动清除，ACTIVE 或 ACKNOWLEDGED 可清除
func (e *Engine) Clear(ctx context.Context, id string) (*models.Alarm, error) {
	return e.transition(ctx, id, models.EventCleared, "", func(a *models.Alarm, now time.Time) error {
		if a.Status != models.AlarmActive && a.Status != models.AlarmAcknowledged {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "alarm %s is %s, cannot be cleared", a.ID, a.Status)
		}
		a.Status = models.AlarmCleared
		a.ClearedAt = &now
		return nil
	})
}

// RaiseCommandFailure 紧急命令最终失败时发出事件
func (e *Engine) RaiseCommandFailure(ctx context.Context, cmd *models.Command) {
	if cmd == nil {
		return
	}
	snapshot := cmd.Clone()
	ev := e.newEvent(models.EventCommandFailed, nil, nil, snapshot.StatusMessage)
	ev.DeviceID = snapshot.DeviceID
	ev.Command = snapshot
	e.log.Warn("Urgent command failed", "command_id", snapshot.ID, "device_id", snapshot.DeviceID)
	e.publish(ctx, ev)
}

func (e *Engine) transition(ctx context.Context, id string, evType models.AlarmEventType, note string,
	mutate func(a *models.Alarm, now time.Time) error) (*models.Alarm, error) {
	tr, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lockDevice(ctx, tr.alarm.DeviceID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := tr.alarm.Clone()
	if err := mutate(next, now); err != nil {
		unlock()
		return nil, err
	}
	next.UpdatedAt = now
	if err := e.repo.SaveAlarmState(ctx, next); err != nil {
		unlock()
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "persist alarm state")
	}
	tr.alarm = next
	tr.holdingSince = time.Time{}
	snapshot := next.Clone()
	unlock()

	e.publish(ctx, e.newEvent(evType, snapshot, nil, note))
	return snapshot.Clone(), nil
}

// track 取得报警的运行期记录，并同步最新定义
func (e *Engine) track(def *models.Alarm) *tracked {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.tracked[def.ID]
	if !ok {
		a := def.Clone()
		if a.Status == "" {
			a.Status = models.AlarmCleared
		}
		tr = &tracked{alarm: a}
		e.tracked[def.ID] = tr
		return tr
	}
	syncDefinition(tr, def)
	return tr
}

func syncDefinition(tr *tracked, def *models.Alarm) {
	a := tr.alarm
	if a.Rule != def.Rule {
		tr.holdingSince = time.Time{}
	}
	a.DeviceID = def.DeviceID
	a.Name = def.Name
	a.Rule = def.Rule
	a.Severity = def.Severity
	a.Enabled = def.Enabled
	a.AutoClear = def.AutoClear
}

// lookup 按ID查找报警，未跟踪时从仓库加载
func (e *Engine) lookup(ctx context.Context, id string) (*tracked, error) {
	e.mu.Lock()
	tr, ok := e.tracked[id]
	e.mu.Unlock()
	if ok {
		return tr, nil
	}

	loaded, err := e.repo.GetAlarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if loaded.Status == "" {
		loaded.Status = models.AlarmCleared
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if tr, ok := e.tracked[id]; ok {
		return tr, nil
	}
	tr = &tracked{alarm: loaded}
	e.tracked[id] = tr
	return tr, nil
}

func (e *Engine) lockDevice(ctx context.Context, deviceID string) (func(), error) {
	e.mu.Lock()
	ch, ok := e.locks[deviceID]
	if !ok {
		ch = make(chan struct{}, 1)
		e.locks[deviceID] = ch
	}
	e.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) newEvent(evType models.AlarmEventType, a *models.Alarm, value *float64, note string) *models.AlarmEvent {
	ev := &models.AlarmEvent{
		ID:         uuid.NewString(),
		Type:       evType,
		Alarm:      a,
		Note:       note,
		OccurredAt: e.now(),
	}
	if a != nil {
		ev.DeviceID = a.DeviceID
	}
	if value != nil {
		v := *value
		ev.Value = &v
	}
	return ev
}

func (e *Engine) publish(ctx context.Context, ev *models.AlarmEvent) {
	if e.pub == nil || ev == nil {
		return
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Error("Publish alarm event failed", err, "event", string(ev.Type), "device_id", ev.DeviceID)
	}
}
