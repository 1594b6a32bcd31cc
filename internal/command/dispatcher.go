// Package command 设备命令分发：调度、离线排队、重试退避与回执等待
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gonglijing/xunjiHub/internal/codec"
	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultBaseBackoff     = 2 * time.Second
	DefaultMaxBackoff      = 10 * time.Minute
	DefaultAckPollInterval = time.Second

	// DefaultDrainRetryInterval 积压排出失败（锁被占用或 Redis 错误）后的重试间隔
	DefaultDrainRetryInterval = time.Second

	maxDrainRetries = 10
)

// Sender 协议适配器的下发能力
type Sender interface {
	SendCommand(ctx context.Context, device *models.Device, dl *models.Downlink) error
}

// SenderLookup 按协议取得适配器
type SenderLookup func(protocol string) (Sender, bool)

// Encoder 命令编码
type Encoder interface {
	Encode(cmd *models.Command, codecID string) (*codec.Encoded, error)
}

// Devices 设备档案读取
type Devices interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
}

// Repository 命令审计存储
type Repository interface {
	SaveCommand(ctx context.Context, c *models.Command) error
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	ListCommandsByStatus(ctx context.Context, statuses ...models.CommandStatus) ([]*models.Command, error)
}

// Reachability 在线判断
type Reachability interface {
	IsOnline(ctx context.Context, deviceID string) (bool, error)
}

// Backlog 离线积压队列
type Backlog interface {
	Append(ctx context.Context, deviceID, commandID string) error
	Remove(ctx context.Context, deviceID, commandID string) error
	Drain(ctx context.Context, deviceID string) ([]string, error)
	Restore(ctx context.Context, deviceID string, ids []string) error
	List(ctx context.Context, deviceID string) ([]string, error)
}

// Acks 回执存储
type Acks interface {
	Put(ctx context.Context, commandID string, payload []byte) error
	Acked(ctx context.Context, commandID string) (bool, error)
}

// FailureNotifier 紧急命令失败通知
type FailureNotifier interface {
	RaiseCommandFailure(ctx context.Context, cmd *models.Command)
}

// Config 分发参数
type Config struct {
	DefaultTimeout     time.Duration
	DefaultMaxRetries  int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	AckPollInterval    time.Duration
	DrainRetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = DefaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.AckPollInterval <= 0 {
		c.AckPollInterval = DefaultAckPollInterval
	}
	if c.DrainRetryInterval <= 0 {
		c.DrainRetryInterval = DefaultDrainRetryInterval
	}
	return c
}

// Deps 分发器依赖
type Deps struct {
	Devices      Devices
	Repo         Repository
	Reachability Reachability
	Backlog      Backlog
	Acks         Acks
	Encoder      Encoder
	Senders      SenderLookup
	Failures     FailureNotifier
}

// SubmitRequest 提交命令
type SubmitRequest struct {
	DeviceID     string          `json:"device_id"`
	Type         string          `json:"type"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	TimeoutMs    int64           `json:"timeout_ms,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
}

type timer interface {
	Stop() bool
}

// entry 分发器内存中的命令记录
type entry struct {
	cmd       *models.Command
	timer     timer
	cancelled bool // 发送后请求取消，只抑制后续重试
}

// Dispatcher 命令分发器
type Dispatcher struct {
	deps Deps
	cfg  Config
	log  *logger.StructuredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	commands map[string]*entry
	wakers   map[string]chan struct{}
	drains   map[string]timer // 设备ID -> 待重试的积压排出
	closed   bool

	now   func() time.Time
	after func(time.Duration, func()) timer
}

// NewDispatcher 创建分发器
func NewDispatcher(deps Deps, cfg Config) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		log:      logger.Named("command"),
		ctx:      ctx,
		cancel:   cancel,
		commands: make(map[string]*entry),
		wakers:   make(map[string]chan struct{}),
		drains:   make(map[string]timer),
		now:      time.Now,
		after: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Submit 提交命令，返回命令ID与首轮处理后的状态
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, models.CommandStatus, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.Type = strings.TrimSpace(req.Type)
	if req.DeviceID == "" || req.Type == "" {
		return "", "", apperrors.Newf(apperrors.ErrBadRequest, "device_id and type are required")
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return "", "", apperrors.Newf(apperrors.ErrBadRequest, "params must be valid JSON")
	}
	if _, err := d.deps.Devices.GetDevice(ctx, req.DeviceID); err != nil {
		return "", "", err
	}

	maxRetries := d.cfg.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = d.cfg.DefaultTimeout.Milliseconds()
	}
	now := d.now()
	cmd := &models.Command{
		ID:               uuid.NewString(),
		DeviceID:         req.DeviceID,
		Type:             req.Type,
		Params:           append(json.RawMessage(nil), req.Params...),
		Priority:         models.ParsePriority(req.Priority),
		TimeoutMs:        timeoutMs,
		MaxRetries:       maxRetries,
		RetriesRemaining: maxRetries,
		Status:           models.CommandPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.ScheduledFor != nil && !req.ScheduledFor.IsZero() {
		at := *req.ScheduledFor
		cmd.ScheduledFor = &at
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", "", apperrors.Newf(apperrors.ErrInternalError, "dispatcher is closed")
	}
	d.commands[cmd.ID] = &entry{cmd: cmd}
	snap := cmd.Clone()
	d.mu.Unlock()

	if err := d.deps.Repo.SaveCommand(ctx, snap); err != nil {
		d.mu.Lock()
		delete(d.commands, cmd.ID)
		d.mu.Unlock()
		return "", "", err
	}
	d.log.Info("Command submitted", "command_id", cmd.ID, "device_id", cmd.DeviceID,
		"type", cmd.Type, "priority", string(cmd.Priority))

	status := d.process(cmd.ID)
	return cmd.ID, status, nil
}

// Get 读取命令快照
func (d *Dispatcher) Get(ctx context.Context, id string) (*models.Command, error) {
	d.mu.Lock()
	e, ok := d.commands[id]
	if ok {
		snap := e.cmd.Clone()
		d.mu.Unlock()
		return snap, nil
	}
	d.mu.Unlock()
	return d.deps.Repo.GetCommand(ctx, id)
}

// Status 读取命令状态与说明
func (d *Dispatcher) Status(ctx context.Context, id string) (models.CommandStatus, string, error) {
	cmd, err := d.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	return cmd.Status, cmd.StatusMessage, nil
}

// Cancel 取消命令：PENDING/SCHEDULED/QUEUED 可取消；
// 已开始发送的命令返回 ErrNotCancellable，但后续重试会被抑制
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	e, ok := d.commands[id]
	if !ok {
		d.mu.Unlock()
		return d.cancelPersisted(ctx, id)
	}
	status := e.cmd.Status
	if !status.Cancellable() {
		if !status.IsTerminal() {
			e.cancelled = true
		}
		d.mu.Unlock()
		return apperrors.Newf(apperrors.ErrNotCancellable, "command %s is %s", id, status)
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	snap := d.finishLocked(e, models.CommandCancelled, "cancelled by operator")
	d.mu.Unlock()

	d.persist(snap)
	if status == models.CommandQueued && d.deps.Backlog != nil {
		if err := d.deps.Backlog.Remove(ctx, snap.DeviceID, id); err != nil {
			d.log.Warn("Remove cancelled command from backlog failed", "command_id", id, "error", err)
		}
	}
	d.forget(id)
	d.log.Info("Command cancelled", "command_id", id, "previous_status", string(status))
	return nil
}

// cancelPersisted 取消不在内存中的命令（例如其他实例提交）
func (d *Dispatcher) cancelPersisted(ctx context.Context, id string) error {
	cmd, err := d.deps.Repo.GetCommand(ctx, id)
	if err != nil {
		return err
	}
	if !cmd.Status.Cancellable() {
		return apperrors.Newf(apperrors.ErrNotCancellable, "command %s is %s", id, cmd.Status)
	}
	prev := cmd.Status
	now := d.now()
	cmd.Status = models.CommandCancelled
	cmd.StatusMessage = "cancelled by operator"
	cmd.UpdatedAt = now
	cmd.CompletedAt = &now
	if err := d.deps.Repo.SaveCommand(ctx, cmd); err != nil {
		return err
	}
	if prev == models.CommandQueued && d.deps.Backlog != nil {
		_ = d.deps.Backlog.Remove(ctx, cmd.DeviceID, id)
	}
	return nil
}

// RecordAck 记录设备回执并唤醒等待中的命令
func (d *Dispatcher) RecordAck(ctx context.Context, commandID string, payload []byte) error {
	if err := d.deps.Acks.Put(ctx, commandID, payload); err != nil {
		return err
	}

	d.mu.Lock()
	wake, waiting := d.wakers[commandID]
	_, tracked := d.commands[commandID]
	d.mu.Unlock()
	if waiting {
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil
	}
	if tracked {
		return nil
	}

	// 回执晚于等待窗口到达
	cmd, err := d.deps.Repo.GetCommand(ctx, commandID)
	if err != nil {
		return nil
	}
	if cmd.Status == models.CommandDelivered {
		now := d.now()
		cmd.Status = models.CommandCompleted
		cmd.StatusMessage = "acknowledged after ack window"
		cmd.UpdatedAt = now
		cmd.CompletedAt = &now
		d.persist(cmd)
	}
	return nil
}

// OnDeviceOnline 设备上线：按入队顺序排出积压命令（同一批次只会被排出一次）
func (d *Dispatcher) OnDeviceOnline(ctx context.Context, deviceID string) {
	d.drainBacklog(ctx, deviceID, 0)
}

// drainBacklog 排出积压；失败时定时重试，已取出但无法处理的命令放回队首
func (d *Dispatcher) drainBacklog(ctx context.Context, deviceID string, attempt int) {
	if d.deps.Backlog == nil || d.isClosed() {
		return
	}
	ids, err := d.deps.Backlog.Drain(ctx, deviceID)
	if err != nil {
		d.retryDrain(deviceID, attempt+1, err)
		return
	}
	if len(ids) == 0 {
		return
	}
	d.log.Info("Device online, draining backlog", "device_id", deviceID, "count", len(ids))
	if !d.goAsync(func() { d.resumeAll(deviceID, ids) }) {
		d.restore(deviceID, ids)
	}
}

func (d *Dispatcher) retryDrain(deviceID string, attempt int, cause error) {
	if attempt > maxDrainRetries {
		d.log.Warn("Backlog drain given up until next online transition", "device_id", deviceID, "error", cause)
		return
	}
	d.log.Debug("Backlog drain deferred", "device_id", deviceID, "attempt", attempt, "error", cause)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.drains[deviceID]; ok {
		t.Stop()
	}
	d.drains[deviceID] = d.after(d.cfg.DrainRetryInterval, func() {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		delete(d.drains, deviceID)
		d.wg.Add(1)
		d.mu.Unlock()
		defer d.wg.Done()

		// 期间设备又离线则等下一次上线
		if online, err := d.deps.Reachability.IsOnline(d.ctx, deviceID); err == nil && !online {
			return
		}
		d.drainBacklog(d.ctx, deviceID, attempt)
	})
}

// resumeAll 依次处理取出的积压；分发器关闭时剩余命令放回队首
func (d *Dispatcher) resumeAll(deviceID string, ids []string) {
	for i, id := range ids {
		if d.isClosed() {
			d.restore(deviceID, ids[i:])
			return
		}
		d.resume(id)
	}
}

func (d *Dispatcher) restore(deviceID string, ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Backlog.Restore(ctx, deviceID, ids); err != nil {
		d.log.Error("Restore backlog failed", err, "device_id", deviceID, "count", len(ids))
		return
	}
	d.log.Info("Backlog restored", "device_id", deviceID, "count", len(ids))
}

// resume 积压命令重新进入流程
func (d *Dispatcher) resume(id string) {
	d.mu.Lock()
	e, ok := d.commands[id]
	d.mu.Unlock()
	if !ok {
		cmd, err := d.deps.Repo.GetCommand(d.ctx, id)
		if err != nil {
			d.log.Warn("Backlog command not found", "command_id", id, "error", err)
			return
		}
		d.mu.Lock()
		if e, ok = d.commands[id]; !ok {
			e = &entry{cmd: cmd}
			d.commands[id] = e
		}
		d.mu.Unlock()
	}

	d.mu.Lock()
	if e.cmd.Status != models.CommandQueued {
		d.mu.Unlock()
		return
	}
	snap := d.setStatusLocked(e, models.CommandPending, "device online")
	d.mu.Unlock()
	d.persist(snap)
	d.process(id)
}

// Recover 启动时恢复持久化的未完成命令：PENDING/SCHEDULED 重新处理，
// QUEUED 补回积压队列，设备已在线的立即排出
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	cmds, err := d.deps.Repo.ListCommandsByStatus(ctx,
		models.CommandPending, models.CommandScheduled, models.CommandQueued)
	if err != nil {
		return 0, err
	}
	var (
		rearm   []string
		devices []string
		queued  = make(map[string][]string)
	)
	d.mu.Lock()
	for _, cmd := range cmds {
		if _, exists := d.commands[cmd.ID]; exists {
			continue
		}
		d.commands[cmd.ID] = &entry{cmd: cmd}
		if cmd.Status != models.CommandQueued {
			rearm = append(rearm, cmd.ID)
			continue
		}
		if _, seen := queued[cmd.DeviceID]; !seen {
			devices = append(devices, cmd.DeviceID)
		}
		queued[cmd.DeviceID] = append(queued[cmd.DeviceID], cmd.ID)
	}
	d.mu.Unlock()

	for _, id := range rearm {
		id := id
		d.goAsync(func() { d.process(id) })
	}
	for _, deviceID := range devices {
		if err := d.requeueMissing(ctx, deviceID, queued[deviceID]); err != nil {
			d.log.Warn("Backlog recovery failed", "device_id", deviceID, "error", err)
			continue
		}
		if online, err := d.deps.Reachability.IsOnline(ctx, deviceID); err == nil && online {
			d.OnDeviceOnline(ctx, deviceID)
		}
	}
	if len(cmds) > 0 {
		d.log.Info("Recovered pending commands", "count", len(cmds), "rearmed", len(rearm), "queued_devices", len(devices))
	}
	return len(cmds), nil
}

// requeueMissing 存储中为 QUEUED 但不在积压队列里的命令按创建顺序补到队尾
func (d *Dispatcher) requeueMissing(ctx context.Context, deviceID string, ids []string) error {
	if d.deps.Backlog == nil {
		return nil
	}
	present, err := d.deps.Backlog.List(ctx, deviceID)
	if err != nil {
		return err
	}
	inBacklog := make(map[string]struct{}, len(present))
	for _, id := range present {
		inBacklog[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := inBacklog[id]; ok {
			continue
		}
		if err := d.deps.Backlog.Append(ctx, deviceID, id); err != nil {
			return err
		}
		d.log.Info("Queued command restored to backlog", "command_id", id, "device_id", deviceID)
	}
	return nil
}

// Close 停止全部定时器并等待后台任务结束
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, e := range d.commands {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	for id, t := range d.drains {
		t.Stop()
		delete(d.drains, id)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.log.Info("Command dispatcher stopped")
}

// backoff 第 n 次尝试失败后的等待：base * 2^(n-1)
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}

func commandTimeout(cmd *models.Command) time.Duration {
	if cmd.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(cmd.TimeoutMs) * time.Millisecond
}

func (d *Dispatcher) setStatusLocked(e *entry, status models.CommandStatus, msg string) *models.Command {
	e.cmd.Status = status
	e.cmd.StatusMessage = msg
	e.cmd.UpdatedAt = d.now()
	return e.cmd.Clone()
}

func (d *Dispatcher) finishLocked(e *entry, status models.CommandStatus, msg string) *models.Command {
	now := d.now()
	e.cmd.CompletedAt = &now
	return d.setStatusLocked(e, status, msg)
}

func (d *Dispatcher) persist(cmd *models.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Repo.SaveCommand(ctx, cmd); err != nil {
		d.log.Error("Persist command failed", err, "command_id", cmd.ID, "status", string(cmd.Status))
	}
}

// forget 终态命令移出内存，之后的查询走存储
func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	if e, ok := d.commands[id]; ok && e.timer == nil {
		delete(d.commands, id)
	}
	d.mu.Unlock()
}

// scheduleLocked 在 delay 后重新处理命令
func (d *Dispatcher) scheduleLocked(e *entry, delay time.Duration) {
	id := e.cmd.ID
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = d.after(delay, func() {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		if cur, ok := d.commands[id]; ok {
			cur.timer = nil
		}
		d.wg.Add(1)
		d.mu.Unlock()
		defer d.wg.Done()
		d.process(id)
	})
}

// goAsync 分发器已关闭时返回 false，fn 不会执行
func (d *Dispatcher) goAsync(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func describeSchedule(at time.Time) string {
	return fmt.Sprintf("scheduled for %s", at.UTC().Format(time.RFC3339))
}
