package command

import (
	"context"
	"fmt"
	"time"

	"github.com/gonglijing/xunjiHub/internal/models"
)

// process 从调度判断开始推进一次命令，返回本轮结束时的状态
func (d *Dispatcher) process(id string) models.CommandStatus {
	ctx := d.ctx

	d.mu.Lock()
	e, ok := d.commands[id]
	if !ok || d.closed {
		d.mu.Unlock()
		return ""
	}
	if e.cmd.Status.IsTerminal() {
		status := e.cmd.Status
		d.mu.Unlock()
		return status
	}
	if e.cmd.ScheduledFor != nil {
		at := *e.cmd.ScheduledFor
		if wait := at.Sub(d.now()); wait > 0 {
			snap := d.setStatusLocked(e, models.CommandScheduled, describeSchedule(at))
			d.mu.Unlock()
			d.persist(snap)
			d.armIf(id, models.CommandScheduled, wait)
			return models.CommandScheduled
		}
		e.cmd.ScheduledFor = nil
	}
	var due *models.Command
	if e.cmd.Status == models.CommandScheduled {
		due = d.setStatusLocked(e, models.CommandPending, "schedule due")
	}
	cmd := e.cmd.Clone()
	d.mu.Unlock()
	if due != nil {
		d.persist(due)
	}

	device, err := d.deps.Devices.GetDevice(ctx, cmd.DeviceID)
	if err != nil {
		return d.fail(id, fmt.Sprintf("device lookup failed: %v", err))
	}

	if cmd.Priority != models.PriorityUrgent {
		online, err := d.deps.Reachability.IsOnline(ctx, device.ID)
		if err != nil {
			d.log.Warn("Reachability check failed, treating device as offline", "device_id", device.ID, "error", err)
		}
		if !online {
			return d.enqueue(id, device.ID)
		}
	}

	protocol := device.NormalizedProtocol()
	var sender Sender
	if d.deps.Senders != nil {
		sender, ok = d.deps.Senders(protocol)
	}
	if !ok || sender == nil {
		return d.fail(id, fmt.Sprintf("no adapter for protocol %q", protocol))
	}

	d.mu.Lock()
	if e.cmd.Status.IsTerminal() || e.cancelled {
		status := e.cmd.Status
		d.mu.Unlock()
		return status
	}
	e.cmd.Attempts++
	attempt := e.cmd.Attempts
	snap := d.setStatusLocked(e, models.CommandSending, fmt.Sprintf("attempt %d", attempt))
	d.mu.Unlock()
	d.persist(snap)

	dl, err := d.downlink(snap, device)
	if err != nil {
		return d.fail(id, fmt.Sprintf("encode failed: %v", err))
	}

	timeout := commandTimeout(snap)
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	err = sender.SendCommand(sendCtx, device, dl)
	cancel()
	if err != nil {
		return d.sendFailed(id, attempt, err)
	}

	d.mu.Lock()
	snap = d.setStatusLocked(e, models.CommandDelivered, "")
	d.mu.Unlock()
	d.persist(snap)
	d.log.Info("Command delivered", "command_id", id, "device_id", device.ID, "attempt", attempt)

	if device.SupportsAck {
		d.mu.Lock()
		d.wakers[id] = make(chan struct{}, 1)
		d.mu.Unlock()
		d.goAsync(func() { d.waitAck(id, timeout) })
	} else {
		d.forget(id)
	}
	return models.CommandDelivered
}

// enqueue 设备离线，命令进入积压队列
func (d *Dispatcher) enqueue(id, deviceID string) models.CommandStatus {
	d.mu.Lock()
	e, ok := d.commands[id]
	if !ok || e.cmd.Status.IsTerminal() {
		d.mu.Unlock()
		return models.CommandCancelled
	}
	snap := d.setStatusLocked(e, models.CommandQueued, "device offline")
	d.mu.Unlock()
	d.persist(snap)

	if err := d.deps.Backlog.Append(d.ctx, deviceID, id); err != nil {
		d.log.Error("Append to backlog failed, retrying later", err, "command_id", id, "device_id", deviceID)
		d.mu.Lock()
		if e.cmd.Status == models.CommandQueued {
			e.cmd.Status = models.CommandPending
			d.scheduleLocked(e, d.cfg.BaseBackoff)
		}
		d.mu.Unlock()
		return models.CommandQueued
	}
	d.log.Info("Device offline, command queued", "command_id", id, "device_id", deviceID)

	// 入队期间设备可能已上线，补一次排出
	if online, err := d.deps.Reachability.IsOnline(d.ctx, deviceID); err == nil && online {
		d.OnDeviceOnline(d.ctx, deviceID)
	}
	return models.CommandQueued
}

// sendFailed 发送失败：有剩余重试则退避后重试，否则失败
func (d *Dispatcher) sendFailed(id string, attempt int, sendErr error) models.CommandStatus {
	d.mu.Lock()
	e, ok := d.commands[id]
	if !ok {
		d.mu.Unlock()
		return ""
	}
	if e.cancelled || e.cmd.RetriesRemaining <= 0 {
		msg := fmt.Sprintf("send failed after %d attempt(s): %v", attempt, sendErr)
		if e.cancelled {
			msg = fmt.Sprintf("send failed, retries suppressed by cancel: %v", sendErr)
		}
		d.mu.Unlock()
		return d.fail(id, msg)
	}
	e.cmd.RetriesRemaining--
	delay := d.backoff(attempt)
	snap := d.setStatusLocked(e, models.CommandPending,
		fmt.Sprintf("send failed: %v; retry in %s", sendErr, delay))
	d.mu.Unlock()

	d.persist(snap)
	d.armIf(id, models.CommandPending, delay)
	d.log.Warn("Command send failed, retry scheduled", "command_id", id, "attempt", attempt,
		"retry_in", delay.String(), "retries_remaining", snap.RetriesRemaining, "error", sendErr)
	return models.CommandPending
}

// armIf 命令仍处于 status 时才挂定时器（期间可能已被取消）
func (d *Dispatcher) armIf(id string, status models.CommandStatus, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.commands[id]; ok && e.cmd.Status == status {
		d.scheduleLocked(e, delay)
	}
}

// fail 命令进入 FAILED；紧急命令额外发出失败事件
func (d *Dispatcher) fail(id, msg string) models.CommandStatus {
	d.mu.Lock()
	e, ok := d.commands[id]
	if !ok || e.cmd.Status.IsTerminal() {
		d.mu.Unlock()
		return models.CommandFailed
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	snap := d.finishLocked(e, models.CommandFailed, msg)
	d.mu.Unlock()

	d.persist(snap)
	d.forget(id)
	d.log.Warn("Command failed", "command_id", id, "device_id", snap.DeviceID, "reason", msg)
	if snap.Priority == models.PriorityUrgent && d.deps.Failures != nil {
		d.deps.Failures.RaiseCommandFailure(d.ctx, snap)
	}
	return models.CommandFailed
}

// waitAck 在超时内轮询回执，RecordAck 可提前唤醒
func (d *Dispatcher) waitAck(id string, timeout time.Duration) {
	d.mu.Lock()
	wake := d.wakers[id]
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.wakers, id)
		d.mu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.AckPollInterval)
	defer ticker.Stop()

	for {
		if d.acked(id) {
			d.complete(id)
			return
		}
		select {
		case <-d.ctx.Done():
			return
		case <-deadline.C:
			if d.acked(id) {
				d.complete(id)
				return
			}
			d.ackTimeout(id, timeout)
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (d *Dispatcher) acked(id string) bool {
	ok, err := d.deps.Acks.Acked(d.ctx, id)
	if err != nil {
		d.log.Debug("Ack check failed", "command_id", id, "error", err)
		return false
	}
	return ok
}

func (d *Dispatcher) complete(id string) {
	d.mu.Lock()
	e, ok := d.commands[id]
	if !ok || e.cmd.Status != models.CommandDelivered {
		d.mu.Unlock()
		return
	}
	snap := d.finishLocked(e, models.CommandCompleted, "acknowledged")
	d.mu.Unlock()
	d.persist(snap)
	d.forget(id)
	d.log.Info("Command acknowledged", "command_id", id)
}

// ackTimeout 超时不算失败，保持 DELIVERED 并注明未收到回执
func (d *Dispatcher) ackTimeout(id string, timeout time.Duration) {
	d.mu.Lock()
	e, ok := d.commands[id]
	if !ok || e.cmd.Status != models.CommandDelivered {
		d.mu.Unlock()
		return
	}
	snap := d.setStatusLocked(e, models.CommandDelivered, fmt.Sprintf("no ack within %s", timeout))
	d.mu.Unlock()
	d.persist(snap)
	d.forget(id)
	d.log.Info("Command delivered without ack", "command_id", id, "timeout", timeout.String())
}

// downlink 构建下发载荷；设备配置了编解码器时使用二进制编码
func (d *Dispatcher) downlink(cmd *models.Command, device *models.Device) (*models.Downlink, error) {
	dl := &models.Downlink{
		CommandID:   cmd.ID,
		CommandType: cmd.Type,
		Params:      cmd.Params,
	}
	if device.CodecID == "" || d.deps.Encoder == nil {
		return dl, nil
	}
	enc, err := d.deps.Encoder.Encode(cmd, device.CodecID)
	if err != nil {
		return nil, err
	}
	dl.Payload = enc.Bytes
	dl.FPort = enc.FPort
	dl.Confirmed = enc.Confirmed
	dl.Binary = true
	return dl, nil
}
