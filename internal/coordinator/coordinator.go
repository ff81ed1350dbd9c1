// Package coordinator 消费 runner 上报的事件，维护 Run / RunFragment / 组件状态，
// 负责把 Fragment 分配给 Runner 并记账资源组
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"symphony/internal/logging"
	"symphony/pkg/artifact"
	"symphony/pkg/event"
	"symphony/pkg/model"
	"symphony/pkg/schema"
	"symphony/pkg/store"

	"go.uber.org/zap"
)

// DefaultHeartbeatTimeout 超过这个时间没有心跳的 runner 会被标记为 OFFLINE
const DefaultHeartbeatTimeout = 15 * time.Second

// Coordinator 核心协调器
type Coordinator struct {
	store     store.Store // 依赖 Store 接口，etcd 或内存实现都可以
	artifacts artifact.Store
	registry  *event.Registry
	liveness  *liveness
	logger    *zap.Logger
}

type Option func(*Coordinator)

// WithArtifacts fragment 完成时检查产物是否已上传
func WithArtifacts(a artifact.Store) Option {
	return func(c *Coordinator) { c.artifacts = a }
}

// WithRegistry Ingest 使用的事件注册表，缺省为 event.Default()
func WithRegistry(r *event.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.liveness = newLiveness(d)
		}
	}
}

// NewCoordinator 构造函数
func NewCoordinator(s store.Store, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    s,
		registry: event.Default(),
		logger:   logging.Component(logger, "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.liveness == nil {
		c.liveness = newLiveness(DefaultHeartbeatTimeout)
	}
	return c
}

// Run 启动主循环 (后台常驻 Goroutine)：消费 coordinator mailbox 里的事件，
// 同时处理心跳超时
func (c *Coordinator) Run(ctx context.Context) {
	events := c.store.WatchEvents(ctx, store.CoordinatorMailbox)

	c.logger.Info("started, watching runner events")

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("event stream closed")
				return
			}
			if err := c.Handle(ctx, ev); err != nil {
				c.logger.Error("failed to handle event",
					zap.String("event", ev.Discriminator()),
					zap.Int64("runner_id", ev.EventHeader().RunnerID),
					zap.Error(err))
			}
			// 处理失败的事件也删掉：重放同一条坏事件没有意义，状态上报本身是幂等的
			if id, ok := ev.EventHeader().ID.Get(); ok {
				if err := c.store.DeleteEvent(ctx, store.CoordinatorMailbox, id); err != nil {
					c.logger.Warn("failed to delete handled event", zap.Int64("event_id", id), zap.Error(err))
				}
			}
		case runnerID := <-c.liveness.expired:
			if err := c.markOffline(ctx, runnerID); err != nil {
				c.logger.Error("failed to mark runner offline", zap.Int64("runner_id", runnerID), zap.Error(err))
			}
		case <-ctx.Done():
			c.logger.Info("stopped")
			return
		}
	}
}

// Ingest 解析一条通用记录并处理。未知类型和不合法的记录返回解析错误
func (c *Coordinator) Ingest(ctx context.Context, rec schema.Record) error {
	ev, err := c.registry.Parse(rec)
	if err != nil {
		return err
	}
	return c.Handle(ctx, ev)
}

// Handle 按事件类型分发，带 id 的事件处理成功后给 runner 回一个 Ack
func (c *Coordinator) Handle(ctx context.Context, ev event.Event) error {
	h := ev.EventHeader()
	var err error
	switch e := ev.(type) {
	case *event.RunnerHeartbeat:
		err = c.handleHeartbeat(ctx, h.RunnerID)
	case *event.RunnerStateChange:
		err = c.handleRunnerStateChange(ctx, e)
	case *event.RunFragmentStateChange:
		_, err = c.ApplyRunFragmentState(ctx, e.RunFragmentID, e.State)
	case *event.SimulatorStateChange:
		_, err = c.ApplySimulatorState(ctx, e)
	case *event.ProxyStateChange:
		_, err = c.ApplyProxyState(ctx, e)
	case *event.ConsoleOutput:
		err = c.handleConsoleOutput(ctx, e)
	case *event.Ack:
		c.logger.Debug("runner acknowledged event",
			zap.Int64("runner_id", h.RunnerID), zap.Int64("to_ack_id", e.ToAckID))
		return nil
	default:
		c.logger.Warn("ignoring unexpected event", zap.String("event", ev.Discriminator()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s from runner %d: %w", ev.Discriminator(), h.RunnerID, err)
	}
	return c.ack(ctx, ev)
}

func (c *Coordinator) ack(ctx context.Context, ev event.Event) error {
	runnerID := ev.EventHeader().RunnerID
	a := event.AckFor(ev, runnerID)
	if a == nil {
		return nil
	}
	a.Acknowledged = true
	return c.store.SendEvent(ctx, store.RunnerMailbox(runnerID), a)
}

// handleHeartbeat 刷新存活时间，OFFLINE 的 runner 恢复为 HEALTHY
func (c *Coordinator) handleHeartbeat(ctx context.Context, runnerID int64) error {
	c.liveness.Touch(runnerID)

	r, err := c.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if r.Status == model.RunnerHealthy {
		return nil
	}
	old := r.Status
	r.Status = model.RunnerHealthy
	if err := c.store.SaveRunner(ctx, &r); err != nil {
		return err
	}
	c.logger.Info("runner back online", zap.Int64("runner_id", runnerID), zap.String("old_status", string(old)))
	return nil
}

func (c *Coordinator) handleRunnerStateChange(ctx context.Context, e *event.RunnerStateChange) error {
	r, err := c.store.GetRunner(ctx, e.RunnerID)
	if err != nil {
		return err
	}
	if r.Status == e.NewStatus {
		return nil
	}
	r.Status = e.NewStatus
	if e.NewStatus == model.RunnerHealthy {
		c.liveness.Touch(e.RunnerID)
	}
	c.logger.Info("runner status changed", zap.Int64("runner_id", e.RunnerID),
		zap.String("old_status", string(e.OldStatus)), zap.String("new_status", string(e.NewStatus)))
	return c.store.SaveRunner(ctx, &r)
}

// markOffline 心跳超时：持久化 OFFLINE 并通知 runner
func (c *Coordinator) markOffline(ctx context.Context, runnerID int64) error {
	r, err := c.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if r.Status == model.RunnerOffline {
		return nil
	}
	old := r.Status
	r.Status = model.RunnerOffline
	if err := c.store.SaveRunner(ctx, &r); err != nil {
		return err
	}
	c.logger.Warn("runner missed heartbeats, marked offline", zap.Int64("runner_id", runnerID))
	return c.store.SendEvent(ctx, store.RunnerMailbox(runnerID), &event.RunnerStateChange{
		Header:    event.Header{RunnerID: runnerID},
		OldStatus: old,
		NewStatus: model.RunnerOffline,
	})
}

func (c *Coordinator) handleConsoleOutput(ctx context.Context, e *event.ConsoleOutput) error {
	if len(e.Lines) == 0 {
		return nil
	}
	lines, err := c.store.AppendOutput(ctx, e.RunID, e.Kind, e.ComponentID, e.ComponentName, e.Command, e.Lines)
	if err != nil {
		return err
	}
	c.logger.Debug("stored console output", zap.Int64("run_id", e.RunID),
		zap.String("kind", string(e.Kind)), zap.Int64("component_id", e.ComponentID), zap.Int("lines", len(lines)))
	return nil
}

// errUnchanged 让 Update* 放弃提交 (重复或过期的上报)
var errUnchanged = errors.New("unchanged")

func ignoreUnchanged(err error) error {
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}
