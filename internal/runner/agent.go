// Package runner 运行在执行节点上的 agent：注册自己、发送心跳、
// 执行 coordinator 分配下来的 RunFragment 并上报状态和输出
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"symphony/internal/config"
	"symphony/internal/logging"
	"symphony/internal/runner/executor"
	"symphony/pkg/artifact"
	"symphony/pkg/event"
	"symphony/pkg/model"
	"symphony/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Agent struct {
	cfg       config.RunnerConfig
	store     store.Store
	executor  executor.Executor
	artifacts artifact.Store
	logger    *zap.Logger

	runner model.Runner

	mu      sync.Mutex
	running map[int64]context.CancelFunc // run fragment id -> 取消执行
	wg      sync.WaitGroup
}

type Option func(*Agent)

// WithArtifacts 执行结束后把产物上传到对象存储
func WithArtifacts(s artifact.Store) Option {
	return func(a *Agent) { a.artifacts = s }
}

func NewAgent(s store.Store, exec executor.Executor, cfg config.RunnerConfig, logger *zap.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		store:    s,
		executor: exec,
		logger:   logging.Component(logger, "runner"),
		running:  make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID 注册之后才有效
func (a *Agent) ID() int64 {
	return a.runner.ID.Value
}

// Run 注册、启动心跳，然后处理自己 mailbox 里的事件直到 ctx 结束
func (a *Agent) Run(ctx context.Context) error {
	// 1. 注册
	if err := a.Register(ctx); err != nil {
		return err
	}

	// 2. 启动心跳
	go a.startHeartbeat(ctx)

	// 3. 启动事件监听
	a.logger.Info("waiting for run fragments", zap.Int64("runner_id", a.ID()), zap.String("label", a.runner.Label.Value))
	a.watchEvents(ctx)

	a.wg.Wait()
	return nil
}

// Register 把自己写进存储。配置了 id 时复用原来的记录，否则分配新 id；
// 没有配置 label 时生成一个
func (a *Agent) Register(ctx context.Context) error {
	r := model.Runner{}
	if a.cfg.ID != 0 {
		existing, err := a.store.GetRunner(ctx, a.cfg.ID)
		switch {
		case err == nil:
			r = existing
		case errors.Is(err, store.ErrNotFound):
			r.ID = model.Some(a.cfg.ID)
		default:
			return fmt.Errorf("look up runner %d: %w", a.cfg.ID, err)
		}
	}

	switch {
	case a.cfg.Label != "":
		r.Label = model.Some(a.cfg.Label)
	case !r.Label.Present:
		r.Label = model.Some("runner-" + uuid.NewString()[:8])
	}
	if a.cfg.NamespaceID != 0 {
		r.NamespaceID = model.Some(a.cfg.NamespaceID)
	}
	if a.cfg.ResourceGroupID != 0 {
		r.ResourceGroupID = model.Some(a.cfg.ResourceGroupID)
	}
	r.Tags = model.Tags(a.cfg.Tags...)
	r.PluginTags = model.Tags(a.cfg.PluginTags...)
	r.Status = model.RunnerHealthy

	if err := a.store.SaveRunner(ctx, &r); err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	a.runner = r
	a.logger.Info("registered", zap.Int64("runner_id", r.ID.Value), zap.String("label", r.Label.Value),
		zap.Strings("tags", a.cfg.Tags), zap.Strings("plugin_tags", a.cfg.PluginTags))
	return nil
}

func (a *Agent) startHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	a.heartbeat(ctx)
	for {
		select {
		case <-ticker.C:
			a.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	a.send(ctx, &event.RunnerHeartbeat{})
}

func (a *Agent) watchEvents(ctx context.Context) {
	mailbox := store.RunnerMailbox(a.ID())
	for ev := range a.store.WatchEvents(ctx, mailbox) {
		a.handle(ctx, ev)
		if id, ok := ev.EventHeader().ID.Get(); ok {
			if err := a.store.DeleteEvent(ctx, mailbox, id); err != nil {
				a.logger.Warn("failed to delete handled event", zap.Int64("event_id", id), zap.Error(err))
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, ev event.Event) {
	switch e := ev.(type) {
	case *event.StartRun:
		a.start(ctx, e)
	case *event.KillRun:
		if !a.kill(e.RunFragmentID) {
			a.logger.Debug("kill for a fragment that is not running", zap.Int64("run_fragment_id", e.RunFragmentID))
		}
	case *event.RunnerStateChange:
		if e.NewStatus == model.RunnerOffline {
			// coordinator 认为我们掉线了，马上补一次心跳
			a.logger.Warn("coordinator marked this runner offline")
			a.heartbeat(ctx)
		}
	case *event.Ack:
		a.logger.Debug("coordinator acknowledged event", zap.Int64("to_ack_id", e.ToAckID))
		return
	default:
		a.logger.Warn("ignoring unexpected event", zap.String("event", ev.Discriminator()))
	}
	if ack := event.AckFor(ev, a.ID()); ack != nil {
		ack.Acknowledged = true
		a.send(ctx, ack)
	}
}

// start 异步执行，防止阻塞事件循环。重复下发的 StartRun 被忽略
func (a *Agent) start(ctx context.Context, e *event.StartRun) {
	a.mu.Lock()
	if _, ok := a.running[e.RunFragmentID]; ok {
		a.mu.Unlock()
		a.logger.Debug("run fragment already running", zap.Int64("run_fragment_id", e.RunFragmentID))
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.running[e.RunFragmentID] = cancel
	a.mu.Unlock()

	a.logger.Info("received run fragment", zap.Int64("run_fragment_id", e.RunFragmentID), zap.Int64("run_id", e.RunID))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.running, e.RunFragmentID)
			a.mu.Unlock()
			cancel()
		}()
		a.execute(runCtx, e)
	}()
}

func (a *Agent) kill(runFragmentID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.running[runFragmentID]
	if ok {
		a.logger.Info("killing run fragment", zap.Int64("run_fragment_id", runFragmentID))
		cancel()
	}
	return ok
}

// execute 执行 fragment 并上报：状态 -> 输出 -> 产物 -> 终态
func (a *Agent) execute(ctx context.Context, e *event.StartRun) {
	// 被 kill 之后还要继续上报
	report := context.WithoutCancel(ctx)

	componentID := e.Fragment.ID.OrElse(e.RunFragmentID)
	name := "fragment-" + strconv.FormatInt(componentID, 10)
	command := strings.Join(a.cfg.Command, " ")
	log := a.logger.With(zap.Int64("run_fragment_id", e.RunFragmentID), zap.Int64("run_id", e.RunID))

	a.send(report, &event.RunFragmentStateChange{RunFragmentID: e.RunFragmentID, State: model.RunRunning})
	a.reportSimulator(report, e.RunID, componentID, name, command, model.ComponentStarting)

	spec := executor.Spec{
		RunFragmentID: e.RunFragmentID,
		Image:         a.cfg.Image,
		Command:       a.cfg.Command,
		Env: []string{
			"SYMPHONY_RUN_ID=" + strconv.FormatInt(e.RunID, 10),
			"SYMPHONY_RUN_FRAGMENT_ID=" + strconv.FormatInt(e.RunFragmentID, 10),
			"SYMPHONY_FRAGMENT_ID=" + strconv.FormatInt(componentID, 10),
		},
		Cores:     e.Fragment.CoresRequired.OrElse(0),
		MemoryMB:  e.Fragment.MemoryRequired.OrElse(0),
		OutputDir: a.cfg.OutputDir,
	}
	a.reportSimulator(report, e.RunID, componentID, name, command, model.ComponentRunning)
	res, err := a.executor.Run(ctx, spec)

	final := model.RunCompleted
	switch {
	case ctx.Err() != nil:
		final = model.RunCancelled
		log.Info("run fragment cancelled")
	case err != nil:
		final = model.RunError
		log.Error("run fragment failed", zap.Error(err))
	case res.ExitCode != 0:
		final = model.RunError
		log.Warn("run fragment exited with non-zero code", zap.Int64("exit_code", res.ExitCode))
	default:
		log.Info("run fragment finished")
	}

	if len(res.Lines) > 0 {
		a.send(report, &event.ConsoleOutput{
			RunID:         e.RunID,
			Kind:          model.KindSimulator,
			ComponentID:   componentID,
			ComponentName: name,
			Command:       command,
			Lines:         res.Lines,
		})
	}
	if res.Artifact != nil && a.artifacts != nil {
		if err := a.artifacts.Put(report, e.RunFragmentID, bytes.NewReader(res.Artifact), int64(len(res.Artifact))); err != nil {
			log.Warn("failed to upload output artifact", zap.Error(err))
		} else {
			log.Debug("output artifact uploaded", zap.Int("bytes", len(res.Artifact)))
		}
	}

	a.reportSimulator(report, e.RunID, componentID, name, command, model.ComponentTerminated)
	a.send(report, &event.RunFragmentStateChange{RunFragmentID: e.RunFragmentID, State: final})
}

func (a *Agent) reportSimulator(ctx context.Context, runID, simulatorID int64, name, command string, state model.RunComponentState) {
	a.send(ctx, &event.SimulatorStateChange{
		RunID:         runID,
		SimulatorID:   simulatorID,
		SimulatorName: model.Some(name),
		Command:       model.Some(command),
		State:         state,
	})
}

// send 发给 coordinator，失败只记日志：状态上报是幂等的，下一次上报会覆盖
func (a *Agent) send(ctx context.Context, ev event.Event) {
	ev.EventHeader().RunnerID = a.ID()
	if err := a.store.SendEvent(ctx, store.CoordinatorMailbox, ev); err != nil {
		a.logger.Warn("failed to send event", zap.String("event", ev.Discriminator()), zap.Error(err))
	}
}
