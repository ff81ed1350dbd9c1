package coordinator

import (
	"context"
	"errors"
	"fmt"

	"symphony/pkg/event"
	"symphony/pkg/model"
	"symphony/pkg/store"

	"go.uber.org/zap"
)

// ErrRunFinished 给已经结束的 Run 分配 fragment
var ErrRunFinished = errors.New("run already finished")

// AssignFragment 把 fragment 绑定到 runner：
// 先在资源组上原子地扣减计数器，再持久化 PENDING 的 RunFragment，最后通知 runner 启动。
// 资源不足时返回 model.ErrResourceExhausted，什么都不持久化。
// 通知失败或者 Run 在此期间结束，RunFragment 进入终态并归还资源
func (c *Coordinator) AssignFragment(ctx context.Context, runID int64, f model.Fragment, runnerID int64) (model.RunFragment, error) {
	if err := f.Validate(); err != nil {
		return model.RunFragment{}, err
	}
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunFragment{}, err
	}
	if run.State.Terminal() {
		return model.RunFragment{}, fmt.Errorf("%w: run %d is %s", ErrRunFinished, runID, run.State)
	}
	runner, err := c.store.GetRunner(ctx, runnerID)
	if err != nil {
		return model.RunFragment{}, err
	}
	if err := checkRunner(f, runner); err != nil {
		return model.RunFragment{}, err
	}

	cores, memory := f.CoresRequired.OrElse(0), f.MemoryRequired.OrElse(0)
	groupID := runner.ResourceGroupID.Value
	if _, err := c.store.UpdateResourceGroup(ctx, groupID, func(g *model.ResourceGroup) error {
		return g.Reserve(cores, memory)
	}); err != nil {
		if errors.Is(err, model.ErrResourceExhausted) {
			c.logger.Warn("fragment not assigned: resource group exhausted",
				zap.Int64("run_id", runID), zap.Int64("runner_id", runnerID), zap.Int64("resource_group_id", groupID))
		}
		return model.RunFragment{}, err
	}

	rf := model.RunFragment{
		RunID:           model.Some(runID),
		RunnerID:        model.Some(runnerID),
		Fragment:        &f,
		State:           model.RunPending,
		ResourceGroupID: model.Some(groupID),
	}
	if err := c.store.SaveRunFragment(ctx, &rf); err != nil {
		c.giveBack(ctx, groupID, cores, memory)
		return model.RunFragment{}, err
	}

	start := &event.StartRun{
		Header:        event.Header{RunnerID: runnerID},
		RunFragmentID: rf.ID.Value,
		RunID:         runID,
		Fragment:      f,
	}
	if err := c.store.SendEvent(ctx, store.RunnerMailbox(runnerID), start); err != nil {
		c.abandon(ctx, rf, model.RunError)
		return model.RunFragment{}, fmt.Errorf("notify runner %d: %w", runnerID, err)
	}

	// CancelRun 先把 Run 置为终态再列出 fragment。RunFragment 已经落盘，
	// 这里再读一次 Run：要么 CancelRun 能列到它，要么这里能看到终态。
	// runner 可能已经跑完了这个 fragment，Run 因此结束的不算
	run, err = c.store.GetRun(ctx, runID)
	if err != nil {
		return rf, err
	}
	if run.State.Terminal() {
		cur, err := c.store.GetRunFragment(ctx, rf.ID.Value)
		if err != nil {
			return rf, err
		}
		if !cur.State.Terminal() {
			c.abandon(ctx, cur, model.RunCancelled)
			return model.RunFragment{}, fmt.Errorf("%w: run %d is %s", ErrRunFinished, runID, run.State)
		}
		rf = cur
	}

	c.logger.Info("fragment assigned",
		zap.Int64("run_id", runID), zap.Int64("run_fragment_id", rf.ID.Value), zap.Int64("runner_id", runnerID),
		zap.Int64("cores", cores), zap.Int64("memory", memory))

	if err := c.refreshRunState(ctx, runID); err != nil {
		return rf, err
	}
	return rf, nil
}

// abandon 分配中途失败：RunFragment 进入终态 (同时归还资源)，runner 如果已经收到 StartRun 也会收到 KillRun
func (c *Coordinator) abandon(ctx context.Context, rf model.RunFragment, state model.RunState) {
	log := c.logger.With(zap.Int64("run_fragment_id", rf.ID.Value), zap.String("state", string(state)))
	if _, err := c.ApplyRunFragmentState(ctx, rf.ID.Value, state); err != nil {
		log.Error("failed to abandon run fragment", zap.Error(err))
	}
	runnerID := rf.RunnerID.Value
	kill := &event.KillRun{Header: event.Header{RunnerID: runnerID}, RunFragmentID: rf.ID.Value}
	if err := c.store.SendEvent(ctx, store.RunnerMailbox(runnerID), kill); err != nil {
		log.Warn("failed to send kill for abandoned run fragment", zap.Error(err))
	}
	log.Warn("run fragment abandoned")
}

// CancelRun 先把 Run 置为 CANCELLED，再把它所有未结束的 RunFragment 置为 CANCELLED 并通知 runner 停止。
// 顺序不能反：AssignFragment 靠落盘之后重读 Run 来发现并发的取消
func (c *Coordinator) CancelRun(ctx context.Context, runID int64) error {
	if err := c.advanceRun(ctx, runID, model.RunCancelled); err != nil {
		return err
	}
	fragments, err := c.store.ListRunFragments(ctx, model.RunFragmentQuery{RunID: model.Some(runID)})
	if err != nil {
		return err
	}
	for _, rf := range fragments {
		if rf.State.Terminal() {
			continue
		}
		if _, err := c.ApplyRunFragmentState(ctx, rf.ID.Value, model.RunCancelled); err != nil {
			return err
		}
		if runnerID, ok := rf.RunnerID.Get(); ok {
			kill := &event.KillRun{Header: event.Header{RunnerID: runnerID}, RunFragmentID: rf.ID.Value}
			if err := c.store.SendEvent(ctx, store.RunnerMailbox(runnerID), kill); err != nil {
				return fmt.Errorf("notify runner %d: %w", runnerID, err)
			}
		}
	}
	c.logger.Info("run cancelled", zap.Int64("run_id", runID), zap.Int("fragments", len(fragments)))
	return nil
}

// release 把资源还给分配时记录的资源组，和 resources_released 标记一起提交
func (c *Coordinator) release(ctx context.Context, rf model.RunFragment) error {
	settled, err := c.store.ReleaseRunFragment(ctx, rf.ID.Value)
	if err != nil {
		return fmt.Errorf("release resources of run fragment %d: %w", rf.ID.Value, err)
	}
	cores, memory := settled.Reserved()
	c.logger.Debug("resources released", zap.Int64("run_fragment_id", rf.ID.Value),
		zap.Int64("resource_group_id", settled.ResourceGroupID.Value), zap.Int64("cores", cores), zap.Int64("memory", memory))
	c.recordArtifact(ctx, settled)
	return nil
}

// giveBack 持久化失败时回滚已经扣减的计数器
func (c *Coordinator) giveBack(ctx context.Context, groupID, cores, memory int64) {
	if _, err := c.store.UpdateResourceGroup(ctx, groupID, func(g *model.ResourceGroup) error {
		g.Release(cores, memory)
		return nil
	}); err != nil {
		c.logger.Error("failed to roll back reservation", zap.Int64("resource_group_id", groupID), zap.Error(err))
	}
}
