package coordinator

import (
	"context"
	"errors"

	"symphony/pkg/event"
	"symphony/pkg/model"

	"go.uber.org/zap"
)

// ApplyRunFragmentState 单调推进 RunFragment 的状态，然后重新推导所属 Run 的状态。
// 处于终态且资源还没归还时归还一次；上次归还失败的，重报的终态 (哪怕是 Duplicate) 会再试
func (c *Coordinator) ApplyRunFragmentState(ctx context.Context, runFragmentID int64, reported model.RunState) (model.Transition, error) {
	transition := model.TransitionUnknown
	rf, err := c.store.UpdateRunFragment(ctx, runFragmentID, func(rf *model.RunFragment) error {
		next, t, err := model.Advance(rf.State, reported)
		if err != nil {
			return err
		}
		transition = t
		if t != model.TransitionApplied {
			return errUnchanged
		}
		rf.State = next
		return nil
	})
	if errors.Is(err, errUnchanged) {
		rf, err = c.store.GetRunFragment(ctx, runFragmentID)
	}
	if err != nil {
		return model.TransitionUnknown, err
	}

	log := c.logger.With(zap.Int64("run_fragment_id", runFragmentID), zap.String("reported", string(reported)))
	switch transition {
	case model.TransitionStale:
		log.Debug("discarding stale run fragment state", zap.String("current", string(rf.State)))
	case model.TransitionApplied:
		log.Info("run fragment state advanced")
	}

	released := false
	if rf.State.Terminal() && !rf.ResourcesReleased {
		if err := c.release(ctx, rf); err != nil {
			return transition, err
		}
		released = true
	}
	if transition != model.TransitionApplied && !released {
		return transition, nil
	}
	if runID, ok := rf.RunID.Get(); ok {
		if err := c.refreshRunState(ctx, runID); err != nil {
			return transition, err
		}
	}
	return transition, nil
}

// refreshRunState 根据全部 RunFragment 推导 Run 的状态，同样只允许前进
func (c *Coordinator) refreshRunState(ctx context.Context, runID int64) error {
	fragments, err := c.store.ListRunFragments(ctx, model.RunFragmentQuery{RunID: model.Some(runID)})
	if err != nil {
		return err
	}
	states := make([]model.RunState, 0, len(fragments))
	for _, rf := range fragments {
		states = append(states, rf.State)
	}
	derived := model.DeriveRunState(states)

	return c.advanceRun(ctx, runID, derived)
}

func (c *Coordinator) advanceRun(ctx context.Context, runID int64, reported model.RunState) error {
	var transition model.Transition
	_, err := c.store.UpdateRun(ctx, runID, func(r *model.Run) error {
		next, t, err := model.Advance(r.State, reported)
		if err != nil {
			return err
		}
		transition = t
		if t != model.TransitionApplied {
			return errUnchanged
		}
		r.State = next
		return nil
	})
	if err = ignoreUnchanged(err); err != nil {
		return err
	}
	if transition == model.TransitionApplied {
		c.logger.Info("run state advanced", zap.Int64("run_id", runID), zap.String("state", string(reported)))
	}
	return nil
}

// ApplySimulatorState 单调推进 simulator 状态；名字和命令只要有就更新
func (c *Coordinator) ApplySimulatorState(ctx context.Context, e *event.SimulatorStateChange) (model.Transition, error) {
	transition := model.TransitionUnknown
	_, err := c.store.UpdateSimulatorState(ctx, e.RunID, e.SimulatorID, func(s *model.SimulatorState) error {
		next, t, err := model.Advance(s.State, e.State)
		if err != nil {
			return err
		}
		transition = t
		if t == model.TransitionStale {
			return errUnchanged
		}
		s.State = next
		if e.SimulatorName.Present {
			s.SimulatorName = e.SimulatorName
		}
		if e.Command.Present {
			s.Command = e.Command
		}
		return nil
	})
	if err = ignoreUnchanged(err); err != nil {
		return model.TransitionUnknown, err
	}
	if transition == model.TransitionStale {
		c.logger.Debug("discarding stale simulator state", zap.Int64("run_id", e.RunID),
			zap.Int64("simulator_id", e.SimulatorID), zap.String("reported", string(e.State)))
	}
	return transition, nil
}

// ApplyProxyState 同 ApplySimulatorState
func (c *Coordinator) ApplyProxyState(ctx context.Context, e *event.ProxyStateChange) (model.Transition, error) {
	transition := model.TransitionUnknown
	_, err := c.store.UpdateProxyState(ctx, e.RunID, e.ProxyID, func(p *model.ProxyState) error {
		next, t, err := model.Advance(p.State, e.State)
		if err != nil {
			return err
		}
		transition = t
		if t == model.TransitionStale {
			return errUnchanged
		}
		p.State = next
		if e.ProxyName.Present {
			p.ProxyName = e.ProxyName
		}
		if e.IP.Present {
			p.IP = e.IP
		}
		if e.Port.Present {
			p.Port = e.Port
		}
		if e.Command.Present {
			p.Command = e.Command
		}
		return nil
	})
	if err = ignoreUnchanged(err); err != nil {
		return model.TransitionUnknown, err
	}
	if transition == model.TransitionStale {
		c.logger.Debug("discarding stale proxy state", zap.Int64("run_id", e.RunID),
			zap.Int64("proxy_id", e.ProxyID), zap.String("reported", string(e.State)))
	}
	return transition, nil
}

// recordArtifact fragment 结束后检查 runner 是否上传了产物
func (c *Coordinator) recordArtifact(ctx context.Context, rf model.RunFragment) {
	if c.artifacts == nil {
		return
	}
	id, ok := rf.ID.Get()
	if !ok {
		return
	}
	exists, err := c.artifacts.Exists(ctx, id)
	if err != nil {
		c.logger.Warn("failed to check output artifact", zap.Int64("run_fragment_id", id), zap.Error(err))
		return
	}
	if _, err := c.store.UpdateRunFragment(ctx, id, func(rf *model.RunFragment) error {
		rf.OutputArtifactExists = model.Some(exists)
		return nil
	}); err != nil {
		c.logger.Warn("failed to record output artifact", zap.Int64("run_fragment_id", id), zap.Error(err))
	}
}
